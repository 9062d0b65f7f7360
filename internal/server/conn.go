package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/triplore/tripchat/internal/types"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
)

// Conn is one authenticated client connection. The read loop dispatches
// inbound frames to room actors; the write loop drains the bounded send
// queue. Room membership dies with the connection: a reconnecting client
// must re-join and re-fetch backlog.
type Conn struct {
	id        string
	sock      *websocket.Conn
	cs        *ChatServer
	log       *log.Logger
	user      types.User
	send      chan *ServerFrame
	rooms     map[string]*room
	roomsLock sync.RWMutex
	stop      chan struct{}
	closeOnce sync.Once
}

func NewConn(id string, user types.User, sock *websocket.Conn, cs *ChatServer, l *log.Logger) *Conn {
	return &Conn{
		id:    id,
		sock:  sock,
		cs:    cs,
		log:   l,
		user:  user,
		send:  make(chan *ServerFrame, cs.cfg.SendQueueSize),
		rooms: make(map[string]*room),
		stop:  make(chan struct{}),
	}
}

func (c *Conn) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.sock.Close()
		c.log.Printf("conn %q: write exiting", c.id)
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(frame)
			if err != nil {
				c.log.Println("failed to serialize frame:", err)
				continue
			}

			if !c.writeMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.writeMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Conn) Read() {
	defer func() {
		c.sock.Close()
		c.cleanup()
		c.log.Printf("conn %q: read exiting", c.id)
	}()

	c.sock.SetReadLimit(c.cs.cfg.MaxMessageSize * 2)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error { c.sock.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Println("error parsing frame:", err)
			c.queueFrame(ErrInvalidMessage(-1))
			continue
		}

		frame.conn = c
		frame.Timestamp = Now()

		switch {
		case frame.Join != nil:
			c.joinRoom(&frame)
		case frame.Leave != nil:
			c.leaveRoom(&frame)
		case frame.Publish != nil:
			c.routeToRoom(&frame, frame.Publish.RoomId)
		case frame.Typing != nil:
			c.routeToRoom(&frame, frame.Typing.RoomId)
		default:
			c.queueFrame(ErrInvalidMessage(frame.Id))
		}
	}
}

// queueFrame enqueues without blocking. A full queue means the consumer
// cannot keep up; it reports failure so the caller can disconnect it.
func (c *Conn) queueFrame(frame *ServerFrame) bool {
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Printf("conn %q: send queue full", c.id)
		return false
	}
}

func (c *Conn) writeMessage(msgType int, msg []byte) bool {
	c.sock.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.sock.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

// Close tears the connection down. Safe to call from any goroutine and
// more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		if c.sock != nil {
			c.sock.Close()
		}
	})
}

func (c *Conn) cleanup() {
	select {
	case c.cs.deRegisterChan <- c:
	case <-c.cs.stop:
		// server is draining; the connection table dies with it
		return
	}
	c.leaveAllRooms()
	c.Close()
}

// leaveAllRooms clears the connection's membership in every room so the
// registry holds no orphan references after a disconnect.
func (c *Conn) leaveAllRooms() {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	for _, r := range c.rooms {
		r.leaveChan <- &ClientFrame{
			Leave: &Leave{RoomId: r.id},
			conn:  c,
		}
	}
}

func (c *Conn) joinRoom(frame *ClientFrame) {
	select {
	case c.cs.joinChan <- frame:
	default:
		c.log.Printf("conn %q: join channel full", c.id)
		c.queueFrame(ErrServiceUnavailable(frame.Id))
	}
}

func (c *Conn) leaveRoom(frame *ClientFrame) {
	r := c.getRoom(frame.Leave.RoomId)
	if r == nil {
		c.queueFrame(ErrRoomNotFound(frame.Id))
		return
	}

	select {
	case r.leaveChan <- frame:
	default:
		c.log.Printf("conn %q: leave channel full for room %q", c.id, r.id)
		c.queueFrame(ErrServiceUnavailable(frame.Id))
	}
}

func (c *Conn) routeToRoom(frame *ClientFrame, roomId string) {
	r := c.getRoom(roomId)
	if r == nil {
		c.queueFrame(ErrRoomNotFound(frame.Id))
		return
	}

	select {
	case r.msgChan <- frame:
	default:
		c.log.Printf("conn %q: message channel full for room %q", c.id, r.id)
		c.queueFrame(ErrServiceUnavailable(frame.Id))
	}
}

func (c *Conn) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Conn) addRoom(r *room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.id] = r
}

func (c *Conn) getRoom(id string) *room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	return c.rooms[id]
}

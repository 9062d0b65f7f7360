package server

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/triplore/tripchat/internal/broker"
	"github.com/triplore/tripchat/internal/config"
	"github.com/triplore/tripchat/internal/stats"
	"github.com/triplore/tripchat/internal/store"
	"github.com/triplore/tripchat/internal/types"
)

// ChatServer owns the connection table and the room registry. It is an
// explicit object: several instances can run side by side, each with a
// disjoint set of connections, sharing only the durable store and the
// broadcast bus.
type ChatServer struct {
	log      *log.Logger
	cfg      *config.Config
	messages store.MessageStore
	members  store.MembershipStore
	bus      broker.Bus
	stats    stats.StatsProvider

	conns     map[*Conn]struct{}
	connsLock sync.Mutex

	joinChan       chan *ClientFrame
	RegisterChan   chan *Conn
	deRegisterChan chan *Conn
	unloadRoomChan chan string
	remoteChan     chan types.Message

	rooms map[string]*room
	stop  chan struct{}
	done  chan struct{}
}

func NewChatServer(logger *log.Logger, cfg *config.Config, messages store.MessageStore, members store.MembershipStore, bus broker.Bus, sp stats.StatsProvider) (*ChatServer, error) {
	if messages == nil || members == nil {
		return nil, fmt.Errorf("message and membership stores are required")
	}

	return &ChatServer{
		log:            logger,
		cfg:            cfg,
		messages:       messages,
		members:        members,
		bus:            bus,
		stats:          sp,
		conns:          make(map[*Conn]struct{}),
		joinChan:       make(chan *ClientFrame, 256),
		RegisterChan:   make(chan *Conn),
		deRegisterChan: make(chan *Conn),
		unloadRoomChan: make(chan string, 16),
		remoteChan:     make(chan types.Message, 256),
		rooms:          make(map[string]*room),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}, nil
}

// Run is the gateway dispatch loop. Rooms are created lazily on first
// join; membership is checked inside the room actor.
func (cs *ChatServer) Run() {
	if err := cs.bus.Subscribe(cs.deliverRemote); err != nil {
		cs.log.Println("bus subscribe:", err)
	}

	for {
		select {
		case join := <-cs.joinChan:
			room := cs.loadRoom(join.Join.RoomId)
			select {
			case room.joinChan <- join:
			default:
				cs.log.Printf("join channel full on room %q", room.id)
				join.conn.queueFrame(ErrServiceUnavailable(join.Id))
			}
		case conn := <-cs.RegisterChan:
			cs.log.Printf("adding connection %q for %q", conn.id, conn.user.Id)
			cs.addConn(conn)
			cs.stats.Incr(stats.ActiveConnections)
		case conn := <-cs.deRegisterChan:
			cs.log.Printf("removing connection %q for %q", conn.id, conn.user.Id)
			cs.removeConn(conn)
			cs.stats.Decr(stats.ActiveConnections)
		case msg := <-cs.remoteChan:
			// only rooms with live local members exist in the registry;
			// everyone else will see the message in their backlog
			if room, ok := cs.rooms[msg.RoomId]; ok {
				select {
				case room.remoteChan <- msg:
				default:
					cs.log.Printf("remote channel full on room %q", room.id)
				}
			}
		case id := <-cs.unloadRoomChan:
			cs.unloadRoom(id)
		case <-cs.stop:
			cs.log.Println("shutting down rooms")
			for _, r := range cs.rooms {
				done := make(chan struct{})
				r.exit <- exitReq{done: done}
				<-done
			}

			close(cs.done)
			return
		}
	}
}

func (cs *ChatServer) loadRoom(id string) *room {
	if r, ok := cs.rooms[id]; ok {
		return r
	}

	r := &room{
		id:         id,
		cs:         cs,
		joinChan:   make(chan *ClientFrame, 256),
		leaveChan:  make(chan *ClientFrame, 256),
		msgChan:    make(chan *ClientFrame, 256),
		remoteChan: make(chan types.Message, 256),
		conns:      make(map[*Conn]struct{}),
		userConns:  make(map[string]map[*Conn]struct{}),
		typing:     newTypingTracker(cs.cfg.TypingTTL),
		log:        cs.log,
		exit:       make(chan exitReq),
	}

	cs.rooms[id] = r
	cs.stats.Incr(stats.ActiveRooms)
	go r.start()

	return r
}

func (cs *ChatServer) unloadRoom(id string) {
	r, ok := cs.rooms[id]
	if !ok {
		return
	}

	cs.log.Printf("unloading room %q", id)
	delete(cs.rooms, id)
	cs.stats.Decr(stats.ActiveRooms)

	done := make(chan struct{})
	r.exit <- exitReq{done: done}
	<-done
}

// deliverRemote is the bus subscription callback; it hops onto the
// dispatch loop so the rooms map is only touched from one goroutine.
func (cs *ChatServer) deliverRemote(msg types.Message) {
	select {
	case cs.remoteChan <- msg:
	case <-cs.stop:
	}
}

func (cs *ChatServer) addConn(c *Conn) {
	cs.connsLock.Lock()
	defer cs.connsLock.Unlock()
	cs.conns[c] = struct{}{}
}

func (cs *ChatServer) removeConn(c *Conn) {
	cs.connsLock.Lock()
	defer cs.connsLock.Unlock()
	delete(cs.conns, c)
}

// Shutdown closes every connection and drains the room actors.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	cs.connsLock.Lock()
	for c := range cs.conns {
		c.Close()
	}
	cs.connsLock.Unlock()

	close(cs.stop)

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

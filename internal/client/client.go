// Package client implements the client side of the chat protocol: the
// connection state machine with bounded-backoff reconnects, optimistic
// local echo with idempotency-token reconciliation, backlog merge after
// reconnects, and the typing display map.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/triplore/tripchat/internal/server"
	"github.com/triplore/tripchat/internal/types"
)

type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Config struct {
	// ServerURL is the http(s) base URL of the chat service.
	ServerURL  string
	Credential string
	// SendTimeout bounds how long a pending message waits for its
	// broadcast before it is failed.
	SendTimeout time.Duration
	// TypingTTL mirrors the server-side typing expiry.
	TypingTTL time.Duration
	// MaxReconnectWait caps the backoff interval between reconnects.
	MaxReconnectWait time.Duration
	BacklogLimit     int
	HTTPClient       *http.Client
}

func (cfg *Config) withDefaults() Config {
	out := *cfg
	if out.SendTimeout <= 0 {
		out.SendTimeout = 10 * time.Second
	}
	if out.TypingTTL <= 0 {
		out.TypingTTL = 3 * time.Second
	}
	if out.MaxReconnectWait <= 0 {
		out.MaxReconnectWait = 30 * time.Second
	}
	if out.BacklogLimit <= 0 {
		out.BacklogLimit = 100
	}
	if out.HTTPClient == nil {
		out.HTTPClient = http.DefaultClient
	}
	return out
}

// Client keeps a local, optimistic view of each joined room's messages
// and reconciles it against the server's canonical state.
type Client struct {
	cfg Config
	log *log.Logger

	state atomic.Int32

	mu           sync.Mutex
	sock         *websocket.Conn
	writeMu      sync.Mutex
	rooms        map[string]*roomState
	pendingJoins map[int]string
	frameId      atomic.Int64

	OnMessage     func(types.Message)
	OnTyping      func(types.TypingEvent)
	OnStateChange func(ConnState)
	OnSendFailed  func(roomId, localId, reason string)
}

func New(cfg Config, logger *log.Logger) *Client {
	return &Client{
		cfg:          cfg.withDefaults(),
		log:          logger,
		rooms:        make(map[string]*roomState),
		pendingJoins: make(map[int]string),
	}
}

func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Client) setState(s ConnState) {
	if ConnState(c.state.Swap(int32(s))) == s {
		return
	}
	if c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}

// Run drives the connection state machine until the context is cancelled
// or the reconnect budget is exhausted. Transport errors are recovered by
// reconnecting with exponential backoff, re-joining every room of
// interest, and merging backlog since the last known sequence.
func (c *Client) Run(ctx context.Context) error {
	defer c.setState(Disconnected)

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go c.sweepPending(sweepCtx)

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = c.cfg.MaxReconnectWait

	for {
		c.setState(Connecting)

		sock, err := c.dial(ctx)
		if err != nil {
			c.setState(Disconnected)

			next := bo.NextBackOff()
			if next == backoff.Stop {
				return fmt.Errorf("reconnect budget exhausted: %w", err)
			}
			c.log.Printf("dial failed, retrying in %s: %v", next, err)

			select {
			case <-time.After(next):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		bo.Reset()

		c.mu.Lock()
		c.sock = sock
		c.mu.Unlock()
		c.setState(Connected)

		c.resync(ctx)

		err = c.readLoop(sock)
		c.setState(Disconnected)
		sock.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Printf("connection lost: %v", err)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("token", c.cfg.Credential)
	u.RawQuery = q.Encode()

	sock, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("credential rejected: %w", err)
		}
		return nil, err
	}

	return sock, nil
}

// resync re-joins every room of interest and fetches backlog since the
// last known sequence. Room membership is not preserved by the server
// across disconnects.
func (c *Client) resync(ctx context.Context) {
	c.mu.Lock()
	roomIds := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		roomIds = append(roomIds, id)
	}
	c.mu.Unlock()

	for _, roomId := range roomIds {
		if err := c.sendJoin(roomId); err != nil {
			c.log.Printf("rejoin %q: %v", roomId, err)
			continue
		}
		if err := c.fetchBacklog(ctx, roomId); err != nil {
			c.log.Printf("backlog %q: %v", roomId, err)
		}
	}
}

func (c *Client) readLoop(sock *websocket.Conn) error {
	for {
		var frame server.ServerFrame
		if err := sock.ReadJSON(&frame); err != nil {
			return err
		}

		switch {
		case frame.Message != nil:
			c.reconcile(*frame.Message)
		case frame.Typing != nil:
			c.applyTyping(*frame.Typing)
		case frame.Response != nil:
			c.applyResponse(frame.Id, frame.Response)
		}
	}
}

func (c *Client) applyResponse(frameId int, resp *server.Response) {
	c.mu.Lock()
	roomId, isJoin := c.pendingJoins[frameId]
	delete(c.pendingJoins, frameId)
	c.mu.Unlock()

	if !isJoin {
		if resp.ResponseCode >= 400 {
			c.log.Printf("server error response: %d %s", resp.ResponseCode, resp.Error)
		}
		return
	}

	if resp.ResponseCode != http.StatusOK {
		c.log.Printf("join %q rejected: %d %s", roomId, resp.ResponseCode, resp.Error)
		return
	}

	// the join snapshot carries the room's current sequence
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return
	}
	var info types.RoomInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return
	}

	c.mu.Lock()
	if rs, ok := c.rooms[roomId]; ok {
		// any gap up to info.SeqId is filled by the backlog fetch
		rs.roster = info.Members
	}
	c.mu.Unlock()
}

func (c *Client) writeFrame(frame *server.ClientFrame) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()

	if sock == nil || c.State() != Connected {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return sock.WriteJSON(frame)
}

func (c *Client) nextFrameId() int {
	return int(c.frameId.Add(1))
}

// Join registers interest in a room: it is joined now if connected and
// re-joined automatically after every reconnect.
func (c *Client) Join(roomId string) error {
	c.mu.Lock()
	if _, ok := c.rooms[roomId]; !ok {
		c.rooms[roomId] = newRoomState(c.cfg.TypingTTL)
	}
	c.mu.Unlock()

	if c.State() != Connected {
		return nil
	}
	return c.sendJoin(roomId)
}

func (c *Client) sendJoin(roomId string) error {
	id := c.nextFrameId()
	c.mu.Lock()
	c.pendingJoins[id] = roomId
	c.mu.Unlock()

	return c.writeFrame(&server.ClientFrame{
		BaseFrame: server.BaseFrame{Id: id, Timestamp: time.Now()},
		Join:      &server.Join{RoomId: roomId},
	})
}

func (c *Client) Leave(roomId string) error {
	c.mu.Lock()
	delete(c.rooms, roomId)
	c.mu.Unlock()

	if c.State() != Connected {
		return nil
	}
	return c.writeFrame(&server.ClientFrame{
		BaseFrame: server.BaseFrame{Id: c.nextFrameId(), Timestamp: time.Now()},
		Leave:     &server.Leave{RoomId: roomId},
	})
}

// Send appends an optimistic pending entry and ships the message. The
// returned local id identifies the entry until the canonical broadcast
// replaces it or the send times out.
func (c *Client) Send(roomId, content string, attachments types.Attachments) (string, error) {
	c.mu.Lock()
	rs, ok := c.rooms[roomId]
	if !ok {
		c.mu.Unlock()
		return "", fmt.Errorf("not joined to room %q", roomId)
	}

	localId := uuid.NewString()
	token := uuid.NewString()
	rs.appendPending(localId, token, roomId, content, attachments, time.Now())
	c.mu.Unlock()

	err := c.writeFrame(&server.ClientFrame{
		BaseFrame: server.BaseFrame{Id: c.nextFrameId(), Timestamp: time.Now()},
		Publish: &server.Publish{
			RoomId:           roomId,
			Content:          content,
			Attachments:      attachments,
			IdempotencyToken: token,
		},
	})
	if err != nil {
		// the frame is not retransmitted; the pending entry expires to
		// Failed unless a reconnect broadcast confirms it first
		c.log.Printf("send failed, pending entry will expire: %v", err)
	}

	return localId, nil
}

func (c *Client) SetTyping(roomId string, isTyping bool) error {
	return c.writeFrame(&server.ClientFrame{
		BaseFrame: server.BaseFrame{Id: c.nextFrameId(), Timestamp: time.Now()},
		Typing:    &server.Typing{RoomId: roomId, IsTyping: isTyping},
	})
}

// Messages returns the room's current merged view: confirmed messages in
// sequence order with optimistic pending entries in submission order.
func (c *Client) Messages(roomId string) []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, ok := c.rooms[roomId]
	if !ok {
		return nil
	}
	return rs.snapshot()
}

// Roster returns the member list from the room's latest join snapshot.
func (c *Client) Roster(roomId string) []types.Member {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rs, ok := c.rooms[roomId]; ok {
		return rs.roster
	}
	return nil
}

// LastSeq reports the highest canonical sequence merged for the room.
func (c *Client) LastSeq(roomId string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rs, ok := c.rooms[roomId]; ok {
		return rs.lastSeq
	}
	return 0
}

func (c *Client) fetchBacklog(ctx context.Context, roomId string) error {
	c.mu.Lock()
	rs, ok := c.rooms[roomId]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	since := rs.lastSeq
	c.mu.Unlock()

	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return err
	}
	u.Path = "/api/messages"
	q := u.Query()
	q.Set("room_id", roomId)
	q.Set("after", fmt.Sprintf("%d", since))
	q.Set("limit", fmt.Sprintf("%d", c.cfg.BacklogLimit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Credential)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backlog fetch: status %d", resp.StatusCode)
	}

	var msgs []types.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return err
	}

	for _, msg := range msgs {
		c.reconcile(msg)
	}

	return nil
}

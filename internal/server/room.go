package server

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/triplore/tripchat/internal/stats"
	"github.com/triplore/tripchat/internal/types"
)

const idleRoomTimeout = 30 * time.Second

type exitReq struct {
	done chan struct{}
}

// room is the serialization point for one trip's group chat. Every join,
// leave, publish, and typing event for the room flows through its channel
// loop; rooms never share state, so distinct rooms run fully concurrently.
type room struct {
	id         string
	cs         *ChatServer
	joinChan   chan *ClientFrame
	leaveChan  chan *ClientFrame
	msgChan    chan *ClientFrame
	remoteChan chan types.Message
	seqId      int64
	conns      map[*Conn]struct{}
	userConns  map[string]map[*Conn]struct{}
	connLock   sync.RWMutex
	typing     *typingTracker
	log        *log.Logger
	// killTimer unloads the room once the last connection is gone
	killTimer *time.Timer
	exit      chan exitReq
}

func (r *room) start() {
	r.log.Printf("starting room %q", r.id)
	// armed immediately so a room whose first join is rejected unloads
	r.killTimer = time.NewTimer(idleRoomTimeout)

	sweep := time.NewTicker(r.typing.sweepInterval())
	defer sweep.Stop()

	r.loadSeq()

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leave := <-r.leaveChan:
			r.handleLeave(leave)
		case frame := <-r.msgChan:
			if frame.Publish != nil {
				r.handlePublish(frame)
			} else if frame.Typing != nil {
				r.handleTyping(frame)
			}
		case msg := <-r.remoteChan:
			r.handleRemote(msg)
		case now := <-sweep.C:
			r.handleSweep(now)
		case <-r.killTimer.C:
			r.handleTimeout()
		case e := <-r.exit:
			r.handleExit(e)
			return
		}
	}
}

// loadSeq primes the room's sequence cursor from the durable store. The
// store remains authoritative; this only seeds the join snapshot.
func (r *room) loadSeq() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cs.cfg.JoinTimeout)
	defer cancel()

	seq, err := r.cs.messages.LastSeq(ctx, r.id)
	if err != nil {
		r.log.Printf("room %q: load seq: %v", r.id, err)
		return
	}
	r.seqId = seq
}

func (r *room) handleJoin(join *ClientFrame) {
	r.killTimer.Stop()
	c := join.conn

	// repeat join is a no-op, not an error
	if _, ok := r.getConn(c); ok {
		c.queueFrame(NoErrOK(join.Id, r.roomInfo()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cs.cfg.JoinTimeout)
	defer cancel()

	member, err := r.cs.members.IsMember(ctx, c.user.Id, r.id)
	if err != nil {
		r.log.Printf("room %q: membership check for %q: %v", r.id, c.user.Id, err)
		c.queueFrame(ErrServiceUnavailable(join.Id))
		r.resetIfEmpty()
		return
	}
	if !member {
		r.log.Print(&NotAuthorizedError{UserId: c.user.Id, RoomId: r.id})
		c.queueFrame(ErrNotAuthorized(join.Id))
		r.resetIfEmpty()
		return
	}

	firstForUser := r.addConn(c)

	c.queueFrame(NoErrOK(join.Id, r.roomInfo()))

	if firstForUser {
		r.broadcast(&ServerFrame{
			BaseFrame: BaseFrame{Timestamp: Now()},
			Presence: &Presence{
				RoomId:  r.id,
				UserId:  c.user.Id,
				Present: true,
			},
			skipConn: c,
		})
	}
}

func (r *room) roomInfo() types.RoomInfo {
	ctx, cancel := context.WithTimeout(context.Background(), r.cs.cfg.JoinTimeout)
	defer cancel()

	members, err := r.cs.members.ListMembers(ctx, r.id)
	if err != nil {
		r.log.Printf("room %q: list members: %v", r.id, err)
	}

	return types.RoomInfo{
		Id:      r.id,
		SeqId:   r.seqId,
		Members: members,
	}
}

func (r *room) handleLeave(leave *ClientFrame) {
	c := leave.conn
	lastForUser := r.removeConn(c)

	if leave.Id != 0 {
		// explicit leave from the client, not a disconnect sweep
		c.queueFrame(NoErrOK(leave.Id, nil))
	}

	if lastForUser {
		if r.typing.clear(c.user.Id) {
			r.broadcast(&ServerFrame{
				BaseFrame: BaseFrame{Timestamp: Now()},
				Typing: &types.TypingEvent{
					RoomId:   r.id,
					UserId:   c.user.Id,
					IsTyping: false,
				},
			})
		}

		r.broadcast(&ServerFrame{
			BaseFrame: BaseFrame{Timestamp: Now()},
			Presence: &Presence{
				RoomId:  r.id,
				UserId:  c.user.Id,
				Present: false,
			},
		})
	}
}

func (r *room) handlePublish(frame *ClientFrame) {
	pub := frame.Publish
	sender := frame.conn

	if verr := r.validatePublish(pub); verr != nil {
		sender.queueFrame(ErrValidation(frame.Id, verr.Reason))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cs.cfg.SendTimeout)
	defer cancel()

	msg, err := r.cs.messages.Append(ctx, r.id, sender.user.Id, sender.user.DisplayName, pub.Content, pub.Attachments)
	if err != nil {
		r.log.Printf("room %q: %v", r.id, &PersistenceError{Err: err})
		r.cs.stats.Incr(stats.PersistenceFailures)
		sender.queueFrame(ErrPersistence(frame.Id))
		return
	}

	// the canonical message echoes the client's token so the sender can
	// reconcile its optimistic entry
	msg.IdempotencyToken = pub.IdempotencyToken
	r.seqId = msg.SeqId

	if r.typing.clear(sender.user.Id) {
		r.broadcast(&ServerFrame{
			BaseFrame: BaseFrame{Timestamp: Now()},
			Typing: &types.TypingEvent{
				RoomId:   r.id,
				UserId:   sender.user.Id,
				IsTyping: false,
			},
			skipUser: sender.user.Id,
		})
	}

	sender.queueFrame(NoErrOK(frame.Id, msg))

	// fanout includes the sender's own connection
	r.broadcast(&ServerFrame{
		BaseFrame: BaseFrame{Timestamp: msg.Timestamp},
		Message:   &msg,
	})

	if err := r.cs.bus.Publish(ctx, msg); err != nil {
		r.log.Printf("room %q: bus publish: %v", r.id, err)
	}

	r.cs.stats.Incr(stats.MessagesRouted)
}

func (r *room) validatePublish(pub *Publish) *ValidationError {
	if strings.TrimSpace(pub.Content) == "" && len(pub.Attachments) == 0 {
		return &ValidationError{Reason: "empty content"}
	}
	if int64(len(pub.Content)) > r.cs.cfg.MaxMessageSize {
		return &ValidationError{Reason: "content too large"}
	}
	if len(pub.Attachments) > r.cs.cfg.MaxAttachments {
		return &ValidationError{Reason: "too many attachments"}
	}
	for _, a := range pub.Attachments {
		if a.Size > r.cs.cfg.MaxAttachmentSize {
			return &ValidationError{Reason: "attachment too large"}
		}
	}
	return nil
}

func (r *room) handleTyping(frame *ClientFrame) {
	t := frame.Typing
	user := frame.conn.user

	if t.IsTyping {
		r.typing.set(user.Id, user.DisplayName, time.Now())
		r.broadcast(&ServerFrame{
			BaseFrame: BaseFrame{Timestamp: Now()},
			Typing: &types.TypingEvent{
				RoomId:      r.id,
				UserId:      user.Id,
				DisplayName: user.DisplayName,
				IsTyping:    true,
			},
			skipUser: user.Id,
		})
		return
	}

	if r.typing.clear(user.Id) {
		r.broadcast(&ServerFrame{
			BaseFrame: BaseFrame{Timestamp: Now()},
			Typing: &types.TypingEvent{
				RoomId:   r.id,
				UserId:   user.Id,
				IsTyping: false,
			},
			skipUser: user.Id,
		})
	}
}

func (r *room) handleSweep(now time.Time) {
	for _, ev := range r.typing.sweep(r.id, now) {
		ev := ev
		r.cs.stats.Incr(stats.TypingExpiries)
		r.broadcast(&ServerFrame{
			BaseFrame: BaseFrame{Timestamp: Now()},
			Typing:    &ev,
		})
	}
}

// handleRemote delivers a message persisted by another gateway instance to
// this instance's local members. No ack, no re-publish. Bus delivery order
// is not sequence order when several instances publish, so a frame that
// skips ahead triggers a store backfill for the sequences in between.
func (r *room) handleRemote(msg types.Message) {
	if msg.SeqId <= r.seqId {
		// already seen via local fanout or an earlier bus frame
		return
	}
	if msg.SeqId > r.seqId+1 {
		r.backfill(msg.SeqId)
	}
	if msg.SeqId <= r.seqId {
		// the backfill already delivered it
		return
	}
	r.seqId = msg.SeqId
	r.cs.stats.Incr(stats.BusMessagesIn)

	r.broadcast(&ServerFrame{
		BaseFrame: BaseFrame{Timestamp: msg.Timestamp},
		Message:   &msg,
	})
}

// backfill broadcasts the persisted messages between the room's cursor and
// upTo, exclusive. The frame that revealed the gap is delivered by the
// caller; a failed backfill only costs the gap, never the newest message.
func (r *room) backfill(upTo int64) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cs.cfg.SendTimeout)
	defer cancel()

	msgs, err := r.cs.messages.List(ctx, r.id, r.seqId, int(upTo-r.seqId))
	if err != nil {
		r.log.Printf("room %q: backfill: %v", r.id, err)
		return
	}

	for _, m := range msgs {
		if m.SeqId <= r.seqId || m.SeqId >= upTo {
			continue
		}
		r.seqId = m.SeqId
		r.cs.stats.Incr(stats.BusMessagesIn)
		r.broadcast(&ServerFrame{
			BaseFrame: BaseFrame{Timestamp: m.Timestamp},
			Message:   &m,
		})
	}
}

func (r *room) handleTimeout() {
	r.log.Printf("room %q timed out", r.id)
	select {
	case r.cs.unloadRoomChan <- r.id:
	default:
		// server loop is busy; try again after another idle period
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *room) handleExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.id)

	r.connLock.Lock()
	for c := range r.conns {
		c.delRoom(r.id)
	}
	r.connLock.Unlock()

	if e.done != nil {
		close(e.done)
	}
}

// addConn reports whether this is the user's first connection in the room.
func (r *room) addConn(c *Conn) bool {
	r.connLock.Lock()
	defer r.connLock.Unlock()

	r.conns[c] = struct{}{}
	first := r.userConns[c.user.Id] == nil
	if first {
		r.userConns[c.user.Id] = make(map[*Conn]struct{})
	}
	r.userConns[c.user.Id][c] = struct{}{}

	c.addRoom(r)
	return first
}

// removeConn reports whether this was the user's last connection in the
// room. Removing an absent connection is a no-op.
func (r *room) removeConn(c *Conn) bool {
	r.connLock.Lock()
	defer r.connLock.Unlock()

	if _, ok := r.conns[c]; !ok {
		return false
	}

	delete(r.conns, c)
	c.delRoom(r.id)

	last := false
	if userConns, ok := r.userConns[c.user.Id]; ok {
		delete(userConns, c)
		if len(userConns) == 0 {
			delete(r.userConns, c.user.Id)
			last = true
		}
	}

	if len(r.conns) == 0 {
		r.log.Printf("no connections in %q, starting kill timer", r.id)
		r.killTimer.Reset(idleRoomTimeout)
	}

	return last
}

func (r *room) getConn(c *Conn) (*Conn, bool) {
	r.connLock.RLock()
	defer r.connLock.RUnlock()

	_, ok := r.conns[c]
	if !ok {
		return nil, false
	}
	return c, true
}

func (r *room) resetIfEmpty() {
	r.connLock.RLock()
	empty := len(r.conns) == 0
	r.connLock.RUnlock()

	if empty {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

// broadcast queues the frame on every member connection. A connection
// whose queue is saturated is closed rather than allowed to stall the
// room's fanout to everyone else.
func (r *room) broadcast(frame *ServerFrame) {
	r.connLock.RLock()
	var slow []*Conn
	for c := range r.conns {
		if c == frame.skipConn {
			continue
		}
		if frame.skipUser != "" && c.user.Id == frame.skipUser {
			continue
		}

		if !c.queueFrame(frame) {
			slow = append(slow, c)
		}
	}
	r.connLock.RUnlock()

	for _, c := range slow {
		r.log.Printf("room %q: disconnecting slow consumer %q", r.id, c.id)
		r.cs.stats.Incr(stats.QueueOverflowDrops)
		go c.Close()
	}
}

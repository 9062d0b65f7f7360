package client

import (
	"context"
	"time"

	"github.com/triplore/tripchat/internal/types"
)

// roomState is the client-local view of one room. Guarded by Client.mu.
type roomState struct {
	lastSeq int64
	roster  []types.Member
	entries []entry
	byId    map[string]int
	byToken map[string]int
	typing  map[string]typingDisplay
	ttl     time.Duration
}

// entry is either a canonical message or an optimistic pending echo.
type entry struct {
	localId   string
	token     string
	pending   bool
	createdAt time.Time
	msg       types.Message
}

type typingDisplay struct {
	displayName string
	expiresAt   time.Time
}

func newRoomState(ttl time.Duration) *roomState {
	return &roomState{
		byId:    make(map[string]int),
		byToken: make(map[string]int),
		typing:  make(map[string]typingDisplay),
		ttl:     ttl,
	}
}

func (rs *roomState) appendPending(localId, token, roomId, content string, attachments types.Attachments, now time.Time) {
	rs.entries = append(rs.entries, entry{
		localId:   localId,
		token:     token,
		pending:   true,
		createdAt: now,
		msg: types.Message{
			RoomId:           roomId,
			Content:          content,
			Attachments:      attachments,
			IdempotencyToken: token,
			Timestamp:        now,
		},
	})
	rs.byToken[token] = len(rs.entries) - 1
}

// merge reconciles one canonical message into the local view. A matching
// idempotency token replaces the pending echo in place; a known canonical
// id is a duplicate and is dropped; anything else is appended. Merging is
// keyed strictly by token and id, never by content comparison.
func (rs *roomState) merge(msg types.Message) (appended bool) {
	if msg.SeqId > rs.lastSeq {
		rs.lastSeq = msg.SeqId
	}

	if msg.IdempotencyToken != "" {
		if idx, ok := rs.byToken[msg.IdempotencyToken]; ok {
			delete(rs.byToken, msg.IdempotencyToken)
			rs.entries[idx] = entry{msg: msg}
			rs.byId[msg.Id] = idx
			return true
		}
	}

	if _, ok := rs.byId[msg.Id]; ok {
		return false
	}

	rs.entries = append(rs.entries, entry{msg: msg})
	rs.byId[msg.Id] = len(rs.entries) - 1
	return true
}

// expirePending fails every pending entry older than the timeout and
// returns the failed entries so the caller can surface them.
func (rs *roomState) expirePending(now time.Time, timeout time.Duration) []entry {
	var failed []entry
	kept := rs.entries[:0]
	for _, e := range rs.entries {
		if e.pending && now.Sub(e.createdAt) > timeout {
			failed = append(failed, e)
			delete(rs.byToken, e.token)
			continue
		}
		kept = append(kept, e)
	}
	rs.entries = kept
	if len(failed) > 0 {
		rs.reindex()
	}
	return failed
}

func (rs *roomState) reindex() {
	rs.byId = make(map[string]int, len(rs.entries))
	rs.byToken = make(map[string]int)
	for i, e := range rs.entries {
		if e.pending {
			rs.byToken[e.token] = i
			continue
		}
		rs.byId[e.msg.Id] = i
	}
}

func (rs *roomState) snapshot() []types.Message {
	out := make([]types.Message, len(rs.entries))
	for i, e := range rs.entries {
		out[i] = e.msg
	}
	return out
}

func (c *Client) reconcile(msg types.Message) {
	c.mu.Lock()
	rs, ok := c.rooms[msg.RoomId]
	if !ok {
		c.mu.Unlock()
		return
	}
	appended := rs.merge(msg)

	// a message from the user supersedes their typing indicator
	delete(rs.typing, msg.SenderId)
	c.mu.Unlock()

	if appended && c.OnMessage != nil {
		c.OnMessage(msg)
	}
}

// sweepPending runs the Pending -> Failed transitions while the client is
// alive, regardless of connection state.
func (c *Client) sweepPending(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SendTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			c.failExpired(now)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) failExpired(now time.Time) {
	type failure struct {
		roomId  string
		localId string
	}
	var failures []failure

	c.mu.Lock()
	for roomId, rs := range c.rooms {
		for _, e := range rs.expirePending(now, c.cfg.SendTimeout) {
			failures = append(failures, failure{roomId: roomId, localId: e.localId})
		}
	}
	c.mu.Unlock()

	for _, f := range failures {
		c.log.Printf("send %q in room %q timed out", f.localId, f.roomId)
		if c.OnSendFailed != nil {
			c.OnSendFailed(f.roomId, f.localId, "timed out waiting for confirmation")
		}
	}
}

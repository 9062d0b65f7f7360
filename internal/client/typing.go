package client

import (
	"time"

	"github.com/triplore/tripchat/internal/types"
)

// applyTyping maintains the local typing display map. Each start event
// re-arms the expiry mirroring the server TTL, so a missed stop event
// still clears within one TTL.
func (c *Client) applyTyping(ev types.TypingEvent) {
	c.mu.Lock()
	rs, ok := c.rooms[ev.RoomId]
	if ok {
		if ev.IsTyping {
			rs.typing[ev.UserId] = typingDisplay{
				displayName: ev.DisplayName,
				expiresAt:   time.Now().Add(rs.ttl),
			}
		} else {
			delete(rs.typing, ev.UserId)
		}
	}
	c.mu.Unlock()

	if ok && c.OnTyping != nil {
		c.OnTyping(ev)
	}
}

// Typers returns the display names of users currently typing in the
// room. Expired entries are pruned on read.
func (c *Client) Typers(roomId string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, ok := c.rooms[roomId]
	if !ok {
		return nil
	}

	now := time.Now()
	var names []string
	for userId, td := range rs.typing {
		if now.After(td.expiresAt) {
			delete(rs.typing, userId)
			continue
		}
		names = append(names, td.displayName)
	}
	return names
}

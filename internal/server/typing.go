package server

import (
	"time"

	"github.com/triplore/tripchat/internal/types"
)

// typingTracker holds the ephemeral typing state for one room. It is only
// touched from the room's goroutine, so it needs no locking. Nothing here
// survives a restart; that is intentional.
type typingTracker struct {
	ttl     time.Duration
	entries map[string]typingEntry
}

type typingEntry struct {
	displayName string
	expiresAt   time.Time
}

func newTypingTracker(ttl time.Duration) *typingTracker {
	return &typingTracker{
		ttl:     ttl,
		entries: make(map[string]typingEntry),
	}
}

// set creates or refreshes the typing state for a user. The full TTL is
// re-armed on every keystroke event.
func (t *typingTracker) set(userId, displayName string, now time.Time) {
	t.entries[userId] = typingEntry{
		displayName: displayName,
		expiresAt:   now.Add(t.ttl),
	}
}

// clear removes the typing state immediately. Reports whether the user
// was typing, so callers only broadcast a stop if there was a start.
func (t *typingTracker) clear(userId string) bool {
	if _, ok := t.entries[userId]; !ok {
		return false
	}
	delete(t.entries, userId)
	return true
}

// sweep removes every entry past its expiry and returns the corresponding
// stop events. A client that crashed or navigated away mid-keystroke is
// cleaned up here rather than lingering as "is typing".
func (t *typingTracker) sweep(roomId string, now time.Time) []types.TypingEvent {
	var expired []types.TypingEvent
	for userId, entry := range t.entries {
		if now.Before(entry.expiresAt) {
			continue
		}
		delete(t.entries, userId)
		expired = append(expired, types.TypingEvent{
			RoomId:   roomId,
			UserId:   userId,
			IsTyping: false,
		})
	}
	return expired
}

// sweepInterval bounds how long a stale indicator can outlive its TTL:
// with a tick every TTL/10, the worst case clears at TTL + TTL/10.
func (t *typingTracker) sweepInterval() time.Duration {
	return t.ttl / 10
}

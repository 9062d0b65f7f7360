package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_typingTracker(t *testing.T) {
	base := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

	t.Run("expires after the ttl", func(t *testing.T) {
		tr := newTypingTracker(3 * time.Second)
		tr.set("u1", "Ann", base)

		assert.Empty(t, tr.sweep("trip-42", base.Add(2*time.Second)), "expected no expiry inside ttl")

		expired := tr.sweep("trip-42", base.Add(3*time.Second))
		require.Len(t, expired, 1)
		assert.Equal(t, "u1", expired[0].UserId)
		assert.Equal(t, "trip-42", expired[0].RoomId)
		assert.False(t, expired[0].IsTyping)

		assert.Empty(t, tr.sweep("trip-42", base.Add(time.Minute)), "expected entry removed after expiry")
	})

	t.Run("set re-arms the full ttl", func(t *testing.T) {
		tr := newTypingTracker(3 * time.Second)
		tr.set("u1", "Ann", base)
		tr.set("u1", "Ann", base.Add(2*time.Second))

		assert.Empty(t, tr.sweep("trip-42", base.Add(4*time.Second)), "expected refreshed entry to survive")
		assert.Len(t, tr.sweep("trip-42", base.Add(5*time.Second)), 1)
	})

	t.Run("clear reports whether the user was typing", func(t *testing.T) {
		tr := newTypingTracker(3 * time.Second)
		assert.False(t, tr.clear("u1"))

		tr.set("u1", "Ann", base)
		assert.True(t, tr.clear("u1"))
		assert.False(t, tr.clear("u1"))

		assert.Empty(t, tr.sweep("trip-42", base.Add(time.Minute)))
	})

	t.Run("sweep is per user", func(t *testing.T) {
		tr := newTypingTracker(3 * time.Second)
		tr.set("u1", "Ann", base)
		tr.set("u2", "Ben", base.Add(2*time.Second))

		expired := tr.sweep("trip-42", base.Add(3*time.Second))
		require.Len(t, expired, 1)
		assert.Equal(t, "u1", expired[0].UserId)

		expired = tr.sweep("trip-42", base.Add(5*time.Second))
		require.Len(t, expired, 1)
		assert.Equal(t, "u2", expired[0].UserId)
	})
}

func Test_sweepInterval(t *testing.T) {
	tr := newTypingTracker(3 * time.Second)
	assert.Equal(t, 300*time.Millisecond, tr.sweepInterval())
}

// A stale indicator must clear within TTL + TTL/10 of the keystroke, no
// matter where the keystroke falls relative to the sweep schedule.
func Test_expiryWindow(t *testing.T) {
	ttl := 3 * time.Second
	tr := newTypingTracker(ttl)
	base := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

	// worst case: typing starts just after a sweep tick
	start := base.Add(50 * time.Millisecond)
	tr.set("u1", "Ann", start)

	var cleared time.Time
	for tick := base; ; tick = tick.Add(tr.sweepInterval()) {
		require.Less(t, tick.Sub(start), 10*time.Second, "indicator never cleared")
		if len(tr.sweep("trip-42", tick)) > 0 {
			cleared = tick
			break
		}
	}

	elapsed := cleared.Sub(start)
	assert.GreaterOrEqual(t, elapsed, ttl)
	assert.LessOrEqual(t, elapsed, ttl+ttl/10)
}

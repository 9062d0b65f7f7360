package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triplore/tripchat/internal/server"
	"github.com/triplore/tripchat/internal/testutil"
	"github.com/triplore/tripchat/internal/types"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()

	return New(Config{
		ServerURL:   serverURL,
		Credential:  "test-token",
		SendTimeout: time.Second,
		TypingTTL:   3 * time.Second,
	}, testutil.TestLogger(t))
}

func TestSend_whileDisconnected(t *testing.T) {
	c := newTestClient(t, "http://localhost:0")
	require.NoError(t, c.Join("trip-42"))

	localId, err := c.Send("trip-42", "see you at the airport", nil)
	require.NoError(t, err, "a send without transport is queued, not failed")
	assert.NotEmpty(t, localId)

	msgs := c.Messages("trip-42")
	require.Len(t, msgs, 1)
	assert.Equal(t, "see you at the airport", msgs[0].Content)
	assert.NotEmpty(t, msgs[0].IdempotencyToken)
	assert.Zero(t, msgs[0].SeqId, "pending entry has no canonical sequence yet")
}

func TestSend_unknownRoom(t *testing.T) {
	c := newTestClient(t, "http://localhost:0")

	_, err := c.Send("never-joined", "hello", nil)
	assert.Error(t, err)
}

func Test_reconcile_broadcast(t *testing.T) {
	c := newTestClient(t, "http://localhost:0")
	require.NoError(t, c.Join("trip-42"))

	var delivered []types.Message
	c.OnMessage = func(msg types.Message) { delivered = append(delivered, msg) }

	localId, err := c.Send("trip-42", "packed and ready", nil)
	require.NoError(t, err)
	token := c.Messages("trip-42")[0].IdempotencyToken

	// canonical broadcast echoing our token replaces the pending entry
	c.reconcile(types.Message{
		Id: "m1", RoomId: "trip-42", SenderId: "me", SeqId: 1,
		Content: "packed and ready", IdempotencyToken: token,
	})

	msgs := c.Messages("trip-42")
	require.Len(t, msgs, 1, "no duplicate after confirmation")
	assert.Equal(t, "m1", msgs[0].Id)
	assert.Equal(t, int64(1), c.LastSeq("trip-42"))
	require.Len(t, delivered, 1)

	// the local id is gone; a late duplicate broadcast is also dropped
	c.reconcile(types.Message{Id: "m1", RoomId: "trip-42", SeqId: 1, IdempotencyToken: token})
	assert.Len(t, c.Messages("trip-42"), 1)
	_ = localId
}

func Test_reconcile_unknownRoom(t *testing.T) {
	c := newTestClient(t, "http://localhost:0")
	c.OnMessage = func(types.Message) { t.Error("no callback for an unjoined room") }

	c.reconcile(types.Message{Id: "m1", RoomId: "not-joined", SeqId: 1})
}

func Test_failExpired(t *testing.T) {
	c := newTestClient(t, "http://localhost:0")
	require.NoError(t, c.Join("trip-42"))

	type failure struct{ roomId, localId, reason string }
	var failures []failure
	c.OnSendFailed = func(roomId, localId, reason string) {
		failures = append(failures, failure{roomId, localId, reason})
	}

	localId, err := c.Send("trip-42", "anyone there?", nil)
	require.NoError(t, err)

	c.failExpired(time.Now().Add(2 * time.Second))

	require.Len(t, failures, 1)
	assert.Equal(t, "trip-42", failures[0].roomId)
	assert.Equal(t, localId, failures[0].localId)
	assert.Empty(t, c.Messages("trip-42"), "failed entry leaves the view")
}

func Test_fetchBacklog(t *testing.T) {
	canonical := []types.Message{
		{Id: "m1", RoomId: "trip-42", SenderId: "u2", SeqId: 1, Content: "flights booked"},
		{Id: "m2", RoomId: "trip-42", SenderId: "u1", SeqId: 2, Content: "hotel next"},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/messages", r.URL.Path)
		assert.Equal(t, "trip-42", r.URL.Query().Get("room_id"))
		assert.Equal(t, "0", r.URL.Query().Get("after"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(canonical)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	require.NoError(t, c.Join("trip-42"))

	// one of the backlog messages was already seen as a live broadcast
	c.reconcile(canonical[0])

	require.NoError(t, c.fetchBacklog(context.Background(), "trip-42"))

	msgs := c.Messages("trip-42")
	require.Len(t, msgs, 2, "overlap between live and backlog must not duplicate")
	assert.Equal(t, "m1", msgs[0].Id)
	assert.Equal(t, "m2", msgs[1].Id)
	assert.Equal(t, int64(2), c.LastSeq("trip-42"))
}

func Test_fetchBacklog_errorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	require.NoError(t, c.Join("trip-42"))

	assert.Error(t, c.fetchBacklog(context.Background(), "trip-42"))
}

func Test_applyResponse_joinSnapshot(t *testing.T) {
	c := newTestClient(t, "http://localhost:0")
	require.NoError(t, c.Join("trip-42"))

	// correlate the way sendJoin would
	c.mu.Lock()
	c.pendingJoins[9] = "trip-42"
	c.mu.Unlock()

	c.applyResponse(9, &server.Response{
		ResponseCode: http.StatusOK,
		Data: types.RoomInfo{
			Id:    "trip-42",
			SeqId: 12,
			Members: []types.Member{
				{UserId: "u1", DisplayName: "Ann"},
				{UserId: "u2", DisplayName: "Ben"},
			},
		},
	})

	roster := c.Roster("trip-42")
	require.Len(t, roster, 2)
	assert.Equal(t, "Ann", roster[0].DisplayName)

	// a second response with the same id is not a join anymore
	c.applyResponse(9, &server.Response{ResponseCode: http.StatusOK})
}

func Test_applyResponse_rejectedJoin(t *testing.T) {
	c := newTestClient(t, "http://localhost:0")
	require.NoError(t, c.Join("trip-42"))

	c.mu.Lock()
	c.pendingJoins[3] = "trip-42"
	c.mu.Unlock()

	c.applyResponse(3, &server.Response{ResponseCode: http.StatusForbidden, Error: "not a member of this room"})
	assert.Empty(t, c.Roster("trip-42"))
}

func TestLeave(t *testing.T) {
	c := newTestClient(t, "http://localhost:0")
	require.NoError(t, c.Join("trip-42"))
	require.NoError(t, c.Leave("trip-42"))

	assert.Nil(t, c.Messages("trip-42"))

	// broadcasts for the left room are ignored
	c.reconcile(types.Message{Id: "m1", RoomId: "trip-42", SeqId: 1})
	assert.Nil(t, c.Messages("trip-42"))
}

func TestState(t *testing.T) {
	c := newTestClient(t, "http://localhost:0")
	assert.Equal(t, Disconnected, c.State())

	var transitions []ConnState
	c.OnStateChange = func(s ConnState) { transitions = append(transitions, s) }

	c.setState(Connecting)
	c.setState(Connecting) // no duplicate notification
	c.setState(Connected)
	c.setState(Disconnected)

	assert.Equal(t, []ConnState{Connecting, Connected, Disconnected}, transitions)
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
}

func TestRun_cancelledContext(t *testing.T) {
	c := newTestClient(t, "http://localhost:0")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Run(ctx)
	assert.Error(t, err)
	assert.Equal(t, Disconnected, c.State())
}

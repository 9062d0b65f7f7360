package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/triplore/tripchat/internal/store"
	"github.com/triplore/tripchat/internal/types"
)

func TestNewChatServer(t *testing.T) {
	cs := newTestChatServer(t, &store.MockMessageStore{}, &store.MockMembershipStore{})
	assert.NotNil(t, cs)

	_, err := NewChatServer(nil, testConfig(), nil, &store.MockMembershipStore{}, nil, nil)
	assert.Error(t, err, "expected error without a message store")

	_, err = NewChatServer(nil, testConfig(), &store.MockMessageStore{}, nil, nil, nil)
	assert.Error(t, err, "expected error without a membership store")
}

func (cs *ChatServer) connCount() int {
	cs.connsLock.Lock()
	defer cs.connsLock.Unlock()
	return len(cs.conns)
}

func TestRun_registration(t *testing.T) {
	cs := newTestChatServer(t, &store.MockMessageStore{}, &store.MockMembershipStore{})
	go cs.Run()
	defer cs.Shutdown(context.Background())

	c := newTestConn(t, "u1", "Ann")
	cs.RegisterChan <- c
	require.Eventually(t, func() bool { return cs.connCount() == 1 }, time.Second, 10*time.Millisecond)

	cs.deRegisterChan <- c
	require.Eventually(t, func() bool { return cs.connCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRun_lazyRoomLoad(t *testing.T) {
	messages := &store.MockMessageStore{}
	messages.On("LastSeq", mock.Anything, "trip-42").Return(int64(3), nil)

	members := &store.MockMembershipStore{}
	members.On("IsMember", mock.Anything, "u1", "trip-42").Return(true, nil)
	members.On("ListMembers", mock.Anything, "trip-42").Return([]types.Member{{UserId: "u1", DisplayName: "Ann"}}, nil)

	cs := newTestChatServer(t, messages, members)
	go cs.Run()
	defer cs.Shutdown(context.Background())

	c := newTestConn(t, "u1", "Ann")
	cs.joinChan <- &ClientFrame{BaseFrame: BaseFrame{Id: 1}, Join: &Join{RoomId: "trip-42"}, conn: c}

	resp := drainFrame(t, c)
	require.NotNil(t, resp.Response)
	assert.Equal(t, http.StatusOK, resp.Response.ResponseCode)

	info, ok := resp.Response.Data.(types.RoomInfo)
	require.True(t, ok)
	assert.Equal(t, int64(3), info.SeqId, "expected sequence cursor seeded from the store")

	require.NotNil(t, c.getRoom("trip-42"), "expected room registered on the connection")
}

func TestRun_remoteDelivery(t *testing.T) {
	messages := &store.MockMessageStore{}
	messages.On("LastSeq", mock.Anything, "trip-42").Return(int64(0), nil)

	members := &store.MockMembershipStore{}
	members.On("IsMember", mock.Anything, "u1", "trip-42").Return(true, nil)
	members.On("ListMembers", mock.Anything, "trip-42").Return([]types.Member{{UserId: "u1", DisplayName: "Ann"}}, nil)

	cs := newTestChatServer(t, messages, members)
	go cs.Run()
	defer cs.Shutdown(context.Background())

	c := newTestConn(t, "u1", "Ann")
	cs.joinChan <- &ClientFrame{BaseFrame: BaseFrame{Id: 1}, Join: &Join{RoomId: "trip-42"}, conn: c}
	drainFrame(t, c) // join response

	// a message persisted by another instance reaches local members
	cs.deliverRemote(types.Message{Id: "m1", RoomId: "trip-42", SenderId: "u2", Content: "hi", SeqId: 1})

	frame := drainFrame(t, c)
	require.NotNil(t, frame.Message)
	assert.Equal(t, "m1", frame.Message.Id)

	// messages for rooms with no local members are dropped, not an error
	cs.deliverRemote(types.Message{Id: "m2", RoomId: "trip-99", SeqId: 1})
}

func TestRun_unloadRoom(t *testing.T) {
	messages := &store.MockMessageStore{}
	messages.On("LastSeq", mock.Anything, "trip-42").Return(int64(0), nil)

	members := &store.MockMembershipStore{}
	members.On("IsMember", mock.Anything, "u1", "trip-42").Return(true, nil)
	members.On("ListMembers", mock.Anything, "trip-42").Return([]types.Member{{UserId: "u1", DisplayName: "Ann"}}, nil)

	cs := newTestChatServer(t, messages, members)
	go cs.Run()
	defer cs.Shutdown(context.Background())

	c := newTestConn(t, "u1", "Ann")
	cs.joinChan <- &ClientFrame{BaseFrame: BaseFrame{Id: 1}, Join: &Join{RoomId: "trip-42"}, conn: c}
	drainFrame(t, c)

	cs.unloadRoomChan <- "trip-42"
	require.Eventually(t, func() bool { return c.getRoom("trip-42") == nil }, time.Second, 10*time.Millisecond,
		"expected room removed from connection on unload")

	// unloading an unknown room is a no-op
	cs.unloadRoomChan <- "trip-42"
}

func TestShutdown(t *testing.T) {
	messages := &store.MockMessageStore{}
	messages.On("LastSeq", mock.Anything, "trip-42").Return(int64(0), nil)

	members := &store.MockMembershipStore{}
	members.On("IsMember", mock.Anything, "u1", "trip-42").Return(true, nil)
	members.On("ListMembers", mock.Anything, "trip-42").Return([]types.Member{{UserId: "u1", DisplayName: "Ann"}}, nil)

	cs := newTestChatServer(t, messages, members)
	go cs.Run()

	c := newTestConn(t, "u1", "Ann")
	cs.RegisterChan <- c
	cs.joinChan <- &ClientFrame{BaseFrame: BaseFrame{Id: 1}, Join: &Join{RoomId: "trip-42"}, conn: c}
	drainFrame(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx))

	select {
	case <-c.stop:
	case <-time.After(time.Second):
		t.Error("expected connection closed on shutdown")
	}

	select {
	case <-cs.done:
	default:
		t.Error("expected dispatch loop drained")
	}
}

func TestShutdown_contextExpiry(t *testing.T) {
	cs := newTestChatServer(t, &store.MockMessageStore{}, &store.MockMembershipStore{})
	// Run never started, so done never closes

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, cs.Shutdown(ctx), context.DeadlineExceeded)
}

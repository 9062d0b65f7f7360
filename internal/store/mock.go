package store

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/triplore/tripchat/internal/types"
)

type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) Append(ctx context.Context, roomId, senderId, senderName, content string, attachments types.Attachments) (types.Message, error) {
	args := m.Called(ctx, roomId, senderId, senderName, content, attachments)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *MockMessageStore) List(ctx context.Context, roomId string, sinceSeq int64, limit int) ([]types.Message, error) {
	args := m.Called(ctx, roomId, sinceSeq, limit)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockMessageStore) LastSeq(ctx context.Context, roomId string) (int64, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(int64), args.Error(1)
}

type MockMembershipStore struct {
	mock.Mock
}

func (m *MockMembershipStore) IsMember(ctx context.Context, userId, roomId string) (bool, error) {
	args := m.Called(ctx, userId, roomId)
	return args.Bool(0), args.Error(1)
}

func (m *MockMembershipStore) ListMembers(ctx context.Context, roomId string) ([]types.Member, error) {
	args := m.Called(ctx, roomId)
	if members, ok := args.Get(0).([]types.Member); ok {
		return members, args.Error(1)
	}
	return nil, args.Error(1)
}

// Package store holds the contracts for the chat service's external
// collaborators: the durable message store, which is the single source of
// truth for message ordering, and the membership store owned by the trip
// CRUD layer.
package store

import (
	"context"
	"errors"

	"github.com/triplore/tripchat/internal/types"
)

var ErrRoomNotFound = errors.New("room not found")

// MessageStore is an append-only log per room. Append assigns the
// canonical message id and the room-scoped sequence number.
type MessageStore interface {
	Append(ctx context.Context, roomId, senderId, senderName, content string, attachments types.Attachments) (types.Message, error)
	List(ctx context.Context, roomId string, sinceSeq int64, limit int) ([]types.Message, error)
	LastSeq(ctx context.Context, roomId string) (int64, error)
}

// MembershipStore answers whether a user belongs to a trip's group chat.
type MembershipStore interface {
	IsMember(ctx context.Context, userId, roomId string) (bool, error)
	ListMembers(ctx context.Context, roomId string) ([]types.Member, error)
}

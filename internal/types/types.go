package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type User struct {
	Id          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Member is a room roster entry from the membership store.
type Member struct {
	UserId      string `json:"user_id" db:"user_id"`
	DisplayName string `json:"display_name" db:"display_name"`
	Role        string `json:"role,omitempty" db:"role"`
}

// Attachment is an opaque reference to an uploaded object. The chat
// service never inspects the payload beyond size accounting.
type Attachment struct {
	Name string `json:"name"`
	Url  string `json:"url"`
	Size int64  `json:"size"`
}

type Attachments []Attachment

func (a Attachments) Value() (driver.Value, error) {
	if len(a) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(a)
}

func (a *Attachments) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("attachments: cannot scan %T", src)
	}
}

// Message is a canonical chat message. Immutable once persisted; SeqId is
// the room-scoped ordering assigned by the durable store.
type Message struct {
	Id               string      `json:"id"`
	RoomId           string      `json:"room_id"`
	SenderId         string      `json:"sender_id"`
	SenderName       string      `json:"sender_name"`
	Content          string      `json:"content"`
	Attachments      Attachments `json:"attachments,omitempty"`
	SeqId            int64       `json:"seq_id"`
	IdempotencyToken string      `json:"idempotency_token,omitempty"`
	Timestamp        time.Time   `json:"timestamp"`
}

// RoomInfo is the snapshot returned to a client on join.
type RoomInfo struct {
	Id      string   `json:"id"`
	SeqId   int64    `json:"seq_id"`
	Members []Member `json:"members"`
}

// TypingEvent is an ephemeral presence update. It carries no ordering
// guarantee relative to messages.
type TypingEvent struct {
	RoomId      string `json:"room_id"`
	UserId      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	IsTyping    bool   `json:"is_typing"`
}

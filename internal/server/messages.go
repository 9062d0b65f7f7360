package server

import (
	"net/http"
	"time"

	"github.com/triplore/tripchat/internal/types"
)

type BaseFrame struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientFrame is one inbound event from a connection. Exactly one of the
// operation fields is set.
type ClientFrame struct {
	BaseFrame
	Join    *Join    `json:"join,omitempty"`
	Leave   *Leave   `json:"leave,omitempty"`
	Publish *Publish `json:"publish,omitempty"`
	Typing  *Typing  `json:"typing,omitempty"`

	conn *Conn
}

type Join struct {
	RoomId string `json:"room_id"`
}

type Leave struct {
	RoomId string `json:"room_id"`
}

type Publish struct {
	RoomId           string            `json:"room_id"`
	Content          string            `json:"content"`
	Attachments      types.Attachments `json:"attachments,omitempty"`
	IdempotencyToken string            `json:"idempotency_token"`
}

type Typing struct {
	RoomId   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// ServerFrame is one outbound event. Response frames are correlated to a
// client frame by Id; Message and Typing frames are broadcasts.
type ServerFrame struct {
	BaseFrame
	Response *Response          `json:"response,omitempty"`
	Message  *types.Message     `json:"message,omitempty"`
	Typing   *types.TypingEvent `json:"typing,omitempty"`
	Presence *Presence          `json:"presence,omitempty"`

	// skipUser suppresses delivery to every connection of one user.
	skipUser string
	// skipConn suppresses delivery to a single connection.
	skipConn *Conn
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

// Presence notifies room members that a user came online or went offline
// in the room. Advisory only; not required for correctness.
type Presence struct {
	RoomId  string `json:"room_id"`
	UserId  string `json:"user_id"`
	Present bool   `json:"present"`
}

func NoErrOK(id int, data any) *ServerFrame {
	return &ServerFrame{
		BaseFrame: BaseFrame{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func ErrNotAuthorized(id int) *ServerFrame {
	return &ServerFrame{
		BaseFrame: BaseFrame{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusForbidden,
			Error:        "not a member of this room",
		},
	}
}

func ErrValidation(id int, reason string) *ServerFrame {
	return &ServerFrame{
		BaseFrame: BaseFrame{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        reason,
		},
	}
}

func ErrPersistence(id int) *ServerFrame {
	return &ServerFrame{
		BaseFrame: BaseFrame{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadGateway,
			Error:        "message could not be saved",
		},
	}
}

func ErrRoomNotFound(id int) *ServerFrame {
	return &ServerFrame{
		BaseFrame: BaseFrame{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusNotFound,
			Error:        "room not found",
		},
	}
}

func ErrServiceUnavailable(id int) *ServerFrame {
	return &ServerFrame{
		BaseFrame: BaseFrame{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidMessage(id int) *ServerFrame {
	msg := &ServerFrame{
		BaseFrame: BaseFrame{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

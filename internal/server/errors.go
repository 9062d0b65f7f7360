package server

import "fmt"

// NotAuthorizedError is returned when a user who is not a member of a
// trip's group chat attempts to join it.
type NotAuthorizedError struct {
	UserId string
	RoomId string
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("user %q is not a member of room %q", e.UserId, e.RoomId)
}

// ValidationError rejects a message before any I/O is performed.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid message: " + e.Reason
}

// PersistenceError wraps a durable store failure. The message was not
// broadcast; the sender rolls back its optimistic echo.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return "persist message: " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

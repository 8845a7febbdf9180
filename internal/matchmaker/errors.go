package matchmaker

import (
	"fmt"

	"github.com/cory-johannsen/arena/internal/protocol"
)

// Error is a matchmaking failure carrying the wire error code clients branch
// on. The message travels to the client verbatim.
type Error struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

// Error returns the client-facing message.
func (e *Error) Error() string { return e.Message }

func errNoHandler(roomName string) *Error {
	return &Error{
		Code:    protocol.ErrCodeNoHandler,
		Message: fmt.Sprintf("no room handler registered for %q", roomName),
	}
}

func errNoRoomsAvailable() *Error {
	return &Error{
		Code:    protocol.ErrCodeInvalidCriteria,
		Message: "no rooms found with provided criteria",
	}
}

func errInvalidRoomID(roomID string) *Error {
	return &Error{
		Code:    protocol.ErrCodeInvalidRoomID,
		Message: fmt.Sprintf("room %q not found", roomID),
	}
}

func errRoomLocked(roomID string) *Error {
	return &Error{
		Code:    protocol.ErrCodeInvalidRoomID,
		Message: fmt.Sprintf("room %q is locked", roomID),
	}
}

func errExpired() *Error {
	return &Error{
		Code:    protocol.ErrCodeExpired,
		Message: "reconnection has expired",
	}
}

func errShuttingDown() *Error {
	return &Error{
		Code:    protocol.ErrCodeUnhandled,
		Message: "matchmaker is shutting down",
	}
}

func errUnhandled(err error) *Error {
	if mmErr, ok := err.(*Error); ok {
		return mmErr
	}
	return &Error{Code: protocol.ErrCodeUnhandled, Message: err.Error()}
}

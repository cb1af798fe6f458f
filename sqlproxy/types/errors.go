package types

import (
	"errors"
	"fmt"
)

// ErrClosed is the cause carried by every StateError raised against a closed
// connection.
var ErrClosed = errors.New("Database closed")

// ProtocolError reports a malformed or unparseable wire message. It is fatal
// to the transport that produced it.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// EngineError carries a failure reported by the SQLite engine. The connection
// stays usable; only the call that caused it fails.
type EngineError struct {
	Code    int
	Message string
}

func (e *EngineError) Error() string {
	return e.Message
}

// ProcessError reports that the worker failed to start, failed to connect or
// exited unexpectedly. Every pending call on the connection receives it.
type ProcessError struct {
	Message string
	Err     error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ProcessError) Unwrap() error { return e.Err }

// StateError reports an operation that is not valid in the current state: a
// call on a closed connection, or a method the worker rejected.
type StateError struct {
	Message string
	Err     error
}

func (e *StateError) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *StateError) Unwrap() error { return e.Err }

// Closed returns the StateError for operations on a closed connection.
func Closed() error {
	return &StateError{Err: ErrClosed}
}

// ErrorFromRPC converts an error response into the matching taxonomy error.
func ErrorFromRPC(e *RPCError) error {
	switch e.Code {
	case CodeParseError, CodeInvalidMessage:
		return &ProtocolError{Code: e.Code, Message: e.Message}
	case CodeInvalidMethod:
		return &StateError{Message: e.Message}
	default:
		return &EngineError{Code: e.Code, Message: e.Message}
	}
}

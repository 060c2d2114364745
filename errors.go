package taskfarm

import (
	"errors"
	"fmt"
)

// Common errors returned by the server, client, queue and codec.
var (
	ErrServerClosed        = errors.New("server is closed")
	ErrClientClosed        = errors.New("client is closed")
	ErrTaskNotRunning      = errors.New("task is not running")
	ErrDuplicateTask       = errors.New("task already exists")
	ErrFrameTooLarge       = errors.New("frame exceeds maximum size")
	ErrEmptyFrame          = errors.New("received empty frame")
	ErrUnregisteredPayload = errors.New("payload type is not registered")
	ErrUnexpectedPayload   = errors.New("unexpected payload type")
	ErrNoSchedule          = errors.New("no cron schedule configured for producer")
)

// ProtocolError reports a command that arrived where a different one was expected.
type ProtocolError struct {
	Expected CommandType // zero when any known command was acceptable
	Got      CommandType
	Message  string
}

func (e *ProtocolError) Error() string {
	if e.Expected == 0 {
		return fmt.Sprintf("protocol error: unexpected command %s: %s", e.Got, e.Message)
	}
	if e.Message == "" {
		return fmt.Sprintf("protocol error: expected %s command, received %s", e.Expected, e.Got)
	}
	return fmt.Sprintf("protocol error: expected %s command, received %s: %s", e.Expected, e.Got, e.Message)
}

// Is supports errors.Is by matching any *ProtocolError target.
func (e *ProtocolError) Is(target error) bool {
	_, ok := target.(*ProtocolError)
	return ok
}

// PanicError wraps a panic value to be returned as an error.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

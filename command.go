package taskfarm

import (
	"fmt"
	"reflect"
	"sync/atomic"
)

// CommandType tags a command. The numeric values are part of the wire format.
type CommandType uint8

const (
	CommandInit CommandType = iota + 1
	CommandRequestTask
	CommandTask
	CommandResult
	CommandDisconnect
	CommandCustom
)

func (t CommandType) String() string {
	switch t {
	case CommandInit:
		return "INIT"
	case CommandRequestTask:
		return "REQUEST_TASK"
	case CommandTask:
		return "TASK"
	case CommandResult:
		return "RESULT"
	case CommandDisconnect:
		return "DISCONNECT"
	case CommandCustom:
		return "CUSTOM"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the known command types.
func (t CommandType) Valid() bool {
	return t >= CommandInit && t <= CommandCustom
}

var nextCommandID atomic.Uint64

// Command is an immutable message exchanged between a worker and the server.
// The id is unique within the sending process and is only used for log correlation.
type Command struct {
	id      uint64
	typ     CommandType
	payload any
}

func newCommand(typ CommandType, payload any) *Command {
	return &Command{
		id:      nextCommandID.Add(1),
		typ:     typ,
		payload: payload,
	}
}

// NewInitCommand wraps an initializer sent to a freshly connected worker.
func NewInitCommand(initializer Initializer) *Command {
	return newCommand(CommandInit, initializer)
}

// NewRequestCommand asks the server for the next task.
func NewRequestCommand() *Command {
	return newCommand(CommandRequestTask, nil)
}

// NewTaskCommand wraps a task handed to a worker.
func NewTaskCommand(task Task) *Command {
	return newCommand(CommandTask, task)
}

// NewResultCommand wraps the result a worker reports for its current task.
func NewResultCommand(result any) *Command {
	return newCommand(CommandResult, result)
}

// NewDisconnectCommand announces an orderly disconnect.
func NewDisconnectCommand() *Command {
	return newCommand(CommandDisconnect, nil)
}

// NewCustomCommand wraps an application defined payload handled by the server's CustomCommandHandler.
func NewCustomCommand(payload any) *Command {
	return newCommand(CommandCustom, payload)
}

func (c *Command) ID() uint64 {
	return c.id
}

func (c *Command) Type() CommandType {
	return c.typ
}

func (c *Command) Payload() any {
	return c.payload
}

func (c *Command) String() string {
	return fmt.Sprintf("%s#%d", c.typ, c.id)
}

// PayloadAs returns the command payload as P.
func PayloadAs[P any](c *Command) (P, error) {
	p, ok := c.payload.(P)
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %s carries %T, want %s", ErrUnexpectedPayload, c, c.payload, reflect.TypeFor[P]())
	}
	return p, nil
}

package taskfarm

import (
	"context"
	"sync/atomic"
)

var nextTaskID atomic.Uint64

// Task is a unit of work handed out to workers.
// TaskID must be stable for the lifetime of the task; the queue uses it to track membership.
type Task interface {
	TaskID() uint64
}

// TaskBase is meant to be embedded in concrete task types.
// It carries a process-wide unique, monotonically increasing identifier.
//
// ID is exported only so the codec can decode it. It is assigned by NewTaskBase and must
// not be changed afterwards: the queue tracks running tasks by id, and a report for a task
// whose id changed is rejected with ErrTaskNotRunning.
type TaskBase struct {
	ID uint64 `json:"id"`
}

// NewTaskBase returns a TaskBase with the next task identifier.
func NewTaskBase() TaskBase {
	return TaskBase{ID: nextTaskID.Add(1)}
}

// TaskID returns the unique identifier of the task.
func (b TaskBase) TaskID() uint64 {
	return b.ID
}

// Initializer is an optional payload sent once to every newly connected worker.
// Copy must return an independent deep copy so per-connection use never aliases server state.
type Initializer interface {
	Copy() Initializer
}

// Describer can be implemented by result payloads to give a short description for logs.
type Describer interface {
	Description() string
}

// CustomCommandHandler handles CUSTOM commands received from workers.
// It is called concurrently from every session and must be safe for concurrent use.
// A nil reply means nothing is sent back. An error terminates the calling session.
type CustomCommandHandler interface {
	HandleCustomCommand(ctx context.Context, cmd *Command) (*Command, error)
}

// CustomCommandHandlerFunc adapts an ordinary function to a CustomCommandHandler.
type CustomCommandHandlerFunc func(ctx context.Context, cmd *Command) (*Command, error)

// HandleCustomCommand calls f(ctx, cmd).
func (f CustomCommandHandlerFunc) HandleCustomCommand(ctx context.Context, cmd *Command) (*Command, error) {
	return f(ctx, cmd)
}

// TaskFunc computes the result for a task received by a worker.
type TaskFunc func(ctx context.Context, task any) (any, error)

// Producer periodically generates tasks, called by the server's ProducerManager.
type Producer[T Task] interface {
	Produce(ctx context.Context) ([]T, error)
}

// ProducerFunc adapts an ordinary function to a Producer.
type ProducerFunc[T Task] func(ctx context.Context) ([]T, error)

// Produce calls f(ctx).
func (f ProducerFunc[T]) Produce(ctx context.Context) ([]T, error) {
	return f(ctx)
}

// ProducerCronSchedule is an optional interface that Producers can implement
// to specify a cron schedule for their Produce method.
type ProducerCronSchedule interface {
	// ProduceCronSchedule returns the desired cron schedule string for calling the Produce method.
	// If the returned string is empty or the boolean is false, the server's schedule will be used.
	ProduceCronSchedule() (string, bool)
}

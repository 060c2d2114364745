package taskfarm

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
)

// QueueStats is a point-in-time view of the queue collections.
type QueueStats struct {
	Available int
	Running   int
	Finished  int
	Results   int
}

// TaskQueue stores tasks in the available, running and finished states together with
// the results reported for finished tasks. Every operation is serialized by a mutex
// owned by the instance, so independent queues never contend.
type TaskQueue[T Task, R any] struct {
	mu        sync.Mutex
	available []T
	running   map[uint64]T
	finished  []T
	results   []R
	known     map[uint64]struct{} // ids of every task in any collection

	// wake holds at most one token; it is filled whenever a task becomes available.
	wake   chan struct{}
	logger *slog.Logger
}

// NewTaskQueue creates an empty task queue.
func NewTaskQueue[T Task, R any](logger *slog.Logger) *TaskQueue[T, R] {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskQueue[T, R]{
		running: make(map[uint64]T),
		known:   make(map[uint64]struct{}),
		wake:    make(chan struct{}, 1),
		logger:  logger,
	}
}

// AddTask appends a task to the tail of the available FIFO.
// A task whose id is already in the queue is rejected with ErrDuplicateTask.
func (q *TaskQueue[T, R]) AddTask(task T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := task.TaskID()
	if _, exists := q.known[id]; exists {
		q.logger.Warn("Task already exists in queue", "task_id", id)
		return fmt.Errorf("add task %d: %w", id, ErrDuplicateTask)
	}
	q.known[id] = struct{}{}
	q.available = append(q.available, task)
	q.signalLocked()
	q.logStateLocked("add task", id)
	return nil
}

// PollTask moves the head of the available FIFO to running and returns it.
// It never blocks; ok is false when no task is available.
func (q *TaskQueue[T, R]) PollTask() (task T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.available) == 0 {
		return task, false
	}
	task = q.available[0]
	var zero T
	q.available[0] = zero
	q.available = q.available[1:]
	q.running[task.TaskID()] = task
	if len(q.available) > 0 {
		// Pass the token on so another waiter picks up the remaining work.
		q.signalLocked()
	}
	q.logStateLocked("poll task", task.TaskID())
	return task, true
}

// Next blocks until a task can be polled or ctx is done.
func (q *TaskQueue[T, R]) Next(ctx context.Context) (T, error) {
	for {
		if task, ok := q.PollTask(); ok {
			return task, nil
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// FinishTask moves a running task to finished and records its result.
// Reports for tasks that are not running (double reports, or reports that arrive
// after ResetQueue) are rejected with ErrTaskNotRunning and leave the queue untouched.
func (q *TaskQueue[T, R]) FinishTask(task T, result R) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := task.TaskID()
	if stored, ok := q.running[id]; !ok || !sameTask(stored, task) {
		q.logger.Warn("Ignoring result for task that is not running", "task_id", id)
		return fmt.Errorf("finish task %d: %w", id, ErrTaskNotRunning)
	}
	delete(q.running, id)
	q.finished = append(q.finished, task)
	q.results = append(q.results, result)
	q.logStateLocked("finish task", id)
	return nil
}

// SetTaskAvailable returns a running task to the tail of the available FIFO without
// recording a result. It is used when a worker goes away before reporting.
func (q *TaskQueue[T, R]) SetTaskAvailable(task T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := task.TaskID()
	if stored, ok := q.running[id]; !ok || !sameTask(stored, task) {
		q.logger.Debug("Not requeueing task that is not running", "task_id", id)
		return fmt.Errorf("requeue task %d: %w", id, ErrTaskNotRunning)
	}
	delete(q.running, id)
	q.available = append(q.available, task)
	q.signalLocked()
	q.logStateLocked("requeue task", id)
	return nil
}

// ResetQueue drops every task and result.
func (q *TaskQueue[T, R]) ResetQueue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.available = nil
	q.running = make(map[uint64]T)
	q.known = make(map[uint64]struct{})
	q.finished = nil
	q.results = nil
	q.logStateLocked("reset queue", 0)
}

// AllTasksFinished reports whether no task is available or running.
// It is true for a queue that never received a task.
func (q *TaskQueue[T, R]) AllTasksFinished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.available)+len(q.running) == 0
}

// GetProgress returns the finished fraction of all known tasks, or -1 when the
// queue holds no task at all.
func (q *TaskQueue[T, R]) GetProgress() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := len(q.available) + len(q.running) + len(q.finished)
	if total == 0 {
		return -1
	}
	return float64(len(q.finished)) / float64(total)
}

// GetResults returns a snapshot of the results in completion order.
func (q *TaskQueue[T, R]) GetResults() []R {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.results)
}

// Stats returns the current size of each collection.
func (q *TaskQueue[T, R]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *TaskQueue[T, R]) statsLocked() QueueStats {
	return QueueStats{
		Available: len(q.available),
		Running:   len(q.running),
		Finished:  len(q.finished),
		Results:   len(q.results),
	}
}

// sameTask reports whether task is the running instance stored under its id. Tasks of
// non-comparable types are matched by id alone.
func sameTask[T Task](stored, task T) bool {
	a, b := reflect.ValueOf(any(stored)), reflect.ValueOf(any(task))
	if !a.IsValid() || !b.IsValid() || !a.Comparable() || !b.Comparable() {
		return true
	}
	return a.Equal(b)
}

func (q *TaskQueue[T, R]) signalLocked() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *TaskQueue[T, R]) logStateLocked(op string, taskID uint64) {
	s := q.statsLocked()
	q.logger.Debug("Task queue "+op,
		"task_id", taskID,
		"available", s.Available,
		"running", s.Running,
		"finished", s.Finished,
		"results", s.Results)
}

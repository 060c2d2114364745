package taskfarm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// session serves one worker connection: it sends the initializer, hands out tasks on
// request and records the results. It holds at most one task at a time.
type session[T Task, R any] struct {
	id     string
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	server *Server[T, R]
	queue  *TaskQueue[T, R]
	logger *slog.Logger

	// ctx is cancelled when the session is torn down; it interrupts a pending Next.
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex // Shutdown may write DISCONNECT while the loop is sending

	// Owned by the run goroutine.
	runningTask T
	hasTask     bool

	closing   atomic.Bool
	closeOnce sync.Once
}

func newSession[T Task, R any](server *Server[T, R], conn net.Conn) *session[T, R] {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &session[T, R]{
		id:     id,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		server: server,
		queue:  server.queue,
		logger: server.logger.With("session", id, "remote_addr", conn.RemoteAddr().String()),
		ctx:    ctx,
		cancel: cancel,
	}
}

// run is the per-connection protocol loop.
func (s *session[T, R]) run() {
	defer s.server.sessionWG.Done()
	defer s.teardown()

	s.logger.Info("Connected new client")

	if initializer := s.server.initializerCopy(); initializer != nil {
		if err := s.send(NewInitCommand(initializer)); err != nil {
			s.logIOError("send init", err)
			return
		}
	}

	for {
		cmd, err := Receive(s.reader)
		if err != nil {
			s.logIOError("receive command", err)
			return
		}
		s.server.metrics.commandReceived(s.ctx, cmd.Type())
		if !s.dispatch(cmd) {
			return
		}
	}
}

// dispatch handles one command and reports whether the loop should continue.
func (s *session[T, R]) dispatch(cmd *Command) bool {
	switch cmd.Type() {
	case CommandResult:
		return s.handleResult(cmd)
	case CommandRequestTask:
		return s.handleRequestTask(cmd)
	case CommandDisconnect:
		s.logger.Info("Client requested disconnect", "command", cmd.ID())
		return false
	case CommandCustom:
		return s.handleCustom(cmd)
	default:
		s.logger.Error("Received command could not be handled, closing connection to client", "command", cmd.String())
		return false
	}
}

func (s *session[T, R]) handleRequestTask(cmd *Command) bool {
	s.logger.Debug("Received task request", "command", cmd.ID())
	if !s.hasTask {
		task, err := s.queue.Next(s.ctx)
		if err != nil {
			s.logger.Debug("Stopped waiting for a task", "error", err)
			return false
		}
		s.runningTask = task
		s.hasTask = true
	}

	taskCmd := NewTaskCommand(s.runningTask)
	if err := s.send(taskCmd); err != nil {
		s.logIOError("send task", err)
		return false
	}
	s.server.metrics.taskDispatched(s.ctx)
	s.logger.Debug("Sent task", "command", taskCmd.ID(), "task_id", s.runningTask.TaskID())
	return true
}

func (s *session[T, R]) handleResult(cmd *Command) bool {
	result, ok := cmd.Payload().(R)
	if !ok {
		s.logger.Error("Received result of unexpected type, closing connection to client",
			"command", cmd.String(), "payload_type", fmt.Sprintf("%T", cmd.Payload()))
		return false
	}
	description := "result"
	if d, ok := cmd.Payload().(Describer); ok {
		description = d.Description()
	}

	if !s.hasTask {
		s.server.metrics.resultRejected()
		s.logger.Warn("Received result without a running task, ignoring", "command", cmd.ID(), "description", description)
		return true
	}

	task := s.runningTask
	var zero T
	s.runningTask = zero
	s.hasTask = false

	if err := s.queue.FinishTask(task, result); err != nil {
		// The queue was reset while the worker was computing
		s.server.metrics.resultRejected()
		s.logger.Debug("Result discarded", "task_id", task.TaskID(), "error", err)
		return true
	}
	s.server.metrics.taskFinished(s.ctx)
	s.logger.Debug("Received result", "command", cmd.ID(), "task_id", task.TaskID(), "description", description)
	return true
}

func (s *session[T, R]) handleCustom(cmd *Command) bool {
	handler := s.server.config.CustomHandler
	if handler == nil {
		s.logger.Warn("Received custom command but no handler is configured, ignoring", "command", cmd.String())
		return true
	}
	s.logger.Debug("Received custom command", "command", cmd.ID())

	reply, err := s.callCustomHandler(handler, cmd)
	if err != nil {
		s.logger.Error("Custom command handler failed, closing connection to client", "command", cmd.String(), "error", err)
		return false
	}
	if reply == nil {
		return true
	}
	if err := s.send(reply); err != nil {
		s.logIOError("send custom reply", err)
		return false
	}
	return true
}

// callCustomHandler invokes the handler and converts a panic into PanicError.
func (s *session[T, R]) callCustomHandler(handler CustomCommandHandler, cmd *Command) (reply *Command, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r}
		}
	}()
	return handler.HandleCustomCommand(s.ctx, cmd)
}

func (s *session[T, R]) send(cmd *Command) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return Send(s.writer, cmd)
}

// logIOError logs a transport error at a level that matches its cause.
func (s *session[T, R]) logIOError(op string, err error) {
	switch {
	case s.closing.Load():
		s.logger.Debug("Session closed", "op", op, "error", err)
	case IsConnectionLost(err):
		s.logger.Warn("Connection lost to client", "op", op, "error", err)
	default:
		s.logger.Error("Session I/O failed", "op", op, "error", err)
	}
}

// teardown closes the connection, returns an unfinished task to the queue and
// deregisters the session. It runs on the session goroutine.
func (s *session[T, R]) teardown() {
	s.close()

	if s.hasTask {
		task := s.runningTask
		var zero T
		s.runningTask = zero
		s.hasTask = false
		if err := s.queue.SetTaskAvailable(task); err != nil {
			s.logger.Debug("Held task not requeued", "task_id", task.TaskID(), "error", err)
		} else {
			s.server.metrics.taskRequeued(context.Background())
			s.logger.Info("Returned unfinished task to the queue", "task_id", task.TaskID())
		}
	}

	s.server.removeSession(s)
	s.server.metrics.sessionClosed(context.Background())
	s.logger.Info("Client disconnected")
}

// shutdown sends DISCONNECT to the worker and closes the connection.
// It is called by Server.Close from outside the session goroutine.
func (s *session[T, R]) shutdown(grace time.Duration) {
	s.closing.Store(true)
	// Bound the DISCONNECT write, and any write already blocked in the loop.
	_ = s.conn.SetWriteDeadline(time.Now().Add(grace))
	if err := s.send(NewDisconnectCommand()); err != nil {
		s.logger.Debug("Failed to send disconnect", "error", err)
	}
	s.close()
}

// forceClose interrupts a session that did not end within the grace period.
func (s *session[T, R]) forceClose() {
	s.closing.Store(true)
	s.close()
}

func (s *session[T, R]) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("Error closing connection", "error", err)
		}
	})
}

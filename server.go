package taskfarm

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// acceptRetryDelay throttles the accept loop after a transient accept failure.
const acceptRetryDelay = 50 * time.Millisecond

// Server queues tasks, distributes them to connected workers and collects their results.
// T is the task type handed out, R the result type workers report.
type Server[T Task, R any] struct {
	listener net.Listener
	network  string
	addr     string
	config   ServerConfig
	logger   *slog.Logger

	queue     *TaskQueue[T, R]
	producers *ProducerManager[T]
	metrics   *serverMetrics

	initMu sync.Mutex // Serializes Initializer.Copy calls from new sessions

	mu       sync.Mutex // Guards sessions and closed
	sessions map[string]*session[T, R]
	closed   bool

	started    atomic.Bool
	startOnce  sync.Once
	closeOnce  sync.Once
	closeErr   error
	acceptDone chan struct{}
	sessionWG  sync.WaitGroup
}

// NewServer creates a server listening on the given TCP port on all interfaces.
// It fails if the port is already bound.
func NewServer[T Task, R any](port int, opts ...Option) (*Server[T, R], error) {
	return Listen[T, R]("tcp", net.JoinHostPort("", strconv.Itoa(port)), opts...)
}

// Listen creates a server bound to addr. network should be "tcp" or "unix".
// The server does not accept connections until Start is called.
func Listen[T Task, R any](network, addr string, opts ...Option) (*Server[T, R], error) {
	config := NewServerConfig()
	for _, opt := range opts {
		opt(&config)
	}
	logger := config.Logger

	var (
		ln  net.Listener
		err error
	)
	switch network {
	case "tcp", "tcp4", "tcp6":
		ln, err = net.Listen(network, addr)
		if err != nil {
			logger.Error("Failed to bind server socket", "network", network, "addr", addr, "error", err)
			return nil, fmt.Errorf("failed to listen on %s %s: %w", network, addr, err)
		}
	case "unix":
		// Check if socket file exists and remove it
		if _, err := os.Stat(addr); err == nil {
			logger.Info("Server removing existing unix socket file", "addr", addr)
			if removeErr := os.Remove(addr); removeErr != nil {
				return nil, fmt.Errorf("failed to remove existing unix socket file %s: %w", addr, removeErr)
			}
		}
		ln, err = net.Listen("unix", addr)
		if err != nil {
			logger.Error("Failed to bind server socket", "network", network, "addr", addr, "error", err)
			return nil, fmt.Errorf("failed to listen on unix %s: %w", addr, err)
		}
	default:
		return nil, fmt.Errorf("unsupported network type: %s", network)
	}

	s := &Server[T, R]{
		listener:   ln,
		network:    network,
		addr:       addr,
		config:     config,
		logger:     logger,
		queue:      NewTaskQueue[T, R](logger),
		sessions:   make(map[string]*session[T, R]),
		acceptDone: make(chan struct{}),
	}
	s.producers = NewProducerManager(config.ProducerCronSchedule, config.ProduceTimeout, s.queue.AddTask, logger)
	s.metrics = newServerMetrics(config.MeterProvider, s.queue.Stats, ln.Addr().String())

	logger.Info("Server listening",
		"network", network,
		"addr", ln.Addr().String(),
		"initializer", config.Initializer != nil,
		"customHandler", config.CustomHandler != nil,
		"shutdownGrace", config.ShutdownGrace)
	return s, nil
}

// Start starts accepting workers and running scheduled producers. Calling it again has no effect.
func (s *Server[T, R]) Start() {
	s.startOnce.Do(func() {
		if s.isClosed() {
			return
		}
		s.started.Store(true)
		go s.acceptConnections()
		s.producers.Start()
	})
}

// Addr returns the address the server is listening on.
func (s *Server[T, R]) Addr() net.Addr {
	return s.listener.Addr()
}

// acceptConnections accepts incoming connections and starts one session per connection.
func (s *Server[T, R]) acceptConnections() {
	defer close(s.acceptDone)
	s.logger.Debug("Accept loop started", "addr", s.listener.Addr().String())

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				// Closing the listener is how shutdown stops this loop, not a fault
				s.logger.Debug("Accept loop exiting", "addr", s.listener.Addr().String())
				return
			}
			s.logger.Error("Failed to accept connection", "error", err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		if !s.startSession(conn) {
			s.logger.Debug("Discarding connection accepted during shutdown", "remote_addr", conn.RemoteAddr())
			_ = conn.Close()
		}
	}
}

// startSession registers a session for conn and runs it in its own goroutine.
// It returns false when the server is already shutting down.
func (s *Server[T, R]) startSession(conn net.Conn) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	sess := newSession(s, conn)
	s.sessions[sess.id] = sess
	s.sessionWG.Add(1)
	s.mu.Unlock()

	s.metrics.sessionOpened(sess.ctx)
	go sess.run()
	return true
}

// removeSession deregisters a session. It is safe to call more than once.
func (s *Server[T, R]) removeSession(sess *session[T, R]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.id)
}

func (s *Server[T, R]) activeSessions() []*session[T, R] {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*session[T, R], 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	return list
}

// initializerCopy returns an independent copy of the configured initializer, or nil.
func (s *Server[T, R]) initializerCopy() Initializer {
	if s.config.Initializer == nil {
		return nil
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.config.Initializer.Copy()
}

func (s *Server[T, R]) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// AddTask adds a task to the tail of the queue.
// It fails with ErrDuplicateTask if a task with the same id is already queued.
func (s *Server[T, R]) AddTask(task T) error {
	return s.queue.AddTask(task)
}

// AddProducer schedules a producer whose tasks are added to the queue.
// Producers added after Start are picked up by the running scheduler.
func (s *Server[T, R]) AddProducer(producer Producer[T]) error {
	if s.isClosed() {
		return ErrServerClosed
	}
	_, err := s.producers.Add(producer)
	return err
}

// ResetQueue drops all queued, running and finished tasks and all results.
// Results reported later for tasks handed out before the reset are ignored.
func (s *Server[T, R]) ResetQueue() {
	s.queue.ResetQueue()
}

// AllTasksFinished reports whether no task is waiting or running.
func (s *Server[T, R]) AllTasksFinished() bool {
	return s.queue.AllTasksFinished()
}

// GetResults returns the results received so far in completion order.
func (s *Server[T, R]) GetResults() []R {
	return s.queue.GetResults()
}

// GetProgress returns the finished fraction of tasks, or -1 if no task was added.
func (s *Server[T, R]) GetProgress() float64 {
	return s.queue.GetProgress()
}

// GetCurrentClientCount returns the number of connected workers.
func (s *Server[T, R]) GetCurrentClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// GetMetrics returns a snapshot of the server metrics.
func (s *Server[T, R]) GetMetrics() Metrics {
	return s.metrics.snapshot(s.queue.Stats())
}

// Close stops accepting workers, sends DISCONNECT to every connected worker and waits
// for their sessions to end. Sessions still running after the shutdown grace period are
// forced closed. Tasks held by sessions are returned to the queue. Close is idempotent.
func (s *Server[T, R]) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.shutdown()
	})
	return s.closeErr
}

func (s *Server[T, R]) shutdown() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("Closing server", "clients", s.GetCurrentClientCount())
	s.producers.Stop()

	var errs []error
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Error("Error closing listener", "error", err)
		errs = append(errs, fmt.Errorf("failed to close listener: %w", err))
	}
	if s.started.Load() {
		<-s.acceptDone
	}

	grace := s.config.ShutdownGrace
	for _, sess := range s.activeSessions() {
		sess.shutdown(grace)
	}

	if !waitTimeout(&s.sessionWG, grace) {
		remaining := s.activeSessions()
		s.logger.Warn("Sessions still running after grace period, forcing close", "count", len(remaining))
		for _, sess := range remaining {
			sess.forceClose()
		}
		s.sessionWG.Wait()
	}

	s.mu.Lock()
	clear(s.sessions)
	s.mu.Unlock()

	if err := s.metrics.close(); err != nil {
		s.logger.Error("Error unregistering metrics", "error", err)
		errs = append(errs, fmt.Errorf("failed to unregister metrics: %w", err))
	}

	s.logger.Info("Server closed")
	return errors.Join(errs...)
}

// waitTimeout waits for wg and reports whether it finished within d.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

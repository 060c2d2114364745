package taskfarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// WorkerPool runs a fixed number of workers against one server, each over its own
// connection. A worker whose connection fails is restarted with exponential backoff.
type WorkerPool struct {
	network string
	addr    string
	size    int
	fn      TaskFunc
	config  PoolConfig
	logger  *slog.Logger

	active   atomic.Int32
	restarts atomic.Int64
}

// NewWorkerPool creates a pool of size workers that run fn on every task they receive.
func NewWorkerPool(network, addr string, size int, fn TaskFunc, opts ...PoolOption) (*WorkerPool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("worker pool size must be positive, got %d", size)
	}
	if fn == nil {
		return nil, errors.New("worker pool needs a task function")
	}
	config := NewPoolConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return &WorkerPool{
		network: network,
		addr:    addr,
		size:    size,
		fn:      fn,
		config:  config,
		logger:  config.Logger,
	}, nil
}

// Run starts the workers and blocks until all of them stopped. Workers stop when the
// server sends DISCONNECT, when ctx is done, or when they run out of restarts; only
// the last case is reported in the returned error.
func (p *WorkerPool) Run(ctx context.Context) error {
	p.logger.Info("Starting worker pool", "network", p.network, "addr", p.addr, "size", p.size)

	var wg sync.WaitGroup
	errs := make([]error, p.size)
	for i := range p.size {
		wg.Add(1)
		p.active.Add(1)
		go func() {
			defer wg.Done()
			defer p.active.Add(-1)
			errs[i] = p.runWorker(ctx, i)
		}()
	}
	wg.Wait()

	p.logger.Info("Worker pool stopped", "restarts", p.restarts.Load())
	return errors.Join(errs...)
}

// Active returns the number of workers that have not stopped yet.
func (p *WorkerPool) Active() int {
	return int(p.active.Load())
}

// Restarts returns the total number of reconnects performed by the pool.
func (p *WorkerPool) Restarts() int64 {
	return p.restarts.Load()
}

// runWorker serves connections one after another until the worker is done. A
// connection that completed a task resets the restart budget and the backoff delay.
func (p *WorkerPool) runWorker(ctx context.Context, index int) error {
	logger := p.logger.With("worker", index)
	attempts := 0
	delay := p.firstRestartDelay()

	for {
		completed, err := p.serveOnce(ctx, logger)
		if ctx.Err() != nil {
			logger.Debug("Worker context done, exiting")
			return nil
		}
		if err == nil {
			logger.Debug("Worker released by server")
			return nil
		}
		if completed > 0 {
			attempts = 0
			delay = p.firstRestartDelay()
		}

		attempts++
		if p.config.MaxRestarts >= 0 && attempts > p.config.MaxRestarts {
			logger.Error("Worker reached max restart attempts, giving up", "maxAttempts", p.config.MaxRestarts, "error", err)
			return fmt.Errorf("worker %d gave up after %d restarts: %w", index, p.config.MaxRestarts, err)
		}
		logger.Warn("Worker failed, restarting", "attempt", attempts, "completed", completed, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
		p.restarts.Add(1)
		delay = p.config.nextRestartDelay(delay)
	}
}

func (p *WorkerPool) firstRestartDelay() time.Duration {
	if p.config.MaxRestartDelay > 0 {
		return min(p.config.RestartDelay, p.config.MaxRestartDelay)
	}
	return p.config.RestartDelay
}

// serveOnce dials the server, handles INIT when configured and serves tasks until the
// connection ends. It returns the number of tasks fn completed on this connection.
func (p *WorkerPool) serveOnce(ctx context.Context, logger *slog.Logger) (int, error) {
	opts := append([]ClientOption{WithClientLogger(logger)}, p.config.ClientOptions...)
	client, err := Dial(p.network, p.addr, opts...)
	if err != nil {
		return 0, err
	}

	if p.config.InitHandler != nil {
		initializer, err := client.ReceiveInit(ctx)
		if err != nil {
			_ = client.Close()
			return 0, fmt.Errorf("failed to receive init: %w", err)
		}
		if err := p.config.InitHandler(ctx, initializer); err != nil {
			_ = client.Disconnect()
			return 0, fmt.Errorf("init handler failed: %w", err)
		}
	}

	// Serve calls fn on this goroutine.
	completed := 0
	err = client.Serve(ctx, func(ctx context.Context, task any) (any, error) {
		result, err := p.fn(ctx, task)
		if err == nil {
			completed++
		}
		return result, err
	})
	return completed, err
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/xqbumu/go-taskfarm"
	"github.com/xqbumu/go-taskfarm/internal/config"
	"github.com/xqbumu/go-taskfarm/internal/status"
)

// runServer distributes cfg.Server.Rounds rounds of squaring tasks and prints every round's
// results to out. With a producer schedule it then serves produced tasks until ctx is done.
func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer) error {
	mp, shutdownMetrics, err := setupMetrics(cfg.Metrics.Interval, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Error("Failed to shut down metrics", "error", err)
		}
	}()

	opts := []taskfarm.Option{
		taskfarm.WithLogger(logger),
		taskfarm.WithShutdownGrace(cfg.Server.ShutdownGrace),
		taskfarm.WithProducerCronSchedule(cfg.Server.ProducerSchedule),
	}
	if mp != nil {
		opts = append(opts, taskfarm.WithMeterProvider(mp))
	}
	server, err := taskfarm.Listen[*squareTask, *squareResult](cfg.Server.Network, cfg.Server.Address, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Error("Failed to close server", "error", err)
		}
	}()

	if cfg.Server.StatusAddress != "" {
		stopStatus, err := serveStatus(cfg.Server.StatusAddress, server, logger)
		if err != nil {
			return err
		}
		defer stopStatus()
	}

	server.Start()

	for round := range cfg.Server.Rounds {
		if err := calculate(ctx, server, cfg.Server.Tasks, cfg.Server.PollInterval, logger, out); err != nil {
			return err
		}
		logger.Info("Round complete", "round", round+1, "rounds", cfg.Server.Rounds)
	}

	// Produced tasks share the queue the rounds reset, so the producer starts afterwards.
	if cfg.Server.ProducerSchedule != "" {
		if err := server.AddProducer(&squareProducer{count: cfg.Server.Tasks}); err != nil {
			return err
		}
		logger.Info("Serving produced tasks until interrupted", "schedule", cfg.Server.ProducerSchedule)
		<-ctx.Done()
	}
	return nil
}

// calculate adds count tasks, waits until all are finished, prints the results and resets the queue.
func calculate(ctx context.Context, server *taskfarm.Server[*squareTask, *squareResult], count int, interval time.Duration, logger *slog.Logger, out io.Writer) error {
	for i := range count {
		if err := server.AddTask(newSquareTask(float64(i))); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for !server.AllTasksFinished() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			logger.Info("Tasks finished", "percent", server.GetProgress()*100, "clients", server.GetCurrentClientCount())
		}
	}

	for _, result := range server.GetResults() {
		fmt.Fprintf(out, "task %d: %g\n", result.TaskID, result.Value)
	}
	server.ResetQueue()
	return nil
}

// serveStatus starts the HTTP status endpoint and returns a function stopping it.
func serveStatus(addr string, src status.Source, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for status endpoint on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           status.NewRouter(src, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Serving status endpoint", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Status endpoint failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Status endpoint shutdown failed", "error", err)
		}
	}, nil
}

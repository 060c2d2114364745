package main

import (
	"context"
	"log/slog"

	"github.com/xqbumu/go-taskfarm"
	"github.com/xqbumu/go-taskfarm/internal/config"
)

// runWorker connects cfg.Worker.Concurrency workers and squares tasks until the server
// disconnects them or ctx is done.
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := taskfarm.NewWorkerPool(
		cfg.Worker.Network,
		cfg.Worker.Address,
		cfg.Worker.Concurrency,
		square(cfg.Worker.TaskDelay),
		taskfarm.WithPoolLogger(logger),
		taskfarm.WithMaxRestarts(cfg.Worker.MaxRestarts),
		taskfarm.WithRestartDelay(cfg.Worker.RestartDelay),
		taskfarm.WithMaxRestartDelay(cfg.Worker.MaxRestartDelay),
		taskfarm.WithPoolClientOptions(taskfarm.WithDialTimeout(cfg.Worker.DialTimeout)),
	)
	if err != nil {
		return err
	}
	return pool.Run(ctx)
}

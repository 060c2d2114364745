// Command taskfarm runs a task server or a pool of workers computing the squaring demo.
//
//	taskfarm server [flags]
//	taskfarm worker [flags]
//
// Settings come from an optional --config file, TASKFARM_ environment variables and flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/xqbumu/go-taskfarm/internal/config"
	"github.com/xqbumu/go-taskfarm/internal/logger"
)

const usage = `usage: taskfarm <server|worker> [flags]

Run "taskfarm <command> --help" for the flags of a command.`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "taskfarm:", err)
		}
		stop()
		os.Exit(1)
	}
}

// run dispatches to a subcommand. Results go to stdout, logs to stderr.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage)
		return errors.New("missing command")
	}

	command, args := args[0], args[1:]
	flags := pflag.NewFlagSet("taskfarm "+command, pflag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "path to a config file")
	addCommonFlags(flags)

	switch command {
	case "server":
		addServerFlags(flags)
	case "worker":
		addWorkerFlags(flags)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage)
		return nil
	default:
		fmt.Fprintln(stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}

	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, stderr)
	if err != nil {
		return err
	}

	if command == "server" {
		return runServer(ctx, cfg, log, stdout)
	}
	return runWorker(ctx, cfg, log)
}

func addCommonFlags(flags *pflag.FlagSet) {
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.Duration("metrics-interval", 0, "export metrics to stderr at this interval (0 disables)")
}

func addServerFlags(flags *pflag.FlagSet) {
	flags.String("server-network", "tcp", "network to listen on (tcp, unix)")
	flags.String("server-address", ":9000", "address to listen on")
	flags.Duration("server-shutdown-grace", 500*time.Millisecond, "time to wait for workers on shutdown")
	flags.String("server-status-address", "", "serve the HTTP status endpoint on this address")
	flags.String("server-producer-schedule", "", "cron schedule adding a batch of tasks")
	flags.Int("server-tasks", 10, "tasks per round")
	flags.Int("server-rounds", 1, "rounds of tasks to distribute")
	flags.Duration("server-poll-interval", 100*time.Millisecond, "interval between progress reports")
}

func addWorkerFlags(flags *pflag.FlagSet) {
	flags.String("worker-network", "tcp", "network of the server (tcp, unix)")
	flags.String("worker-address", "localhost:9000", "address of the server")
	flags.Int("worker-concurrency", 1, "number of parallel connections")
	flags.Int("worker-max-restarts", 5, "consecutive failed connections before giving up (-1 for unlimited)")
	flags.Duration("worker-restart-delay", time.Second, "first reconnect delay")
	flags.Duration("worker-max-restart-delay", time.Minute, "upper bound of the reconnect delay")
	flags.Duration("worker-dial-timeout", 5*time.Second, "timeout for connecting")
	flags.Duration("worker-task-delay", 0, "simulated compute time per task")
}

package taskfarm

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	// DefaultShutdownGrace is how long Close waits for sessions to finish on their own.
	DefaultShutdownGrace = 500 * time.Millisecond
	// DefaultProduceTimeout bounds a single Producer.Produce call.
	DefaultProduceTimeout = time.Minute
)

// ServerConfig contains configuration options for the Server.
type ServerConfig struct {
	Initializer          Initializer          // Sent as a fresh copy to every new session (optional)
	CustomHandler        CustomCommandHandler // Handles CUSTOM commands (optional)
	Logger               *slog.Logger         // Logger for the server and its sessions
	ShutdownGrace        time.Duration        // Time Close waits before force-closing sessions
	ProducerCronSchedule string               // Default cron schedule for producers without their own
	ProduceTimeout       time.Duration        // Timeout for a Producer's Produce call (0 means no timeout)
	MeterProvider        metric.MeterProvider // Source of OpenTelemetry instruments (defaults to the global provider)
}

// NewServerConfig returns a ServerConfig with default values.
func NewServerConfig() ServerConfig {
	return ServerConfig{
		Logger:         slog.Default(),
		ShutdownGrace:  DefaultShutdownGrace,
		ProduceTimeout: DefaultProduceTimeout,
	}
}

// Option defines a function type for configuring the Server.
type Option func(*ServerConfig)

// WithInitializer configures the initializer sent to each newly connected worker.
func WithInitializer(initializer Initializer) Option {
	return func(cfg *ServerConfig) {
		cfg.Initializer = initializer
	}
}

// WithCustomHandler configures the handler for CUSTOM commands.
func WithCustomHandler(handler CustomCommandHandler) Option {
	return func(cfg *ServerConfig) {
		cfg.CustomHandler = handler
	}
}

// WithLogger configures the logger used by the server, its sessions and its queue.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *ServerConfig) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

// WithShutdownGrace configures how long Close waits for sessions before forcing them closed.
func WithShutdownGrace(grace time.Duration) Option {
	return func(cfg *ServerConfig) {
		cfg.ShutdownGrace = grace
	}
}

// WithProducerCronSchedule configures the default cron schedule used for producers.
func WithProducerCronSchedule(schedule string) Option {
	return func(cfg *ServerConfig) {
		cfg.ProducerCronSchedule = schedule
	}
}

// WithProduceTimeout configures the timeout for a Producer's Produce method.
func WithProduceTimeout(timeout time.Duration) Option {
	return func(cfg *ServerConfig) {
		cfg.ProduceTimeout = timeout
	}
}

// WithMeterProvider configures where the server's OpenTelemetry instruments come from.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(cfg *ServerConfig) {
		cfg.MeterProvider = mp
	}
}

// ClientConfig contains configuration options for the Client.
type ClientConfig struct {
	Logger      *slog.Logger
	DialTimeout time.Duration // 0 means no timeout beyond the operating system's
}

// ClientOption defines a function type for configuring the Client.
type ClientOption func(*ClientConfig)

// WithClientLogger configures the client logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(cfg *ClientConfig) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

// WithDialTimeout configures the timeout for establishing the connection.
func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.DialTimeout = timeout
	}
}

const (
	// DefaultMaxRestarts is how often a pool worker reconnects after a failure before giving up.
	DefaultMaxRestarts = 5
	// DefaultRestartDelay is the first backoff delay before a pool worker reconnects.
	DefaultRestartDelay = time.Second
	// DefaultMaxRestartDelay caps the doubling backoff delay.
	DefaultMaxRestartDelay = 60 * time.Second
)

// PoolConfig contains configuration options for the WorkerPool.
type PoolConfig struct {
	Logger        *slog.Logger
	MaxRestarts     int                                                      // Consecutive failed connections per worker before giving up (negative means unlimited)
	RestartDelay    time.Duration                                            // First backoff delay, doubled after every restart
	MaxRestartDelay time.Duration                                            // Upper bound of the backoff delay
	InitHandler     func(ctx context.Context, initializer Initializer) error // Receives the INIT payload of every new connection (optional)
	ClientOptions   []ClientOption
}

// nextRestartDelay doubles delay up to MaxRestartDelay.
func (c PoolConfig) nextRestartDelay(delay time.Duration) time.Duration {
	if c.MaxRestartDelay > 0 && delay >= c.MaxRestartDelay/2 {
		return c.MaxRestartDelay
	}
	return delay * 2
}

// PoolOption defines a function type for configuring the WorkerPool.
type PoolOption func(*PoolConfig)

// NewPoolConfig returns a PoolConfig with default values.
func NewPoolConfig() PoolConfig {
	return PoolConfig{
		Logger:       slog.Default(),
		MaxRestarts:     DefaultMaxRestarts,
		RestartDelay:    DefaultRestartDelay,
		MaxRestartDelay: DefaultMaxRestartDelay,
	}
}

// WithPoolLogger configures the logger used by the pool and its clients.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(cfg *PoolConfig) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

// WithMaxRestarts configures how often a worker reconnects after a failure.
func WithMaxRestarts(n int) PoolOption {
	return func(cfg *PoolConfig) {
		cfg.MaxRestarts = n
	}
}

// WithRestartDelay configures the initial reconnect backoff.
func WithRestartDelay(delay time.Duration) PoolOption {
	return func(cfg *PoolConfig) {
		cfg.RestartDelay = delay
	}
}

// WithMaxRestartDelay caps the reconnect backoff. Zero or less disables the cap.
func WithMaxRestartDelay(delay time.Duration) PoolOption {
	return func(cfg *PoolConfig) {
		cfg.MaxRestartDelay = delay
	}
}

// WithInitHandler makes every pool connection wait for the server's INIT command and pass
// the initializer to fn before requesting tasks. Use it when the server has an initializer.
func WithInitHandler(fn func(ctx context.Context, initializer Initializer) error) PoolOption {
	return func(cfg *PoolConfig) {
		cfg.InitHandler = fn
	}
}

// WithPoolClientOptions configures the options passed to every client the pool dials.
func WithPoolClientOptions(opts ...ClientOption) PoolOption {
	return func(cfg *PoolConfig) {
		cfg.ClientOptions = append(cfg.ClientOptions, opts...)
	}
}

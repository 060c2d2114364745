// Package config loads the taskfarm command configuration from defaults, an optional
// config file, TASKFARM_ environment variables and command line flags, in increasing
// order of precedence.
package config

import "time"

// Config holds all command configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" validate:"required"`
	Worker  WorkerConfig  `mapstructure:"worker" validate:"required"`
	Log     LogConfig     `mapstructure:"log" validate:"required"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig contains the settings of the task server.
type ServerConfig struct {
	Network          string        `mapstructure:"network" validate:"required,oneof=tcp tcp4 tcp6 unix"`
	Address          string        `mapstructure:"address" validate:"required"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace" validate:"gte=0"`
	StatusAddress    string        `mapstructure:"status_address"` // Empty disables the HTTP status endpoint
	ProducerSchedule string        `mapstructure:"producer_schedule"`
	Tasks            int           `mapstructure:"tasks" validate:"gte=0"`  // Tasks added per round
	Rounds           int           `mapstructure:"rounds" validate:"gte=0"` // Rounds of add, wait, collect, reset
	PollInterval     time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

// WorkerConfig contains the settings of a worker process.
type WorkerConfig struct {
	Network         string        `mapstructure:"network" validate:"required,oneof=tcp tcp4 tcp6 unix"`
	Address         string        `mapstructure:"address" validate:"required"`
	Concurrency     int           `mapstructure:"concurrency" validate:"gt=0"`
	MaxRestarts     int           `mapstructure:"max_restarts" validate:"gte=-1"`
	RestartDelay    time.Duration `mapstructure:"restart_delay" validate:"gte=0"`
	MaxRestartDelay time.Duration `mapstructure:"max_restart_delay" validate:"gte=0"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout" validate:"gte=0"`
	TaskDelay       time.Duration `mapstructure:"task_delay" validate:"gte=0"` // Simulated compute time per task
}

// LogConfig contains the logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// MetricsConfig contains the metrics export settings.
type MetricsConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gte=0"` // 0 disables the stdout exporter
}

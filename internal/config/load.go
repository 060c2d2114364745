package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load, e.g. TASKFARM_SERVER_ADDRESS.
const EnvPrefix = "TASKFARM"

// Load builds the configuration. path names an optional config file (any format viper
// reads); flags, when not nil, override matching keys for the flags the user set.
// Flag names map to keys by replacing the first '-' with '.', e.g. server-address.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key, ok := flagKey(f.Name)
			if !ok || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(key, f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.network", "tcp")
	v.SetDefault("server.address", ":9000")
	v.SetDefault("server.shutdown_grace", "500ms")
	v.SetDefault("server.status_address", "")
	v.SetDefault("server.producer_schedule", "")
	v.SetDefault("server.tasks", 10)
	v.SetDefault("server.rounds", 1)
	v.SetDefault("server.poll_interval", "100ms")

	v.SetDefault("worker.network", "tcp")
	v.SetDefault("worker.address", "localhost:9000")
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.max_restarts", 5)
	v.SetDefault("worker.restart_delay", "1s")
	v.SetDefault("worker.max_restart_delay", "60s")
	v.SetDefault("worker.dial_timeout", "5s")
	v.SetDefault("worker.task_delay", "0s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("metrics.interval", "0s")
}

// flagKey maps a flag such as "worker-max-restarts" to "worker.max_restarts".
func flagKey(name string) (string, bool) {
	section, rest, ok := strings.Cut(name, "-")
	if !ok {
		return "", false
	}
	switch section {
	case "server", "worker", "log", "metrics":
		return section + "." + strings.ReplaceAll(rest, "-", "_"), true
	default:
		return "", false
	}
}

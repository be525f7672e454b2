// Package config loads scheduler configuration from YAML files and
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the scheduling subsystem.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// DatabaseConfig configures the persistence layer.
type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// SchedulerConfig configures the coordination loops.
type SchedulerConfig struct {
	// SweepInterval is how often deferred jobs are queued and stalled
	// pending tasks are re-offered to workers.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// HealthInterval is how often worker heartbeats are checked.
	HealthInterval time.Duration `mapstructure:"health_interval"`
	// WorkerTimeout is how long a worker may go without a heartbeat
	// before it is marked offline.
	WorkerTimeout time.Duration `mapstructure:"worker_timeout"`
	// SweepBatchSize bounds how many due deferred jobs one sweep queues.
	SweepBatchSize int `mapstructure:"sweep_batch_size"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:          "batchjobs.db",
			MaxOpenConns: 25,
			MaxIdleConns: 10,
		},
		Scheduler: SchedulerConfig{
			SweepInterval:  2 * time.Second,
			HealthInterval: 5 * time.Second,
			WorkerTimeout:  2 * time.Minute,
			SweepBatchSize: 50,
		},
	}
}

// Load reads configuration from the given file path, if non-empty, and
// from BATCHJOBS_* environment variables, layered over Default.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BATCHJOBS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("database.dsn", def.Database.DSN)
	v.SetDefault("database.max_open_conns", def.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", def.Database.MaxIdleConns)
	v.SetDefault("scheduler.sweep_interval", def.Scheduler.SweepInterval)
	v.SetDefault("scheduler.health_interval", def.Scheduler.HealthInterval)
	v.SetDefault("scheduler.worker_timeout", def.Scheduler.WorkerTimeout)
	v.SetDefault("scheduler.sweep_batch_size", def.Scheduler.SweepBatchSize)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// Package model defines the data structures for voxrun's configuration, queue state and telemetry.
package model

import "time"

type Config struct {
	Game      GameConfig      `yaml:"game"`
	Queue     QueueConfig     `yaml:"queue"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Store     StoreConfig     `yaml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type GameConfig struct {
	Seed      string `yaml:"seed"`
	ChunkSize int    `yaml:"chunk_size"`
}

type QueueConfig struct {
	MaxConcurrentTasks int    `yaml:"max_concurrent_tasks"`
	MaxRetries         int    `yaml:"max_retries"`
	RetryBaseDelayMs   int    `yaml:"retry_base_delay_ms"`
	StartupDelayMs     int    `yaml:"startup_delay_ms"`
	PersistKey         string `yaml:"persist_key"`
	DeadLetter         bool   `yaml:"dead_letter"` // archive permanently failed chunks under dead_letters/
}

type LedgerConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Network         string `yaml:"network"`
	TimeoutSec      int    `yaml:"timeout_sec"`
	ConfirmPollMs   int    `yaml:"confirm_poll_ms"`
	ConfirmMaxPolls int    `yaml:"confirm_max_polls"`
	HeadCacheMs     int    `yaml:"head_cache_ms"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"` // bolt, yaml, memory
	Path    string `yaml:"path"`    // relative to the .voxrun directory
}

type TelemetryConfig struct {
	PollIntervalMs int    `yaml:"poll_interval_ms"`
	HTTPAddr       string `yaml:"http_addr"`
}

type WatcherConfig struct {
	ScanIntervalSec int `yaml:"scan_interval_sec"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

const (
	DefaultMaxConcurrentTasks = 128
	DefaultMaxRetries         = 3
	DefaultPersistKey         = "chunk_tokenization_queue"
)

// DefaultConfig returns the configuration written by `voxrun setup`.
func DefaultConfig() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every zero-valued field with its default.
func (c *Config) ApplyDefaults() {
	if c.Game.Seed == "" {
		c.Game.Seed = "voxrun"
	}
	if c.Game.ChunkSize <= 0 {
		c.Game.ChunkSize = 16
	}

	if c.Queue.MaxConcurrentTasks <= 0 {
		c.Queue.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = DefaultMaxRetries
	}
	if c.Queue.RetryBaseDelayMs <= 0 {
		c.Queue.RetryBaseDelayMs = 1000
	}
	// Negative disables the delay.
	if c.Queue.StartupDelayMs == 0 {
		c.Queue.StartupDelayMs = 2000
	}
	if c.Queue.PersistKey == "" {
		c.Queue.PersistKey = DefaultPersistKey
	}

	if c.Ledger.Endpoint == "" {
		c.Ledger.Endpoint = "http://127.0.0.1:7545"
	}
	if c.Ledger.Network == "" {
		c.Ledger.Network = "devnet"
	}
	if c.Ledger.TimeoutSec <= 0 {
		c.Ledger.TimeoutSec = 15
	}
	if c.Ledger.ConfirmPollMs <= 0 {
		c.Ledger.ConfirmPollMs = 500
	}
	if c.Ledger.ConfirmMaxPolls <= 0 {
		c.Ledger.ConfirmMaxPolls = 20
	}
	if c.Ledger.HeadCacheMs <= 0 {
		c.Ledger.HeadCacheMs = 1000
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "bolt"
	}
	if c.Store.Path == "" {
		c.Store.Path = "state/voxrun.db"
	}

	if c.Telemetry.PollIntervalMs <= 0 {
		c.Telemetry.PollIntervalMs = 1000
	}
	if c.Watcher.ScanIntervalSec <= 0 {
		c.Watcher.ScanIntervalSec = 10
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (q QueueConfig) RetryBaseDelay() time.Duration {
	return time.Duration(q.RetryBaseDelayMs) * time.Millisecond
}

func (q QueueConfig) StartupDelay() time.Duration {
	if q.StartupDelayMs < 0 {
		return 0
	}
	return time.Duration(q.StartupDelayMs) * time.Millisecond
}

func (t TelemetryConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMs) * time.Millisecond
}

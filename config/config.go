// Package config loads statesync settings from defaults, YAML layers,
// STATESYNC_ environment variables and command line flags, in that order
// of increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/statesync/binding"
	"github.com/c360/statesync/errors"
	"github.com/c360/statesync/syncstore"
)

// Store backends
const (
	BackendNATS   = "nats"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "STATESYNC"

// Config is the complete statesync configuration
type Config struct {
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Sync    SyncConfig    `mapstructure:"sync" yaml:"sync"`
	Binding BindingConfig `mapstructure:"binding" yaml:"binding"`
	Seed    SeedConfig    `mapstructure:"seed" yaml:"seed"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// StoreConfig selects and tunes the document store backend
type StoreConfig struct {
	Backend         string        `mapstructure:"backend" yaml:"backend"`
	NATSURL         string        `mapstructure:"nats_url" yaml:"nats_url"`
	NATSUser        string        `mapstructure:"nats_user" yaml:"nats_user"`
	NATSPassword    string        `mapstructure:"nats_password" yaml:"nats_password"`
	NATSToken       string        `mapstructure:"nats_token" yaml:"nats_token"`
	MaxReconnects   int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait   time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	BucketPrefix    string        `mapstructure:"bucket_prefix" yaml:"bucket_prefix"`
	SQLitePath      string        `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	MaxDocumentSize int           `mapstructure:"max_document_size" yaml:"max_document_size"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SyncConfig holds the synced key store settings
type SyncConfig struct {
	Collection      string        `mapstructure:"collection" yaml:"collection"`
	ShardCollection string        `mapstructure:"shard_collection" yaml:"shard_collection"`
	MetaCollection  string        `mapstructure:"meta_collection" yaml:"meta_collection"`
	NamespacePrefix string        `mapstructure:"namespace_prefix" yaml:"namespace_prefix"`
	SingleThreshold int           `mapstructure:"single_threshold" yaml:"single_threshold"`
	ShardLimit      int           `mapstructure:"shard_limit" yaml:"shard_limit"`
	GCGrace         time.Duration `mapstructure:"gc_grace" yaml:"gc_grace"`
	GCInterval      time.Duration `mapstructure:"gc_interval" yaml:"gc_interval"`
}

// KeyBinding declares one bound key
type KeyBinding struct {
	Key  string `mapstructure:"key" yaml:"key"`
	Kind string `mapstructure:"kind" yaml:"kind"`
}

// BindingConfig configures the binding manager
type BindingConfig struct {
	Workers   int          `mapstructure:"workers" yaml:"workers"`
	QueueSize int          `mapstructure:"queue_size" yaml:"queue_size"`
	Keys      []KeyBinding `mapstructure:"keys" yaml:"keys"`
}

// SeedConfig configures the seeder
type SeedConfig struct {
	SchemaVersion int     `mapstructure:"schema_version" yaml:"schema_version"`
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	DemoSize      int     `mapstructure:"demo_size" yaml:"demo_size"`
}

// MetricsConfig configures the metrics and health server
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LogConfig configures logging. File enables rotated file output.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:         BackendSQLite,
			NATSURL:         "nats://localhost:4222",
			MaxReconnects:   -1,
			ReconnectWait:   2 * time.Second,
			BucketPrefix:    "statesync",
			SQLitePath:      "data/statesync.db",
			MaxDocumentSize: 1024 * 1024,
			Timeout:         10 * time.Second,
		},
		Sync: SyncConfig{
			Collection:      "sync_state",
			ShardCollection: "sync_shards",
			MetaCollection:  "sync_meta",
			SingleThreshold: 500_000,
			ShardLimit:      800_000,
			GCGrace:         10 * time.Minute,
			GCInterval:      time.Hour,
		},
		Binding: BindingConfig{
			Workers:   4,
			QueueSize: 256,
		},
		Seed: SeedConfig{
			SchemaVersion: 1,
			DemoSize:      10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Validate checks ranges and enumerations
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Store.Backend {
	case BackendNATS:
		if c.Store.NATSURL == "" {
			add("store.nats_url is required for the nats backend")
		}
		if c.Store.BucketPrefix == "" {
			add("store.bucket_prefix is required for the nats backend")
		}
		if (c.Store.NATSUser == "") != (c.Store.NATSPassword == "") {
			add("store.nats_user and store.nats_password must be set together")
		}
		if c.Store.NATSToken != "" && c.Store.NATSUser != "" {
			add("store.nats_token and store.nats_user are mutually exclusive")
		}
		if c.Store.ReconnectWait <= 0 {
			add("store.reconnect_wait must be positive")
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			add("store.sqlite_path is required for the sqlite backend")
		}
	case BackendMemory:
	default:
		add("store.backend %q must be one of nats, sqlite, memory", c.Store.Backend)
	}
	if c.Store.MaxDocumentSize <= 0 {
		add("store.max_document_size must be positive")
	}
	if c.Store.Timeout <= 0 {
		add("store.timeout must be positive")
	}

	if c.Sync.Collection == "" || c.Sync.ShardCollection == "" || c.Sync.MetaCollection == "" {
		add("sync collections must be set")
	} else if c.Sync.Collection == c.Sync.ShardCollection {
		add("sync.collection and sync.shard_collection must differ")
	}
	if c.Sync.SingleThreshold <= 0 || c.Sync.SingleThreshold > c.Store.MaxDocumentSize {
		add("sync.single_threshold must be in (0, %d]", c.Store.MaxDocumentSize)
	}
	if maxShard := c.Store.MaxDocumentSize - syncstore.ShardOverhead; c.Sync.ShardLimit <= 0 || c.Sync.ShardLimit > maxShard {
		add("sync.shard_limit must be in (0, %d], leaving %d bytes of shard header", maxShard, syncstore.ShardOverhead)
	}
	if c.Sync.GCGrace < 0 {
		add("sync.gc_grace must not be negative")
	}
	if c.Sync.GCInterval < 0 {
		add("sync.gc_interval must not be negative")
	}

	if c.Binding.Workers < 1 {
		add("binding.workers must be at least 1")
	}
	if c.Binding.QueueSize < 1 {
		add("binding.queue_size must be at least 1")
	}
	seen := make(map[string]bool, len(c.Binding.Keys))
	for i, kb := range c.Binding.Keys {
		if kb.Key == "" {
			add("binding.keys[%d].key is required", i)
			continue
		}
		if seen[kb.Key] {
			add("binding.keys[%d]: key %q bound twice", i, kb.Key)
		}
		seen[kb.Key] = true
		if _, err := binding.ParseKind(kb.Kind); err != nil {
			add("binding.keys[%d]: %v", i, err)
		}
	}

	if c.Seed.SchemaVersion < 1 {
		add("seed.schema_version must be at least 1")
	}
	if c.Seed.RatePerSecond < 0 {
		add("seed.rate_per_second must not be negative")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			add("metrics.port %d out of range", c.Metrics.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			add("metrics.path must start with /")
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format %q must be text or json", c.Log.Format)
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Config", "Validate", "validate configuration")
	}
	return nil
}

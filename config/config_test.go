package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/statesync/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults_Valid(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoad_LayersOverride(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.yaml", `
store:
  backend: nats
  nats_url: nats://broker:4222
sync:
  gc_grace: 30s
binding:
  keys:
    - key: settings
      kind: scalar
    - key: tasks
      kind: collection
`)
	override := writeFile(t, dir, "override.yaml", `
store:
  timeout: 3s
binding:
  workers: 8
`)

	cfg, err := NewLoader().AddLayer(base).AddLayer(override).Load()
	require.NoError(t, err)

	assert.Equal(t, BackendNATS, cfg.Store.Backend)
	assert.Equal(t, "nats://broker:4222", cfg.Store.NATSURL)
	assert.Equal(t, 3*time.Second, cfg.Store.Timeout)
	assert.Equal(t, "statesync", cfg.Store.BucketPrefix)
	assert.Equal(t, 30*time.Second, cfg.Sync.GCGrace)
	assert.Equal(t, 8, cfg.Binding.Workers)
	require.Len(t, cfg.Binding.Keys, 2)
	assert.Equal(t, KeyBinding{Key: "settings", Kind: "scalar"}, cfg.Binding.Keys[0])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "log:\n  level: warn\n")
	t.Setenv("STATESYNC_LOG_LEVEL", "debug")
	t.Setenv("STATESYNC_SYNC_SHARD_LIMIT", "700000")

	cfg, err := NewLoader().AddLayer(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 700000, cfg.Sync.ShardLimit)
}

func TestLoad_FlagOverridesEnv(t *testing.T) {
	t.Setenv("STATESYNC_LOG_FORMAT", "text")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("log-format", "text", "")
	require.NoError(t, fs.Parse([]string{"--log-format=json"}))

	cfg, err := NewLoader().BindFlag("log.format", fs.Lookup("log-format")).Load()
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_UnsetFlagKeepsFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "log:\n  format: json\n")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("log-format", "text", "")
	require.NoError(t, fs.Parse(nil))

	cfg, err := NewLoader().AddLayer(path).BindFlag("log.format", fs.Lookup("log-format")).Load()
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewLoader().AddLayer(filepath.Join(dir, "missing.yaml")).Load()
	assert.True(t, errors.IsInvalid(err))

	broken := writeFile(t, dir, "broken.yaml", "store: [unclosed\n")
	_, err = NewLoader().AddLayer(broken).Load()
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	bad := writeFile(t, dir, "bad.yaml", "store:\n  backend: redis\n")
	_, err = NewLoader().AddLayer(bad).Load()
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	cfg, err := NewLoader().AddLayer(bad).EnableValidation(false).Load()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Store.Backend)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }, "store.backend"},
		{"nats without url", func(c *Config) { c.Store.Backend = BackendNATS; c.Store.NATSURL = "" }, "nats_url"},
		{"user without password", func(c *Config) {
			c.Store.Backend = BackendNATS
			c.Store.NATSUser = "app"
		}, "set together"},
		{"token and user", func(c *Config) {
			c.Store.Backend = BackendNATS
			c.Store.NATSUser, c.Store.NATSPassword, c.Store.NATSToken = "app", "secret", "tok"
		}, "mutually exclusive"},
		{"sqlite without path", func(c *Config) { c.Store.SQLitePath = "" }, "sqlite_path"},
		{"threshold above limit", func(c *Config) { c.Sync.SingleThreshold = 2 << 20 }, "single_threshold"},
		{"shard without header room", func(c *Config) {
			c.Store.MaxDocumentSize = 2000
			c.Sync.SingleThreshold = 1000
			c.Sync.ShardLimit = 2000
		}, "shard_limit"},
		{"same collections", func(c *Config) { c.Sync.ShardCollection = c.Sync.Collection }, "must differ"},
		{"no workers", func(c *Config) { c.Binding.Workers = 0 }, "binding.workers"},
		{"duplicate key", func(c *Config) {
			c.Binding.Keys = []KeyBinding{{Key: "a", Kind: "scalar"}, {Key: "a", Kind: "scalar"}}
		}, "bound twice"},
		{"unknown kind", func(c *Config) { c.Binding.Keys = []KeyBinding{{Key: "a", Kind: "map"}} }, "unknown binding kind"},
		{"negative rate", func(c *Config) { c.Seed.RatePerSecond = -1 }, "rate_per_second"},
		{"bad port", func(c *Config) { c.Metrics.Port = 70000 }, "metrics.port"},
		{"bad level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("memory backend needs nothing else", func(t *testing.T) {
		cfg := Defaults()
		cfg.Store.Backend = BackendMemory
		cfg.Store.SQLitePath = ""
		cfg.Metrics.Enabled = false
		cfg.Metrics.Port = 0
		assert.NoError(t, cfg.Validate())
	})
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	created, err := WriteDefault(path)
	require.NoError(t, err)
	assert.True(t, created)

	cfg, err := NewLoader().AddLayer(path).Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)

	created, err = WriteDefault(path)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "STATESYNC_STORE_NATS_URL", EnvName("store.nats_url"))
}

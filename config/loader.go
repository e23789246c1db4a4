package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/c360/statesync/errors"
)

// Loader layers configuration sources. Later layers override earlier ones,
// environment variables override every layer and bound flags override the
// environment.
type Loader struct {
	layers     []string
	flags      map[string]*pflag.Flag
	validation bool
}

// NewLoader creates a loader seeded with Defaults
func NewLoader() *Loader {
	return &Loader{
		flags:      make(map[string]*pflag.Flag),
		validation: true,
	}
}

// AddLayer appends a YAML file. Empty paths are ignored.
func (l *Loader) AddLayer(path string) *Loader {
	if path != "" {
		l.layers = append(l.layers, path)
	}
	return l
}

// BindFlag overrides key with flag when the flag was set on the command line
func (l *Loader) BindFlag(key string, flag *pflag.Flag) *Loader {
	if flag != nil {
		l.flags[key] = flag
	}
	return l
}

// EnableValidation toggles Validate after loading
func (l *Loader) EnableValidation(enabled bool) *Loader {
	l.validation = enabled
	return l
}

// Load merges every source into a Config
func (l *Loader) Load() (*Config, error) {
	base, err := Defaults().YAML()
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "render defaults")
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "read defaults")
	}

	for _, path := range l.layers {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "read "+path)
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, path, err),
				"Loader", "Load", "parse layer")
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range l.flags {
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", "bind flag "+flag.Name)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Loader", "Load", "decode configuration")
	}
	if len(cfg.Binding.Keys) == 0 {
		cfg.Binding.Keys = nil
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// EnvName returns the environment variable that overrides key
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// YAML renders the configuration
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteDefault writes the default configuration to path unless a file
// already exists there
func WriteDefault(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, errors.WrapFatal(err, "Config", "WriteDefault", "stat "+path)
	}

	data, err := Defaults().YAML()
	if err != nil {
		return false, errors.WrapFatal(err, "Config", "WriteDefault", "render defaults")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, errors.WrapFatal(err, "Config", "WriteDefault", "create directory")
	}
	header := []byte("# statesync configuration\n")
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return false, errors.WrapFatal(err, "Config", "WriteDefault", "write "+path)
	}
	return true, nil
}

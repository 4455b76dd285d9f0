// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

// Package config loads runtime configuration from defaults, an optional
// YAML file and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/memorynote/pluginrt/internal/logging"
	"github.com/memorynote/pluginrt/internal/plugin/sandbox"
	"github.com/memorynote/pluginrt/internal/xdg"
)

// FileName is the config file looked up in the XDG config directory.
const FileName = "config.yaml"

// Storage backends for plugin key/value storage.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageRedis  = "redis"
)

// Persistence backends for installation state.
const (
	PersistenceFile     = "file"
	PersistencePostgres = "postgres"
)

// DatabaseURLEnv is read when persistence.database_url is unset.
const DatabaseURLEnv = "DATABASE_URL"

// StorageConfig selects the plugin storage backend.
type StorageConfig struct {
	Backend   string `koanf:"backend"`
	RedisAddr string `koanf:"redis_addr"`
}

// PersistenceConfig selects where installation state lives.
type PersistenceConfig struct {
	Backend     string `koanf:"backend"`
	DatabaseURL string `koanf:"database_url"`
}

// Config is the runtime configuration.
type Config struct {
	PluginsDir   string `koanf:"plugins_dir"`
	DataDir      string `koanf:"data_dir"`
	WorkspaceDir string `koanf:"workspace_dir"`
	HostVersion  string `koanf:"host_version"`
	LogFormat    string `koanf:"log_format"`
	LogLevel     string `koanf:"log_level"`
	MetricsAddr  string `koanf:"metrics_addr"`
	EnableBinary bool   `koanf:"enable_binary"`

	// ExecutionTimeout bounds each call into Lua plugin code. Zero disables it.
	ExecutionTimeout time.Duration `koanf:"execution_timeout"`

	Limits      sandbox.Limits    `koanf:"limits"`
	Storage     StorageConfig     `koanf:"storage"`
	Persistence PersistenceConfig `koanf:"persistence"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		PluginsDir:   xdg.PluginsDir(),
		DataDir:      xdg.DataDir(),
		WorkspaceDir: ".",
		HostVersion:  "1.0.0",
		LogFormat:    logging.FormatText,
		LogLevel:     "info",
		Limits:       sandbox.DefaultLimits(),
		Storage:      StorageConfig{Backend: StorageFile},
		Persistence:  PersistenceConfig{Backend: PersistenceFile},
	}
}

// flagKeys maps flag names to config keys. Only flags listed here and
// explicitly set on the command line override the file.
var flagKeys = map[string]string{
	"plugins-dir":       "plugins_dir",
	"data-dir":          "data_dir",
	"workspace":         "workspace_dir",
	"host-version":      "host_version",
	"log-format":        "log_format",
	"log-level":         "log_level",
	"metrics-addr":      "metrics_addr",
	"enable-binary":     "enable_binary",
	"execution-timeout": "execution_timeout",
	"max-memory-mb":     "limits.max_memory_mb",
	"max-cpu-percent":   "limits.max_cpu_percent",
	"storage":           "storage.backend",
	"redis-addr":        "storage.redis_addr",
	"persistence":       "persistence.backend",
	"database-url":      "persistence.database_url",
}

// Load builds the configuration. path names a YAML file; when empty the
// XDG config file is used if it exists. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = filepath.Join(xdg.ConfigDir(), FileName)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, oops.In("config").Code("CONFIG_INVALID").With("path", path).Wrapf(err, "read config file")
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, f.Value.String()
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.In("config").Code("CONFIG_INVALID").Wrapf(err, "read flags")
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.In("config").Code("CONFIG_INVALID").Wrapf(err, "decode config")
	}
	if cfg.Persistence.DatabaseURL == "" {
		cfg.Persistence.DatabaseURL = os.Getenv(DatabaseURLEnv)
	}
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expandPaths() {
	home, _ := os.UserHomeDir()
	for _, p := range []*string{&c.PluginsDir, &c.DataDir, &c.WorkspaceDir} {
		if home != "" && (*p == "~" || strings.HasPrefix(*p, "~/")) {
			*p = filepath.Join(home, strings.TrimPrefix(*p, "~"))
		}
	}
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	invalid := func(key string, value any, format string, args ...any) error {
		return oops.In("config").Code("CONFIG_INVALID").With("key", key).With("value", value).Errorf(format, args...)
	}

	if c.PluginsDir == "" {
		return invalid("plugins_dir", c.PluginsDir, "plugins_dir is required")
	}
	if c.DataDir == "" {
		return invalid("data_dir", c.DataDir, "data_dir is required")
	}
	if _, err := semver.StrictNewVersion(c.HostVersion); err != nil {
		return invalid("host_version", c.HostVersion, "host_version must be a semantic version: %v", err)
	}
	if err := logging.ValidateFormat(c.LogFormat); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.ExecutionTimeout < 0 {
		return invalid("execution_timeout", c.ExecutionTimeout, "execution_timeout must not be negative")
	}

	l := c.Limits
	for key, v := range map[string]float64{
		"limits.max_memory_mb":                   l.MaxMemoryMB,
		"limits.max_cpu_percent":                 l.MaxCPUPercent,
		"limits.max_file_ops_per_minute":         l.MaxFileOpsPerMinute,
		"limits.max_network_requests_per_minute": l.MaxNetworkRequestsPerMinute,
	} {
		if v < 0 {
			return invalid(key, v, "%s must not be negative", key)
		}
	}

	switch c.Storage.Backend {
	case StorageMemory, StorageFile:
	case StorageRedis:
		if c.Storage.RedisAddr == "" {
			return invalid("storage.redis_addr", "", "storage.redis_addr is required for the redis backend")
		}
	default:
		return invalid("storage.backend", c.Storage.Backend, "storage.backend must be memory, file or redis")
	}

	switch c.Persistence.Backend {
	case PersistenceFile:
	case PersistencePostgres:
		if c.Persistence.DatabaseURL == "" {
			return oops.In("config").Code("CONFIG_INVALID").With("key", "persistence.database_url").
				Hint("set persistence.database_url or " + DatabaseURLEnv).
				Errorf("persistence.database_url is required for the postgres backend")
		}
	default:
		return invalid("persistence.backend", c.Persistence.Backend, "persistence.backend must be file or postgres")
	}
	return nil
}

// StatePath is the file backing installation state for the file backend.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "plugins.json")
}

// StorageDir holds per-plugin storage files for the file backend.
func (c *Config) StorageDir() string {
	return filepath.Join(c.DataDir, "storage")
}

// BindFlags registers the overridable flags on fs.
func BindFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("plugins-dir", d.PluginsDir, "directory plugins are installed into")
	fs.String("data-dir", d.DataDir, "directory for installation state and plugin storage")
	fs.String("workspace", d.WorkspaceDir, "workspace root exposed to plugins through data.fs")
	fs.String("host-version", d.HostVersion, "host API version checked against engines.host")
	fs.String("log-format", d.LogFormat, "log format (json or text)")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.String("metrics-addr", d.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	fs.Bool("enable-binary", d.EnableBinary, "allow binary plugins to be launched")
	fs.Duration("execution-timeout", d.ExecutionTimeout, "bound on each call into Lua plugin code (0 = none)")
	fs.Float64("max-memory-mb", d.Limits.MaxMemoryMB, "default per-plugin memory ceiling in MB")
	fs.Float64("max-cpu-percent", d.Limits.MaxCPUPercent, "default per-plugin CPU ceiling in percent")
	fs.String("storage", d.Storage.Backend, "plugin storage backend (memory, file or redis)")
	fs.String("redis-addr", d.Storage.RedisAddr, "redis address for the redis storage backend")
	fs.String("persistence", d.Persistence.Backend, "installation state backend (file or postgres)")
	fs.String("database-url", "", "PostgreSQL URL for the postgres persistence backend")
}

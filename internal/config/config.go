// Package config resolves the base directory and loads <basedir>/config.yaml
// over built-in defaults, then applies PBP_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pbp/go-pbp/internal/chaining"
	"pbp/go-pbp/internal/contracts"
	"pbp/go-pbp/internal/identity"
	"pbp/go-pbp/internal/securestore"

	"gopkg.in/yaml.v3"
)

const (
	FileName       = "config.yaml"
	DefaultBasedir = "~/.pbp"

	EnvBasedir         = "PBP_BASEDIR"
	EnvLogLevel        = "PBP_LOG_LEVEL"
	EnvPassphrase      = "PBP_PASSPHRASE"
	EnvMetricsTextfile = "PBP_METRICS_TEXTFILE"
	EnvMaxSkip         = "PBP_CHAINING_MAX_SKIP"
)

type Config struct {
	Basedir  string
	KDF      securestore.Params
	Identity IdentityConfig
	Chaining ChainingConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
}

type IdentityConfig struct {
	Lifetime time.Duration `yaml:"lifetime"`
}

type ChainingConfig struct {
	LockTimeout time.Duration `yaml:"lock_timeout"`
	MaxSkip     uint64        `yaml:"max_skip"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// FileConfig mirrors config.yaml; zero values leave defaults untouched.
type FileConfig struct {
	KDF      securestore.Params `yaml:"kdf"`
	Identity IdentityConfig     `yaml:"identity"`
	Chaining ChainingConfig     `yaml:"chaining"`
	Logging  LoggingConfig      `yaml:"logging"`
	Metrics  MetricsConfig      `yaml:"metrics"`
}

func Default() Config {
	return Config{
		Basedir:  DefaultBasedir,
		KDF:      securestore.DefaultParams(),
		Identity: IdentityConfig{Lifetime: identity.DefaultLifetime},
		Chaining: ChainingConfig{
			LockTimeout: chaining.DefaultLockTimeout,
			MaxSkip:     chaining.DefaultMaxSkip,
		},
		Logging: LoggingConfig{Level: "warn", Format: "text"},
	}
}

// Load builds the configuration for basedir. An empty basedir falls back to
// PBP_BASEDIR and then to DefaultBasedir. A missing config file is not an
// error; a malformed one is.
func Load(basedir string) (Config, error) {
	cfg := Default()
	if b := strings.TrimSpace(basedir); b != "" {
		cfg.Basedir = b
	} else if b := strings.TrimSpace(os.Getenv(EnvBasedir)); b != "" {
		cfg.Basedir = b
	}
	expanded, err := ExpandPath(cfg.Basedir)
	if err != nil {
		return Config{}, err
	}
	cfg.Basedir = expanded

	data, err := os.ReadFile(filepath.Join(cfg.Basedir, FileName))
	switch {
	case err == nil:
		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", FileName, err)
		}
		Merge(&cfg, parsed)
	case !errors.Is(err, fs.ErrNotExist):
		return Config{}, err
	}

	ApplyEnvOverrides(&cfg)
	if cfg.Chaining.MaxSkip > chaining.MaxSkipLimit {
		return Config{}, fmt.Errorf("chaining.max_skip %d exceeds %d: %w",
			cfg.Chaining.MaxSkip, chaining.MaxSkipLimit, contracts.ErrUsage)
	}
	if cfg.Metrics.Textfile != "" {
		if cfg.Metrics.Textfile, err = ExpandPath(cfg.Metrics.Textfile); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func Merge(dst *Config, src FileConfig) {
	if src.KDF.Time != 0 {
		dst.KDF.Time = src.KDF.Time
	}
	if src.KDF.MemoryKB != 0 {
		dst.KDF.MemoryKB = src.KDF.MemoryKB
	}
	if src.KDF.Threads != 0 {
		dst.KDF.Threads = src.KDF.Threads
	}
	if src.Identity.Lifetime > 0 {
		dst.Identity.Lifetime = src.Identity.Lifetime
	}
	if src.Chaining.LockTimeout > 0 {
		dst.Chaining.LockTimeout = src.Chaining.LockTimeout
	}
	if src.Chaining.MaxSkip != 0 {
		dst.Chaining.MaxSkip = src.Chaining.MaxSkip
	}
	if src.Logging.Level != "" {
		dst.Logging.Level = src.Logging.Level
	}
	if src.Logging.Format != "" {
		dst.Logging.Format = src.Logging.Format
	}
	if src.Metrics.Textfile != "" {
		dst.Metrics.Textfile = src.Metrics.Textfile
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if level := strings.TrimSpace(os.Getenv(EnvLogLevel)); level != "" {
		cfg.Logging.Level = level
	}
	if path := strings.TrimSpace(os.Getenv(EnvMetricsTextfile)); path != "" {
		cfg.Metrics.Textfile = path
	}
	if raw := strings.TrimSpace(os.Getenv(EnvMaxSkip)); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil && v > 0 {
			cfg.Chaining.MaxSkip = v
		}
	}
}

// PassphraseFromEnv returns PBP_PASSPHRASE, or nil when unset.
func PassphraseFromEnv() []byte {
	v, ok := os.LookupEnv(EnvPassphrase)
	if !ok || v == "" {
		return nil
	}
	return []byte(v)
}

// ExpandPath expands $VAR references and a leading ~.
func ExpandPath(path string) (string, error) {
	path = os.ExpandEnv(strings.TrimSpace(path))
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Clean(path), nil
}

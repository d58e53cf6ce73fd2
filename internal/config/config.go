// Package config loads the offsync YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultDB                 = "offsync.db"
	DefaultSyncInterval       = 30 * time.Second
	DefaultSnapshotEvery      = 50
	DefaultMaxAttemptsWarning = 5
	DefaultServerAddr         = "127.0.0.1:8787"
)

// Config is the node and server configuration.
type Config struct {
	// DB is the SQLite database path.
	DB string `yaml:"db"`

	// NodeID pins the node id. Empty means "reuse the stored one or generate".
	NodeID string `yaml:"node_id"`

	// Endpoint is the sync URL events are POSTed to.
	Endpoint string `yaml:"endpoint"`

	// Token is the bearer credential sent with every sync request.
	Token string `yaml:"token"`

	// SyncInterval is the pause between background syncs.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// SnapshotEvery takes a snapshot after this many appends per aggregate.
	// 0 uses the default; a negative value disables count-based snapshots.
	SnapshotEvery int `yaml:"snapshot_every"`

	// Schema is an optional .cue file or directory with payload schemas.
	Schema string `yaml:"schema"`

	// MaxAttemptsWarning is the number of consecutive failed syncs after which
	// a warning is logged.
	MaxAttemptsWarning int `yaml:"max_attempts_warning"`

	Server ServerConfig `yaml:"server"`
}

// ServerConfig configures the reference sync server.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	Secret   string `yaml:"secret"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	return Config{
		DB:                 DefaultDB,
		SyncInterval:       DefaultSyncInterval,
		SnapshotEvery:      DefaultSnapshotEvery,
		MaxAttemptsWarning: DefaultMaxAttemptsWarning,
		Server:             ServerConfig{Addr: DefaultServerAddr},
	}
}

// Load reads path on top of the defaults. An empty path returns the
// defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field values.
func (c Config) Validate() error {
	if c.DB == "" {
		return errors.New("db is required")
	}
	if c.Endpoint != "" {
		u, err := url.Parse(c.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("endpoint %q must be an http(s) URL", c.Endpoint)
		}
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("sync_interval must not be negative, got %s", c.SyncInterval)
	}
	if c.MaxAttemptsWarning < 0 {
		return fmt.Errorf("max_attempts_warning must not be negative, got %d", c.MaxAttemptsWarning)
	}
	return nil
}

// SnapshotThreshold returns the effective snapshot-every value: 0 when
// count-based snapshots are disabled.
func (c Config) SnapshotThreshold() int {
	switch {
	case c.SnapshotEvery < 0:
		return 0
	case c.SnapshotEvery == 0:
		return DefaultSnapshotEvery
	default:
		return c.SnapshotEvery
	}
}

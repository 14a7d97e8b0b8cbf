// Package config loads the global ~/.imsync/config.toml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a Go duration string ("1s").
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.imsync/config.toml.
type Config struct {
	DefaultSession string         `toml:"default_session"`
	Remote         RemoteConfig   `toml:"remote"`
	Outbox         OutboxConfig   `toml:"outbox"`
	Sync           SyncConfig     `toml:"sync"`
	Realtime       RealtimeConfig `toml:"realtime"`
	Storage        StorageConfig  `toml:"storage"`
}

// RemoteConfig locates the messaging service.
type RemoteConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

// OutboxConfig tunes write delivery.
type OutboxConfig struct {
	RetryLimit       int      `toml:"retry_limit"`
	FlushInterval    Duration `toml:"flush_interval"`
	BatchSize        int      `toml:"batch_size"`
	RetryRateLimited bool     `toml:"retry_rate_limited"`
}

// SyncConfig tunes the change stream follower.
type SyncConfig struct {
	OnConnect        bool     `toml:"on_connect"`
	Continuous       bool     `toml:"continuous"`
	PageSize         int      `toml:"page_size"`
	PollInterval     Duration `toml:"poll_interval"`
	ConflictStrategy string   `toml:"conflict_strategy"`
}

// RealtimeConfig tunes the push connection.
type RealtimeConfig struct {
	Transport            string   `toml:"transport"`
	AutoReconnect        bool     `toml:"auto_reconnect"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	ReconnectBaseDelay   Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration `toml:"reconnect_max_delay"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
	ProbeTimeout         Duration `toml:"probe_timeout"`
	StabilityWindow      Duration `toml:"stability_window"`
	SSELivenessWindow    Duration `toml:"sse_liveness_window"`
	SSECheckInterval     Duration `toml:"sse_check_interval"`
}

// StorageConfig selects the local store.
type StorageConfig struct {
	Backend string `toml:"backend"`
}

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Default returns the configuration used when a key is absent.
func Default() *Config {
	return &Config{
		Outbox: OutboxConfig{
			RetryLimit:    5,
			FlushInterval: Duration{time.Second},
			BatchSize:     10,
		},
		Sync: SyncConfig{
			OnConnect:        true,
			PageSize:         100,
			PollInterval:     Duration{30 * time.Second},
			ConflictStrategy: "server",
		},
		Realtime: RealtimeConfig{
			Transport:            "ws",
			AutoReconnect:        true,
			MaxReconnectAttempts: 10,
			ReconnectBaseDelay:   Duration{time.Second},
			ReconnectMaxDelay:    Duration{30 * time.Second},
			HeartbeatInterval:    Duration{25 * time.Second},
			ProbeTimeout:         Duration{10 * time.Second},
			StabilityWindow:      Duration{60 * time.Second},
			SSELivenessWindow:    Duration{45 * time.Second},
			SSECheckInterval:     Duration{15 * time.Second},
		},
		Storage: StorageConfig{Backend: BackendSQLite},
	}
}

// Load reads config from the given path over the defaults. Returns an error
// if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load that falls back to Default when the file does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Realtime.Transport {
	case "", "ws", "websocket", "sse":
	default:
		return fmt.Errorf("unknown realtime transport %q", c.Realtime.Transport)
	}
	switch c.Sync.ConflictStrategy {
	case "", "server", "client":
	default:
		return fmt.Errorf("unknown conflict strategy %q", c.Sync.ConflictStrategy)
	}
	if c.Outbox.RetryLimit < 1 {
		return fmt.Errorf("outbox.retry_limit must be at least 1, got %d", c.Outbox.RetryLimit)
	}
	if c.Realtime.MaxReconnectAttempts < 0 {
		return fmt.Errorf("realtime.max_reconnect_attempts must not be negative")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

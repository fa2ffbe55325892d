package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that round-trips through TOML as a string
// like "10s" or "1m30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the client configuration (~/.workbridge/config.toml).
type Config struct {
	// APIBaseURL is the REST endpoint root, e.g. "https://api.example.com".
	APIBaseURL string `toml:"api_base_url"`
	// WSURL is the messaging gateway endpoint, e.g. "wss://api.example.com/ws/chat/".
	WSURL string `toml:"ws_url"`

	// AckTimeout bounds how long an optimistic send waits for the server
	// acknowledgment before turning FAILED.
	AckTimeout Duration `toml:"ack_timeout"`
	// HeartbeatInterval is the transport ping cadence.
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	// ReconnectBaseDelay and ReconnectMaxDelay bound the exponential
	// backoff between reconnect attempts.
	ReconnectBaseDelay Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay  Duration `toml:"reconnect_max_delay"`
	// SendRatePerSec caps outbound frames per second. Zero disables the cap.
	SendRatePerSec float64 `toml:"send_rate_per_sec"`
	// CacheEnabled turns the local SQLite cache on.
	CacheEnabled bool `toml:"cache_enabled"`
}

// Default returns a config with every tunable at its default.
func Default() *Config {
	return &Config{
		AckTimeout:         Duration(10 * time.Second),
		HeartbeatInterval:  Duration(25 * time.Second),
		ReconnectBaseDelay: Duration(time.Second),
		ReconnectMaxDelay:  Duration(30 * time.Second),
		SendRatePerSec:     5,
		CacheEnabled:       true,
	}
}

// Load reads config from the given path and fills unset tunables with
// defaults. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
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

func (c *Config) applyDefaults() {
	def := Default()
	if c.AckTimeout == 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if c.SendRatePerSec == 0 {
		c.SendRatePerSec = def.SendRatePerSec
	}
}

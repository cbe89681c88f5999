package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	Version = "0.1.0"

	DefaultProxyPort  = 8888
	DefaultListenHost = "0.0.0.0"
	DefaultEventsAddr = "127.0.0.1:8889"
	DefaultMaxRecords = 1000

	// PlainHTTPErrorClose closes the client with no response when a plain HTTP
	// upstream cannot be reached. PlainHTTPError502 writes a 502 status line first.
	PlainHTTPErrorClose = "close"
	PlainHTTPError502   = "502"

	FileName = "config.json"
)

// RevNum is set at build time via -ldflags.
var RevNum = "dev"

// Duration is a time.Duration that encodes as a string like "10s" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// accept raw nanoseconds for hand-written configs
		var n int64
		if numErr := json.Unmarshal(data, &n); numErr != nil {
			return fmt.Errorf("invalid duration %s: %w", string(data), err)
		}
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the pktreplay configuration stored in <data-dir>/config.json
type Config struct {
	Version       string    `json:"version"`
	InitializedAt time.Time `json:"initialized_at"`

	ProxyPort  int    `json:"proxy_port"`
	ListenHost string `json:"listen_host"`
	EventsAddr string `json:"events_addr"`
	MaxRecords int    `json:"max_records"`

	DialTimeout     Duration `json:"dial_timeout"`
	HeadReadTimeout Duration `json:"head_read_timeout"`
	ReplayTimeout   Duration `json:"replay_timeout"`

	PlainHTTPErrorMode string `json:"plain_http_error_mode"`

	// IngestDir is a drop directory polled for records produced by an
	// external packet source. Empty disables ingestion.
	IngestDir      string   `json:"ingest_dir,omitempty"`
	IngestInterval Duration `json:"ingest_interval"`
}

// DefaultConfig returns a new Config with default values
func DefaultConfig(version string) *Config {
	c := &Config{
		Version:       version,
		InitializedAt: time.Now().UTC(),
	}
	c.applyDefaults()
	return c
}

// DefaultDataDir returns ~/.pktreplay, falling back to ./.pktreplay when the
// home directory cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pktreplay"
	}
	return filepath.Join(home, ".pktreplay")
}

// Load reads and parses config from the given path.
// If the file doesn't exist, returns os.ErrNotExist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadOrCreate loads the config at path, writing a default config if none exists.
func LoadOrCreate(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = DefaultConfig(Version)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := cfg.Save(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to the given path atomically.
func (c *Config) Save(path string) error {
	if c == nil {
		return errors.New("config is nil")
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	// Write atomically by writing to temp file then renaming
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if c.ProxyPort < 1 || c.ProxyPort > 65535 {
		return fmt.Errorf("proxy_port out of range: %d", c.ProxyPort)
	}
	switch c.PlainHTTPErrorMode {
	case PlainHTTPErrorClose, PlainHTTPError502:
	default:
		return fmt.Errorf("invalid plain_http_error_mode %q: must be %q or %q",
			c.PlainHTTPErrorMode, PlainHTTPErrorClose, PlainHTTPError502)
	}
	return nil
}

// applyDefaults fills in zero values with defaults
func (c *Config) applyDefaults() {
	if c.ProxyPort == 0 {
		c.ProxyPort = DefaultProxyPort
	}
	if c.ListenHost == "" {
		c.ListenHost = DefaultListenHost
	}
	if c.EventsAddr == "" {
		c.EventsAddr = DefaultEventsAddr
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = DefaultMaxRecords
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = Duration(10 * time.Second)
	}
	if c.HeadReadTimeout <= 0 {
		c.HeadReadTimeout = Duration(30 * time.Second)
	}
	if c.ReplayTimeout <= 0 {
		c.ReplayTimeout = Duration(30 * time.Second)
	}
	if c.PlainHTTPErrorMode == "" {
		c.PlainHTTPErrorMode = PlainHTTPErrorClose
	}
	if c.IngestInterval <= 0 {
		c.IngestInterval = Duration(2 * time.Second)
	}
}

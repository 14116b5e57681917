// Package config loads relay.json, the client-side configuration for
// the relay session layer.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "relay.json"

	// DefaultServerURL is the default backend WebSocket endpoint.
	DefaultServerURL = "wss://relay.geoassist.dev/ws"

	// DefaultSimAddr is the default listen address for the simulator.
	DefaultSimAddr = "localhost:8787"
)

// Config represents the complete relay.json configuration.
type Config struct {
	// ServerURL is the backend WebSocket endpoint.
	ServerURL string `json:"server_url,omitempty"`

	// CancelURL is the base URL of the backend's cancel endpoint.
	// Empty derives it from ServerURL.
	CancelURL string `json:"cancel_url,omitempty"`

	// ClientID identifies this client in the handshake.
	ClientID string `json:"client_id,omitempty"`

	// Connection contains connection tuning.
	Connection ConnectionConfig `json:"connection,omitempty"`

	// Audio contains audio capture configuration.
	Audio AudioConfig `json:"audio,omitempty"`

	// Session contains session persistence configuration.
	Session SessionConfig `json:"session,omitempty"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// ConnectionConfig contains connection tuning.
type ConnectionConfig struct {
	// HeartbeatSeconds is the heartbeat check interval. Default: 30.
	HeartbeatSeconds int `json:"heartbeat_seconds,omitempty"`

	// IdleSeconds is the idle threshold before pings. Default: 60.
	IdleSeconds int `json:"idle_seconds,omitempty"`

	// MaxReconnectAttempts bounds the reconnect ladder. Default: 10.
	MaxReconnectAttempts int `json:"max_reconnect_attempts,omitempty"`

	// DebounceMillis is the view-patch debounce window. Default: 300.
	DebounceMillis int `json:"debounce_millis,omitempty"`
}

// AudioConfig contains audio capture configuration.
type AudioConfig struct {
	// SourceRate is the capture device sample rate. Default: 48000.
	SourceRate int `json:"source_rate,omitempty"`

	// BatchMillis is the outbound batch size. Default: 200.
	BatchMillis int `json:"batch_millis,omitempty"`
}

// SessionConfig contains session persistence configuration.
type SessionConfig struct {
	// Backend selects the store: "memory" or "s3". Default: "memory".
	Backend string `json:"backend,omitempty"`

	// S3Bucket is the bucket for the s3 backend.
	S3Bucket string `json:"s3_bucket,omitempty"`

	// S3Prefix is the key prefix for the s3 backend.
	S3Prefix string `json:"s3_prefix,omitempty"`
}

// New creates a Config with defaults applied.
func New() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads relay.json from dir, falling back to defaults when the
// file does not exist. Environment overrides apply afterwards.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads the configuration from path.
func LoadFile(path string) (*Config, error) {
	c := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		c.configPath = path
	}
	c.applyDefaults()
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Save writes the configuration back to where it was loaded from.
func (c *Config) Save() error {
	path := c.configPath
	if path == "" {
		path = ConfigFileName
	}
	return c.SaveTo(path)
}

// SaveTo writes the configuration to path.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	c.configPath = path
	return nil
}

// Path returns where the config was loaded from, if anywhere.
func (c *Config) Path() string { return c.configPath }

func (c *Config) applyDefaults() {
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	if c.Connection.HeartbeatSeconds <= 0 {
		c.Connection.HeartbeatSeconds = 30
	}
	if c.Connection.IdleSeconds <= 0 {
		c.Connection.IdleSeconds = 60
	}
	if c.Connection.MaxReconnectAttempts <= 0 {
		c.Connection.MaxReconnectAttempts = 10
	}
	if c.Connection.DebounceMillis <= 0 {
		c.Connection.DebounceMillis = 300
	}
	if c.Audio.SourceRate <= 0 {
		c.Audio.SourceRate = 48000
	}
	if c.Audio.BatchMillis <= 0 {
		c.Audio.BatchMillis = 200
	}
	if c.Session.Backend == "" {
		c.Session.Backend = "memory"
	}
}

// applyEnv overlays RELAY_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("RELAY_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("RELAY_CANCEL_URL"); v != "" {
		c.CancelURL = v
	}
	if v := os.Getenv("RELAY_CLIENT_ID"); v != "" {
		c.ClientID = v
	}
	if v := os.Getenv("RELAY_S3_BUCKET"); v != "" {
		c.Session.Backend = "s3"
		c.Session.S3Bucket = v
	}
	if v := os.Getenv("RELAY_MAX_RECONNECT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Connection.MaxReconnectAttempts = n
		}
	}
}

// Validate enforces cross-field invariants.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		return fmt.Errorf("config: server_url must be a ws:// or wss:// URL, got %q", c.ServerURL)
	}
	if c.Session.Backend != "memory" && c.Session.Backend != "s3" {
		return fmt.Errorf("config: unknown session backend %q", c.Session.Backend)
	}
	if c.Session.Backend == "s3" && c.Session.S3Bucket == "" {
		return fmt.Errorf("config: s3 session backend requires s3_bucket")
	}
	return nil
}

// Heartbeat returns the heartbeat interval as a duration.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.Connection.HeartbeatSeconds) * time.Second
}

// IdleThreshold returns the idle threshold as a duration.
func (c *Config) IdleThreshold() time.Duration {
	return time.Duration(c.Connection.IdleSeconds) * time.Second
}

// Debounce returns the view-patch debounce window as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Connection.DebounceMillis) * time.Millisecond
}

// AudioBatch returns the outbound audio batch size as a duration.
func (c *Config) AudioBatch() time.Duration {
	return time.Duration(c.Audio.BatchMillis) * time.Millisecond
}

// ResolveCancelURL returns the cancel endpoint base. When not set
// explicitly it derives from the server URL: ws(s) becomes http(s) and
// the path becomes /cancel.
func (c *Config) ResolveCancelURL() string {
	if c.CancelURL != "" {
		return c.CancelURL
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = "/cancel"
	u.RawQuery = ""
	return u.String()
}

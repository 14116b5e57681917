package conn

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/geoassist/relay/pkg/metrics"
)

// Config holds configuration for a Manager. All timing fields default
// to the backend contract values; tests shorten them.
type Config struct {
	// ClientID is the tenant/client identifier appended to the
	// connection URL alongside the per-process session id.
	ClientID string

	// HandshakeTimeout bounds the WebSocket dial.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each outbound write.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// HeartbeatInterval is how often the idle check runs.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// IdleThreshold is how long the connection must be quiet before a
	// ping is sent. Default: 60 seconds.
	IdleThreshold time.Duration

	// PongDeadline is how long to wait for a pong before the socket is
	// force-closed as stale. Default: 5 seconds.
	PongDeadline time.Duration

	// ReconnectBase is the first reconnect delay.
	// Default: 2 seconds.
	ReconnectBase time.Duration

	// ReconnectCap bounds the exponential reconnect delay.
	// Default: 30 seconds.
	ReconnectCap time.Duration

	// MaxReconnectAttempts bounds consecutive reconnect attempts.
	// Default: 10.
	MaxReconnectAttempts int

	// LostGracePeriod is how long an abnormal close may stay unhealed
	// before the single connection-lost notification fires.
	// Default: 45 seconds.
	LostGracePeriod time.Duration

	// MaxMessageSize is the read limit for inbound messages.
	// Default: 512KB.
	MaxMessageSize int64

	// DispatchBuffer is the loop queue depth.
	// Default: 256.
	DispatchBuffer int

	// Dialer is the WebSocket dialer. Default: a dialer with
	// HandshakeTimeout applied.
	Dialer *websocket.Dialer

	// Logger receives structured logs. Default: slog.Default().
	Logger *slog.Logger

	// Metrics is the optional Prometheus collector. Nil records nothing.
	Metrics *metrics.Collector
}

// DefaultConfig returns a Config with the contract defaults.
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		IdleThreshold:        60 * time.Second,
		PongDeadline:         5 * time.Second,
		ReconnectBase:        2 * time.Second,
		ReconnectCap:         30 * time.Second,
		MaxReconnectAttempts: 10,
		LostGracePeriod:      45 * time.Second,
		MaxMessageSize:       512 * 1024,
		DispatchBuffer:       256,
	}
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// withDefaults fills zero fields in place and returns c.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = d.IdleThreshold
	}
	if c.PongDeadline <= 0 {
		c.PongDeadline = d.PongDeadline
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = d.ReconnectBase
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = d.ReconnectCap
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.LostGracePeriod <= 0 {
		c.LostGracePeriod = d.LostGracePeriod
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.DispatchBuffer <= 0 {
		c.DispatchBuffer = d.DispatchBuffer
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: c.HandshakeTimeout}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Package metrics exposes Prometheus collectors for the relay session
// layer. A nil *Collector is valid everywhere and records nothing, so
// components take an optional collector without guarding call sites.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the Prometheus collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "relay").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for turn duration.
	// Default: prometheus.DefBuckets.
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the turn duration histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "relay",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Collector holds the Prometheus metrics for the session layer.
type Collector struct {
	framesTotal     *prometheus.CounterVec
	reconnectsTotal prometheus.Counter
	connectionState prometheus.Gauge
	connectionLost  prometheus.Counter
	turnsTotal      *prometheus.CounterVec
	turnDuration    prometheus.Histogram
	patchesTotal    prometheus.Counter
	audioChunks     *prometheus.CounterVec
	queueDrops      prometheus.Counter
	opsTotal        *prometheus.CounterVec
}

// New creates the collectors and registers them with the configured
// registry.
func New(opts ...Option) *Collector {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	return &Collector{
		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "frames_total",
			Help:        "Total frames processed, by kind and direction",
			ConstLabels: cfg.ConstLabels,
		}, []string{"direction", "kind"}),

		reconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "reconnects_total",
			Help:        "Total reconnect attempts scheduled",
			ConstLabels: cfg.ConstLabels,
		}),

		connectionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "connection_state",
			Help:        "Connection lifecycle state (0 closed, 1 connecting, 2 open, 3 closing)",
			ConstLabels: cfg.ConstLabels,
		}),

		connectionLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "connection_lost_total",
			Help:        "Times the connection was declared lost after retries were exhausted",
			ConstLabels: cfg.ConstLabels,
		}),

		turnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "turns_total",
			Help:        "Finalized turns by result",
			ConstLabels: cfg.ConstLabels,
		}, []string{"result"}),

		turnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "turn_duration_seconds",
			Help:        "Duration from first turn frame to finalize",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}),

		patchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "view_patches_total",
			Help:        "Non-empty view-state patches transmitted",
			ConstLabels: cfg.ConstLabels,
		}),

		audioChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "audio_chunks_total",
			Help:        "Audio chunks processed, by direction",
			ConstLabels: cfg.ConstLabels,
		}, []string{"direction"}),

		queueDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "dispatch_drops_total",
			Help:        "Dispatched callbacks dropped because the loop queue was full",
			ConstLabels: cfg.ConstLabels,
		}),

		opsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "operations_total",
			Help:        "Dispatched operations by kind",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind"}),
	}
}

// Frame directions.
const (
	DirInbound  = "in"
	DirOutbound = "out"
)

// RecordFrame counts one processed frame.
func (c *Collector) RecordFrame(direction, kind string) {
	if c == nil {
		return
	}
	c.framesTotal.WithLabelValues(direction, kind).Inc()
}

// RecordReconnect counts one scheduled reconnect attempt.
func (c *Collector) RecordReconnect() {
	if c == nil {
		return
	}
	c.reconnectsTotal.Inc()
}

// SetConnectionState records the current lifecycle state.
func (c *Collector) SetConnectionState(state int) {
	if c == nil {
		return
	}
	c.connectionState.Set(float64(state))
}

// RecordConnectionLost counts a connection-lost notification.
func (c *Collector) RecordConnectionLost() {
	if c == nil {
		return
	}
	c.connectionLost.Inc()
}

// RecordTurn counts a finalized turn and its duration.
func (c *Collector) RecordTurn(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues(result).Inc()
	c.turnDuration.Observe(d.Seconds())
}

// RecordPatch counts one transmitted view patch.
func (c *Collector) RecordPatch() {
	if c == nil {
		return
	}
	c.patchesTotal.Inc()
}

// RecordAudioChunk counts one audio chunk.
func (c *Collector) RecordAudioChunk(direction string) {
	if c == nil {
		return
	}
	c.audioChunks.WithLabelValues(direction).Inc()
}

// RecordQueueDrop counts one dropped dispatch callback.
func (c *Collector) RecordQueueDrop() {
	if c == nil {
		return
	}
	c.queueDrops.Inc()
}

// RecordOperation counts one dispatched operation.
func (c *Collector) RecordOperation(kind string) {
	if c == nil {
		return
	}
	c.opsTotal.WithLabelValues(kind).Inc()
}

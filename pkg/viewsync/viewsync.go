// Package viewsync keeps the backend's copy of the view state current
// by shipping debounced RFC 6902 patches of the client's view snapshot.
package viewsync

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/wI2L/jsondiff"

	"github.com/geoassist/relay/pkg/conn"
	"github.com/geoassist/relay/pkg/metrics"
	"github.com/geoassist/relay/pkg/protocol"
)

// Provider snapshots the current view state as JSON.
type Provider interface {
	Snapshot() (json.RawMessage, error)
}

// Config configures a Synchronizer.
type Config struct {
	// Debounce is how long after the first change notification the
	// diff is computed, coalescing bursts. Default: 300ms.
	Debounce time.Duration

	// Logger receives structured logs. Default: slog.Default().
	Logger *slog.Logger

	// Metrics receives patch counters; nil disables collection.
	Metrics *metrics.Collector
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{Debounce: 300 * time.Millisecond}
}

func (c *Config) withDefaults() *Config {
	if c.Debounce <= 0 {
		c.Debounce = 300 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Synchronizer diffs view snapshots against the last transmitted
// baseline and sends the structural difference. Diffs are computed on
// the manager loop; NotifyChange is safe from any goroutine.
type Synchronizer struct {
	cfg      *Config
	mgr      *conn.Manager
	provider Provider
	logger   *slog.Logger
	metrics  *metrics.Collector

	mu      sync.Mutex
	pending bool

	// baseline is the last snapshot the backend has seen. Loop-owned.
	baseline json.RawMessage
}

// New creates a Synchronizer sending patches over mgr.
func New(mgr *conn.Manager, cfg *Config, provider Provider) *Synchronizer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	clone := *cfg
	cfg = (&clone).withDefaults()

	return &Synchronizer{
		cfg:      cfg,
		mgr:      mgr,
		provider: provider,
		logger:   cfg.Logger.With("session_id", mgr.SessionID()),
		metrics:  cfg.Metrics,
	}
}

// NotifyChange marks the view dirty. Notifications within the debounce
// window coalesce into a single diff.
func (s *Synchronizer) NotifyChange() {
	s.mu.Lock()
	if s.pending {
		s.mu.Unlock()
		return
	}
	s.pending = true
	s.mu.Unlock()

	time.AfterFunc(s.cfg.Debounce, func() {
		s.mgr.Dispatch(s.flush)
	})
}

// Reset drops the baseline; the next flush re-baselines without
// transmitting. Call when the backend's view copy is known stale.
func (s *Synchronizer) Reset() {
	s.mgr.Dispatch(func() { s.baseline = nil })
}

// flush computes and sends the diff. Loop-only.
func (s *Synchronizer) flush() {
	s.mu.Lock()
	s.pending = false
	s.mu.Unlock()

	snap, err := s.provider.Snapshot()
	if err != nil {
		s.logger.Warn("view snapshot failed, patch skipped", "error", err)
		return
	}
	if len(snap) == 0 {
		return
	}

	if s.baseline == nil {
		// Nothing to diff against; the full snapshot travels via the
		// initial context, not as a patch.
		s.baseline = snap
		return
	}

	patch, err := jsondiff.CompareJSON(s.baseline, snap)
	if err != nil {
		s.logger.Warn("view diff failed", "error", err)
		return
	}
	if len(patch) == 0 {
		return
	}

	ops, err := json.Marshal(patch)
	if err != nil {
		s.logger.Error("patch encode failed", "error", err)
		return
	}
	f, err := protocol.NewFrame(protocol.KindViewPatch, protocol.ViewPatch{Ops: ops})
	if err != nil {
		s.logger.Error("patch frame encode failed", "error", err)
		return
	}
	if err := s.mgr.WriteFrame(f); err != nil {
		// Baseline stays at the last transmitted snapshot so the next
		// flush re-diffs the full gap.
		return
	}
	s.baseline = snap
	s.metrics.RecordPatch()
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.RecordFrame(DirInbound, "status")
	c.RecordReconnect()
	c.SetConnectionState(2)
	c.RecordConnectionLost()
	c.RecordTurn("completed", time.Second)
	c.RecordPatch()
	c.RecordAudioChunk(DirOutbound)
	c.RecordQueueDrop()
	c.RecordOperation("zoom")
}

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(WithRegistry(reg), WithNamespace("test"))

	c.RecordFrame(DirInbound, "stream")
	c.RecordFrame(DirInbound, "stream")
	c.RecordFrame(DirOutbound, "user_message")
	c.RecordReconnect()
	c.SetConnectionState(2)

	if got := testutil.ToFloat64(c.framesTotal.WithLabelValues(DirInbound, "stream")); got != 2 {
		t.Errorf("frames_total{in,stream} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.reconnectsTotal); got != 1 {
		t.Errorf("reconnects_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.connectionState); got != 2 {
		t.Errorf("connection_state = %v, want 2", got)
	}
}

package audio

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/geoassist/relay/pkg/protocol"
)

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// SourceRate is the capture device's sample rate. Default: 48000.
	SourceRate int

	// BatchInterval is how much audio each outbound chunk carries.
	// Default: 200ms.
	BatchInterval time.Duration
}

// DefaultRecorderConfig returns the production defaults.
func DefaultRecorderConfig() *RecorderConfig {
	return &RecorderConfig{
		SourceRate:    48000,
		BatchInterval: 200 * time.Millisecond,
	}
}

func (c *RecorderConfig) withDefaults() *RecorderConfig {
	if c.SourceRate <= 0 {
		c.SourceRate = 48000
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 200 * time.Millisecond
	}
	return c
}

// Recorder batches captured microphone samples into fixed-interval
// chunks, resampled to the backend's target rate and framed as base64
// PCM16. Stopping flushes a final chunk marked Final even when no
// samples remain, so the backend always sees the end of input.
type Recorder struct {
	cfg  *RecorderConfig
	emit func(protocol.AudioChunk)

	mu      sync.Mutex
	buf     []float32
	started bool

	done     chan struct{}
	flushed  chan struct{}
	stopOnce sync.Once
}

// NewRecorder creates a Recorder delivering chunks to emit. The emit
// callback runs on the recorder's batching goroutine.
func NewRecorder(cfg *RecorderConfig, emit func(protocol.AudioChunk)) *Recorder {
	if cfg == nil {
		cfg = DefaultRecorderConfig()
	}
	clone := *cfg
	return &Recorder{
		cfg:     (&clone).withDefaults(),
		emit:    emit,
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
}

// Start begins the batching loop. Idempotent.
func (r *Recorder) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go r.loop()
}

// Push appends captured samples at the configured source rate. Safe
// from the capture device's callback goroutine.
func (r *Recorder) Push(samples []float32) {
	r.mu.Lock()
	r.buf = append(r.buf, samples...)
	r.mu.Unlock()
}

// Stop ends capture and flushes the final partial chunk. It returns
// after the final chunk was emitted. Idempotent.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		started := r.started
		r.mu.Unlock()

		close(r.done)
		if started {
			<-r.flushed
		} else {
			r.flush(true)
		}
	})
}

// loop owns all emits, so interval batches and the final flush never
// interleave.
func (r *Recorder) loop() {
	ticker := time.NewTicker(r.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.flush(false)
		case <-r.done:
			r.flush(true)
			close(r.flushed)
			return
		}
	}
}

// flush drains the buffer into one chunk. Intermediate empty batches
// are skipped; the final chunk is always emitted.
func (r *Recorder) flush(final bool) {
	r.mu.Lock()
	samples := r.buf
	r.buf = nil
	r.mu.Unlock()

	if len(samples) == 0 && !final {
		return
	}

	resampled := Resample(samples, r.cfg.SourceRate, TargetSampleRate)
	r.emit(protocol.AudioChunk{
		Data:       base64.StdEncoding.EncodeToString(FloatToPCM16(resampled)),
		SampleRate: TargetSampleRate,
		Final:      final,
	})
}

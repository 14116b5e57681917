package engine

import (
	"context"
	"time"

	"github.com/geoassist/relay/pkg/trace"
)

// cancelState tracks one in-flight cancellation: the turn being
// stopped and the failsafe timer that finalizes it locally if the
// backend's terminal stop frame never arrives.
type cancelState struct {
	turn  *turn
	timer *time.Timer
}

func (s *cancelState) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// stopActiveTurn begins cancellation of the active turn. The cancelled
// flag is set synchronously, before any network activity, so stream
// frames racing the stop request are already discarded. Loop-only.
func (e *Engine) stopActiveTurn() {
	t := e.turn
	if t == nil || (t.state != TurnThinking && t.state != TurnStreaming) {
		return
	}
	if t.cancel != nil {
		return // already stopping
	}

	id := t.id // may still be empty in the thinking phase
	t.state = TurnStopping
	st := &cancelState{turn: t}
	t.cancel = st
	e.cancelled[id] = st
	e.notifyTurnState(TurnStopping)
	e.logger.Info("stop requested", "stream_id", id)

	st.timer = time.AfterFunc(e.cfg.StopDeadline, func() {
		e.mgr.Dispatch(func() { e.failsafeFinalize(st) })
	})

	// With no stream id yet the out-of-band request waits until the
	// first stream frame binds one.
	if id != "" {
		e.sendStopRequest(t.ctx, id)
	}
}

// sendStopRequest fires the out-of-band cancellation call off-loop,
// parented to the turn span when one exists.
func (e *Engine) sendStopRequest(parent context.Context, streamID string) {
	if e.deps.Stopper == nil {
		return
	}
	if parent == nil {
		parent = context.Background()
	}
	go func() {
		ctx, cancel := context.WithTimeout(parent, e.cfg.StopDeadline)
		defer cancel()
		err := e.deps.Stopper.RequestStop(ctx, streamID)
		e.mgr.Dispatch(func() { e.stopAckDone(streamID, err) })
	}()
}

func (e *Engine) stopAckDone(streamID string, err error) {
	if err != nil {
		// The failsafe timer covers a lost acknowledgement.
		e.logger.Warn("stop request failed", "stream_id", streamID, "error", err)
		return
	}
	e.logger.Info("stop acknowledged", "stream_id", streamID)
}

// failsafeFinalize fires when the backend never delivered the terminal
// stop frame within the deadline.
func (e *Engine) failsafeFinalize(st *cancelState) {
	if st.turn.state != TurnStopping {
		return // already finalized
	}
	e.logger.Warn("stop deadline expired, finalizing locally", "stream_id", st.turn.id)
	e.finishCancelled(st)
}

// finishCancelled finalizes a cancelled turn. Content accumulated
// before the stop is worth keeping: it is emitted, trimmed, when
// non-empty. closeTurn stops the failsafe timer and clears the
// cancelled entry.
func (e *Engine) finishCancelled(st *cancelState) {
	t := st.turn
	if partial := t.buf.final(); partial != "" {
		e.emit(t, partial, trace.ResultCancelled)
	} else {
		e.finalize(t, trace.ResultCancelled)
	}
}

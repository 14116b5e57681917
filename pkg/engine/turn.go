package engine

import (
	"context"
	"strings"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// TurnState is the lifecycle state of a streaming turn.
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnThinking
	TurnStreaming
	TurnStopping
	TurnFinalized
)

// String returns the string representation of the turn state.
func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "Idle"
	case TurnThinking:
		return "Thinking"
	case TurnStreaming:
		return "Streaming"
	case TurnStopping:
		return "Stopping"
	case TurnFinalized:
		return "Finalized"
	default:
		return "Unknown"
	}
}

// turn tracks one streaming exchange. The stream id is bound on the
// first stream frame; until then id is empty.
type turn struct {
	id          string
	state       TurnState
	buf         accumulator
	contentSeen bool
	startedAt   time.Time

	cancel *cancelState

	ctx  context.Context
	span oteltrace.Span
}

// accumulator concatenates kept stream fragments verbatim. Whitespace
// between fragments is whatever the fragments themselves carry;
// trimming happens once, at finalization.
type accumulator struct {
	b strings.Builder
}

func (a *accumulator) add(s string)  { a.b.WriteString(s) }
func (a *accumulator) empty() bool   { return a.b.Len() == 0 }
func (a *accumulator) final() string { return strings.TrimSpace(a.b.String()) }

// thinkingWord marks backend reasoning fragments that leak into the
// stream channel and must never reach the visible reply.
const thinkingWord = "thinking"

// isDroppedFragment reports whether a stream fragment is filtered out
// of the accumulated reply: empty fragments and reasoning leakage.
func isDroppedFragment(s string) bool {
	return s == "" || strings.Contains(strings.ToLower(s), thinkingWord)
}

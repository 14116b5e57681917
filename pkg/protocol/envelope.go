package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind identifies the type of a frame.
type Kind string

// Frame kinds. The exact strings are a backend contract.
const (
	// Inbound (backend → client).
	KindSessionInfo   Kind = "session_info"
	KindStatus        Kind = "status"
	KindTaskUpdate    Kind = "task_update"
	KindStream        Kind = "stream"
	KindResponse      Kind = "response"
	KindOperations    Kind = "operations"
	KindAudioChunk    Kind = "audio_chunk"
	KindQueryRequest  Kind = "query_request"

	// Outbound (client → backend).
	KindUserMessage    Kind = "user_message"
	KindInitialContext Kind = "initial_context"
	KindViewPatch      Kind = "view_patch"
	KindAudioInput     Kind = "audio_input"
	KindQueryResponse  Kind = "query_response"

	// Both directions.
	KindPing Kind = "ping"
	KindPong Kind = "pong"
)

// Known reports whether k is a frame kind this layer understands.
// Unknown kinds are not an error: they are logged and skipped by the
// dispatch loop to stay forward compatible with new backend frames.
func (k Kind) Known() bool {
	switch k {
	case KindSessionInfo, KindStatus, KindTaskUpdate, KindStream,
		KindResponse, KindOperations, KindAudioChunk, KindQueryRequest,
		KindUserMessage, KindInitialContext, KindViewPatch,
		KindAudioInput, KindQueryResponse, KindPing, KindPong:
		return true
	}
	return false
}

// Envelope errors.
var (
	ErrMissingKind = errors.New("protocol: frame missing kind")
	ErrEmptyFrame  = errors.New("protocol: empty frame")
)

// DecodeError wraps a payload that failed to parse as the expected
// envelope or typed payload. Per the error policy, a single malformed
// frame is logged and skipped; the dispatch loop continues.
type DecodeError struct {
	Kind Kind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("protocol: decode envelope: %v", e.Err)
	}
	return fmt.Sprintf("protocol: decode %s payload: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Frame is the wire unit: a tagged envelope carrying one payload.
// Frames are immutable once received.
type Frame struct {
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewFrame builds a frame of the given kind, marshalling payload and
// stamping the current wall clock in milliseconds. A nil payload yields
// a frame with no payload field (used for ping/pong).
func NewFrame(kind Kind, payload any) (*Frame, error) {
	f := &Frame{
		Kind:      kind,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode %s payload: %w", kind, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// Encode serializes the frame to its wire form.
func (f *Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode frame: %w", err)
	}
	return data, nil
}

// DecodeFrame parses a wire message into a frame. The payload is kept
// raw; callers decode it with the typed Decode* helpers once they have
// switched on the kind.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if f.Kind == "" {
		return nil, ErrMissingKind
	}
	return &f, nil
}

// decodePayload unmarshals a frame payload into dst, wrapping failures
// in a DecodeError tagged with the frame kind.
func decodePayload(f *Frame, dst any) error {
	if len(f.Payload) == 0 {
		return &DecodeError{Kind: f.Kind, Err: errors.New("empty payload")}
	}
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return &DecodeError{Kind: f.Kind, Err: err}
	}
	return nil
}

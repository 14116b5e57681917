package protocol

import (
	"encoding/json"
	"fmt"
)

// SessionInfo is the handshake payload. The backend either confirms the
// session id offered in the connection URL or assigns a fresh one.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id,omitempty"`
	Returning bool   `json:"returning,omitempty"`
}

// Validate enforces handshake invariants.
func (s *SessionInfo) Validate() error {
	if s.SessionID == "" {
		return fmt.Errorf("session_info: session_id is required")
	}
	return nil
}

// Status is a free-text progress update with a phase tag. It populates
// the transient visible-status side channel and never becomes part of a
// finalized message.
type Status struct {
	Text  string `json:"text"`
	Phase string `json:"phase,omitempty"`
}

// Task is one entry in a task-list snapshot.
type Task struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	State string `json:"state"`
}

// TaskUpdate replaces the list of subtask statuses wholesale.
type TaskUpdate struct {
	Tasks []Task `json:"tasks"`
}

// StreamChunk is one fragment of a streaming assistant response.
// StreamID correlates fragments of the same turn; Stop marks the
// terminal frame.
type StreamChunk struct {
	StreamID string `json:"stream_id"`
	Content  string `json:"stream_response"`
	Stop     bool   `json:"stream_stop"`
}

// Response is a finalized, non-streaming assistant message.
type Response struct {
	Text     string `json:"text"`
	StreamID string `json:"stream_id,omitempty"`
}

// AudioChunk carries one batch of encoded audio in either direction.
type AudioChunk struct {
	Data       string `json:"data"` // base64 PCM16
	SampleRate int    `json:"sample_rate"`
	Bitrate    int    `json:"bitrate,omitempty"`
	Final      bool   `json:"final"`
}

// UserMessage is the outbound primary turn request: free text plus the
// current view-state snapshot.
type UserMessage struct {
	Text      string          `json:"text"`
	ViewState json.RawMessage `json:"view_state,omitempty"`
}

// InitialContext is sent once per session after the handshake, carrying
// the initial view-state snapshot.
type InitialContext struct {
	ViewState json.RawMessage `json:"view_state"`
}

// ViewPatch is an RFC 6902 structural diff of the view-state snapshot,
// sent only when non-empty.
type ViewPatch struct {
	Ops json.RawMessage `json:"ops"`
}

// QueryKind identifies a data-query request routed to the external
// data-query collaborator. The engine only routes by kind; it does not
// interpret the parameters.
type QueryKind string

const (
	QueryFeatures   QueryKind = "features"
	QueryExtent     QueryKind = "extent"
	QueryStatistics QueryKind = "statistics"
	QueryLayerList  QueryKind = "layer_list"
)

// QueryRequest asks the client for data about the current view.
type QueryRequest struct {
	QueryID string          `json:"query_id"`
	Kind    QueryKind       `json:"query_kind"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// QueryResponse answers a QueryRequest.
type QueryResponse struct {
	QueryID string          `json:"query_id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Typed payload decoders. Each returns a DecodeError on malformed input
// so the caller can log and skip the single bad frame.

func DecodeSessionInfo(f *Frame) (*SessionInfo, error) {
	var p SessionInfo
	if err := decodePayload(f, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, &DecodeError{Kind: f.Kind, Err: err}
	}
	return &p, nil
}

func DecodeStatus(f *Frame) (*Status, error) {
	var p Status
	if err := decodePayload(f, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func DecodeTaskUpdate(f *Frame) (*TaskUpdate, error) {
	var p TaskUpdate
	if err := decodePayload(f, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func DecodeStreamChunk(f *Frame) (*StreamChunk, error) {
	var p StreamChunk
	if err := decodePayload(f, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func DecodeResponse(f *Frame) (*Response, error) {
	var p Response
	if err := decodePayload(f, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func DecodeAudioChunk(f *Frame) (*AudioChunk, error) {
	var p AudioChunk
	if err := decodePayload(f, &p); err != nil {
		return nil, err
	}
	if p.SampleRate <= 0 {
		return nil, &DecodeError{Kind: f.Kind, Err: fmt.Errorf("audio_chunk: invalid sample_rate %d", p.SampleRate)}
	}
	return &p, nil
}

func DecodeQueryRequest(f *Frame) (*QueryRequest, error) {
	var p QueryRequest
	if err := decodePayload(f, &p); err != nil {
		return nil, err
	}
	if p.QueryID == "" {
		return nil, &DecodeError{Kind: f.Kind, Err: fmt.Errorf("query_request: query_id is required")}
	}
	return &p, nil
}

func DecodeUserMessage(f *Frame) (*UserMessage, error) {
	var p UserMessage
	if err := decodePayload(f, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Package store persists session continuity data: last-activity
// timestamps, session metadata, and the turn history an assistant can
// be reminded of when a returning client reconnects.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Retention windows for session continuity.
const (
	// SessionTTL is how long session records are kept at all.
	SessionTTL = 24 * time.Hour

	// ReturningSessionWindow is how recently a session must have been
	// active for a reconnecting client to be greeted as returning.
	ReturningSessionWindow = 30 * time.Minute

	// LiveConnectionWindow is how recently a session must have been
	// active to be considered live for handoff purposes.
	LiveConnectionWindow = 5 * time.Minute
)

// ErrNotFound is returned when a key has no value or the value expired.
var ErrNotFound = errors.New("store: not found")

// Store is a small key-value surface with per-key TTL. Implementations
// must treat an expired value the same as a missing one.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key layout. One namespace per session.

func KeySession(sessionID string) string      { return "sessions/" + sessionID + "/session" }
func KeyLastActivity(sessionID string) string { return "sessions/" + sessionID + "/last_activity" }
func KeyTurnHistory(sessionID string) string  { return "sessions/" + sessionID + "/turn_history" }

// TurnRecord is one finalized streaming turn.
type TurnRecord struct {
	StreamID   string    `json:"stream_id"`
	Content    string    `json:"content"`
	Result     string    `json:"result"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Touch records the session's last activity.
func Touch(ctx context.Context, s Store, sessionID string) error {
	now, err := time.Now().UTC().MarshalText()
	if err != nil {
		return err
	}
	return s.Set(ctx, KeyLastActivity(sessionID), now, SessionTTL)
}

// IsReturning reports whether the session was active recently enough to
// be greeted as returning.
func IsReturning(ctx context.Context, s Store, sessionID string) (bool, error) {
	raw, err := s.Get(ctx, KeyLastActivity(sessionID))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var last time.Time
	if err := last.UnmarshalText(raw); err != nil {
		return false, err
	}
	return time.Since(last) <= ReturningSessionWindow, nil
}

// AppendTurn appends rec to the session's turn history.
func AppendTurn(ctx context.Context, s Store, sessionID string, rec TurnRecord) error {
	key := KeyTurnHistory(sessionID)

	var history []TurnRecord
	raw, err := s.Get(ctx, key)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &history); err != nil {
			// A corrupt history is not worth failing the turn over;
			// start a fresh one.
			history = nil
		}
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}

	history = append(history, rec)
	data, err := json.Marshal(history)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, data, SessionTTL)
}

// TurnHistory returns the session's recorded turns, oldest first.
func TurnHistory(ctx context.Context, s Store, sessionID string) ([]TurnRecord, error) {
	raw, err := s.Get(ctx, KeyTurnHistory(sessionID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var history []TurnRecord
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, err
	}
	return history, nil
}

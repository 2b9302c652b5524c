package transcript

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session or phrase does not exist.
var ErrNotFound = errors.New("transcript: not found")

// Session is one translation session as recorded by the persistence sink.
type Session struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id,omitempty"`
	Title          string     `json:"title,omitempty"`
	Saved          bool       `json:"saved"`
	SourceLang     string     `json:"source_lang"`
	TargetLang     string     `json:"target_lang"`
	Voice          string     `json:"voice,omitempty"`
	State          string     `json:"state"`
	EndReason      string     `json:"end_reason,omitempty"`
	UtteranceCount int        `json:"utterance_count"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Utterance is a delivered utterance. (SessionID, UtteranceID) is unique.
type Utterance struct {
	SessionID      string    `json:"session_id"`
	UtteranceID    uint64    `json:"utterance_id"`
	SourceText     string    `json:"source_text"`
	TranslatedText string    `json:"translated_text"`
	SourceLang     string    `json:"source_lang"`
	TargetLang     string    `json:"target_lang"`
	Confidence     float64   `json:"confidence"`
	AudioChunks    int       `json:"audio_chunks"`
	AudioBytes     int       `json:"audio_bytes"`
	DeliveredAt    time.Time `json:"delivered_at"`
}

// SessionUpdate carries the user-editable session fields; nil leaves a field as is.
type SessionUpdate struct {
	Title *string `json:"title,omitempty"`
	Saved *bool   `json:"saved,omitempty"`
}

// ListFilter selects sessions, newest first.
type ListFilter struct {
	UserID string
	Limit  int
}

const (
	StateActive = "active"
	StateClosed = "closed"

	defaultListLimit = 50
)

// Store persists sessions and their delivered utterances.
type Store interface {
	// SaveSession inserts a session or refreshes its language settings.
	SaveSession(ctx context.Context, s Session) error
	EndSession(ctx context.Context, id, reason string, endedAt time.Time) error
	// AppendUtterance is idempotent; it reports whether a new row was written.
	AppendUtterance(ctx context.Context, u Utterance) (bool, error)
	GetSession(ctx context.Context, id string) (Session, error)
	ListUtterances(ctx context.Context, sessionID string) ([]Utterance, error)
	ListSessions(ctx context.Context, filter ListFilter) ([]Session, error)
	UpdateSession(ctx context.Context, id string, upd SessionUpdate) (Session, error)
	DeleteSession(ctx context.Context, id string) error
	Stats(ctx context.Context) (map[string]any, error)
	Close(ctx context.Context) error
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return defaultListLimit
	}
	return f.Limit
}

func applyUpdate(s *Session, upd SessionUpdate, now time.Time) {
	if upd.Title != nil {
		s.Title = *upd.Title
	}
	if upd.Saved != nil {
		s.Saved = *upd.Saved
	}
	s.UpdatedAt = now
}

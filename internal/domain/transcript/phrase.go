package transcript

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Phrase is a translation the user chose to keep.
type Phrase struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	UtteranceID    uint64     `json:"utterance_id,omitempty"`
	SourceText     string     `json:"source_text"`
	TranslatedText string     `json:"translated_text"`
	SourceLang     string     `json:"source_lang"`
	TargetLang     string     `json:"target_lang"`
	Note           string     `json:"note,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	Reviewed       bool       `json:"reviewed"`
	ReviewCount    int        `json:"review_count"`
	LastReviewedAt *time.Time `json:"last_reviewed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// PhraseFilter narrows List. Query matches source or translated text,
// case-insensitively.
type PhraseFilter struct {
	UserID     string
	SourceLang string
	TargetLang string
	Query      string
	Limit      int
}

// PhraseStore keeps saved phrases.
type PhraseStore interface {
	// Save assigns an id and timestamps when missing and returns the stored phrase.
	Save(ctx context.Context, p Phrase) (Phrase, error)
	Get(ctx context.Context, id string) (Phrase, error)
	List(ctx context.Context, filter PhraseFilter) ([]Phrase, error)
	MarkReviewed(ctx context.Context, id string, at time.Time) (Phrase, error)
	Delete(ctx context.Context, id string) error
}

func preparePhrase(p Phrase, now time.Time) Phrase {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.SourceText = strings.TrimSpace(p.SourceText)
	p.TranslatedText = strings.TrimSpace(p.TranslatedText)
	return p
}

func (f PhraseFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return defaultListLimit
	}
	return f.Limit
}

func (f PhraseFilter) match(p Phrase) bool {
	if f.UserID != "" && p.UserID != f.UserID {
		return false
	}
	if f.SourceLang != "" && p.SourceLang != f.SourceLang {
		return false
	}
	if f.TargetLang != "" && p.TargetLang != f.TargetLang {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		return strings.Contains(strings.ToLower(p.SourceText), q) ||
			strings.Contains(strings.ToLower(p.TranslatedText), q)
	}
	return true
}

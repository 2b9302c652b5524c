package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lumatalk-server/internal/platform/storage"
)

type sqliteStore struct {
	db *gorm.DB
}

// NewSQLite builds a SQLite-backed transcript store. The schema comes from
// storage.Migrate.
func NewSQLite(db *gorm.DB) Store {
	return &sqliteStore{db: db}
}

func (s *sqliteStore) SaveSession(ctx context.Context, sess Session) error {
	now := time.Now()
	if sess.StartedAt.IsZero() {
		sess.StartedAt = now
	}
	if sess.State == "" {
		sess.State = StateActive
	}
	record := storage.SessionRecord{
		ID:         sess.ID,
		UserID:     sess.UserID,
		Title:      sess.Title,
		Saved:      sess.Saved,
		SourceLang: sess.SourceLang,
		TargetLang: sess.TargetLang,
		Voice:      sess.Voice,
		State:      sess.State,
		StartedAt:  sess.StartedAt,
		UpdatedAt:  now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"source_lang", "target_lang", "voice", "state", "updated_at"}),
	}).Create(&record).Error
}

func (s *sqliteStore) EndSession(ctx context.Context, id, reason string, endedAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&storage.SessionRecord{}).Where("id = ?", id).Updates(map[string]any{
		"state":      StateClosed,
		"end_reason": reason,
		"ended_at":   endedAt,
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AppendUtterance(ctx context.Context, u Utterance) (bool, error) {
	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := storage.UtteranceRecord{
			SessionID:      u.SessionID,
			UtteranceID:    u.UtteranceID,
			SourceText:     u.SourceText,
			TranslatedText: u.TranslatedText,
			SourceLang:     u.SourceLang,
			TargetLang:     u.TargetLang,
			Confidence:     u.Confidence,
			AudioChunks:    u.AudioChunks,
			AudioBytes:     u.AudioBytes,
			DeliveredAt:    u.DeliveredAt,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		inserted = true
		return tx.Model(&storage.SessionRecord{}).Where("id = ?", u.SessionID).Updates(map[string]any{
			"utterance_count": gorm.Expr("utterance_count + 1"),
			"updated_at":      time.Now(),
		}).Error
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (s *sqliteStore) GetSession(ctx context.Context, id string) (Session, error) {
	var record storage.SessionRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return sessionFromRecord(record), nil
}

func (s *sqliteStore) ListUtterances(ctx context.Context, sessionID string) ([]Utterance, error) {
	var records []storage.UtteranceRecord
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("utterance_id ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]Utterance, 0, len(records))
	for _, r := range records {
		out = append(out, Utterance{
			SessionID:      r.SessionID,
			UtteranceID:    r.UtteranceID,
			SourceText:     r.SourceText,
			TranslatedText: r.TranslatedText,
			SourceLang:     r.SourceLang,
			TargetLang:     r.TargetLang,
			Confidence:     r.Confidence,
			AudioChunks:    r.AudioChunks,
			AudioBytes:     r.AudioBytes,
			DeliveredAt:    r.DeliveredAt,
		})
	}
	return out, nil
}

func (s *sqliteStore) ListSessions(ctx context.Context, filter ListFilter) ([]Session, error) {
	q := s.db.WithContext(ctx).Model(&storage.SessionRecord{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	var records []storage.SessionRecord
	if err := q.Order("started_at DESC").Limit(filter.limit()).Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(records))
	for _, r := range records {
		out = append(out, sessionFromRecord(r))
	}
	return out, nil
}

func (s *sqliteStore) UpdateSession(ctx context.Context, id string, upd SessionUpdate) (Session, error) {
	var out Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record storage.SessionRecord
		if err := tx.Where("id = ?", id).First(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		out = sessionFromRecord(record)
		applyUpdate(&out, upd, time.Now())
		return tx.Model(&storage.SessionRecord{}).Where("id = ?", id).Updates(map[string]any{
			"title":      out.Title,
			"saved":      out.Saved,
			"updated_at": out.UpdatedAt,
		}).Error
	})
	return out, err
}

func (s *sqliteStore) DeleteSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&storage.SessionRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("session_id = ?", id).Delete(&storage.UtteranceRecord{}).Error
	})
}

func (s *sqliteStore) Stats(ctx context.Context) (map[string]any, error) {
	var sessions, utterances int64
	if err := s.db.WithContext(ctx).Model(&storage.SessionRecord{}).Count(&sessions).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&storage.UtteranceRecord{}).Count(&utterances).Error; err != nil {
		return nil, err
	}
	return map[string]any{
		"type":       DriverSQLite,
		"sessions":   sessions,
		"utterances": utterances,
	}, nil
}

// Close leaves the shared database handle open; bootstrap owns it.
func (s *sqliteStore) Close(context.Context) error {
	return nil
}

func sessionFromRecord(r storage.SessionRecord) Session {
	return Session{
		ID:             r.ID,
		UserID:         r.UserID,
		Title:          r.Title,
		Saved:          r.Saved,
		SourceLang:     r.SourceLang,
		TargetLang:     r.TargetLang,
		Voice:          r.Voice,
		State:          r.State,
		EndReason:      r.EndReason,
		UtteranceCount: r.UtteranceCount,
		StartedAt:      r.StartedAt,
		EndedAt:        r.EndedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type sqlitePhrases struct {
	db *gorm.DB
}

// NewSQLitePhrases builds a SQLite-backed phrase store.
func NewSQLitePhrases(db *gorm.DB) PhraseStore {
	return &sqlitePhrases{db: db}
}

func (s *sqlitePhrases) Save(ctx context.Context, p Phrase) (Phrase, error) {
	p = preparePhrase(p, time.Now())
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return Phrase{}, err
	}
	record := storage.SavedPhrase{
		ID:             p.ID,
		UserID:         p.UserID,
		SessionID:      p.SessionID,
		UtteranceID:    p.UtteranceID,
		SourceText:     p.SourceText,
		TranslatedText: p.TranslatedText,
		SourceLang:     p.SourceLang,
		TargetLang:     p.TargetLang,
		Note:           p.Note,
		Tags:           datatypes.JSON(tags),
		Reviewed:       p.Reviewed,
		ReviewCount:    p.ReviewCount,
		LastReviewedAt: p.LastReviewedAt,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return Phrase{}, err
	}
	return p, nil
}

func (s *sqlitePhrases) Get(ctx context.Context, id string) (Phrase, error) {
	var record storage.SavedPhrase
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Phrase{}, ErrNotFound
		}
		return Phrase{}, err
	}
	return phraseFromRecord(record), nil
}

func (s *sqlitePhrases) List(ctx context.Context, filter PhraseFilter) ([]Phrase, error) {
	q := s.db.WithContext(ctx).Model(&storage.SavedPhrase{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.SourceLang != "" {
		q = q.Where("source_lang = ?", filter.SourceLang)
	}
	if filter.TargetLang != "" {
		q = q.Where("target_lang = ?", filter.TargetLang)
	}
	if query := strings.ToLower(strings.TrimSpace(filter.Query)); query != "" {
		like := "%" + query + "%"
		q = q.Where("LOWER(source_text) LIKE ? OR LOWER(translated_text) LIKE ?", like, like)
	}
	var records []storage.SavedPhrase
	if err := q.Order("created_at DESC").Limit(filter.limit()).Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]Phrase, 0, len(records))
	for _, r := range records {
		out = append(out, phraseFromRecord(r))
	}
	return out, nil
}

func (s *sqlitePhrases) MarkReviewed(ctx context.Context, id string, at time.Time) (Phrase, error) {
	res := s.db.WithContext(ctx).Model(&storage.SavedPhrase{}).Where("id = ?", id).Updates(map[string]any{
		"reviewed":         true,
		"review_count":     gorm.Expr("review_count + 1"),
		"last_reviewed_at": at,
		"updated_at":       time.Now(),
	})
	if res.Error != nil {
		return Phrase{}, res.Error
	}
	if res.RowsAffected == 0 {
		return Phrase{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *sqlitePhrases) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&storage.SavedPhrase{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func phraseFromRecord(r storage.SavedPhrase) Phrase {
	var tags []string
	if len(r.Tags) > 0 {
		_ = json.Unmarshal(r.Tags, &tags)
	}
	return Phrase{
		ID:             r.ID,
		UserID:         r.UserID,
		SessionID:      r.SessionID,
		UtteranceID:    r.UtteranceID,
		SourceText:     r.SourceText,
		TranslatedText: r.TranslatedText,
		SourceLang:     r.SourceLang,
		TargetLang:     r.TargetLang,
		Note:           r.Note,
		Tags:           tags,
		Reviewed:       r.Reviewed,
		ReviewCount:    r.ReviewCount,
		LastReviewedAt: r.LastReviewedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

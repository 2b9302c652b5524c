package migrations

import (
	"gorm.io/gorm"
)

// Migration002SavedPhrases 收藏短语表
type Migration002SavedPhrases struct{}

func (m *Migration002SavedPhrases) Version() string {
	return "002_saved_phrases"
}

func (m *Migration002SavedPhrases) Description() string {
	return "Create saved phrase table for phrasebook review"
}

func (m *Migration002SavedPhrases) Up(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE TABLE IF NOT EXISTS saved_phrases (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(128),
			session_id VARCHAR(64),
			utterance_id INTEGER,
			source_text TEXT NOT NULL,
			translated_text TEXT NOT NULL,
			source_lang VARCHAR(16),
			target_lang VARCHAR(16),
			note TEXT,
			tags JSON,
			reviewed BOOLEAN DEFAULT FALSE,
			review_count INTEGER DEFAULT 0,
			last_reviewed_at DATETIME,
			created_at DATETIME,
			updated_at DATETIME
		)
	`).Error; err != nil {
		return err
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_saved_phrases_user_id ON saved_phrases(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_saved_phrases_session_id ON saved_phrases(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_saved_phrases_langs ON saved_phrases(source_lang, target_lang)`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

func (m *Migration002SavedPhrases) Down(db *gorm.DB) error {
	return db.Exec("DROP TABLE IF EXISTS saved_phrases").Error
}

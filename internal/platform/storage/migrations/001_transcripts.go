package migrations

import (
	"gorm.io/gorm"
)

// Migration001Transcripts 会话与交付记录表
type Migration001Transcripts struct{}

func (m *Migration001Transcripts) Version() string {
	return "001_transcripts"
}

func (m *Migration001Transcripts) Description() string {
	return "Create transcript session and utterance tables"
}

func (m *Migration001Transcripts) Up(db *gorm.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS transcript_sessions (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(128),
			title VARCHAR(255),
			saved BOOLEAN DEFAULT FALSE,
			source_lang VARCHAR(16),
			target_lang VARCHAR(16),
			voice VARCHAR(64),
			state VARCHAR(16),
			end_reason VARCHAR(64),
			utterance_count INTEGER DEFAULT 0,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_sessions_user_id ON transcript_sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_sessions_state ON transcript_sessions(state)`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_sessions_started_at ON transcript_sessions(started_at)`,
		`CREATE TABLE IF NOT EXISTS transcript_utterances (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id VARCHAR(64) NOT NULL,
			utterance_id INTEGER NOT NULL,
			source_text TEXT,
			translated_text TEXT,
			source_lang VARCHAR(16),
			target_lang VARCHAR(16),
			confidence REAL,
			audio_chunks INTEGER,
			audio_bytes INTEGER,
			delivered_at DATETIME NOT NULL,
			created_at DATETIME
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_session_utterance ON transcript_utterances(session_id, utterance_id)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

func (m *Migration001Transcripts) Down(db *gorm.DB) error {
	for _, table := range []string{"transcript_utterances", "transcript_sessions"} {
		if err := db.Exec("DROP TABLE IF EXISTS " + table).Error; err != nil {
			return err
		}
	}
	return nil
}

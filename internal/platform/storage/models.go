package storage

import (
	"time"

	"gorm.io/datatypes"
)

// SessionRecord 会话记录
type SessionRecord struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)"`
	UserID         string    `gorm:"type:varchar(128);index"`
	Title          string    `gorm:"type:varchar(255)"`
	Saved          bool      `gorm:"default:false"`
	SourceLang     string    `gorm:"type:varchar(16)"`
	TargetLang     string    `gorm:"type:varchar(16)"`
	Voice          string    `gorm:"type:varchar(64)"`
	State          string    `gorm:"type:varchar(16);index"`
	EndReason      string    `gorm:"type:varchar(64)"`
	UtteranceCount int       `gorm:"default:0"`
	StartedAt      time.Time `gorm:"not null;index"`
	EndedAt        *time.Time
	UpdatedAt      time.Time
}

func (SessionRecord) TableName() string {
	return "transcript_sessions"
}

// UtteranceRecord 已交付的单条翻译。(session_id, utterance_id) 唯一
type UtteranceRecord struct {
	ID             uint   `gorm:"primaryKey"`
	SessionID      string `gorm:"type:varchar(64);not null;uniqueIndex:idx_session_utterance"`
	UtteranceID    uint64 `gorm:"not null;uniqueIndex:idx_session_utterance"`
	SourceText     string `gorm:"type:text"`
	TranslatedText string `gorm:"type:text"`
	SourceLang     string `gorm:"type:varchar(16)"`
	TargetLang     string `gorm:"type:varchar(16)"`
	Confidence     float64
	AudioChunks    int
	AudioBytes     int
	DeliveredAt    time.Time `gorm:"not null"`
	CreatedAt      time.Time
}

func (UtteranceRecord) TableName() string {
	return "transcript_utterances"
}

// SavedPhrase 用户收藏的翻译短语
type SavedPhrase struct {
	ID             string `gorm:"primaryKey;type:varchar(64)"`
	UserID         string `gorm:"type:varchar(128);index"`
	SessionID      string `gorm:"type:varchar(64);index"`
	UtteranceID    uint64
	SourceText     string `gorm:"type:text;not null"`
	TranslatedText string `gorm:"type:text;not null"`
	SourceLang     string `gorm:"type:varchar(16);index"`
	TargetLang     string `gorm:"type:varchar(16);index"`
	Note           string `gorm:"type:text"`
	Tags           datatypes.JSON
	Reviewed       bool `gorm:"default:false"`
	ReviewCount    int  `gorm:"default:0"`
	LastReviewedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (SavedPhrase) TableName() string {
	return "saved_phrases"
}

// UserRecord 注册用户。Active 不设默认值，false 才能原样写入
type UserRecord struct {
	ID               string `gorm:"primaryKey;type:varchar(64)"`
	Email            string `gorm:"type:varchar(255);uniqueIndex;not null"`
	PasswordHash     string `gorm:"type:varchar(255);not null"`
	FullName         string `gorm:"type:varchar(255)"`
	SubscriptionTier string `gorm:"type:varchar(32)"`
	Active           bool
	TranslationQuota int
	TranslationsUsed int
	LastLoginAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (UserRecord) TableName() string {
	return "users"
}

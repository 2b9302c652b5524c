package eventbus

import "time"

// 事件主题
const (
	TopicSessionOpened      = "session:opened"
	TopicSessionClosed      = "session:closed"
	TopicUtteranceDelivered = "utterance:delivered"
	TopicUtteranceAborted   = "utterance:aborted"
)

// SessionOpened 会话创建（首个 session.start 之后）
type SessionOpened struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id,omitempty"`
	SourceLang string    `json:"source_lang"`
	TargetLang string    `json:"target_lang"`
	Voice      string    `json:"voice,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// SessionClosed 会话终止
type SessionClosed struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	Delivered int       `json:"delivered"`
	Aborted   int       `json:"aborted"`
	EndedAt   time.Time `json:"ended_at"`
}

// UtteranceDelivered tts.complete 已交给在线连接
type UtteranceDelivered struct {
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

// UtteranceAborted 语句以错误终止
type UtteranceAborted struct {
	SessionID   string    `json:"session_id"`
	UtteranceID uint64    `json:"utterance_id"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	AbortedAt   time.Time `json:"aborted_at"`
}

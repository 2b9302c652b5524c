package pipeline

// Stage names a pipeline stage in errors, pool slots and metrics.
type Stage string

const (
	StageVAD Stage = "vad"
	StageASR Stage = "asr"
	StageMT  Stage = "mt"
	StageTTS Stage = "tts"
)

type RecognitionRequest struct {
	UtteranceID uint64
	Language    string
	SampleRate  int
	Channels    int
}

// TranscriptEvent is a partial or final hypothesis for one utterance.
type TranscriptEvent struct {
	UtteranceID uint64
	Text        string
	Final       bool
}

type TranslationRequest struct {
	UtteranceID uint64
	Text        string
	SourceLang  string
	TargetLang  string
}

type TranslationResult struct {
	UtteranceID    uint64
	SourceText     string
	TranslatedText string
	SourceLang     string
	TargetLang     string
	Confidence     float64
}

type SynthesisRequest struct {
	UtteranceID uint64
	Text        string
	Language    string
	Voice       string
}

// UtteranceState 话语生命周期
type UtteranceState string

const (
	StateCapturing    UtteranceState = "capturing"
	StateRecognizing  UtteranceState = "recognizing"
	StateTranslating  UtteranceState = "translating"
	StateSynthesizing UtteranceState = "synthesizing"
	StateDelivered    UtteranceState = "delivered"
	StateAborted      UtteranceState = "aborted"
)

// Terminal reports whether no further transition is possible.
func (s UtteranceState) Terminal() bool {
	return s == StateDelivered || s == StateAborted
}

type SessionState string

const (
	SessionConnecting   SessionState = "connecting"
	SessionActive       SessionState = "active"
	SessionReconnecting SessionState = "reconnecting"
	SessionClosed       SessionState = "closed"
)

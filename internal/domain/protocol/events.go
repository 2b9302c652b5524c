package protocol

import "lumatalk-server/internal/domain/pipeline"

// Event is an outbound message. The set is closed: only types in this file
// implement it, and Encode and Lane handle each one.
type Event interface {
	Type() string
	sealed()
}

const (
	TypeSessionStarted = "session.started"
	TypeSessionResumed = "session.resumed"
	TypeSessionEnded   = "session.ended"
	TypePong           = "pong"
	TypeASRPartial     = "asr.partial"
	TypeASRFinal       = "asr.final"
	TypeMTResult       = "mt.result"
	TypeTTSChunk       = "tts.chunk"
	TypeTTSComplete    = "tts.complete"
	TypeError          = "error"
)

type SessionStarted struct {
	SessionID   string `json:"session_id"`
	ResumeToken string `json:"resume_token"`
	SourceLang  string `json:"source_lang"`
	TargetLang  string `json:"target_lang"`
}

type SessionResumed struct {
	SessionID       string `json:"session_id"`
	NextUtteranceID uint64 `json:"next_utterance_id"`
}

type SessionEnded struct {
	Reason string `json:"reason"`
}

type Pong struct{}

type ASRPartial struct {
	UtteranceID uint64 `json:"utterance_id"`
	Text        string `json:"text"`
}

type ASRFinal struct {
	UtteranceID uint64 `json:"utterance_id"`
	Text        string `json:"text"`
}

type MTResult struct {
	UtteranceID    uint64  `json:"utterance_id"`
	TranslatedText string  `json:"translated_text"`
	SourceLang     string  `json:"source_lang"`
	TargetLang     string  `json:"target_lang"`
	Confidence     float64 `json:"confidence"`
}

// TTSChunk travels as a binary frame.
type TTSChunk struct {
	UtteranceID uint64 `json:"-"`
	Seq         uint32 `json:"-"`
	Data        []byte `json:"-"`
}

type TTSComplete struct {
	UtteranceID uint64 `json:"utterance_id"`
	Chunks      int    `json:"chunks"`
}

// ErrorEvent reports a failure. UtteranceID 0 means the error is session-scoped.
type ErrorEvent struct {
	UtteranceID uint64             `json:"utterance_id,omitempty"`
	Kind        pipeline.ErrorKind `json:"kind"`
	Message     string             `json:"message"`
}

func (SessionStarted) Type() string { return TypeSessionStarted }
func (SessionResumed) Type() string { return TypeSessionResumed }
func (SessionEnded) Type() string   { return TypeSessionEnded }
func (Pong) Type() string           { return TypePong }
func (ASRPartial) Type() string     { return TypeASRPartial }
func (ASRFinal) Type() string       { return TypeASRFinal }
func (MTResult) Type() string       { return TypeMTResult }
func (TTSChunk) Type() string       { return TypeTTSChunk }
func (TTSComplete) Type() string    { return TypeTTSComplete }
func (ErrorEvent) Type() string     { return TypeError }

func (SessionStarted) sealed() {}
func (SessionResumed) sealed() {}
func (SessionEnded) sealed()   {}
func (Pong) sealed()           {}
func (ASRPartial) sealed()     {}
func (ASRFinal) sealed()       {}
func (MTResult) sealed()       {}
func (TTSChunk) sealed()       {}
func (TTSComplete) sealed()    {}
func (ErrorEvent) sealed()     {}

// UtteranceOf returns the utterance an event belongs to, or 0 for
// session-level events.
func UtteranceOf(ev Event) uint64 {
	switch e := ev.(type) {
	case ASRPartial:
		return e.UtteranceID
	case ASRFinal:
		return e.UtteranceID
	case MTResult:
		return e.UtteranceID
	case TTSChunk:
		return e.UtteranceID
	case TTSComplete:
		return e.UtteranceID
	case ErrorEvent:
		return e.UtteranceID
	default:
		return 0
	}
}

// LaneKind selects the outbound queue an event travels on.
type LaneKind int

const (
	LaneOrdered LaneKind = iota
	LaneControl
)

// Lane classifies events: session-level traffic goes on the control lane and
// never waits behind utterance output.
func Lane(ev Event) LaneKind {
	switch e := ev.(type) {
	case SessionStarted, SessionResumed, SessionEnded, Pong:
		return LaneControl
	case ErrorEvent:
		if e.UtteranceID == 0 {
			return LaneControl
		}
		return LaneOrdered
	default:
		return LaneOrdered
	}
}

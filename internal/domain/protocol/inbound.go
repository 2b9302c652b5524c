package protocol

import "time"

// Inbound is a decoded client message.
type Inbound interface {
	inbound()
}

const (
	TypeSessionStart     = "session.start"
	TypeSessionUpdate    = "session.update"
	TypeSessionEnd       = "session.end"
	TypeSessionReset     = "session.reset"
	TypeUtteranceCancel  = "utterance.cancel"
	TypePing             = "ping"
	TypeICECandidate     = "ice_candidate"
	TypeSessionNegotiate = "session.negotiate"
)

type SessionStart struct {
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
	Voice      string `json:"voice,omitempty"`
}

// SessionUpdate changes languages or voice for utterances that start later.
type SessionUpdate struct {
	SourceLang string `json:"source_lang,omitempty"`
	TargetLang string `json:"target_lang,omitempty"`
	Voice      string `json:"voice,omitempty"`
}

type SessionEnd struct {
	Reason string `json:"reason,omitempty"`
}

type SessionReset struct{}

type UtteranceCancel struct {
	UtteranceID uint64 `json:"utterance_id"`
}

type Ping struct{}

// AudioFrame is one binary PCM frame from the client.
type AudioFrame struct {
	Seq       uint32
	Timestamp time.Duration
	PCM       []byte
}

// Opaque carries negotiation messages that are accepted and ignored.
type Opaque struct {
	Kind string
	Raw  []byte
}

func (SessionStart) inbound()    {}
func (SessionUpdate) inbound()   {}
func (SessionEnd) inbound()      {}
func (SessionReset) inbound()    {}
func (UtteranceCancel) inbound() {}
func (Ping) inbound()            {}
func (AudioFrame) inbound()      {}
func (Opaque) inbound()          {}

package orchestrator

import (
	"errors"

	"lumatalk-server/internal/domain/pipeline"
	"lumatalk-server/internal/domain/protocol"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrResumeRejected  = errors.New("resume token rejected")
	ErrManagerClosed   = errors.New("session manager closed")
)

// Channel is one live client connection attached to a session.
//
// Send enqueues without blocking and fails once the channel is closed.
// Done closes when the peer is gone. Close stops the channel and returns the
// utterance events that were accepted by Send but never written; session
// level events are not returned. A nil cause asks the channel to flush what
// it can first.
type Channel interface {
	Send(ev protocol.Event) error
	Inbound() <-chan protocol.Inbound
	Done() <-chan struct{}
	Close(cause error) []protocol.Event
}

// message is anything posted into a session's control loop.
type message interface{}

type transcriptMsg struct {
	id uint64
	ev pipeline.TranscriptEvent
}

// recognitionEnded reports the ASR stream is over; err is nil on io.EOF.
type recognitionEnded struct {
	id  uint64
	err error
}

type translationDone struct {
	id      uint64
	attempt int
	res     pipeline.TranslationResult
	err     error
}

type translationRetry struct {
	id      uint64
	attempt int
}

type synthesisChunk struct {
	id   uint64
	data []byte
}

type synthesisEnded struct {
	id  uint64
	err error
}

// deadlineMsg fires when a stage timer expires. gen ties it to the timer
// that was armed; anything older is stale.
type deadlineMsg struct {
	id    uint64
	stage pipeline.Stage
	gen   uint64
}

type graceExpired struct {
	gen uint64
}

type attachRequest struct {
	ch     Channel
	result chan error
}

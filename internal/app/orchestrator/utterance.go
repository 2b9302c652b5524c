package orchestrator

import (
	"context"
	"sync"
	"time"

	"lumatalk-server/internal/domain/pipeline"
	"lumatalk-server/internal/domain/protocol"
)

// utterance is owned by the session loop. Stage goroutines only see its id,
// its context and its audio buffer.
type utterance struct {
	id        uint64
	state     pipeline.UtteranceState
	createdAt time.Time

	sourceLang string
	targetLang string
	voice      string

	ctx    context.Context
	cancel context.CancelFunc

	audio      *audioBuffer
	audioBytes int

	started      bool
	segmentEnded bool
	// asrDone marks a recognition stream that ended while audio was still
	// being captured.
	asrDone bool
	partial string

	sourceText     string
	translatedText string
	confidence     float64
	mtAttempt      int

	seq      uint32
	chunks   int
	ttsBytes int

	timer    *time.Timer
	timerGen uint64

	outbox []protocol.Event
}

// schedule replaces the utterance's timer. Only one deadline or retry is
// pending at a time.
func (u *utterance) schedule(d time.Duration, fn func(gen uint64)) {
	u.disarm()
	gen := u.timerGen
	u.timer = time.AfterFunc(d, func() { fn(gen) })
}

func (u *utterance) disarm() {
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
	u.timerGen++
}

// audioBuffer holds PCM not yet handed to the recognizer. It is bounded by
// bytes; Push fails rather than grow past the limit.
type audioBuffer struct {
	mu     sync.Mutex
	chunks [][]byte
	size   int
	limit  int
	closed bool
	notify chan struct{}
}

func newAudioBuffer(limit int) *audioBuffer {
	return &audioBuffer{limit: limit, notify: make(chan struct{}, 1)}
}

func (b *audioBuffer) Push(pcm []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return true
	}
	if b.size+len(pcm) > b.limit {
		return false
	}
	b.chunks = append(b.chunks, pcm)
	b.size += len(pcm)
	b.signal()
	return true
}

// CloseInput marks the end of the segment. Buffered audio can still be popped.
func (b *audioBuffer) CloseInput() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.signal()
	}
}

// Pop blocks for the next chunk. It returns false once the input is closed and
// drained, or when ctx ends.
func (b *audioBuffer) Pop(ctx context.Context) ([]byte, bool) {
	for {
		b.mu.Lock()
		if len(b.chunks) > 0 {
			c := b.chunks[0]
			b.chunks[0] = nil
			b.chunks = b.chunks[1:]
			b.size -= len(c)
			b.mu.Unlock()
			return c, true
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-b.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (b *audioBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *audioBuffer) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

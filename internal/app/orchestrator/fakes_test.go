package orchestrator

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lumatalk-server/internal/domain/auth"
	"lumatalk-server/internal/domain/eventbus"
	"lumatalk-server/internal/domain/pipeline"
	"lumatalk-server/internal/domain/protocol"
	"lumatalk-server/internal/domain/vad"
	lttesting "lumatalk-server/internal/platform/testing"
)

const waitTimeout = 3 * time.Second

var errFakeClosed = errors.New("fake channel closed")

// fakeChannel records written events. While blocked, accepted events are
// held back and returned by Close as never written.
type fakeChannel struct {
	mu      sync.Mutex
	written []protocol.Event
	unsent  []protocol.Event
	blocked bool
	closed  bool
	causes  []error

	inbound  chan protocol.Inbound
	done     chan struct{}
	dropOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		inbound: make(chan protocol.Inbound, 256),
		done:    make(chan struct{}),
	}
}

func (f *fakeChannel) Send(ev protocol.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errFakeClosed
	}
	if f.blocked {
		f.unsent = append(f.unsent, ev)
		return nil
	}
	f.written = append(f.written, ev)
	return nil
}

func (f *fakeChannel) Inbound() <-chan protocol.Inbound { return f.inbound }

func (f *fakeChannel) Done() <-chan struct{} { return f.done }

func (f *fakeChannel) Close(cause error) []protocol.Event {
	f.mu.Lock()
	f.closed = true
	f.causes = append(f.causes, cause)
	unsent := f.unsent
	f.unsent = nil
	f.mu.Unlock()
	f.drop()
	return unsent
}

// drop simulates the peer going away.
func (f *fakeChannel) drop() {
	f.dropOnce.Do(func() { close(f.done) })
}

func (f *fakeChannel) setBlocked(b bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = b
}

func (f *fakeChannel) events() []protocol.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Event(nil), f.written...)
}

func (f *fakeChannel) unsentLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unsent)
}

func (f *fakeChannel) closeCauses() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.causes...)
}

// ---- stages ----

type fakeRecognizer struct {
	// script returns the events emitted after CloseSend. Default: one final.
	script func(id uint64) []pipeline.TranscriptEvent
	// hold runs before the scripted events are emitted.
	hold func(id uint64, stop <-chan struct{})
	// early emits the script after the first audio chunk instead of waiting
	// for CloseSend. Later SendAudio calls block until the stream is closed
	// and then fail.
	early bool

	open    atomic.Int32
	maxOpen atomic.Int32
	opened  atomic.Int32

	mu    sync.Mutex
	audio map[uint64]int
}

func (r *fakeRecognizer) Open(_ context.Context, req pipeline.RecognitionRequest) (pipeline.RecognitionStream, error) {
	n := r.open.Add(1)
	r.opened.Add(1)
	for {
		cur := r.maxOpen.Load()
		if n <= cur || r.maxOpen.CompareAndSwap(cur, n) {
			break
		}
	}
	return &fakeRecStream{r: r, id: req.UtteranceID, events: make(chan pipeline.TranscriptEvent, 16), stop: make(chan struct{})}, nil
}

func (r *fakeRecognizer) audioFor(id uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audio[id]
}

type fakeRecStream struct {
	r         *fakeRecognizer
	id        uint64
	events    chan pipeline.TranscriptEvent
	stop      chan struct{}
	sendOnce  sync.Once
	closeOnce sync.Once
}

var errFakeStreamClosed = errors.New("fake recognition stream closed")

func (s *fakeRecStream) SendAudio(ctx context.Context, pcm []byte) error {
	select {
	case <-s.stop:
		return errFakeStreamClosed
	default:
	}
	s.r.mu.Lock()
	if s.r.audio == nil {
		s.r.audio = make(map[uint64]int)
	}
	s.r.audio[s.id] += len(pcm)
	first := s.r.audio[s.id] == len(pcm)
	s.r.mu.Unlock()

	if !s.r.early {
		return nil
	}
	if first {
		s.finish()
		return nil
	}
	select {
	case <-s.stop:
		return errFakeStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeRecStream) CloseSend() error {
	s.finish()
	return nil
}

func (s *fakeRecStream) finish() {
	s.sendOnce.Do(func() {
		go func() {
			defer close(s.events)
			if s.r.hold != nil {
				s.r.hold(s.id, s.stop)
			}
			script := []pipeline.TranscriptEvent{{UtteranceID: s.id, Text: fmt.Sprintf("hello %d", s.id), Final: true}}
			if s.r.script != nil {
				script = s.r.script(s.id)
			}
			for _, ev := range script {
				select {
				case s.events <- ev:
				case <-s.stop:
					return
				}
			}
		}()
	})
}

func (s *fakeRecStream) Recv() (pipeline.TranscriptEvent, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return pipeline.TranscriptEvent{}, io.EOF
		}
		return ev, nil
	case <-s.stop:
		return pipeline.TranscriptEvent{}, io.EOF
	}
}

func (s *fakeRecStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.r.open.Add(-1)
	})
	return nil
}

type fakeTranslator struct {
	// fn receives the 1-based attempt number for the utterance.
	fn func(attempt int, req pipeline.TranslationRequest) (pipeline.TranslationResult, error)

	calls atomic.Int32
	mu    sync.Mutex
	per   map[uint64]int
}

func (t *fakeTranslator) Translate(ctx context.Context, req pipeline.TranslationRequest) (pipeline.TranslationResult, error) {
	t.calls.Add(1)
	t.mu.Lock()
	if t.per == nil {
		t.per = make(map[uint64]int)
	}
	t.per[req.UtteranceID]++
	attempt := t.per[req.UtteranceID]
	t.mu.Unlock()

	if t.fn != nil {
		return t.fn(attempt, req)
	}
	return pipeline.TranslationResult{
		UtteranceID:    req.UtteranceID,
		SourceText:     req.Text,
		TranslatedText: "T(" + req.Text + ")",
		SourceLang:     req.SourceLang,
		TargetLang:     req.TargetLang,
		Confidence:     0.9,
	}, nil
}

func (t *fakeTranslator) attempts(id uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.per[id]
}

type fakeSynthesizer struct {
	chunks int
	size   int
	// hook runs before chunk i is produced; i == chunks runs before io.EOF.
	hook func(id uint64, i int, stop <-chan struct{})
	err  func(id uint64) error
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, req pipeline.SynthesisRequest) (pipeline.SynthesisStream, error) {
	if f.err != nil {
		if err := f.err(req.UtteranceID); err != nil {
			return nil, err
		}
	}
	return &fakeSynthStream{f: f, id: req.UtteranceID, stop: make(chan struct{})}, nil
}

type fakeSynthStream struct {
	f         *fakeSynthesizer
	id        uint64
	i         int
	stop      chan struct{}
	closeOnce sync.Once
}

func (s *fakeSynthStream) Recv() ([]byte, error) {
	if s.i > s.f.chunks {
		return nil, io.EOF
	}
	if s.f.hook != nil {
		s.f.hook(s.id, s.i, s.stop)
	}
	select {
	case <-s.stop:
		return nil, io.EOF
	default:
	}
	if s.i == s.f.chunks {
		s.i++
		return nil, io.EOF
	}
	s.i++
	return bytes.Repeat([]byte{byte(s.id)}, s.f.size), nil
}

func (s *fakeSynthStream) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}

// ---- harness ----

func testOptions() Options {
	return Options{
		InFlightLimit:        2,
		MaxPendingUtterances: 8,
		MaxBufferedAudio:     1 << 20,
		MaxPendingEvents:     1024,
		MaxChunkBytes:        1024,
		ReconnectGrace:       300 * time.Millisecond,
		MTMaxRetries:         3,
		MTBackoffInitial:     5 * time.Millisecond,
		MTBackoffMax:         20 * time.Millisecond,
		MTTimeout:            2 * time.Second,
		ASRFinalTimeout:      2 * time.Second,
		TTSFirstChunkTimeout: 2 * time.Second,
		TTSIdleTimeout:       2 * time.Second,
		SampleRate:           16000,
		Channels:             1,
		DefaultVoice:         "default",
		VAD: vad.Config{
			SpeechThreshold:  0.015,
			SilenceThreshold: 0.008,
			SpeechFrames:     1,
			TrailingSilence:  40 * time.Millisecond,
			MaxSegment:       10 * time.Second,
		},
	}
}

type harness struct {
	mgr    *Manager
	bus    *eventbus.Bus
	tokens *auth.Tokens
	rec    *fakeRecognizer
	mt     *fakeTranslator
	tts    *fakeSynthesizer

	mu        sync.Mutex
	opened    []eventbus.SessionOpened
	delivered []eventbus.UtteranceDelivered
	aborted   []eventbus.UtteranceAborted
	closed    []eventbus.SessionClosed
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	logger := lttesting.SetupTestLogger(t)

	h := &harness{
		tokens: auth.NewTokens("orchestrator-test-secret"),
		rec:    &fakeRecognizer{},
		mt:     &fakeTranslator{},
		tts:    &fakeSynthesizer{chunks: 3, size: 100},
	}
	h.bus = eventbus.New(eventbus.Options{}, logger)
	h.bus.Start()
	t.Cleanup(h.bus.Stop)

	lttesting.AssertNoError(t, h.bus.Subscribe(eventbus.TopicSessionOpened, func(ev eventbus.SessionOpened) {
		h.mu.Lock()
		h.opened = append(h.opened, ev)
		h.mu.Unlock()
	}))
	lttesting.AssertNoError(t, h.bus.Subscribe(eventbus.TopicUtteranceDelivered, func(ev eventbus.UtteranceDelivered) {
		h.mu.Lock()
		h.delivered = append(h.delivered, ev)
		h.mu.Unlock()
	}))
	lttesting.AssertNoError(t, h.bus.Subscribe(eventbus.TopicUtteranceAborted, func(ev eventbus.UtteranceAborted) {
		h.mu.Lock()
		h.aborted = append(h.aborted, ev)
		h.mu.Unlock()
	}))
	lttesting.AssertNoError(t, h.bus.Subscribe(eventbus.TopicSessionClosed, func(ev eventbus.SessionClosed) {
		h.mu.Lock()
		h.closed = append(h.closed, ev)
		h.mu.Unlock()
	}))

	opts := testOptions()
	if mutate != nil {
		mutate(&opts)
	}
	h.mgr = NewManager(opts, Dependencies{
		Stages: pipeline.Stages{Recognizer: h.rec, Translator: h.mt, Synthesizer: h.tts},
		Bus:    h.bus,
		Tokens: h.tokens,
		Logger: logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = h.mgr.CloseAll(ctx, "test_done")
	})
	return h
}

func (h *harness) deliveredCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.delivered)
}

func (h *harness) abortedEvents() []eventbus.UtteranceAborted {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]eventbus.UtteranceAborted(nil), h.aborted...)
}

func (h *harness) closedEvents() []eventbus.SessionClosed {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]eventbus.SessionClosed(nil), h.closed...)
}

// client drives one channel the way a browser would.
type client struct {
	t   *testing.T
	ch  *fakeChannel
	seq uint32
	ts  time.Duration
}

func (h *harness) connect(t *testing.T) (*Session, *client) {
	t.Helper()
	ch := newFakeChannel()
	s, err := h.mgr.Open(ch, "user-1")
	lttesting.AssertNoError(t, err)
	return s, &client{t: t, ch: ch}
}

// start sends session.start and returns the resume token.
func (c *client) start() string {
	c.t.Helper()
	c.ch.inbound <- protocol.SessionStart{SourceLang: "en", TargetLang: "fr"}
	ev := c.waitFor(func(evs []protocol.Event) bool { return countType(evs, protocol.TypeSessionStarted) > 0 }, "session.started")
	for _, e := range ev {
		if st, ok := e.(protocol.SessionStarted); ok {
			return st.ResumeToken
		}
	}
	return ""
}

func (c *client) frame(pcm []byte) {
	c.seq++
	c.ts += 20 * time.Millisecond
	c.ch.inbound <- protocol.AudioFrame{Seq: c.seq, Timestamp: c.ts, PCM: pcm}
}

// speak sends n loud frames followed by enough silence to end the segment.
func (c *client) speak(n int) {
	for i := 0; i < n; i++ {
		c.frame(loudFrame())
	}
	c.frame(silentFrame())
	c.frame(silentFrame())
}

func (c *client) waitFor(cond func([]protocol.Event) bool, msg string) []protocol.Event {
	c.t.Helper()
	var evs []protocol.Event
	lttesting.Eventually(c.t, waitTimeout, func() bool {
		evs = c.ch.events()
		return cond(evs)
	}, msg)
	return evs
}

// 20ms of 16kHz mono PCM.
func loudFrame() []byte {
	buf := make([]byte, 640)
	for i := 0; i < 320; i++ {
		v := int16(8000)
		if i%2 == 1 {
			v = -8000
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func silentFrame() []byte {
	return make([]byte, 640)
}

func countType(evs []protocol.Event, typ string) int {
	n := 0
	for _, ev := range evs {
		if ev.Type() == typ {
			n++
		}
	}
	return n
}

func completed(evs []protocol.Event) []uint64 {
	var ids []uint64
	for _, ev := range evs {
		if c, ok := ev.(protocol.TTSComplete); ok {
			ids = append(ids, c.UtteranceID)
		}
	}
	return ids
}

func errorsFor(evs []protocol.Event, id uint64) []protocol.ErrorEvent {
	var out []protocol.ErrorEvent
	for _, ev := range evs {
		if e, ok := ev.(protocol.ErrorEvent); ok && e.UtteranceID == id {
			out = append(out, e)
		}
	}
	return out
}

// checkDelivery asserts the ordering guarantees over a wire transcript:
// utterance ids never go backwards, chunk seqs run 0,1,2.. per utterance and
// each utterance ends exactly once.
func checkDelivery(t *testing.T, evs []protocol.Event) {
	t.Helper()
	var last uint64
	nextSeq := map[uint64]uint32{}
	terminal := map[uint64]int{}
	for i, ev := range evs {
		id := protocol.UtteranceOf(ev)
		if id == 0 {
			continue
		}
		if id < last {
			t.Fatalf("event %d (%s) for utterance %d after utterance %d", i, ev.Type(), id, last)
		}
		last = id
		switch e := ev.(type) {
		case protocol.TTSChunk:
			if e.Seq != nextSeq[id] {
				t.Fatalf("utterance %d chunk seq %d, want %d", id, e.Seq, nextSeq[id])
			}
			nextSeq[id]++
		case protocol.TTSComplete, protocol.ErrorEvent:
			terminal[id]++
			if terminal[id] > 1 {
				t.Fatalf("utterance %d reached a terminal event twice", id)
			}
		default:
			if terminal[id] > 0 {
				t.Fatalf("utterance %d emitted %s after its terminal event", id, ev.Type())
			}
		}
	}
}

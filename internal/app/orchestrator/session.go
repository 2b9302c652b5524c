package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"lumatalk-server/internal/domain/auth"
	"lumatalk-server/internal/domain/eventbus"
	"lumatalk-server/internal/domain/pipeline"
	"lumatalk-server/internal/domain/protocol"
	"lumatalk-server/internal/domain/vad"
	"lumatalk-server/internal/platform/logging"
	"lumatalk-server/internal/platform/observability"
)

var (
	errTransportLost   = errors.New(string(pipeline.KindTransportLost))
	errChannelReplaced = errors.New("replaced by a newer connection")
)

const inboxSize = 256

// Session is one translation session. A single goroutine (run) owns every
// field below the divider; other goroutines talk to it through inbox,
// attachCh and stopCh.
type Session struct {
	id     string
	userID string
	opts   Options
	stages pipeline.Stages
	bus    *eventbus.Bus
	tokens *auth.Tokens
	logger *logging.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	onClose func(*Session)

	state    atomic.Value // pipeline.SessionState
	inbox    chan message
	attachCh chan attachRequest
	stopCh   chan string
	done     chan struct{}
	stopOnce sync.Once

	// ----

	phase       pipeline.SessionState
	channel     Channel
	sourceLang  string
	targetLang  string
	voice       string
	opened      bool
	closeReason string

	gate       *vad.Gate
	preroll    [][]byte
	discarding bool
	lastSeq    uint32
	haveSeq    bool

	nextID     uint64
	cursor     uint64
	utterances map[uint64]*utterance
	capturing  *utterance
	waiting    []*utterance
	running    int
	draining   bool

	pending     []protocol.Event
	undelivered map[uint64]eventbus.UtteranceDelivered
	graceTimer  *time.Timer
	graceGen    uint64

	delivered int
	aborted   int
}

func newSession(id, userID string, ch Channel, opts Options, deps Dependencies, onClose func(*Session)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          id,
		userID:      userID,
		opts:        opts,
		stages:      deps.Stages,
		bus:         deps.Bus,
		tokens:      deps.Tokens,
		logger:      deps.Logger,
		ctx:         ctx,
		cancel:      cancel,
		onClose:     onClose,
		inbox:       make(chan message, inboxSize),
		attachCh:    make(chan attachRequest),
		stopCh:      make(chan string, 1),
		done:        make(chan struct{}),
		channel:     ch,
		voice:       opts.DefaultVoice,
		gate:        vad.NewGate(opts.VAD, deps.Logger),
		nextID:      1,
		cursor:      1,
		utterances:  make(map[uint64]*utterance),
		undelivered: make(map[uint64]eventbus.UtteranceDelivered),
	}
	s.setPhase(pipeline.SessionConnecting)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) UserID() string { return s.userID }

// State is safe to call from any goroutine.
func (s *Session) State() pipeline.SessionState {
	if v, ok := s.state.Load().(pipeline.SessionState); ok {
		return v
	}
	return pipeline.SessionConnecting
}

// Done closes after the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop ends the session as if the client had sent session.end.
func (s *Session) Stop(reason string) {
	s.stopOnce.Do(func() {
		select {
		case s.stopCh <- reason:
		case <-s.done:
		}
	})
}

// attach hands a new channel to the loop and waits for the verdict.
func (s *Session) attach(ch Channel) error {
	req := attachRequest{ch: ch, result: make(chan error, 1)}
	select {
	case s.attachCh <- req:
	case <-s.done:
		return ErrSessionClosed
	}
	select {
	case err := <-req.result:
		return err
	case <-s.done:
		select {
		case err := <-req.result:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

// post delivers a stage message to the loop. It gives up once the session is
// gone.
func (s *Session) post(m message) bool {
	select {
	case s.inbox <- m:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) setPhase(p pipeline.SessionState) {
	s.phase = p
	s.state.Store(p)
}

func (s *Session) run() {
	defer s.teardown()
	s.logger.InfoTag("Session", "%s opened for user %q", s.id, s.userID)

	for s.phase != pipeline.SessionClosed {
		var (
			inbound <-chan protocol.Inbound
			lost    <-chan struct{}
		)
		if s.channel != nil {
			inbound = s.channel.Inbound()
			lost = s.channel.Done()
		}

		select {
		case msg, ok := <-inbound:
			if !ok {
				s.transportLost()
				continue
			}
			s.handleInbound(msg)
		case <-lost:
			s.drainInbound()
			if s.channel != nil && s.phase != pipeline.SessionClosed {
				s.transportLost()
			}
		case m := <-s.inbox:
			s.handleMessage(m)
		case req := <-s.attachCh:
			req.result <- s.handleAttach(req.ch)
		case reason := <-s.stopCh:
			s.shutdown(reason)
		}
	}
}

// drainInbound consumes whatever the dead channel decoded before it went away,
// so a trailing session.end is not mistaken for a transport loss.
func (s *Session) drainInbound() {
	ch := s.channel
	for ch != nil && s.channel == ch && s.phase != pipeline.SessionClosed {
		select {
		case msg, ok := <-ch.Inbound():
			if !ok {
				return
			}
			s.handleInbound(msg)
		default:
			return
		}
	}
}

func (s *Session) teardown() {
	s.stopGrace()
	s.draining = true
	for _, u := range s.utterances {
		if !u.state.Terminal() {
			s.abort(u, pipeline.KindCancelled, "session closed")
		}
	}
	if s.channel != nil {
		_ = s.channel.Close(nil)
		s.channel = nil
	}
	s.cancel()
	s.setPhase(pipeline.SessionClosed)

	if s.opened {
		s.bus.PublishAsync(eventbus.TopicSessionClosed, eventbus.SessionClosed{
			SessionID: s.id,
			Reason:    s.closeReason,
			Delivered: s.delivered,
			Aborted:   s.aborted,
			EndedAt:   time.Now(),
		})
	}
	observability.RecordMetric(context.Background(), "session.closed", 1, map[string]string{"reason": s.closeReason})
	s.logger.InfoTag("Session", "%s closed (%s): %d delivered, %d aborted", s.id, s.closeReason, s.delivered, s.aborted)

	if s.onClose != nil {
		s.onClose(s)
	}
	close(s.done)
}

func (s *Session) handleInbound(msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.AudioFrame:
		s.handleAudio(m)
	case protocol.SessionStart:
		s.handleStart(m)
	case protocol.SessionUpdate:
		s.applyLanguages(m.SourceLang, m.TargetLang, m.Voice)
	case protocol.SessionEnd:
		reason := m.Reason
		if reason == "" {
			reason = "client_end"
		}
		s.shutdown(reason)
	case protocol.SessionReset:
		s.reset()
	case protocol.UtteranceCancel:
		s.cancelUtterance(m.UtteranceID)
	case protocol.Ping:
		s.sendControl(protocol.Pong{})
	case protocol.Opaque:
		s.logger.DebugTag("Session", "%s ignoring %s (%d bytes)", s.id, m.Kind, len(m.Raw))
	default:
		s.logger.WarnTag("Session", "%s unexpected inbound %T", s.id, msg)
	}
}

func (s *Session) handleMessage(m message) {
	if g, ok := m.(graceExpired); ok {
		if g.gen == s.graceGen && s.phase == pipeline.SessionReconnecting {
			s.expire("reconnect grace elapsed")
		}
		return
	}

	var id uint64
	switch v := m.(type) {
	case transcriptMsg:
		id = v.id
	case recognitionEnded:
		id = v.id
	case translationDone:
		id = v.id
	case translationRetry:
		id = v.id
	case synthesisChunk:
		id = v.id
	case synthesisEnded:
		id = v.id
	case deadlineMsg:
		id = v.id
	}
	u, ok := s.utterances[id]
	if !ok || u.state.Terminal() {
		return
	}

	switch v := m.(type) {
	case transcriptMsg:
		s.handleTranscript(u, v.ev)
	case recognitionEnded:
		s.handleRecognitionEnded(u, v.err)
	case translationDone:
		s.handleTranslation(u, v)
	case translationRetry:
		s.handleTranslationRetry(u, v)
	case synthesisChunk:
		s.handleSynthesisChunk(u, v.data)
	case synthesisEnded:
		s.handleSynthesisEnded(u, v.err)
	case deadlineMsg:
		s.handleDeadline(u, v)
	}
}

func (s *Session) handleStart(m protocol.SessionStart) {
	s.applyLanguages(m.SourceLang, m.TargetLang, m.Voice)

	var token string
	if s.tokens != nil {
		t, err := s.tokens.IssueResumeToken(s.id, s.userID)
		if err != nil {
			s.logger.ErrorTag("Session", "%s issue resume token: %v", s.id, err)
		}
		token = t
	}

	first := s.phase == pipeline.SessionConnecting
	s.setPhase(pipeline.SessionActive)
	s.sendControl(protocol.SessionStarted{
		SessionID:   s.id,
		ResumeToken: token,
		SourceLang:  s.sourceLang,
		TargetLang:  s.targetLang,
	})
	if !first {
		return
	}
	s.opened = true
	s.bus.PublishAsync(eventbus.TopicSessionOpened, eventbus.SessionOpened{
		SessionID:  s.id,
		UserID:     s.userID,
		SourceLang: s.sourceLang,
		TargetLang: s.targetLang,
		Voice:      s.voice,
		StartedAt:  time.Now(),
	})
	observability.RecordMetric(s.ctx, "session.started", 1, nil)
	s.logger.InfoTag("Session", "%s started %s -> %s", s.id, s.sourceLang, s.targetLang)
}

// applyLanguages changes settings for utterances that start later.
func (s *Session) applyLanguages(source, target, voice string) {
	if source != "" {
		s.sourceLang = source
	}
	if target != "" {
		s.targetLang = target
	}
	if voice != "" {
		s.voice = voice
	}
}

func (s *Session) handleAudio(f protocol.AudioFrame) {
	if s.phase != pipeline.SessionActive {
		return
	}
	if s.haveSeq && f.Seq <= s.lastSeq {
		s.logger.DebugTag("Session", "%s dropping stale audio frame seq=%d (last %d)", s.id, f.Seq, s.lastSeq)
		return
	}
	s.haveSeq = true
	s.lastSeq = f.Seq

	switch s.gate.Process(f.PCM, f.Timestamp) {
	case vad.Silence:
		s.discarding = false
		s.remember(f.PCM)
	case vad.Speech:
		if s.discarding {
			return
		}
		if s.capturing == nil {
			frames := append(s.preroll, f.PCM)
			s.preroll = nil
			s.beginUtterance(frames)
			return
		}
		s.appendAudio(s.capturing, f.PCM)
	case vad.SegmentEnd:
		if s.discarding {
			s.discarding = false
			return
		}
		if u := s.capturing; u != nil {
			s.endSegment(u)
		}
	}
}

func (s *Session) remember(pcm []byte) {
	if s.opts.PreRollFrames == 0 {
		return
	}
	s.preroll = append(s.preroll, pcm)
	if len(s.preroll) > s.opts.PreRollFrames {
		s.preroll[0] = nil
		s.preroll = s.preroll[1:]
	}
}

func (s *Session) beginUtterance(frames [][]byte) {
	id := s.nextID
	s.nextID++
	ctx, cancel := context.WithCancel(s.ctx)
	u := &utterance{
		id:         id,
		state:      pipeline.StateCapturing,
		createdAt:  time.Now(),
		sourceLang: s.sourceLang,
		targetLang: s.targetLang,
		voice:      s.voice,
		ctx:        ctx,
		cancel:     cancel,
		audio:      newAudioBuffer(s.opts.MaxBufferedAudio),
	}
	s.utterances[id] = u
	s.capturing = u
	s.logger.DebugTag("Session", "%s utterance %d speech onset", s.id, id)

	if !s.admit(u) {
		return
	}
	for _, pcm := range frames {
		if !s.appendAudio(u, pcm) {
			return
		}
	}
}

func (s *Session) cancelUtterance(id uint64) {
	u, ok := s.utterances[id]
	if !ok || u.state.Terminal() {
		s.logger.DebugTag("Session", "%s cancel for unknown or finished utterance %d", s.id, id)
		return
	}
	s.abort(u, pipeline.KindCancelled, "cancelled by client")
}

// abortAll aborts every non-terminal utterance in id order.
func (s *Session) abortAll(kind pipeline.ErrorKind, msg string) {
	s.draining = true
	for id := s.cursor; id < s.nextID; id++ {
		if u, ok := s.utterances[id]; ok && !u.state.Terminal() {
			s.abort(u, kind, msg)
		}
	}
	s.waiting = nil
	s.draining = false
}

func (s *Session) reset() {
	s.abortAll(pipeline.KindCancelled, "session reset")
	s.gate.Reset()
	s.preroll = nil
	s.discarding = false
	s.logger.InfoTag("Session", "%s reset", s.id)
}

// shutdown is the graceful end: session.end or server stop.
func (s *Session) shutdown(reason string) {
	if s.phase == pipeline.SessionClosed {
		return
	}
	s.abortAll(pipeline.KindCancelled, "session ended")
	s.sendControl(protocol.SessionEnded{Reason: reason})
	s.closeReason = reason
	s.setPhase(pipeline.SessionClosed)
}

// expire closes a session that lost its client for good.
func (s *Session) expire(reason string) {
	if s.phase == pipeline.SessionClosed {
		return
	}
	s.setPhase(pipeline.SessionClosed)
	s.closeReason = string(pipeline.KindSessionExpired)
	s.logger.WarnTag("Session", "%s expired: %s", s.id, reason)
	s.abortAll(pipeline.KindSessionExpired, reason)
	s.pending = nil
}

func (s *Session) transportLost() {
	ch := s.channel
	s.channel = nil
	if ch != nil {
		unsent := ch.Close(errTransportLost)
		if len(unsent) > 0 {
			s.pending = append(unsent, s.pending...)
		}
	}

	switch s.phase {
	case pipeline.SessionConnecting:
		s.closeReason = string(pipeline.KindTransportLost)
		s.setPhase(pipeline.SessionClosed)
		return
	case pipeline.SessionActive:
	default:
		return
	}

	s.setPhase(pipeline.SessionReconnecting)
	if u := s.capturing; u != nil {
		s.endSegment(u)
	}
	s.gate.Reset()
	s.preroll = nil
	s.discarding = false
	s.armGrace()
	observability.RecordMetric(s.ctx, "session.transport_lost", 1, nil)
	s.logger.InfoTag("Session", "%s transport lost, holding %d events for %s", s.id, len(s.pending), s.opts.ReconnectGrace)

	if len(s.pending) > s.opts.MaxPendingEvents {
		s.expire("pending event backlog exceeded while reconnecting")
	}
}

func (s *Session) handleAttach(ch Channel) error {
	switch s.phase {
	case pipeline.SessionClosed:
		return ErrSessionClosed
	case pipeline.SessionConnecting:
		return ErrResumeRejected
	}

	if old := s.channel; old != nil {
		unsent := old.Close(errChannelReplaced)
		if len(unsent) > 0 {
			s.pending = append(unsent, s.pending...)
		}
	}
	s.channel = ch
	s.stopGrace()
	s.setPhase(pipeline.SessionActive)
	s.haveSeq = false

	s.logger.InfoTag("Session", "%s resumed, replaying %d events", s.id, len(s.pending))
	s.sendControl(protocol.SessionResumed{SessionID: s.id, NextUtteranceID: s.nextID})
	if s.channel == ch {
		s.flushPending()
	}
	return nil
}

func (s *Session) armGrace() {
	s.stopGrace()
	gen := s.graceGen
	s.graceTimer = time.AfterFunc(s.opts.ReconnectGrace, func() { s.post(graceExpired{gen: gen}) })
}

func (s *Session) stopGrace() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.graceGen++
}

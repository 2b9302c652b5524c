package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"lumatalk-server/internal/domain/eventbus"
	"lumatalk-server/internal/domain/pipeline"
	"lumatalk-server/internal/domain/protocol"
	"lumatalk-server/internal/platform/observability"
)

// ---- ASR ----

func (s *Session) startRecognition(u *utterance) {
	s.running++
	u.started = true
	req := pipeline.RecognitionRequest{
		UtteranceID: u.id,
		Language:    u.sourceLang,
		SampleRate:  s.opts.SampleRate,
		Channels:    s.opts.Channels,
	}
	go s.recognize(u.ctx, u.id, req, u.audio)
	if u.segmentEnded {
		s.armDeadline(u, pipeline.StageASR, s.opts.ASRFinalTimeout)
	}
	s.logger.DebugTag("Session", "%s utterance %d recognition started (running %d)", s.id, u.id, s.running)
}

// recognize feeds buffered audio into one recognition stream and relays its
// transcripts. It never touches utterance state.
func (s *Session) recognize(ctx context.Context, id uint64, req pipeline.RecognitionRequest, audio *audioBuffer) {
	stream, err := s.stages.Recognizer.Open(ctx, req)
	if err != nil {
		s.post(recognitionEnded{id: id, err: err})
		return
	}

	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		for {
			ev, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				s.post(recognitionEnded{id: id, err: err})
				return
			}
			if !s.post(transcriptMsg{id: id, ev: ev}) {
				return
			}
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
		case <-recvDone:
		}
		_ = stream.Close()
	}()

	for {
		pcm, ok := audio.Pop(ctx)
		if !ok {
			break
		}
		if err := stream.SendAudio(ctx, pcm); err != nil {
			if ctx.Err() == nil && !isDone(recvDone) {
				s.post(recognitionEnded{id: id, err: pipeline.Retryable(pipeline.StageASR, err)})
			}
			return
		}
	}
	if ctx.Err() != nil || isDone(recvDone) {
		return
	}
	if err := stream.CloseSend(); err != nil {
		s.post(recognitionEnded{id: id, err: err})
	}
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (s *Session) handleTranscript(u *utterance, ev pipeline.TranscriptEvent) {
	if u.state != pipeline.StateCapturing && u.state != pipeline.StateRecognizing {
		return
	}
	text := strings.TrimSpace(ev.Text)
	if ev.Final && u.state == pipeline.StateRecognizing {
		s.finalize(u, text)
		return
	}
	// A final that arrives while audio is still being captured is kept as
	// the latest hypothesis; the segment end promotes it.
	if text == "" {
		return
	}
	u.partial = text
	s.emit(u, protocol.ASRPartial{UtteranceID: u.id, Text: text})
}

func (s *Session) handleRecognitionEnded(u *utterance, err error) {
	if u.state != pipeline.StateCapturing && u.state != pipeline.StateRecognizing {
		return
	}
	if err != nil {
		if u.asrDone {
			// 识别已正常结束，之后的发送失败不影响结果
			s.logger.DebugTag("Session", "%s utterance %d ignoring error after recognition ended: %v", s.id, u.id, err)
			return
		}
		s.logger.WarnTag("Session", "%s utterance %d recognition failed: %v", s.id, u.id, err)
		s.abort(u, pipeline.KindRecognitionFailed, err.Error())
		return
	}
	if u.state == pipeline.StateRecognizing {
		s.finalize(u, u.partial)
		return
	}
	// Still capturing: the rest of the segment has nowhere to go.
	u.asrDone = true
	u.audio.CloseInput()
}

// endSegment closes capture for u. Audio already buffered still reaches the
// recognizer.
func (s *Session) endSegment(u *utterance) {
	if s.capturing == u {
		s.capturing = nil
	}
	u.state = pipeline.StateRecognizing
	u.segmentEnded = true
	u.audio.CloseInput()
	if !u.started {
		return
	}
	if u.asrDone {
		s.finalize(u, u.partial)
		return
	}
	s.armDeadline(u, pipeline.StageASR, s.opts.ASRFinalTimeout)
}

func (s *Session) finalize(u *utterance, text string) {
	u.disarm()
	u.sourceText = strings.TrimSpace(text)
	s.emit(u, protocol.ASRFinal{UtteranceID: u.id, Text: u.sourceText})
	if u.sourceText == "" {
		s.abort(u, pipeline.KindNoSpeech, "no speech recognized")
		return
	}
	u.state = pipeline.StateTranslating
	s.translate(u, 1)
}

// ---- MT ----

func (s *Session) translate(u *utterance, attempt int) {
	u.mtAttempt = attempt
	req := pipeline.TranslationRequest{
		UtteranceID: u.id,
		Text:        u.sourceText,
		SourceLang:  u.sourceLang,
		TargetLang:  u.targetLang,
	}
	ctx, cancel := context.WithTimeout(u.ctx, s.opts.MTTimeout)
	id := u.id
	go func() {
		defer cancel()
		res, err := s.stages.Translator.Translate(ctx, req)
		s.post(translationDone{id: id, attempt: attempt, res: res, err: err})
	}()
}

func (s *Session) handleTranslation(u *utterance, m translationDone) {
	if u.state != pipeline.StateTranslating || m.attempt != u.mtAttempt {
		return
	}
	if m.err != nil {
		if pipeline.IsRetryable(m.err) && m.attempt <= s.opts.MTMaxRetries {
			delay := s.opts.mtBackoff(m.attempt)
			s.logger.WarnTag("Session", "%s utterance %d translation attempt %d failed, retrying in %s: %v",
				s.id, u.id, m.attempt, delay, m.err)
			id, next := u.id, m.attempt+1
			u.schedule(delay, func(uint64) { s.post(translationRetry{id: id, attempt: next}) })
			return
		}
		kind := pipeline.KindTranslationFailed
		if errors.Is(m.err, context.DeadlineExceeded) {
			kind = pipeline.KindStageTimeout
		}
		s.logger.WarnTag("Session", "%s utterance %d translation failed after %d attempts: %v", s.id, u.id, m.attempt, m.err)
		s.abort(u, kind, m.err.Error())
		return
	}

	u.disarm()
	u.translatedText = m.res.TranslatedText
	u.confidence = m.res.Confidence
	if math.IsNaN(u.confidence) || math.IsInf(u.confidence, 0) {
		u.confidence = 0
	}
	u.state = pipeline.StateSynthesizing
	s.emit(u, protocol.MTResult{
		UtteranceID:    u.id,
		TranslatedText: m.res.TranslatedText,
		SourceLang:     firstNonEmpty(m.res.SourceLang, u.sourceLang),
		TargetLang:     firstNonEmpty(m.res.TargetLang, u.targetLang),
		Confidence:     u.confidence,
	})
	s.synthesize(u)
}

func (s *Session) handleTranslationRetry(u *utterance, m translationRetry) {
	if u.state != pipeline.StateTranslating || m.attempt != u.mtAttempt+1 {
		return
	}
	s.translate(u, m.attempt)
}

// ---- TTS ----

func (s *Session) synthesize(u *utterance) {
	if strings.TrimSpace(u.translatedText) == "" {
		s.complete(u)
		return
	}
	req := pipeline.SynthesisRequest{
		UtteranceID: u.id,
		Text:        u.translatedText,
		Language:    u.targetLang,
		Voice:       u.voice,
	}
	s.armDeadline(u, pipeline.StageTTS, s.opts.TTSFirstChunkTimeout)
	go s.runSynthesis(u.ctx, u.id, req)
}

func (s *Session) runSynthesis(ctx context.Context, id uint64, req pipeline.SynthesisRequest) {
	stream, err := s.stages.Synthesizer.Synthesize(ctx, req)
	if err != nil {
		s.post(synthesisEnded{id: id, err: err})
		return
	}
	recvDone := make(chan struct{})
	defer close(recvDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-recvDone:
		}
		_ = stream.Close()
	}()

	for {
		data, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			s.post(synthesisEnded{id: id, err: err})
			return
		}
		if len(data) == 0 {
			continue
		}
		if !s.post(synthesisChunk{id: id, data: data}) {
			return
		}
	}
}

func (s *Session) handleSynthesisChunk(u *utterance, data []byte) {
	if u.state != pipeline.StateSynthesizing {
		return
	}
	s.armDeadline(u, pipeline.StageTTS, s.opts.TTSIdleTimeout)
	for len(data) > 0 {
		n := len(data)
		if n > s.opts.MaxChunkBytes {
			n = s.opts.MaxChunkBytes
		}
		s.emit(u, protocol.TTSChunk{UtteranceID: u.id, Seq: u.seq, Data: data[:n]})
		u.seq++
		u.chunks++
		u.ttsBytes += n
		data = data[n:]
	}
}

func (s *Session) handleSynthesisEnded(u *utterance, err error) {
	if u.state != pipeline.StateSynthesizing {
		return
	}
	if err != nil {
		s.logger.WarnTag("Session", "%s utterance %d synthesis failed: %v", s.id, u.id, err)
		s.abort(u, pipeline.KindSynthesisFailed, err.Error())
		return
	}
	s.complete(u)
}

// ---- terminal transitions ----

func (s *Session) complete(u *utterance) {
	u.state = pipeline.StateDelivered
	s.undelivered[u.id] = eventbus.UtteranceDelivered{
		SessionID:      s.id,
		UtteranceID:    u.id,
		SourceText:     u.sourceText,
		TranslatedText: u.translatedText,
		SourceLang:     u.sourceLang,
		TargetLang:     u.targetLang,
		Confidence:     u.confidence,
		AudioChunks:    u.chunks,
		AudioBytes:     u.ttsBytes,
	}
	observability.RecordMetric(s.ctx, "utterance.latency_ms", float64(time.Since(u.createdAt).Milliseconds()), map[string]string{
		"session": s.id,
	})
	s.emit(u, protocol.TTSComplete{UtteranceID: u.id, Chunks: u.chunks})
	s.logger.DebugTag("Session", "%s utterance %d synthesized %d chunks", s.id, u.id, u.chunks)
	s.finish(u)
}

func (s *Session) abort(u *utterance, kind pipeline.ErrorKind, msg string) {
	if u.state.Terminal() {
		return
	}
	u.state = pipeline.StateAborted
	s.aborted++
	s.emit(u, protocol.ErrorEvent{UtteranceID: u.id, Kind: kind, Message: msg})
	s.bus.PublishAsync(eventbus.TopicUtteranceAborted, eventbus.UtteranceAborted{
		SessionID:   s.id,
		UtteranceID: u.id,
		Kind:        string(kind),
		Message:     msg,
		AbortedAt:   time.Now(),
	})
	observability.RecordMetric(s.ctx, "utterance.aborted", 1, map[string]string{"kind": string(kind)})
	s.logger.InfoTag("Session", "%s utterance %d aborted: %s (%s)", s.id, u.id, kind, msg)
	s.finish(u)
}

// finish releases everything a terminal utterance holds and moves the
// cursor.
func (s *Session) finish(u *utterance) {
	u.cancel()
	u.disarm()
	u.audio.CloseInput()
	if s.capturing == u {
		s.capturing = nil
		s.discarding = s.gate.InSegment()
	}
	if u.started {
		s.running--
	} else {
		s.removeWaiting(u)
	}
	s.pump()
	s.advance()
}

// admit starts u or queues it behind the in-flight limit.
func (s *Session) admit(u *utterance) bool {
	if s.running < s.opts.InFlightLimit {
		s.startRecognition(u)
		return true
	}
	if len(s.waiting) >= s.opts.MaxPendingUtterances {
		s.abort(u, pipeline.KindStageOverloaded,
			fmt.Sprintf("%d utterances already waiting", len(s.waiting)))
		return false
	}
	s.waiting = append(s.waiting, u)
	s.logger.DebugTag("Session", "%s utterance %d waiting (%d queued)", s.id, u.id, len(s.waiting))
	return true
}

func (s *Session) pump() {
	if s.draining {
		return
	}
	for s.running < s.opts.InFlightLimit && len(s.waiting) > 0 {
		u := s.waiting[0]
		s.waiting[0] = nil
		s.waiting = s.waiting[1:]
		s.startRecognition(u)
	}
}

func (s *Session) removeWaiting(u *utterance) {
	for i, w := range s.waiting {
		if w == u {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			return
		}
	}
}

func (s *Session) appendAudio(u *utterance, pcm []byte) bool {
	if !u.audio.Push(pcm) {
		s.abort(u, pipeline.KindStageOverloaded,
			fmt.Sprintf("buffered audio exceeds %d bytes", s.opts.MaxBufferedAudio))
		return false
	}
	u.audioBytes += len(pcm)
	return true
}

func (s *Session) armDeadline(u *utterance, stage pipeline.Stage, d time.Duration) {
	id := u.id
	u.schedule(d, func(gen uint64) { s.post(deadlineMsg{id: id, stage: stage, gen: gen}) })
}

func (s *Session) handleDeadline(u *utterance, m deadlineMsg) {
	if u.state.Terminal() || m.gen != u.timerGen {
		return
	}
	var msg string
	switch m.stage {
	case pipeline.StageASR:
		msg = fmt.Sprintf("no final transcript within %s", s.opts.ASRFinalTimeout)
	case pipeline.StageTTS:
		if u.chunks == 0 {
			msg = fmt.Sprintf("no audio within %s", s.opts.TTSFirstChunkTimeout)
		} else {
			msg = fmt.Sprintf("synthesis stalled for %s", s.opts.TTSIdleTimeout)
		}
	default:
		msg = fmt.Sprintf("%s stage timed out", m.stage)
	}
	s.logger.WarnTag("Session", "%s utterance %d: %s", s.id, u.id, msg)
	s.abort(u, pipeline.KindStageTimeout, msg)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

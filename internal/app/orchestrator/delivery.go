package orchestrator

import (
	"time"

	"lumatalk-server/internal/domain/eventbus"
	"lumatalk-server/internal/domain/pipeline"
	"lumatalk-server/internal/domain/protocol"
	"lumatalk-server/internal/platform/observability"
)

// emit routes an utterance event. The cursor utterance writes through; later
// utterances buffer in their outbox, where a newer partial replaces an older
// one still waiting at the tail.
func (s *Session) emit(u *utterance, ev protocol.Event) {
	if u.id == s.cursor {
		s.deliver(ev)
		return
	}
	if p, ok := ev.(protocol.ASRPartial); ok {
		if n := len(u.outbox); n > 0 {
			if _, ok := u.outbox[n-1].(protocol.ASRPartial); ok {
				u.outbox[n-1] = p
				return
			}
		}
	}
	u.outbox = append(u.outbox, ev)
}

// advance moves the cursor past terminal utterances, flushing each outbox in
// id order, and stops at the first utterance still in progress.
func (s *Session) advance() {
	for s.cursor < s.nextID {
		id := s.cursor
		u, ok := s.utterances[id]
		if !ok {
			s.cursor++
			continue
		}
		if len(u.outbox) > 0 {
			out := u.outbox
			u.outbox = nil
			for _, ev := range out {
				s.deliver(ev)
			}
		}
		if s.cursor != id {
			continue
		}
		if !u.state.Terminal() {
			return
		}
		delete(s.utterances, id)
		s.cursor++
	}
}

// deliver hands an event to the live channel, or keeps it for the next one.
func (s *Session) deliver(ev protocol.Event) {
	if s.channel != nil && s.phase == pipeline.SessionActive {
		err := s.channel.Send(ev)
		if err == nil {
			s.handedOff(ev)
			return
		}
		s.logger.WarnTag("Session", "%s channel refused %s: %v", s.id, ev.Type(), err)
		s.pending = append(s.pending, ev)
		s.transportLost()
		return
	}
	s.pending = append(s.pending, ev)
	if s.phase == pipeline.SessionReconnecting && len(s.pending) > s.opts.MaxPendingEvents {
		s.expire("pending event backlog exceeded while reconnecting")
	}
}

// sendControl writes a session-level event. Control events are not replayed.
func (s *Session) sendControl(ev protocol.Event) {
	if s.channel == nil {
		return
	}
	if err := s.channel.Send(ev); err != nil {
		s.logger.WarnTag("Session", "%s channel refused %s: %v", s.id, ev.Type(), err)
		s.transportLost()
	}
}

// flushPending replays kept events onto a freshly attached channel.
func (s *Session) flushPending() {
	pending := s.pending
	s.pending = nil
	for i, ev := range pending {
		if err := s.channel.Send(ev); err != nil {
			s.pending = append(pending[i:len(pending):len(pending)], s.pending...)
			s.transportLost()
			return
		}
		s.handedOff(ev)
	}
}

// handedOff publishes utterance:delivered the first time an utterance's
// tts.complete reaches a live channel.
func (s *Session) handedOff(ev protocol.Event) {
	c, ok := ev.(protocol.TTSComplete)
	if !ok {
		return
	}
	rec, ok := s.undelivered[c.UtteranceID]
	if !ok {
		return
	}
	delete(s.undelivered, c.UtteranceID)
	s.delivered++
	rec.DeliveredAt = time.Now()
	s.bus.PublishAsync(eventbus.TopicUtteranceDelivered, rec)
	observability.RecordMetric(s.ctx, "utterance.delivered", 1, nil)
}

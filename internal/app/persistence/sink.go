package persistence

import (
	"context"
	"fmt"
	"time"

	"lumatalk-server/internal/domain/eventbus"
	"lumatalk-server/internal/domain/transcript"
	"lumatalk-server/internal/platform/logging"
	"lumatalk-server/internal/util/work"
)

// Session lifecycle records are written ahead of utterances queued at the same time.
const (
	priorityOpened    = 2
	priorityDelivered = 1
	priorityClosed    = 0
)

type Options struct {
	Workers    int
	MaxRetries int
	Backoff    time.Duration
}

type jobKind int

const (
	jobOpened jobKind = iota
	jobDelivered
	jobClosed
)

type job struct {
	kind      jobKind
	opened    eventbus.SessionOpened
	delivered eventbus.UtteranceDelivered
	closed    eventbus.SessionClosed
}

// Sink writes session lifecycle and delivered utterances from the event bus
// into the transcript store. It never feeds back into the pipeline.
type Sink struct {
	store  transcript.Store
	bus    *eventbus.Bus
	queue  *work.WorkQueue[job]
	logger *logging.Logger

	onOpened    func(eventbus.SessionOpened)
	onDelivered func(eventbus.UtteranceDelivered)
	onClosed    func(eventbus.SessionClosed)
}

func New(store transcript.Store, bus *eventbus.Bus, opts Options, logger *logging.Logger) *Sink {
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	s := &Sink{store: store, bus: bus, logger: logger}
	s.queue = work.NewWorkQueue(s.handle, work.Options[job]{
		Workers:    opts.Workers,
		MaxRetries: opts.MaxRetries,
		Backoff:    opts.Backoff,
		MaxBackoff: 5 * time.Second,
		OnDrop: func(item *work.WorkItem[job], err error) {
			s.logger.ErrorTag("Store", "dropping %s after %d attempts: %v", item.Data.describe(), item.Retries, err)
		},
	})
	s.onOpened = func(ev eventbus.SessionOpened) { s.submit(job{kind: jobOpened, opened: ev}, priorityOpened) }
	s.onDelivered = func(ev eventbus.UtteranceDelivered) {
		s.submit(job{kind: jobDelivered, delivered: ev}, priorityDelivered)
	}
	s.onClosed = func(ev eventbus.SessionClosed) { s.submit(job{kind: jobClosed, closed: ev}, priorityClosed) }
	return s
}

// Start subscribes to the bus topics the sink persists.
func (s *Sink) Start() error {
	if err := s.bus.Subscribe(eventbus.TopicSessionOpened, s.onOpened); err != nil {
		return err
	}
	if err := s.bus.Subscribe(eventbus.TopicUtteranceDelivered, s.onDelivered); err != nil {
		return err
	}
	return s.bus.Subscribe(eventbus.TopicSessionClosed, s.onClosed)
}

// Stop unsubscribes and drains pending writes, bounded by ctx.
func (s *Sink) Stop(ctx context.Context) error {
	_ = s.bus.Unsubscribe(eventbus.TopicSessionOpened, s.onOpened)
	_ = s.bus.Unsubscribe(eventbus.TopicUtteranceDelivered, s.onDelivered)
	_ = s.bus.Unsubscribe(eventbus.TopicSessionClosed, s.onClosed)
	return s.queue.Stop(ctx)
}

func (s *Sink) Stats() work.Stats {
	return s.queue.GetStats()
}

func (s *Sink) submit(j job, priority int) {
	if err := s.queue.Submit(j, priority); err != nil {
		s.logger.WarnTag("Store", "cannot queue %s: %v", j.describe(), err)
	}
}

func (s *Sink) handle(ctx context.Context, j job) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch j.kind {
	case jobOpened:
		ev := j.opened
		return s.store.SaveSession(ctx, transcript.Session{
			ID:         ev.SessionID,
			UserID:     ev.UserID,
			SourceLang: ev.SourceLang,
			TargetLang: ev.TargetLang,
			Voice:      ev.Voice,
			State:      transcript.StateActive,
			StartedAt:  ev.StartedAt,
		})
	case jobDelivered:
		ev := j.delivered
		inserted, err := s.store.AppendUtterance(ctx, transcript.Utterance{
			SessionID:      ev.SessionID,
			UtteranceID:    ev.UtteranceID,
			SourceText:     ev.SourceText,
			TranslatedText: ev.TranslatedText,
			SourceLang:     ev.SourceLang,
			TargetLang:     ev.TargetLang,
			Confidence:     ev.Confidence,
			AudioChunks:    ev.AudioChunks,
			AudioBytes:     ev.AudioBytes,
			DeliveredAt:    ev.DeliveredAt,
		})
		if err != nil {
			return err
		}
		if !inserted {
			s.logger.DebugTag("Store", "utterance %s/%d already stored", ev.SessionID, ev.UtteranceID)
		}
		return nil
	case jobClosed:
		ev := j.closed
		// ErrNotFound is retried: the opened record may still be queued.
		return s.store.EndSession(ctx, ev.SessionID, ev.Reason, ev.EndedAt)
	default:
		return nil
	}
}

func (j job) describe() string {
	switch j.kind {
	case jobOpened:
		return fmt.Sprintf("session.opened %s", j.opened.SessionID)
	case jobDelivered:
		return fmt.Sprintf("utterance %s/%d", j.delivered.SessionID, j.delivered.UtteranceID)
	case jobClosed:
		return fmt.Sprintf("session.closed %s", j.closed.SessionID)
	default:
		return "unknown job"
	}
}

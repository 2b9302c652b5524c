package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"lumatalk-server/internal/domain/pipeline"
	"lumatalk-server/internal/platform/logging"
	"lumatalk-server/internal/platform/observability"
)

var ErrClosed = errors.New("stage pool closed")

// Config 每个阶段的并发上限，<=0 使用默认值
type Config struct {
	ASR int
	MT  int
	TTS int
}

const defaultLimit = 16

// Pool bounds concurrent stage work across all sessions in the process.
type Pool struct {
	slots  map[pipeline.Stage]*slot
	logger *logging.Logger
	closed atomic.Bool
}

type slot struct {
	sem      *semaphore.Weighted
	size     int64
	inUse    atomic.Int64
	waiting  atomic.Int64
	acquired atomic.Uint64
}

func New(cfg Config, logger *logging.Logger) *Pool {
	limit := func(n int) int64 {
		if n <= 0 {
			return defaultLimit
		}
		return int64(n)
	}
	p := &Pool{
		slots:  make(map[pipeline.Stage]*slot, 3),
		logger: logger,
	}
	for stage, n := range map[pipeline.Stage]int64{
		pipeline.StageASR: limit(cfg.ASR),
		pipeline.StageMT:  limit(cfg.MT),
		pipeline.StageTTS: limit(cfg.TTS),
	} {
		p.slots[stage] = &slot{sem: semaphore.NewWeighted(n), size: n}
	}
	logger.InfoTag("Pool", "stage pool ready asr=%d mt=%d tts=%d",
		p.slots[pipeline.StageASR].size, p.slots[pipeline.StageMT].size, p.slots[pipeline.StageTTS].size)
	return p
}

// Acquire blocks until a slot for stage is free or ctx ends. The returned
// release func is idempotent.
func (p *Pool) Acquire(ctx context.Context, stage pipeline.Stage) (func(), error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	s, ok := p.slots[stage]
	if !ok {
		return nil, fmt.Errorf("stage pool: unknown stage %q", stage)
	}

	s.waiting.Add(1)
	err := s.sem.Acquire(ctx, 1)
	s.waiting.Add(-1)
	if err != nil {
		observability.RecordMetric(ctx, "pool.acquire.cancelled", 1, map[string]string{"stage": string(stage)})
		return nil, err
	}
	s.inUse.Add(1)
	s.acquired.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.inUse.Add(-1)
			s.sem.Release(1)
		})
	}, nil
}

// TryAcquire takes a slot only if one is free right now.
func (p *Pool) TryAcquire(stage pipeline.Stage) (func(), bool) {
	if p.closed.Load() {
		return nil, false
	}
	s, ok := p.slots[stage]
	if !ok || !s.sem.TryAcquire(1) {
		return nil, false
	}
	s.inUse.Add(1)
	s.acquired.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			s.inUse.Add(-1)
			s.sem.Release(1)
		})
	}, true
}

// Stats returns per-stage size, in_use, waiting and total acquisitions.
func (p *Pool) Stats() map[string]map[string]int {
	out := make(map[string]map[string]int, len(p.slots))
	for stage, s := range p.slots {
		out[string(stage)] = map[string]int{
			"size":     int(s.size),
			"in_use":   int(s.inUse.Load()),
			"waiting":  int(s.waiting.Load()),
			"acquired": int(s.acquired.Load()),
		}
	}
	return out
}

// Close makes later Acquire calls fail. Held slots stay valid until released.
func (p *Pool) Close() {
	if p.closed.CompareAndSwap(false, true) {
		p.logger.InfoTag("Pool", "stage pool closed")
	}
}

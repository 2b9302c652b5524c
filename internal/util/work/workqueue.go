package work

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"lumatalk-server/internal/util"
)

var (
	ErrWorkQueueClosed = errors.New("work queue closed")
	ErrMaxRetries      = errors.New("max retries exceeded")
)

// WorkItem represents a work item with retry information
type WorkItem[T any] struct {
	Data       T
	Priority   int
	Retries    int
	MaxRetries int
	LastError  error
	CreatedAt  time.Time
}

// WorkHandler handles one item. Returning an error schedules a retry until
// MaxRetries is exhausted.
type WorkHandler[T any] func(ctx context.Context, item T) error

// Options tunes retries. Backoff doubles per attempt up to MaxBackoff.
type Options[T any] struct {
	Workers    int
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
	// OnDrop is called when an item exhausts its retries or is abandoned at stop.
	OnDrop func(item *WorkItem[T], err error)
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Queued    int   `json:"queued"`
	Retrying  int64 `json:"retrying"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// WorkQueue is a priority-based work queue with retry support
type WorkQueue[T any] struct {
	queue   *util.PriorityQueue[*WorkItem[T]]
	handler WorkHandler[T]
	opts    Options[T]

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool
	workers sync.WaitGroup
	// inflight counts items queued, running or waiting for a retry.
	inflight sync.WaitGroup

	retrying  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewWorkQueue creates a new work queue and starts its workers.
func NewWorkQueue[T any](handler WorkHandler[T], opts Options[T]) *WorkQueue[T] {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff < opts.Backoff {
		opts.MaxBackoff = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	wq := &WorkQueue[T]{
		queue:   util.NewPriorityQueue[*WorkItem[T]](),
		handler: handler,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		wq.workers.Add(1)
		go wq.run()
	}
	return wq
}

// Submit submits a work item using the queue's default retry budget.
func (wq *WorkQueue[T]) Submit(data T, priority int) error {
	return wq.SubmitWithRetries(data, priority, wq.opts.MaxRetries)
}

// SubmitWithRetries submits a work item with retry configuration
func (wq *WorkQueue[T]) SubmitWithRetries(data T, priority int, maxRetries int) error {
	wq.mu.RLock()
	defer wq.mu.RUnlock()
	if wq.stopped {
		return ErrWorkQueueClosed
	}

	item := &WorkItem[T]{
		Data:       data,
		Priority:   priority,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now(),
	}
	wq.inflight.Add(1)
	if err := wq.queue.PushItem(item, priority); err != nil {
		wq.inflight.Done()
		return err
	}
	return nil
}

// Stop stops accepting work and waits until queued items and pending retries
// finish or ctx expires. Items still outstanding after ctx expires are
// abandoned and reported through OnDrop.
func (wq *WorkQueue[T]) Stop(ctx context.Context) error {
	wq.mu.Lock()
	if wq.stopped {
		wq.mu.Unlock()
		return nil
	}
	wq.stopped = true
	wq.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		wq.inflight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}
	wq.cancel()
	wq.queue.Close()
	wq.workers.Wait()
	for {
		item, popErr := wq.queue.TryPop()
		if popErr != nil {
			break
		}
		wq.drop(item, ErrWorkQueueClosed)
	}
	return err
}

// IsStopped checks if the work queue is stopped
func (wq *WorkQueue[T]) IsStopped() bool {
	wq.mu.RLock()
	defer wq.mu.RUnlock()
	return wq.stopped
}

// GetStats returns queue statistics
func (wq *WorkQueue[T]) GetStats() Stats {
	return Stats{
		Queued:    wq.queue.Len(),
		Retrying:  wq.retrying.Load(),
		Processed: wq.processed.Load(),
		Failed:    wq.failed.Load(),
		Dropped:   wq.dropped.Load(),
	}
}

func (wq *WorkQueue[T]) run() {
	defer wq.workers.Done()
	for {
		item, err := wq.queue.PopItem(wq.ctx)
		if err != nil {
			return
		}
		wq.process(item)
	}
}

func (wq *WorkQueue[T]) process(item *WorkItem[T]) {
	err := wq.safeHandle(item)
	if err == nil {
		wq.processed.Add(1)
		wq.inflight.Done()
		return
	}

	wq.failed.Add(1)
	item.LastError = err
	item.Retries++
	if item.Retries > item.MaxRetries {
		wq.drop(item, errors.Join(ErrMaxRetries, err))
		return
	}

	backoff := wq.opts.Backoff << (item.Retries - 1)
	if backoff <= 0 || backoff > wq.opts.MaxBackoff {
		backoff = wq.opts.MaxBackoff
	}
	wq.retrying.Add(1)
	time.AfterFunc(backoff, func() {
		wq.retrying.Add(-1)
		if wq.ctx.Err() != nil {
			wq.drop(item, ErrWorkQueueClosed)
			return
		}
		// Retries bypass the stopped flag so Stop can drain them.
		if err := wq.queue.PushItem(item, item.Priority); err != nil {
			wq.drop(item, err)
		}
	})
}

func (wq *WorkQueue[T]) safeHandle(item *WorkItem[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("work handler panicked")
		}
	}()
	return wq.handler(wq.ctx, item.Data)
}

func (wq *WorkQueue[T]) drop(item *WorkItem[T], err error) {
	wq.dropped.Add(1)
	if wq.opts.OnDrop != nil {
		wq.opts.OnDrop(item, err)
	}
	wq.inflight.Done()
}

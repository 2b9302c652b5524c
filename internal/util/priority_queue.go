package util

import (
	"container/heap"
	"context"
	"errors"
	"sync"
)

var (
	ErrPriorityQueueClosed = errors.New("priority queue closed")
	ErrPriorityQueueEmpty  = errors.New("priority queue empty")
)

// PriorityItem represents an item with priority
type PriorityItem[T any] struct {
	Value    T
	Priority int // Higher number means higher priority
	Index    int // Used by heap interface
	seq      uint64
}

type itemHeap[T any] []*PriorityItem[T]

func (h itemHeap[T]) Len() int { return len(h) }

// Less orders by priority, then by insertion order.
func (h itemHeap[T]) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].Index = i
	h[j].Index = j
}

func (h *itemHeap[T]) Push(x interface{}) {
	item := x.(*PriorityItem[T])
	item.Index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap[T]) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	*h = old[:n-1]
	return item
}

// PriorityQueue is a blocking priority queue. Items of equal priority come
// out in the order they went in.
type PriorityQueue[T any] struct {
	mu     sync.Mutex
	items  itemHeap[T]
	seq    uint64
	closed bool
	// ready is signalled (non-blocking) whenever an item is pushed or the
	// queue closes.
	ready chan struct{}
}

// NewPriorityQueue creates a new priority queue
func NewPriorityQueue[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{ready: make(chan struct{}, 1)}
}

func (pq *PriorityQueue[T]) signal() {
	select {
	case pq.ready <- struct{}{}:
	default:
	}
}

// PushItem adds an item to the priority queue
func (pq *PriorityQueue[T]) PushItem(value T, priority int) error {
	pq.mu.Lock()
	if pq.closed {
		pq.mu.Unlock()
		return ErrPriorityQueueClosed
	}
	pq.seq++
	heap.Push(&pq.items, &PriorityItem[T]{Value: value, Priority: priority, seq: pq.seq})
	pq.mu.Unlock()
	pq.signal()
	return nil
}

// TryPop removes the highest priority item without waiting.
func (pq *PriorityQueue[T]) TryPop() (T, error) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	var zero T
	if len(pq.items) == 0 {
		if pq.closed {
			return zero, ErrPriorityQueueClosed
		}
		return zero, ErrPriorityQueueEmpty
	}
	item := heap.Pop(&pq.items).(*PriorityItem[T])
	if len(pq.items) > 0 {
		pq.signal()
	}
	return item.Value, nil
}

// PopItem blocks until an item is available, ctx is done, or the queue is
// closed and drained.
func (pq *PriorityQueue[T]) PopItem(ctx context.Context) (T, error) {
	for {
		v, err := pq.TryPop()
		if !errors.Is(err, ErrPriorityQueueEmpty) {
			if errors.Is(err, ErrPriorityQueueClosed) {
				pq.signal()
			}
			return v, err
		}
		select {
		case <-pq.ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Close stops accepting new items. Items already queued can still be popped.
func (pq *PriorityQueue[T]) Close() {
	pq.mu.Lock()
	pq.closed = true
	pq.mu.Unlock()
	pq.signal()
}

// Len reports the number of queued items.
func (pq *PriorityQueue[T]) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.items)
}

// IsEmpty checks if the queue is empty
func (pq *PriorityQueue[T]) IsEmpty() bool {
	return pq.Len() == 0
}

package syncq

import (
	"sync"

	"kasirinaja/ledger/internal/domain"
)

// Queue holds outbound operations in arrival order until a push succeeds.
type Queue struct {
	mu       sync.Mutex
	ops      []domain.SyncOperation
	notify   chan struct{}
	onChange func(depth int)
}

type Option func(*Queue)

// WithDepthObserver is called with the new length after every change.
func WithDepthObserver(fn func(depth int)) Option {
	return func(q *Queue) {
		q.onChange = fn
	}
}

func New(opts ...Option) *Queue {
	q := &Queue{notify: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends ops and wakes whoever drains the queue.
func (q *Queue) Enqueue(ops ...domain.SyncOperation) {
	if len(ops) == 0 {
		return
	}
	q.mu.Lock()
	q.ops = append(q.ops, ops...)
	depth := len(q.ops)
	q.mu.Unlock()

	q.observe(depth)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Notify fires after an enqueue. Bursts collapse into a single signal.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Take captures the current contents and leaves the queue empty.
func (q *Queue) Take() []domain.SyncOperation {
	q.mu.Lock()
	batch := q.ops
	q.ops = nil
	q.mu.Unlock()

	q.observe(0)
	return batch
}

// Restore puts a failed batch back in front of anything enqueued since it was taken.
func (q *Queue) Restore(batch []domain.SyncOperation) {
	if len(batch) == 0 {
		return
	}
	q.mu.Lock()
	merged := make([]domain.SyncOperation, 0, len(batch)+len(q.ops))
	merged = append(merged, batch...)
	merged = append(merged, q.ops...)
	q.ops = merged
	depth := len(q.ops)
	q.mu.Unlock()

	q.observe(depth)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Pending returns a copy of the queued operations.
func (q *Queue) Pending() []domain.SyncOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.SyncOperation(nil), q.ops...)
}

func (q *Queue) observe(depth int) {
	if q.onChange != nil {
		q.onChange(depth)
	}
}

package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/orderflow/internal/domain/orderbook"
)

// Sink receives consistent book states from the supervisor.
type Sink interface {
	Publish(ctx context.Context, state *orderbook.State) error
}

// Latest is a single-slot mailbox. Publish never blocks: an undelivered state
// is replaced by the newer one and counted as dropped. The consumer always
// sees the most recent book, and since the supervisor emits non-decreasing
// sequences it never sees an older state after a newer one.
type Latest struct {
	mu      sync.Mutex
	pending *orderbook.State
	notify  chan struct{}
	dropped atomic.Uint64
}

// NewLatest returns an empty mailbox.
func NewLatest() *Latest {
	return &Latest{notify: make(chan struct{}, 1)}
}

// Publish stores state, replacing any undelivered one.
func (l *Latest) Publish(_ context.Context, state *orderbook.State) error {
	if state == nil {
		return nil
	}
	l.mu.Lock()
	if l.pending != nil {
		l.dropped.Add(1)
	}
	l.pending = state
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

// Next blocks until a state is available or ctx ends.
func (l *Latest) Next(ctx context.Context) (*orderbook.State, error) {
	for {
		l.mu.Lock()
		state := l.pending
		l.pending = nil
		l.mu.Unlock()
		if state != nil {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.notify:
		}
	}
}

// Dropped counts states replaced before the consumer took them.
func (l *Latest) Dropped() uint64 { return l.dropped.Load() }

// Queue is a bounded FIFO. When it is full Publish waits up to MaxWait for the
// consumer, then evicts the oldest queued state to make room. It assumes a
// single producer.
type Queue struct {
	ch      chan *orderbook.State
	maxWait time.Duration
	dropped atomic.Uint64
}

// NewQueue returns a FIFO holding up to size states.
func NewQueue(size int, maxWait time.Duration) *Queue {
	if size <= 0 {
		size = 1
	}
	if maxWait <= 0 {
		maxWait = time.Second
	}
	return &Queue{ch: make(chan *orderbook.State, size), maxWait: maxWait}
}

// Publish enqueues state, blocking at most MaxWait.
func (q *Queue) Publish(ctx context.Context, state *orderbook.State) error {
	if state == nil {
		return nil
	}
	select {
	case q.ch <- state:
		return nil
	default:
	}

	timer := time.NewTimer(q.maxWait)
	defer timer.Stop()
	select {
	case q.ch <- state:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	select {
	case <-q.ch:
		q.dropped.Add(1)
	default:
	}
	select {
	case q.ch <- state:
	default:
		q.dropped.Add(1)
	}
	return nil
}

// Next dequeues the oldest state.
func (q *Queue) Next(ctx context.Context) (*orderbook.State, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case state := <-q.ch:
		return state, nil
	}
}

// Dropped counts states evicted because the consumer fell behind.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Len returns the number of queued states.
func (q *Queue) Len() int { return len(q.ch) }

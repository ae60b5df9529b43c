// Package bus carries events from the worker to the host engine.
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/yanun0323/logs"

	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
	"dexadapter/internal/obs"
	"dexadapter/pkg/exception"
)

const defaultCapacity = 4096

// Queue is a bounded, ordered event queue. Events are numbered in publish
// order; a full queue either blocks the producer or drops its oldest event.
type Queue struct {
	mu      sync.Mutex
	ch      chan model.Event
	policy  enum.Backpressure
	closed  atomic.Bool
	stop    chan struct{}
	once    sync.Once
	seq     *obs.Sequencer
	metrics *obs.Metrics
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int, policy enum.Backpressure, metrics *obs.Metrics) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Queue{
		ch:      make(chan model.Event, capacity),
		policy:  policy,
		stop:    make(chan struct{}),
		seq:     &obs.Sequencer{},
		metrics: metrics,
	}
}

// Publish stamps e with the next sequence number and enqueues it.
func (q *Queue) Publish(ctx context.Context, e model.Event) error {
	if q.closed.Load() {
		q.metrics.IncQueueClosed()
		return exception.ErrQueueClosed
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		q.metrics.IncQueueClosed()
		return exception.ErrQueueClosed
	}

	e.Seq = q.seq.Next()
	if q.policy == enum.BackpressureDropOldest {
		q.pushDropOldest(e)
		q.metrics.ObserveEvent(e.Kind)
		return nil
	}

	select {
	case q.ch <- e:
		q.metrics.ObserveEvent(e.Kind)
		return nil
	case <-q.stop:
		q.metrics.IncQueueClosed()
		return exception.ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublish enqueues without blocking regardless of the policy.
func (q *Queue) TryPublish(e model.Event) error {
	if q.closed.Load() {
		q.metrics.IncQueueClosed()
		return exception.ErrQueueClosed
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		q.metrics.IncQueueClosed()
		return exception.ErrQueueClosed
	}

	// producers are serialised by q.mu, so a free slot cannot be taken
	// between the check and the send
	if len(q.ch) == cap(q.ch) {
		return exception.ErrQueueFull
	}
	e.Seq = q.seq.Next()
	q.ch <- e
	q.metrics.ObserveEvent(e.Kind)
	return nil
}

// pushDropOldest never blocks. Caller holds q.mu.
func (q *Queue) pushDropOldest(e model.Event) {
	for {
		select {
		case q.ch <- e:
			return
		default:
		}
		select {
		case old := <-q.ch:
			q.metrics.IncQueueDrop()
			logs.Errorf("event queue full, dropped seq: %d, kind: %s", old.Seq, old.Kind)
		default:
		}
	}
}

// Events is the consumer side. It is closed by Close once the remaining
// events are read.
func (q *Queue) Events() <-chan model.Event {
	return q.ch
}

// Close stops the queue from accepting new events. Buffered events stay
// readable.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.closed.Store(true)
		close(q.stop)
		q.mu.Lock()
		close(q.ch)
		q.mu.Unlock()
	})
}

func (q *Queue) Closed() bool {
	return q.closed.Load()
}

// Drain returns every buffered event without blocking.
func (q *Queue) Drain() []model.Event {
	var out []model.Event
	for {
		select {
		case e, ok := <-q.ch:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) Cap() int {
	return cap(q.ch)
}

// LastSeq is the sequence number of the latest published event.
func (q *Queue) LastSeq() uint64 {
	return q.seq.Last()
}

// Run consumes events until the context is done or the queue is closed.
func (q *Queue) Run(ctx context.Context, handler func(model.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-q.ch:
			if !ok {
				return
			}
			handler(e)
		}
	}
}

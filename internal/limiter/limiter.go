// Package limiter implements a bounded-queue, fair-FIFO concurrency permit
// semaphore with direct permit hand-off, as specified for the outbound
// request pipeline's admission control layer.
package limiter

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/resilientclient/internal/apierror"
	"github.com/dskow/resilientclient/internal/events"
)

// Limiter bounds the number of concurrent in-flight operations and queues
// excess callers up to MaxQueue, handing permits off directly to the head
// of the queue on Release so a freed permit can never be stolen by a
// latecomer ahead of an already-waiting caller.
type Limiter struct {
	mu sync.Mutex

	inFlight int
	queue    *list.List // of *waiter

	maxInFlight    int
	maxQueue       int
	enqueueTimeout time.Duration

	logger *slog.Logger
	bus    *events.Bus
}

// waiter is a single queued admission request. done is buffered size 1 so
// the timer goroutine and Release never block delivering the result.
type waiter struct {
	done  chan error
	elem  *list.Element
	timer *time.Timer
	key   string
	info  events.RequestInfo
}

// Config holds the limiter's fixed construction parameters.
type Config struct {
	MaxInFlight    int
	MaxQueue       int
	EnqueueTimeout time.Duration
}

func (c Config) validate() error {
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("limiter: MaxInFlight must be > 0")
	}
	if c.EnqueueTimeout <= 0 {
		return fmt.Errorf("limiter: EnqueueTimeout must be > 0")
	}
	if c.MaxQueue < 0 {
		return fmt.Errorf("limiter: MaxQueue must be >= 0")
	}
	return nil
}

// New creates a Limiter. Panics if cfg fails validation, since an invalid
// admission configuration is a programmer error that must surface at
// construction (MaxQueue may legitimately be 0, meaning "no queueing, fail
// fast when full").
func New(cfg Config, logger *slog.Logger, bus *events.Bus) *Limiter {
	if err := cfg.validate(); err != nil {
		panic(err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		queue:          list.New(),
		maxInFlight:    cfg.MaxInFlight,
		maxQueue:       cfg.MaxQueue,
		enqueueTimeout: cfg.EnqueueTimeout,
		logger:         logger,
		bus:            bus,
	}
}

// Acquire admits the caller or rejects it. On success, the returned release
// func MUST be called exactly once. key and info are used only for
// observability event payloads, and ctx is honored only while the caller
// is queued — in the fast path, Acquire never suspends.
func (l *Limiter) Acquire(ctx context.Context, key string, info events.RequestInfo) (release func(), err error) {
	l.mu.Lock()

	if l.inFlight < l.maxInFlight {
		l.inFlight++
		l.mu.Unlock()
		return func() { l.release() }, nil
	}

	if l.maxQueue == 0 || l.queue.Len() >= l.maxQueue {
		depth := l.queue.Len()
		l.mu.Unlock()
		l.bus.Emit(events.QueueFull, events.QueuePayload{Key: key, Request: info, QueueDepth: depth})
		l.logger.Warn("limiter: queue full, rejecting", "key", key, "queue_depth", depth, "max_queue", l.maxQueue)
		return nil, &apierror.QueueFullError{MaxQueue: l.maxQueue}
	}

	w := &waiter{done: make(chan error, 1), key: key, info: info}
	w.elem = l.queue.PushBack(w)
	depth := l.queue.Len()
	w.timer = time.AfterFunc(l.enqueueTimeout, func() { l.expire(w, key, info) })
	l.mu.Unlock()

	l.bus.Emit(events.QueueEnqueued, events.QueuePayload{Key: key, Request: info, QueueDepth: depth})

	select {
	case waitErr := <-w.done:
		if waitErr != nil {
			return nil, waitErr
		}
		return func() { l.release() }, nil
	case <-ctx.Done():
		l.removeIfQueued(w)
		w.timer.Stop()
		return nil, ctx.Err()
	}
}

// expire fires when a waiter's enqueue timeout elapses. If the waiter is
// still queued, it is removed atomically and completed with QueueTimeout;
// if it has already been handed off or cancelled, this is a no-op.
func (l *Limiter) expire(w *waiter, key string, info events.RequestInfo) {
	l.mu.Lock()
	if w.elem == nil {
		l.mu.Unlock()
		return
	}
	l.queue.Remove(w.elem)
	w.elem = nil
	depth := l.queue.Len()
	l.mu.Unlock()

	l.bus.Emit(events.QueueTimeout, events.QueuePayload{Key: key, Request: info, QueueDepth: depth})
	w.done <- &apierror.QueueTimeoutError{EnqueueTimeout: l.enqueueTimeout}
}

// removeIfQueued removes w from the queue if it is still present (used on
// external context cancellation). No-op if w has already been dequeued by
// Release or expire.
func (l *Limiter) removeIfQueued(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w.elem != nil {
		l.queue.Remove(w.elem)
		w.elem = nil
	}
}

// release implements direct hand-off: if a waiter is queued, it receives
// the freed permit without in_flight changing; otherwise in_flight is
// decremented. Calling release with in_flight == 0 and an empty queue is a
// programmer-contract violation and panics loudly rather than corrupting
// state silently.
func (l *Limiter) release() {
	l.mu.Lock()

	if front := l.queue.Front(); front != nil {
		w := front.Value.(*waiter)
		l.queue.Remove(front)
		w.elem = nil
		w.timer.Stop()
		depth := l.queue.Len()
		l.mu.Unlock()

		l.bus.Emit(events.QueueDequeued, events.QueuePayload{Key: w.key, Request: w.info, QueueDepth: depth})
		w.done <- nil
		return
	}

	if l.inFlight == 0 {
		l.mu.Unlock()
		l.logger.Error("limiter: release called with in_flight=0 and empty queue — programmer error")
		panic(fmt.Sprintf("limiter: release() called with in_flight=0 (max_in_flight=%d)", l.maxInFlight))
	}

	l.inFlight--
	l.mu.Unlock()
}

// UpdateConfig validates cfg and, if valid, hot-swaps the limiter's admission
// parameters. In-flight permits and any already-queued waiters are left
// exactly as they are — a shrunk MaxInFlight does not evict current holders,
// it only changes the threshold future Acquire calls are admitted against,
// and a shrunk MaxQueue only rejects future enqueues once the existing queue
// has drained below the new bound.
func (l *Limiter) UpdateConfig(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxInFlight = cfg.MaxInFlight
	l.maxQueue = cfg.MaxQueue
	l.enqueueTimeout = cfg.EnqueueTimeout
	return nil
}

// Snapshot reports the limiter's current state.
type Snapshot struct {
	InFlight    int
	QueueDepth  int
	MaxInFlight int
	MaxQueue    int
}

// Snapshot returns a point-in-time view of the limiter's state.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		InFlight:    l.inFlight,
		QueueDepth:  l.queue.Len(),
		MaxInFlight: l.maxInFlight,
		MaxQueue:    l.maxQueue,
	}
}

// Package breaker implements a per-key circuit breaker: a three-state
// machine (CLOSED / OPEN / HALF_OPEN) driven by a fixed-size rolling
// outcome window, a cooldown clock, and bounded half-open probing.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/resilientclient/internal/events"
	"github.com/dskow/resilientclient/internal/ring"
)

// State is one of CLOSED, OPEN, HALF_OPEN.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the breaker's fixed construction parameters, validated once
// at construction per spec.md §4.3.
type Config struct {
	WindowSize       int
	MinRequests      int
	FailureThreshold float64
	Cooldown         time.Duration
	HalfOpenProbes   int
}

func (c Config) validate() error {
	if c.WindowSize <= 0 {
		return fmt.Errorf("breaker: window_size must be > 0")
	}
	if c.MinRequests < 0 {
		return fmt.Errorf("breaker: min_requests must be >= 0")
	}
	if c.FailureThreshold < 0 || c.FailureThreshold > 1 {
		return fmt.Errorf("breaker: failure_threshold must be in [0,1]")
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("breaker: cooldown must be > 0")
	}
	if c.HalfOpenProbes <= 0 {
		return fmt.Errorf("breaker: half_open_probe_count must be > 0")
	}
	return nil
}

// bucket is the per-key state. opened_at is the zero time.Time iff the
// bucket is not OPEN.
type bucket struct {
	state             State
	openedAt          time.Time
	halfOpenInFlight  int
	halfOpenSuccesses int
	halfOpenFailures  int
	window            *ring.Window
}

// Decision is the result of Allow.
type Decision struct {
	Allowed    bool
	State      State
	RetryAfter time.Duration
}

// Transition describes an observed state change, returned by OnSuccess/
// OnFailure so the pipeline can emit breaker:state.
type Transition struct {
	Changed bool
	From    State
	To      State
}

// Breaker is a per-key circuit breaker. Buckets are created lazily on first
// reference to a key and live for the lifetime of the Breaker — there is no
// eviction, matching spec.md §9 ("if this is a concern ... an LRU cap can be
// added without affecting the state machine").
type Breaker struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     Config
	logger  *slog.Logger
	bus     *events.Bus
}

// New creates a Breaker. Panics if cfg fails validation, since an invalid
// breaker configuration is a programmer error that must surface at
// construction, not at the first request.
func New(cfg Config, logger *slog.Logger, bus *events.Bus) *Breaker {
	if err := cfg.validate(); err != nil {
		panic(err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		logger:  logger,
		bus:     bus,
	}
}

// UpdateConfig validates cfg and, if valid, hot-swaps the breaker's
// construction parameters. Every existing bucket's window is resized to
// match (discarding its rolling history, same as a transition into CLOSED
// would), since a stale-capacity window would compute a failure rate against
// the wrong denominator. State (CLOSED/OPEN/HALF_OPEN), openedAt, and the
// half-open counters are left untouched — a bucket already mid-cooldown or
// mid-probe keeps running to completion under the new thresholds.
func (b *Breaker) UpdateConfig(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
	for _, bk := range b.buckets {
		bk.window.Resize(cfg.WindowSize)
	}
	return nil
}

func (b *Breaker) bucketFor(key string) *bucket {
	bk, ok := b.buckets[key]
	if !ok {
		bk = &bucket{state: Closed, window: ring.New(b.cfg.WindowSize)}
		b.buckets[key] = bk
	}
	return bk
}

// Allow is the advisory admission check for key at time now. For CLOSED and
// admitted HALF_OPEN, it reserves one probe slot: the caller MUST follow
// with exactly one OnSuccess or OnFailure, unless the limiter subsequently
// rejects the request, in which case the caller MUST call ReleaseProbe
// instead (see spec.md §9's resolved Open Question).
func (b *Breaker) Allow(key string, now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	bk := b.bucketFor(key)

	switch bk.state {
	case Open:
		elapsed := now.Sub(bk.openedAt)
		if elapsed < b.cfg.Cooldown {
			return Decision{Allowed: false, State: Open, RetryAfter: b.cfg.Cooldown - elapsed}
		}
		b.transition(key, bk, HalfOpen, now)
		fallthrough
	case HalfOpen:
		if bk.halfOpenInFlight >= b.cfg.HalfOpenProbes {
			return Decision{Allowed: false, State: HalfOpen, RetryAfter: 0}
		}
		bk.halfOpenInFlight++
		return Decision{Allowed: true, State: HalfOpen}
	default: // Closed
		return Decision{Allowed: true, State: Closed}
	}
}

// OnSuccess records a successful outcome for an admitted request.
func (b *Breaker) OnSuccess(key string) Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	bk := b.bucketFor(key)

	switch bk.state {
	case HalfOpen:
		if bk.halfOpenInFlight > 0 {
			bk.halfOpenInFlight--
		}
		bk.halfOpenSuccesses++
		if bk.halfOpenSuccesses >= b.cfg.HalfOpenProbes {
			return b.transition(key, bk, Closed, time.Time{})
		}
	case Closed:
		bk.window.Push(false)
	}
	return Transition{}
}

// OnFailure records a failed outcome for an admitted request at time now.
func (b *Breaker) OnFailure(key string, now time.Time) Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	bk := b.bucketFor(key)

	switch bk.state {
	case HalfOpen:
		if bk.halfOpenInFlight > 0 {
			bk.halfOpenInFlight--
		}
		bk.halfOpenFailures++
		return b.transition(key, bk, Open, now)
	case Closed:
		bk.window.Push(true)
		if bk.window.Count() >= b.cfg.MinRequests && bk.window.FailureRate() >= b.cfg.FailureThreshold {
			return b.transition(key, bk, Open, now)
		}
	}
	return Transition{}
}

// ReleaseProbe undoes a HALF_OPEN probe reservation made by Allow when the
// limiter subsequently rejects the request (QueueFull/QueueTimeout) before
// the transport is invoked. It records no outcome — the probe simply never
// happened from the breaker's perspective.
func (b *Breaker) ReleaseProbe(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bk, ok := b.buckets[key]
	if !ok || bk.state != HalfOpen {
		return
	}
	if bk.halfOpenInFlight > 0 {
		bk.halfOpenInFlight--
	}
}

// State returns the current state of key without side effects (bucket
// creation aside).
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bucketFor(key).state
}

// transition must be called with b.mu held. It applies the side effects
// specified in spec.md §4.3: resetting half-open counters on every
// transition into or out of HALF_OPEN, resetting the window on close, and
// preserving the window when opening (failure memory survives into the
// next HALF_OPEN trial).
func (b *Breaker) transition(key string, bk *bucket, to State, now time.Time) Transition {
	from := bk.state
	if from == to {
		return Transition{}
	}
	bk.state = to

	switch to {
	case Closed:
		bk.window.Reset()
		bk.halfOpenInFlight = 0
		bk.halfOpenSuccesses = 0
		bk.halfOpenFailures = 0
		bk.openedAt = time.Time{}
	case Open:
		bk.openedAt = now
		bk.halfOpenInFlight = 0
		bk.halfOpenSuccesses = 0
		bk.halfOpenFailures = 0
	case HalfOpen:
		bk.halfOpenInFlight = 0
		bk.halfOpenSuccesses = 0
		bk.halfOpenFailures = 0
		bk.openedAt = time.Time{}
	}

	b.logger.Info("breaker state change", "key", key, "from", from.String(), "to", to.String())
	b.bus.Emit(events.BreakerState, events.BreakerStatePayload{Key: key, From: from.String(), To: to.String()})

	return Transition{Changed: true, From: from, To: to}
}

// BucketSnapshot is the per-key view returned by Snapshot.
type BucketSnapshot struct {
	Key            string
	State          State
	WindowCount    int
	WindowFailures int
	OpenedAt       *time.Time
}

// Snapshot returns a point-in-time view of every key's bucket.
func (b *Breaker) Snapshot() []BucketSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]BucketSnapshot, 0, len(b.buckets))
	for key, bk := range b.buckets {
		s := BucketSnapshot{
			Key:            key,
			State:          bk.state,
			WindowCount:    bk.window.Count(),
			WindowFailures: bk.window.Failures(),
		}
		if bk.state == Open {
			t := bk.openedAt
			s.OpenedAt = &t
		}
		out = append(out, s)
	}
	return out
}

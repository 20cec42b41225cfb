// Package resilientclient is a process-local outbound HTTP client library
// that enforces four coupled protections against cascading failure when
// calling upstream services: a hard cap on concurrent in-flight requests, a
// bounded waiting queue with admission timeouts, a per-request hard
// deadline, and a per-upstream circuit breaker driven by a rolling outcome
// window.
package resilientclient

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/dskow/resilientclient/internal/apierror"
	"github.com/dskow/resilientclient/internal/breaker"
	"github.com/dskow/resilientclient/internal/events"
	"github.com/dskow/resilientclient/internal/limiter"
	"github.com/dskow/resilientclient/internal/transport"
)

// Re-exported so callers never need to import internal packages.
type (
	Method   = transport.Method
	Request  = transport.Request
	Response = transport.Response
)

const (
	MethodGet     = transport.MethodGet
	MethodPost    = transport.MethodPost
	MethodPut     = transport.MethodPut
	MethodPatch   = transport.MethodPatch
	MethodDelete  = transport.MethodDelete
	MethodHead    = transport.MethodHead
	MethodOptions = transport.MethodOptions
)

// Re-exported error taxonomy (spec.md §6).
var (
	ErrQueueFull      = apierror.ErrQueueFull
	ErrQueueTimeout   = apierror.ErrQueueTimeout
	ErrCircuitOpen    = apierror.ErrCircuitOpen
	ErrRequestTimeout = apierror.ErrRequestTimeout
)

type (
	QueueFullError      = apierror.QueueFullError
	QueueTimeoutError   = apierror.QueueTimeoutError
	CircuitOpenError    = apierror.CircuitOpenError
	RequestTimeoutError = apierror.RequestTimeoutError
)

// BreakerConfig configures the per-upstream circuit breaker (spec.md §4.3).
type BreakerConfig struct {
	WindowSize       int
	MinRequests      int
	FailureThreshold float64
	CooldownMS       int
	HalfOpenProbes   int
}

// Config configures a Client (spec.md §6).
type Config struct {
	MaxInFlight      int
	MaxQueue         int
	EnqueueTimeoutMS int
	RequestTimeoutMS int
	Breaker          BreakerConfig

	// KeyFn derives the breaker key from a request. Defaults to the
	// request URL's host component.
	KeyFn func(Request) string

	// HTTPClient supplies the underlying transport (connection pool, TLS,
	// DNS) — an external collaborator per spec.md §1. A nil value uses a
	// plain *http.Client with no client-level timeout; the per-request
	// deadline governs cancellation instead.
	HTTPClient *http.Client

	Logger *slog.Logger
}

func (c Config) validate() error {
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("resilientclient: MaxInFlight must be > 0")
	}
	if c.MaxQueue < 0 {
		return fmt.Errorf("resilientclient: MaxQueue must be >= 0")
	}
	if c.EnqueueTimeoutMS <= 0 {
		return fmt.Errorf("resilientclient: EnqueueTimeoutMS must be > 0")
	}
	if c.RequestTimeoutMS <= 0 {
		return fmt.Errorf("resilientclient: RequestTimeoutMS must be > 0")
	}
	return nil
}

func defaultKeyFn(req Request) string {
	u, err := url.Parse(req.URL)
	if err != nil {
		return req.URL
	}
	return u.Host
}

// Client is the resilient request pipeline: it sequences breaker admission,
// limiter admission, and the transport exchange for every logical request,
// classifies the outcome, and updates shared protection state.
type Client struct {
	limiter   *limiter.Limiter
	breaker   *breaker.Breaker
	transport *transport.Adapter
	bus       *events.Bus

	keyFn func(Request) string
	// requestTimeout is read on every Request call and written by
	// Reconfigure from a separate goroutine (the config Reloader), so it is
	// an atomic.Int64 of nanoseconds rather than a plain time.Duration.
	requestTimeout atomic.Int64
	logger         *slog.Logger
}

// New constructs a Client from cfg. Panics on invalid configuration — an
// invalid resilience configuration is a programmer error that must surface
// at construction.
func New(cfg Config) *Client {
	if err := cfg.validate(); err != nil {
		panic(err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	keyFn := cfg.KeyFn
	if keyFn == nil {
		keyFn = defaultKeyFn
	}

	bus := events.NewBus()

	lim := limiter.New(limiter.Config{
		MaxInFlight:    cfg.MaxInFlight,
		MaxQueue:       cfg.MaxQueue,
		EnqueueTimeout: time.Duration(cfg.EnqueueTimeoutMS) * time.Millisecond,
	}, logger, bus)

	brk := breaker.New(breaker.Config{
		WindowSize:       cfg.Breaker.WindowSize,
		MinRequests:      cfg.Breaker.MinRequests,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         time.Duration(cfg.Breaker.CooldownMS) * time.Millisecond,
		HalfOpenProbes:   cfg.Breaker.HalfOpenProbes,
	}, logger, bus)

	c := &Client{
		limiter:   lim,
		breaker:   brk,
		transport: transport.New(cfg.HTTPClient),
		bus:       bus,
		keyFn:     keyFn,
		logger:    logger,
	}
	c.requestTimeout.Store(int64(time.Duration(cfg.RequestTimeoutMS) * time.Millisecond))
	return c
}

// Reconfigure validates cfg and, if valid, hot-swaps the limiter's admission
// parameters, the breaker's thresholds, and the per-request timeout. Unlike
// New, a misconfigured Reconfigure call is recoverable — it is driven by a
// config.Reloader watching a file that an operator can mistype, not by a
// programmer's literal Config{} — so it returns an error instead of
// panicking. KeyFn and the underlying HTTPClient are construction-only and
// are not affected.
func (c *Client) Reconfigure(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	if err := c.limiter.UpdateConfig(limiter.Config{
		MaxInFlight:    cfg.MaxInFlight,
		MaxQueue:       cfg.MaxQueue,
		EnqueueTimeout: time.Duration(cfg.EnqueueTimeoutMS) * time.Millisecond,
	}); err != nil {
		return err
	}

	if err := c.breaker.UpdateConfig(breaker.Config{
		WindowSize:       cfg.Breaker.WindowSize,
		MinRequests:      cfg.Breaker.MinRequests,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         time.Duration(cfg.Breaker.CooldownMS) * time.Millisecond,
		HalfOpenProbes:   cfg.Breaker.HalfOpenProbes,
	}); err != nil {
		return err
	}

	c.requestTimeout.Store(int64(time.Duration(cfg.RequestTimeoutMS) * time.Millisecond))
	return nil
}

// Subscribe registers h for the named event (see the events.* constants
// re-exported below). Handlers run synchronously, in registration order.
func (c *Client) Subscribe(name string, h func(payload any)) {
	c.bus.Subscribe(name, events.Handler(h))
}

// Event name constants, re-exported for Subscribe callers.
const (
	EventQueueEnqueued = events.QueueEnqueued
	EventQueueDequeued = events.QueueDequeued
	EventQueueFull     = events.QueueFull
	EventQueueTimeout  = events.QueueTimeout
	EventRequestStart  = events.RequestStart
	EventRequestSucc   = events.RequestSuccess
	EventRequestFail   = events.RequestFailure
	EventRequestReject = events.RequestRejected
	EventBreakerState  = events.BreakerState
)

func newRequestID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Request executes one logical request through the resilient pipeline:
// breaker admission, limiter admission, transport exchange under the
// per-request deadline, outcome classification, and always releasing the
// limiter permit (spec.md §4.5).
func (c *Client) Request(ctx context.Context, req Request) (*Response, error) {
	key := c.keyFn(req)
	requestID := newRequestID()
	info := events.RequestInfo{Method: string(req.Method), URL: req.URL, RequestID: requestID}
	now := time.Now()

	decision := c.breaker.Allow(key, now)
	if !decision.Allowed {
		err := &apierror.CircuitOpenError{Key: key, RetryAfter: decision.RetryAfter}
		c.bus.Emit(events.RequestRejected, events.RequestRejectedPayload{Key: key, Request: info, Err: err})
		return nil, err
	}
	probeReserved := decision.State == breaker.HalfOpen

	release, err := c.limiter.Acquire(ctx, key, info)
	if err != nil {
		// This rejection is local load-shedding and is never reported to
		// the breaker as an outcome. If Allow reserved a HALF_OPEN probe
		// slot above, it must still be released (spec.md §9's resolved
		// Open Question), or half_open_in_flight would leak.
		if probeReserved {
			c.breaker.ReleaseProbe(key)
		}
		c.bus.Emit(events.RequestRejected, events.RequestRejectedPayload{Key: key, Request: info, Err: err})
		return nil, err
	}
	defer release()

	start := time.Now()
	c.bus.Emit(events.RequestStart, events.RequestStartPayload{Key: key, Request: info})

	resp, doErr := c.transport.Do(ctx, req, time.Duration(c.requestTimeout.Load()))
	duration := time.Since(start)

	if doErr != nil {
		c.breaker.OnFailure(key, time.Now())
		c.bus.Emit(events.RequestFailure, events.RequestFailurePayload{
			Key: key, Request: info, ErrorName: errorName(doErr), DurationMS: duration.Milliseconds(),
		})
		return nil, doErr
	}

	if resp.Status >= 500 {
		c.breaker.OnFailure(key, time.Now())
	} else {
		c.breaker.OnSuccess(key)
	}
	c.bus.Emit(events.RequestSuccess, events.RequestSuccessPayload{
		Key: key, Request: info, Status: resp.Status, DurationMS: duration.Milliseconds(),
	})

	return resp, nil
}

// Snapshot returns a point-in-time view of the limiter and every keyed
// breaker bucket (spec.md §4.5).
type Snapshot struct {
	InFlight   int
	QueueDepth int
	Breakers   []BreakerSnapshot
}

// BreakerSnapshot is the per-key breaker view within a Snapshot.
type BreakerSnapshot struct {
	Key            string
	State          string
	WindowCount    int
	WindowFailures int
	OpenedAt       *time.Time
}

// Snapshot reports the current pipeline state.
func (c *Client) Snapshot() Snapshot {
	ls := c.limiter.Snapshot()
	bs := c.breaker.Snapshot()

	out := Snapshot{InFlight: ls.InFlight, QueueDepth: ls.QueueDepth}
	for _, b := range bs {
		out.Breakers = append(out.Breakers, BreakerSnapshot{
			Key:            b.Key,
			State:          b.State.String(),
			WindowCount:    b.WindowCount,
			WindowFailures: b.WindowFailures,
			OpenedAt:       b.OpenedAt,
		})
	}
	return out
}

func errorName(err error) string {
	switch {
	case errors.Is(err, apierror.ErrRequestTimeout):
		return "RequestTimeout"
	default:
		return "TransportError"
	}
}

package resilientclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dskow/resilientclient/internal/apierror"
)

func newTestClient(cfg Config) *Client {
	if cfg.Breaker.WindowSize == 0 {
		cfg.Breaker = BreakerConfig{WindowSize: 10, MinRequests: 4, FailureThreshold: 0.5, CooldownMS: 100, HalfOpenProbes: 2}
	}
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = 2
	}
	if cfg.EnqueueTimeoutMS == 0 {
		cfg.EnqueueTimeoutMS = 200
	}
	if cfg.RequestTimeoutMS == 0 {
		cfg.RequestTimeoutMS = 500
	}
	return New(cfg)
}

// Scenario 1: basic success.
func TestClient_Scenario_BasicSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := newTestClient(Config{})
	resp, err := c.Request(context.Background(), Request{Method: MethodGet, URL: srv.URL})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Status != 200 || string(resp.Body) != "hello" {
		t.Fatalf("got status=%d body=%q", resp.Status, resp.Body)
	}
}

// Scenario 2: request timeout.
func TestClient_Scenario_RequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := newTestClient(Config{RequestTimeoutMS: 20})
	_, err := c.Request(context.Background(), Request{Method: MethodGet, URL: srv.URL})
	var rt *apierror.RequestTimeoutError
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.As(err, &rt) {
		t.Fatalf("expected RequestTimeoutError, got %v", err)
	}
}

// Scenario 3: breaker opens on threshold, subsequent calls fail fast
// without reaching the upstream.
func TestClient_Scenario_BreakerOpensOnThreshold(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(Config{
		Breaker: BreakerConfig{WindowSize: 10, MinRequests: 2, FailureThreshold: 0.5, CooldownMS: 500, HalfOpenProbes: 1},
	})

	for i := 0; i < 2; i++ {
		c.Request(context.Background(), Request{Method: MethodGet, URL: srv.URL})
	}

	_, err := c.Request(context.Background(), Request{Method: MethodGet, URL: srv.URL})
	var co *apierror.CircuitOpenError
	if !errors.As(err, &co) {
		t.Fatalf("expected CircuitOpenError on third call, got %v", err)
	}

	mu.Lock()
	got := hits
	mu.Unlock()
	if got != 2 {
		t.Fatalf("expected exactly 2 upstream hits before trip, got %d", got)
	}
}

// Scenario 6: queue-full rejection. With MaxInFlight=1, MaxQueue=1, three
// concurrent callers: one runs, one queues, one is rejected with
// QueueFullError.
func TestClient_Scenario_QueueFullRejection(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(Config{MaxInFlight: 1, MaxQueue: 1, EnqueueTimeoutMS: 2000})

	done := make(chan struct{}, 2)
	go func() {
		c.Request(context.Background(), Request{Method: MethodGet, URL: srv.URL})
		done <- struct{}{}
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		c.Request(context.Background(), Request{Method: MethodGet, URL: srv.URL})
		done <- struct{}{}
	}()
	time.Sleep(20 * time.Millisecond)

	_, err := c.Request(context.Background(), Request{Method: MethodGet, URL: srv.URL})
	var qf *apierror.QueueFullError
	if !errors.As(err, &qf) {
		t.Fatalf("expected QueueFullError, got %v", err)
	}

	close(release)
	<-done
	<-done
}

// Scenario 7: queue-timeout rejection.
func TestClient_Scenario_QueueTimeoutRejection(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(Config{MaxInFlight: 1, MaxQueue: 1, EnqueueTimeoutMS: 30, RequestTimeoutMS: 5000})

	done := make(chan struct{})
	go func() {
		c.Request(context.Background(), Request{Method: MethodGet, URL: srv.URL})
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	_, err := c.Request(context.Background(), Request{Method: MethodGet, URL: srv.URL})
	var qt *apierror.QueueTimeoutError
	if !errors.As(err, &qt) {
		t.Fatalf("expected QueueTimeoutError, got %v", err)
	}

	close(release)
	<-done
}

func TestClient_SnapshotReportsLimiterAndBreakerState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(Config{})
	c.Request(context.Background(), Request{Method: MethodGet, URL: srv.URL})

	snap := c.Snapshot()
	if snap.InFlight != 0 {
		t.Fatalf("expected in_flight=0 after request completed, got %d", snap.InFlight)
	}
	if len(snap.Breakers) != 1 {
		t.Fatalf("expected one breaker bucket, got %d", len(snap.Breakers))
	}
	if snap.Breakers[0].State != "closed" {
		t.Fatalf("expected closed, got %s", snap.Breakers[0].State)
	}
}

func TestClient_SubscribeReceivesRequestEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(Config{})
	var gotStart, gotSuccess bool
	c.Subscribe(EventRequestStart, func(payload any) { gotStart = true })
	c.Subscribe(EventRequestSucc, func(payload any) { gotSuccess = true })

	_, err := c.Request(context.Background(), Request{Method: MethodGet, URL: srv.URL})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !gotStart || !gotSuccess {
		t.Fatalf("expected both request:start and request:success to fire, got start=%v success=%v", gotStart, gotSuccess)
	}
}

func TestClient_DefaultKeyFnUsesHost(t *testing.T) {
	got := defaultKeyFn(Request{URL: "http://example.com:8080/path"})
	if got != "example.com:8080" {
		t.Fatalf("defaultKeyFn = %q, want %q", got, "example.com:8080")
	}
}

func TestClient_ReconfigureAppliesNewLimitsWithoutDisruptingInFlight(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(Config{MaxInFlight: 1, MaxQueue: 0, EnqueueTimeoutMS: 2000})

	done := make(chan struct{})
	go func() {
		c.Request(context.Background(), Request{Method: MethodGet, URL: srv.URL})
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	// At MaxInFlight=1 with one request already holding the only permit, a
	// second concurrent caller is rejected.
	if _, err := c.Request(context.Background(), Request{Method: MethodGet, URL: srv.URL}); err == nil {
		t.Fatal("expected rejection before Reconfigure widens MaxInFlight")
	}

	if err := c.Reconfigure(Config{
		MaxInFlight:      2,
		MaxQueue:         0,
		EnqueueTimeoutMS: 200,
		RequestTimeoutMS: 500,
		Breaker:          BreakerConfig{WindowSize: 10, MinRequests: 4, FailureThreshold: 0.5, CooldownMS: 100, HalfOpenProbes: 2},
	}); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	// The in-flight request from before Reconfigure must still be holding
	// its permit — widening MaxInFlight must not evict it.
	if snap := c.Snapshot(); snap.InFlight != 1 {
		t.Fatalf("expected the original in-flight request undisturbed by Reconfigure, got InFlight=%d", snap.InFlight)
	}

	// Now admitted under the widened MaxInFlight=2. Release both upstream
	// handlers from a separate goroutine since both are blocked on it.
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	resp, err := c.Request(context.Background(), Request{Method: MethodGet, URL: srv.URL})
	<-done
	if err != nil {
		t.Fatalf("expected admission after Reconfigure widens MaxInFlight, got %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("got status=%d", resp.Status)
	}
}

func TestClient_ReconfigureRejectsInvalidConfig(t *testing.T) {
	c := newTestClient(Config{})
	err := c.Reconfigure(Config{MaxInFlight: 0, EnqueueTimeoutMS: 1, RequestTimeoutMS: 1})
	if err == nil {
		t.Fatal("expected error, not panic, for invalid Reconfigure config")
	}
}

func TestClient_PanicsOnInvalidConfig(t *testing.T) {
	cases := []Config{
		{MaxInFlight: 0, EnqueueTimeoutMS: 1, RequestTimeoutMS: 1},
		{MaxInFlight: 1, MaxQueue: -1, EnqueueTimeoutMS: 1, RequestTimeoutMS: 1},
		{MaxInFlight: 1, EnqueueTimeoutMS: 0, RequestTimeoutMS: 1},
		{MaxInFlight: 1, EnqueueTimeoutMS: 1, RequestTimeoutMS: 0},
	}
	for i, cfg := range cases {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("case %d: expected panic", i)
				}
			}()
			New(cfg)
		}()
	}
}

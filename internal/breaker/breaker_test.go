package breaker

import (
	"testing"
	"time"

	"github.com/dskow/resilientclient/internal/events"
)

func newTestBreaker(cfg Config) *Breaker {
	return New(cfg, nil, events.NewBus())
}

func TestBreaker_StartsClosedAndAllows(t *testing.T) {
	b := newTestBreaker(Config{WindowSize: 5, MinRequests: 2, FailureThreshold: 0.5, Cooldown: time.Second, HalfOpenProbes: 1})
	d := b.Allow("k", time.Now())
	if !d.Allowed || d.State != Closed {
		t.Fatalf("expected allowed Closed, got %+v", d)
	}
}

// Scenario 3: window:10, min:4, thresh:0.5; outcomes F,S,F,S then one more F.
// Expect OPEN after the fifth outcome.
func TestBreaker_Scenario_OpensOnThreshold(t *testing.T) {
	b := newTestBreaker(Config{WindowSize: 10, MinRequests: 4, FailureThreshold: 0.5, Cooldown: time.Second, HalfOpenProbes: 2})
	now := time.Now()
	key := "upstream"

	b.OnFailure(key, now)
	b.OnSuccess(key)
	b.OnFailure(key, now)
	b.OnSuccess(key)
	if b.State(key) != Closed {
		t.Fatalf("expected Closed after 4 outcomes (2/4=0.5 but count<min? count=4=min, rate=0.5>=0.5) got %v", b.State(key))
	}

	tr := b.OnFailure(key, now)
	if b.State(key) != Open {
		t.Fatalf("expected Open after fifth outcome, got %v", b.State(key))
	}
	if !tr.Changed || tr.To != Open {
		t.Fatalf("expected transition to Open, got %+v", tr)
	}
}

// Scenario 4: window:5,min:1,thresh:1,cooldown:100ms,probes:2; at t=1000 one
// failure -> OPEN. allow(t=1050) denies with retry_after ~50. allow(t=1120)
// transitions to HALF_OPEN and is allowed.
func TestBreaker_Scenario_FailFastThenHalfOpen(t *testing.T) {
	b := newTestBreaker(Config{WindowSize: 5, MinRequests: 1, FailureThreshold: 1, Cooldown: 100 * time.Millisecond, HalfOpenProbes: 2})
	base := time.Unix(0, 0)
	key := "upstream"

	b.OnFailure(key, base.Add(1000*time.Millisecond))
	if b.State(key) != Open {
		t.Fatalf("expected Open, got %v", b.State(key))
	}

	d := b.Allow(key, base.Add(1050*time.Millisecond))
	if d.Allowed {
		t.Fatal("expected denial during cooldown")
	}
	if d.RetryAfter < 45*time.Millisecond || d.RetryAfter > 55*time.Millisecond {
		t.Fatalf("RetryAfter = %v, want ~50ms", d.RetryAfter)
	}

	d2 := b.Allow(key, base.Add(1120*time.Millisecond))
	if !d2.Allowed || d2.State != HalfOpen {
		t.Fatalf("expected allowed HalfOpen after cooldown elapsed, got %+v", d2)
	}
}

// Scenario 5: after OPEN, two probes admitted then bound reached; two
// successes close; in a second trial a single half-open failure reopens.
func TestBreaker_Scenario_HalfOpenClosesThenReopens(t *testing.T) {
	cfg := Config{WindowSize: 5, MinRequests: 1, FailureThreshold: 1, Cooldown: 100 * time.Millisecond, HalfOpenProbes: 2}
	b := newTestBreaker(cfg)
	base := time.Unix(0, 0)
	key := "upstream"

	b.OnFailure(key, base.Add(1000*time.Millisecond))

	d1 := b.Allow(key, base.Add(1060*time.Millisecond))
	if !d1.Allowed || d1.State != HalfOpen {
		t.Fatalf("probe #1: expected allowed HalfOpen, got %+v", d1)
	}
	d2 := b.Allow(key, base.Add(1061*time.Millisecond))
	if !d2.Allowed {
		t.Fatalf("probe #2: expected allowed, got %+v", d2)
	}
	d3 := b.Allow(key, base.Add(1062*time.Millisecond))
	if d3.Allowed {
		t.Fatal("probe #3: expected denial, half-open bound reached")
	}

	b.OnSuccess(key)
	if b.State(key) != HalfOpen {
		t.Fatalf("expected still HalfOpen after 1 success, got %v", b.State(key))
	}
	tr := b.OnSuccess(key)
	if b.State(key) != Closed {
		t.Fatalf("expected Closed after 2 successes, got %v", b.State(key))
	}
	if !tr.Changed || tr.To != Closed {
		t.Fatalf("expected transition to Closed, got %+v", tr)
	}

	// Second trial: trip open again, probe once, then fail it -> immediate reopen.
	b2 := newTestBreaker(cfg)
	b2.OnFailure(key, base.Add(2000*time.Millisecond))
	b2.Allow(key, base.Add(2101*time.Millisecond)) // probe #1
	tr2 := b2.OnFailure(key, base.Add(2102*time.Millisecond))
	if b2.State(key) != Open {
		t.Fatalf("expected Open immediately after half-open failure, got %v", b2.State(key))
	}
	if !tr2.Changed || tr2.To != Open {
		t.Fatalf("expected transition to Open, got %+v", tr2)
	}
}

func TestBreaker_WindowPreservedAcrossOpenNotReset(t *testing.T) {
	b := newTestBreaker(Config{WindowSize: 4, MinRequests: 2, FailureThreshold: 0.5, Cooldown: 10 * time.Millisecond, HalfOpenProbes: 1})
	now := time.Now()
	key := "upstream"

	b.OnFailure(key, now)
	b.OnFailure(key, now)
	if b.State(key) != Open {
		t.Fatalf("expected Open, got %v", b.State(key))
	}

	// on_failure in HALF_OPEN must NOT reset the window (it preserves
	// failure memory). Verify by checking snapshot window count stays 2.
	snaps := b.Snapshot()
	found := false
	for _, s := range snaps {
		if s.Key == key {
			found = true
			if s.WindowCount != 2 || s.WindowFailures != 2 {
				t.Fatalf("expected window count=2 failures=2 preserved into OPEN, got count=%d failures=%d", s.WindowCount, s.WindowFailures)
			}
		}
	}
	if !found {
		t.Fatal("expected snapshot entry for key")
	}
}

func TestBreaker_WindowResetOnClose(t *testing.T) {
	cfg := Config{WindowSize: 4, MinRequests: 1, FailureThreshold: 1, Cooldown: 5 * time.Millisecond, HalfOpenProbes: 1}
	b := newTestBreaker(cfg)
	now := time.Unix(0, 0)
	key := "upstream"

	b.OnFailure(key, now)
	b.Allow(key, now.Add(10*time.Millisecond)) // -> half-open, probe reserved
	b.OnSuccess(key)                           // -> closed (probes=1)
	if b.State(key) != Closed {
		t.Fatalf("expected Closed, got %v", b.State(key))
	}

	snaps := b.Snapshot()
	for _, s := range snaps {
		if s.Key == key && s.WindowCount != 0 {
			t.Fatalf("expected window reset to 0 on close, got %d", s.WindowCount)
		}
	}
}

func TestBreaker_ReleaseProbeUndoesReservationWithoutOutcome(t *testing.T) {
	cfg := Config{WindowSize: 4, MinRequests: 1, FailureThreshold: 1, Cooldown: 5 * time.Millisecond, HalfOpenProbes: 1}
	b := newTestBreaker(cfg)
	now := time.Unix(0, 0)
	key := "upstream"

	b.OnFailure(key, now)
	d := b.Allow(key, now.Add(10*time.Millisecond))
	if !d.Allowed {
		t.Fatal("expected probe admitted")
	}

	// Simulate limiter rejection following the HALF_OPEN admission: release
	// the probe without recording success/failure.
	b.ReleaseProbe(key)

	// The probe slot must be free again for a subsequent Allow.
	d2 := b.Allow(key, now.Add(11*time.Millisecond))
	if !d2.Allowed {
		t.Fatal("expected probe slot freed by ReleaseProbe to be usable again")
	}
}

func TestBreaker_HalfOpenBoundUnderConcurrentAllow(t *testing.T) {
	cfg := Config{WindowSize: 4, MinRequests: 1, FailureThreshold: 1, Cooldown: 1 * time.Millisecond, HalfOpenProbes: 3}
	b := newTestBreaker(cfg)
	now := time.Unix(0, 0)
	key := "upstream"
	b.OnFailure(key, now)

	later := now.Add(5 * time.Millisecond)
	admitted := 0
	for i := 0; i < 10; i++ {
		d := b.Allow(key, later)
		if d.Allowed {
			admitted++
		}
	}
	if admitted != cfg.HalfOpenProbes {
		t.Fatalf("admitted %d probes, want exactly %d (half_open_probe_count bound)", admitted, cfg.HalfOpenProbes)
	}
}

func TestBreaker_InvalidConfigPanics(t *testing.T) {
	cases := []Config{
		{WindowSize: 0, FailureThreshold: 0.5, Cooldown: time.Second, HalfOpenProbes: 1},
		{WindowSize: 1, FailureThreshold: 1.5, Cooldown: time.Second, HalfOpenProbes: 1},
		{WindowSize: 1, FailureThreshold: 0.5, Cooldown: 0, HalfOpenProbes: 1},
		{WindowSize: 1, FailureThreshold: 0.5, Cooldown: time.Second, HalfOpenProbes: 0},
	}
	for i, cfg := range cases {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("case %d: expected panic for invalid config %+v", i, cfg)
				}
			}()
			New(cfg, nil, events.NewBus())
		}()
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b := newTestBreaker(Config{WindowSize: 2, MinRequests: 1, FailureThreshold: 0.5, Cooldown: time.Second, HalfOpenProbes: 1})
	now := time.Now()

	b.OnFailure("a", now)
	b.OnFailure("a", now)
	if b.State("a") != Open {
		t.Fatalf("expected a Open, got %v", b.State("a"))
	}
	if b.State("b") != Closed {
		t.Fatalf("expected b unaffected (Closed), got %v", b.State("b"))
	}
}

func TestBreaker_UpdateConfigRejectsInvalid(t *testing.T) {
	b := newTestBreaker(Config{WindowSize: 5, MinRequests: 2, FailureThreshold: 0.5, Cooldown: time.Second, HalfOpenProbes: 1})
	err := b.UpdateConfig(Config{WindowSize: 0, FailureThreshold: 0.5, Cooldown: time.Second, HalfOpenProbes: 1})
	if err == nil {
		t.Fatal("expected error for WindowSize <= 0")
	}
}

func TestBreaker_UpdateConfigResizesExistingWindow(t *testing.T) {
	b := newTestBreaker(Config{WindowSize: 5, MinRequests: 10, FailureThreshold: 0.5, Cooldown: time.Second, HalfOpenProbes: 1})
	now := time.Now()

	// Push failures under the old (small) window, below MinRequests so the
	// breaker stays Closed — we only care about the window's bookkeeping.
	b.OnFailure("k", now)
	b.OnFailure("k", now)
	if got := b.Snapshot()[0].WindowCount; got != 2 {
		t.Fatalf("expected WindowCount=2 before resize, got %d", got)
	}

	if err := b.UpdateConfig(Config{WindowSize: 20, MinRequests: 10, FailureThreshold: 0.5, Cooldown: time.Second, HalfOpenProbes: 1}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	snap := b.Snapshot()
	if snap[0].WindowCount != 0 {
		t.Fatalf("expected resize to discard history (WindowCount=0), got %d", snap[0].WindowCount)
	}

	for i := 0; i < 9; i++ {
		b.OnFailure("k", now)
	}
	if b.State("k") != Closed {
		t.Fatalf("expected Closed below the new MinRequests=10 bound, got %v", b.State("k"))
	}
	b.OnFailure("k", now)
	if b.State("k") != Open {
		t.Fatalf("expected Open once the new MinRequests=10 bound is reached, got %v", b.State("k"))
	}
}

package admission

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/c360/tokenstream/config"
	"github.com/c360/tokenstream/errors"
)

func testConfig() config.AdmissionConfig {
	return config.AdmissionConfig{
		MaxConcurrentSessions: 3,
		RateLimitWindow:       config.Duration(time.Minute),
		RateLimitMaxRequests:  2,
		PruneInterval:         config.Duration(time.Minute),
	}
}

func newTestController(t *testing.T, cfg config.AdmissionConfig, options ...Option) *Controller {
	t.Helper()
	c, err := New(context.Background(), cfg, options...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return c
}

func TestAdmit_EmptyClientID(t *testing.T) {
	c := newTestController(t, testConfig())
	if err := c.Admit(""); err == nil {
		t.Error("expected error for empty client id")
	}
}

func TestAdmit_RateLimit(t *testing.T) {
	c := newTestController(t, testConfig())

	if err := c.Admit("alice"); err != nil {
		t.Fatalf("first request should be admitted: %v", err)
	}
	if err := c.Admit("alice"); err != nil {
		t.Fatalf("second request should be admitted: %v", err)
	}

	err := c.Admit("alice")
	if !stderrors.Is(err, errors.ErrRateLimitExceeded) {
		t.Errorf("expected ErrRateLimitExceeded, got %v", err)
	}

	// Other clients have independent windows
	if err := c.Admit("bob"); err != nil {
		t.Errorf("bob should be admitted: %v", err)
	}

	stats := c.Stats()
	if stats.Admitted != 3 || stats.RateLimitRejected != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestAdmit_RejectionsDoNotExtendWindow(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := newTestController(t, testConfig(), withClock(clock))

	_ = c.Admit("alice")
	_ = c.Admit("alice")

	// Hammer while limited; rejections must not count as requests
	for i := 0; i < 5; i++ {
		if err := c.Admit("alice"); !stderrors.Is(err, errors.ErrRateLimitExceeded) {
			t.Fatalf("expected rate limit rejection, got %v", err)
		}
	}

	// Advance past the window; the original admissions age out
	now = now.Add(61 * time.Second)
	if err := c.Admit("alice"); err != nil {
		t.Errorf("expected admission after window elapsed: %v", err)
	}
}

func TestAdmit_SlidingWindowAgesOut(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := newTestController(t, testConfig(), withClock(clock))

	_ = c.Admit("alice")
	now = now.Add(40 * time.Second)
	_ = c.Admit("alice")

	// First admission still in window
	if err := c.Admit("alice"); !stderrors.Is(err, errors.ErrRateLimitExceeded) {
		t.Fatalf("expected rejection, got %v", err)
	}

	// 25s later the first admission (65s old) has aged out
	now = now.Add(25 * time.Second)
	if err := c.Admit("alice"); err != nil {
		t.Errorf("expected admission after oldest stamp aged out: %v", err)
	}
}

func TestAdmit_Capacity(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitMaxRequests = 100
	c := newTestController(t, cfg)

	for i, id := range []string{"a", "b", "c"} {
		if err := c.Admit(id); err != nil {
			t.Fatalf("admit %d failed: %v", i, err)
		}
	}

	err := c.Admit("d")
	if !stderrors.Is(err, errors.ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded, got %v", err)
	}
	if c.Active() != 3 {
		t.Errorf("expected 3 active, got %d", c.Active())
	}

	c.Release()
	if err := c.Admit("d"); err != nil {
		t.Errorf("expected admission after release: %v", err)
	}
}

func TestAdmit_RateLimitCheckedBeforeCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentSessions = 1
	c := newTestController(t, cfg)

	if err := c.Admit("alice"); err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	// Capacity is full AND alice still has window headroom;
	// capacity rejection applies
	if err := c.Admit("alice"); !stderrors.Is(err, errors.ErrCapacityExceeded) {
		t.Errorf("expected capacity rejection, got %v", err)
	}
	// Third request hits the rate limit first
	if err := c.Admit("alice"); !stderrors.Is(err, errors.ErrCapacityExceeded) {
		// Rejections don't count against the window, so capacity
		// still rejects before the limit trips
		t.Errorf("expected capacity rejection, got %v", err)
	}
}

func TestRelease_WithoutAdmit(t *testing.T) {
	c := newTestController(t, testConfig())

	// Must not panic or underflow
	c.Release()
	if c.Active() != 0 {
		t.Errorf("expected 0 active, got %d", c.Active())
	}
}

func TestPrune_RemovesStaleClients(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := newTestController(t, testConfig(), withClock(clock))

	_ = c.Admit("alice")
	_ = c.Admit("bob")

	now = now.Add(2 * time.Minute)
	c.prune()

	c.mu.Lock()
	remaining := len(c.clients)
	c.mu.Unlock()

	if remaining != 0 {
		t.Errorf("expected all stale clients pruned, %d remain", remaining)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentSessions = 0
	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("expected error for zero capacity")
	}

	cfg = testConfig()
	cfg.RateLimitMaxRequests = 0
	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("expected error for zero rate limit")
	}
}

package cache

import (
	"context"
	"testing"
	"time"
)

func newTestCache(t *testing.T, maxSize int, ttl time.Duration) Cache[string] {
	t.Helper()
	c, err := New[string](context.Background(), maxSize, ttl, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_BasicOperations(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	// Miss on empty cache
	if _, found := c.Get("missing"); found {
		t.Error("expected miss on empty cache")
	}

	// Set creates
	created, err := c.Set("a", "alpha")
	if err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if !created {
		t.Error("expected new entry on first set")
	}

	// Get hits
	value, found := c.Get("a")
	if !found || value != "alpha" {
		t.Errorf("expected alpha, got %q found=%v", value, found)
	}

	// Set updates
	created, err = c.Set("a", "alpha2")
	if err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if created {
		t.Error("expected update, not create")
	}
	value, _ = c.Get("a")
	if value != "alpha2" {
		t.Errorf("expected alpha2, got %q", value)
	}

	// Delete
	deleted, err := c.Delete("a")
	if err != nil || !deleted {
		t.Errorf("expected delete to succeed, deleted=%v err=%v", deleted, err)
	}
	deleted, _ = c.Delete("a")
	if deleted {
		t.Error("expected second delete to report missing key")
	}
}

func TestCache_EmptyKeyRejected(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	if _, err := c.Set("", "value"); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := c.Delete(""); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := newTestCache(t, 10, 30*time.Millisecond)

	if _, err := c.Set("k", "v"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, found := c.Get("k"); !found {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(50 * time.Millisecond)

	if _, found := c.Get("k"); found {
		t.Error("expected miss after TTL expiry")
	}
	if c.Stats().Evictions() == 0 {
		t.Error("expected expiry to count as eviction")
	}
}

func TestCache_PerEntryTTL(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	if _, err := c.SetWithTTL("short", "v", 30*time.Millisecond); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := c.Set("long", "v"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if _, found := c.Get("short"); found {
		t.Error("expected short-TTL entry to expire")
	}
	if _, found := c.Get("long"); !found {
		t.Error("expected default-TTL entry to survive")
	}
}

func TestCache_LRAEviction(t *testing.T) {
	c := newTestCache(t, 3, time.Minute)

	for _, k := range []string{"a", "b", "c"} {
		if _, err := c.Set(k, k); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}

	// Touch "a" so "b" becomes least recently accessed
	c.Get("a")

	if _, err := c.Set("d", "d"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	if _, found := c.Get("b"); found {
		t.Error("expected least recently accessed entry to be evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, found := c.Get(k); !found {
			t.Errorf("expected %q to survive eviction", k)
		}
	}
	if c.Size() != 3 {
		t.Errorf("expected size 3, got %d", c.Size())
	}
}

func TestCache_Keys(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	for _, k := range []string{"a", "b", "c"} {
		if _, err := c.Set(k, k); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}
	c.Get("a")

	keys := c.Keys()
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(keys))
	}
	if keys[0] != "a" {
		t.Errorf("expected most recently accessed key first, got %q", keys[0])
	}
}

func TestCache_Clear(t *testing.T) {
	evicted := make(map[string]string)
	c, err := New[string](context.Background(), 10, time.Minute, 10*time.Millisecond,
		WithEvictionCallback[string](func(key, value string) {
			evicted[key] = value
		}))
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	defer func() { _ = c.Close() }()

	_, _ = c.Set("a", "alpha")
	_, _ = c.Set("b", "beta")

	if err := c.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if c.Size() != 0 {
		t.Errorf("expected empty cache, got size %d", c.Size())
	}
	if len(evicted) != 2 {
		t.Errorf("expected eviction callbacks for all entries, got %d", len(evicted))
	}
}

// An eviction callback that reads the cache must not deadlock
// against the lock held during the evicting operation.
func TestCache_EvictionCallbackMayReenter(t *testing.T) {
	var c Cache[string]
	var err error
	var seen []string
	c, err = New[string](context.Background(), 2, time.Minute, 10*time.Millisecond,
		WithEvictionCallback[string](func(key, value string) {
			if _, found := c.Get("b"); !found {
				return
			}
			seen = append(seen, key)
		}))
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	defer func() { _ = c.Close() }()

	_, _ = c.Set("a", "alpha")
	_, _ = c.Set("b", "beta")

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Overflows the cache and fires the callback
		_, _ = c.Set("c", "gamma")
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("eviction callback deadlocked against the cache lock")
	}

	if len(seen) != 1 || seen[0] != "a" {
		t.Errorf("expected re-entrant callback for %q, got %v", "a", seen)
	}
}

func TestCache_JanitorRemovesExpired(t *testing.T) {
	c := newTestCache(t, 10, 20*time.Millisecond)

	_, _ = c.Set("k", "v")

	// Wait for the background janitor, not a Get, to purge the entry
	time.Sleep(80 * time.Millisecond)

	if c.Size() != 0 {
		t.Errorf("expected janitor to purge expired entry, size=%d", c.Size())
	}
}

func TestCache_Stats(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	_, _ = c.Set("a", "alpha")
	c.Get("a")
	c.Get("missing")

	stats := c.Stats()
	if stats.Hits() != 1 {
		t.Errorf("expected 1 hit, got %d", stats.Hits())
	}
	if stats.Misses() != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses())
	}
	if stats.Sets() != 1 {
		t.Errorf("expected 1 set, got %d", stats.Sets())
	}
	if ratio := stats.HitRatio(); ratio != 0.5 {
		t.Errorf("expected hit ratio 0.5, got %f", ratio)
	}

	summary := stats.Summary()
	if summary.CurrentSize != 1 {
		t.Errorf("expected current size 1, got %d", summary.CurrentSize)
	}
}

func TestCache_InvalidConfig(t *testing.T) {
	if _, err := New[string](context.Background(), 0, time.Minute, time.Second); err == nil {
		t.Error("expected error for zero maxSize")
	}
	if _, err := New[string](context.Background(), 10, 0, time.Second); err == nil {
		t.Error("expected error for zero ttl")
	}
}

func TestCache_CloseIdempotent(t *testing.T) {
	c, err := New[string](context.Background(), 10, time.Minute, time.Second)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("first close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}

package transport

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// recordingCanceller records which clients had their sessions cancelled.
type recordingCanceller struct {
	mu      sync.Mutex
	clients []string
	counts  map[string]int
}

func (c *recordingCanceller) CancelByClient(clientID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients = append(c.clients, clientID)
	if c.counts == nil {
		return 0
	}
	return c.counts[clientID]
}

func (c *recordingCanceller) cancelled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.clients))
	copy(out, c.clients)
	return out
}

func newTestRegistry(t *testing.T, idleTimeout time.Duration, options ...RegistryOption) *Registry {
	t.Helper()
	r, err := NewRegistry(context.Background(), idleTimeout, options...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRegistry_RegisterUnregister(t *testing.T) {
	r := newTestRegistry(t, time.Hour)

	r.Register("alice")
	r.Register("bob")
	if got := r.Len(); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}

	if !r.Unregister("alice") {
		t.Fatal("Unregister should report the connection existed")
	}
	if r.Unregister("alice") {
		t.Fatal("second Unregister should report missing")
	}
	if got := r.Len(); got != 1 {
		t.Fatalf("expected 1 connection, got %d", got)
	}
}

func TestRegistry_UnregisterCancelsSessions(t *testing.T) {
	canceller := &recordingCanceller{counts: map[string]int{"alice": 2}}
	r := newTestRegistry(t, time.Hour, WithCanceller(canceller))

	r.Register("alice")
	r.Bind("alice", "s1")
	r.Bind("alice", "s2")

	r.Unregister("alice")

	if diff := cmp.Diff([]string{"alice"}, canceller.cancelled()); diff != "" {
		t.Fatalf("cancelled clients mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_HeartbeatEWMA(t *testing.T) {
	r := newTestRegistry(t, time.Hour)
	r.Register("alice")

	// First sample seeds the average
	r.Heartbeat("alice", 100*time.Millisecond)
	m, ok := r.Metrics("alice")
	if !ok {
		t.Fatal("expected metrics for alice")
	}
	if m.Latency != 100*time.Millisecond {
		t.Fatalf("expected seeded latency 100ms, got %v", m.Latency)
	}

	// 0.2*200ms + 0.8*100ms = 120ms
	r.Heartbeat("alice", 200*time.Millisecond)
	m, _ = r.Metrics("alice")
	if m.Latency != 120*time.Millisecond {
		t.Fatalf("expected folded latency 120ms, got %v", m.Latency)
	}

	// Zero rtt refreshes activity without touching latency
	before := m.Latency
	r.Touch("alice")
	m, _ = r.Metrics("alice")
	if m.Latency != before {
		t.Fatalf("Touch changed latency: %v -> %v", before, m.Latency)
	}

	// Unknown clients are ignored
	r.Heartbeat("ghost", time.Second)
	if _, ok := r.Metrics("ghost"); ok {
		t.Fatal("heartbeat must not create an entry")
	}
}

func TestRegistry_RecordSend(t *testing.T) {
	r := newTestRegistry(t, time.Hour)
	r.Register("alice")

	r.RecordSend("alice", 100)
	r.RecordSend("alice", 250)

	m, _ := r.Metrics("alice")
	if m.MessagesSent != 2 || m.BytesSent != 350 {
		t.Fatalf("expected 2 messages / 350 bytes, got %d / %d",
			m.MessagesSent, m.BytesSent)
	}
}

func TestRegistry_RecordReceive(t *testing.T) {
	r := newTestRegistry(t, 30*time.Millisecond)
	r.Register("alice")

	r.RecordReceive("alice", 40)
	r.RecordReceive("alice", 60)

	m, _ := r.Metrics("alice")
	if m.MessagesReceived != 2 || m.BytesReceived != 100 {
		t.Fatalf("expected 2 messages / 100 bytes received, got %d / %d",
			m.MessagesReceived, m.BytesReceived)
	}

	// Inbound traffic counts as activity
	time.Sleep(50 * time.Millisecond)
	r.RecordReceive("alice", 10)
	r.sweep()
	if _, ok := r.Metrics("alice"); !ok {
		t.Fatal("receiving client must survive the sweep")
	}

	// Unknown clients are ignored
	r.RecordReceive("ghost", 10)
	if _, ok := r.Metrics("ghost"); ok {
		t.Fatal("receive must not create an entry")
	}
}

func TestRegistry_BindUnbind(t *testing.T) {
	r := newTestRegistry(t, time.Hour)
	r.Register("alice")

	r.Bind("alice", "s1")
	r.Bind("alice", "s2")
	r.Unbind("alice", "s1")

	m, _ := r.Metrics("alice")
	if diff := cmp.Diff([]string{"s2"}, m.Sessions); diff != "" {
		t.Fatalf("bound sessions mismatch (-want +got):\n%s", diff)
	}

	// Binding to an unknown client is a no-op
	r.Bind("ghost", "s3")
	if _, ok := r.Metrics("ghost"); ok {
		t.Fatal("bind must not create an entry")
	}
}

func TestRegistry_SweepReapsIdle(t *testing.T) {
	canceller := &recordingCanceller{}
	r := newTestRegistry(t, 30*time.Millisecond, WithCanceller(canceller))

	r.Register("stale")
	time.Sleep(50 * time.Millisecond)
	r.Register("fresh")

	r.sweep()

	if got := r.Len(); got != 1 {
		t.Fatalf("expected only the fresh connection, got %d", got)
	}
	if _, ok := r.Metrics("fresh"); !ok {
		t.Fatal("fresh connection was reaped")
	}
	if diff := cmp.Diff([]string{"stale"}, canceller.cancelled()); diff != "" {
		t.Fatalf("reaped clients mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_SweepNotifiesIdleHandler(t *testing.T) {
	r := newTestRegistry(t, 30*time.Millisecond)

	var mu sync.Mutex
	var reaped []string
	r.AttachIdleHandler(func(clientID string) {
		mu.Lock()
		reaped = append(reaped, clientID)
		mu.Unlock()
	})

	r.Register("stale")
	time.Sleep(50 * time.Millisecond)

	r.sweep()

	mu.Lock()
	got := append([]string(nil), reaped...)
	mu.Unlock()
	if diff := cmp.Diff([]string{"stale"}, got); diff != "" {
		t.Fatalf("reaped clients mismatch (-want +got):\n%s", diff)
	}
	// The handler owns teardown, so the sweep itself leaves the entry alone.
	if _, ok := r.Metrics("stale"); !ok {
		t.Fatal("sweep must not unregister when a handler is attached")
	}
}

func TestRegistry_SweepKeepsActive(t *testing.T) {
	r := newTestRegistry(t, 40*time.Millisecond)

	r.Register("alice")
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		r.Touch("alice")
		r.sweep()
	}

	if _, ok := r.Metrics("alice"); !ok {
		t.Fatal("active connection must survive the sweep")
	}
}

func TestRegistry_AllMetrics(t *testing.T) {
	r := newTestRegistry(t, time.Hour)
	r.Register("alice")
	r.Register("bob")

	all := r.AllMetrics()
	ids := make([]string, 0, len(all))
	for _, m := range all {
		ids = append(ids, m.ClientID)
	}
	sort.Strings(ids)
	if diff := cmp.Diff([]string{"alice", "bob"}, ids); diff != "" {
		t.Fatalf("clients mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_InvalidTimeout(t *testing.T) {
	if _, err := NewRegistry(context.Background(), 0); err == nil {
		t.Fatal("expected error for zero idle timeout")
	}
}

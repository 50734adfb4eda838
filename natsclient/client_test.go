package natsclient

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/c360/tokenstream/config"
	"github.com/c360/tokenstream/session"
)

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(config.NATSConfig{}); err == nil {
		t.Fatal("expected error for empty URL list")
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(config.NATSConfig{URLs: []string{"nats://localhost:4222"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if c.maxReconnects != -1 {
		t.Fatalf("expected infinite reconnects, got %d", c.maxReconnects)
	}
	if c.reconnectWait != 2*time.Second {
		t.Fatalf("expected 2s reconnect wait, got %v", c.reconnectWait)
	}
	if c.Status() != StatusDisconnected {
		t.Fatalf("new client should be disconnected, got %v", c.Status())
	}
	if c.IsHealthy() {
		t.Fatal("new client must not report healthy")
	}
}

func TestNew_JoinsURLs(t *testing.T) {
	c, err := New(config.NATSConfig{
		URLs: []string{"nats://a:4222", "nats://b:4222"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.URL(); got != "nats://a:4222,nats://b:4222" {
		t.Fatalf("unexpected URL list: %s", got)
	}
}

func TestConnectionStatus_String(t *testing.T) {
	cases := map[ConnectionStatus]string{
		StatusDisconnected:    "disconnected",
		StatusConnecting:      "connecting",
		StatusConnected:       "connected",
		StatusReconnecting:    "reconnecting",
		ConnectionStatus(127): "unknown",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("status %d: expected %q, got %q", status, want, got)
		}
	}
}

func TestPublish_NotConnected(t *testing.T) {
	c, err := New(config.NATSConfig{URLs: []string{"nats://localhost:4222"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = c.Publish(context.Background(), "tokenstream.test", []byte("payload"))
	if !stderrors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestJetStream_NotInitialized(t *testing.T) {
	c, err := New(config.NATSConfig{URLs: []string{"nats://localhost:4222"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.JetStream(); err == nil {
		t.Fatal("expected error before Connect")
	}
}

func TestClose_BeforeConnect(t *testing.T) {
	c, err := New(config.NATSConfig{URLs: []string{"nats://localhost:4222"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close before Connect should be a no-op, got %v", err)
	}
	// Idempotent
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSessionSubject(t *testing.T) {
	cases := map[string]string{
		"completed": "tokenstream.sessions.completed",
		"errored":   "tokenstream.sessions.errored",
		"":          "tokenstream.sessions.unknown",
	}
	for state, want := range cases {
		if got := SessionSubject(state); got != want {
			t.Errorf("state %q: expected %q, got %q", state, want, got)
		}
	}
}

func TestEventPublisher_RequiresClient(t *testing.T) {
	if _, err := NewEventPublisher(nil); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestEventPublisher_NotConnected(t *testing.T) {
	c, err := New(config.NATSConfig{URLs: []string{"nats://localhost:4222"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, err := NewEventPublisher(c)
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}

	err = p.PublishSessionEvent(context.Background(), session.Snapshot{
		ID:    "s1",
		State: session.StateCompleted,
	})
	if !stderrors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected in chain, got %v", err)
	}
}

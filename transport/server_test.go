package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/tokenstream/config"
	"github.com/c360/tokenstream/session"
)

// stubSessions records start/cancel calls without running generations.
type stubSessions struct {
	mu        sync.Mutex
	starts    []session.StartRequest
	cancelled []string
	startErr  error
}

func (s *stubSessions) Start(req session.StartRequest) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.starts = append(s.starts, req)
	return session.NewSession(req, session.StrategySequential, nil), nil
}

func (s *stubSessions) Cancel(sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, sessionID)
	return true, nil
}

func (s *stubSessions) Get(sessionID string) (session.Snapshot, error) {
	return session.Snapshot{ID: sessionID, State: session.StateActive}, nil
}

type serverFixture struct {
	server   *Server
	sessions *stubSessions
	http     *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	return newServerFixtureWith(t, nil)
}

func newServerFixtureWith(t *testing.T, mutate func(*config.TransportConfig)) *serverFixture {
	t.Helper()

	cfg := config.TransportConfig{
		ListenAddr:           "127.0.0.1:0",
		Path:                 "/ws",
		BatchSize:            10,
		BatchTimeout:         config.Duration(50 * time.Millisecond),
		CompressionThreshold: 1 << 20,
		ConnectionTimeout:    config.Duration(10 * time.Second),
		SendTimeout:          config.Duration(time.Second),
		QueueSize:            16,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	registry, err := NewRegistry(context.Background(), 10*time.Second)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close() })

	srv, err := NewServer(cfg, registry)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	batcher, err := NewBatcher(cfg, srv)
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}
	t.Cleanup(func() { _ = batcher.Close() })

	sessions := &stubSessions{}
	srv.AttachSessions(sessions)
	srv.AttachBatcher(batcher)

	// Drive the handler through httptest instead of the full listener
	srv.shutdown = make(chan struct{})
	srv.wg = &sync.WaitGroup{}
	t.Cleanup(func() { close(srv.shutdown) })

	hs := httptest.NewServer(http.HandlerFunc(srv.handleUpgrade))
	t.Cleanup(hs.Close)

	return &serverFixture{server: srv, sessions: sessions, http: hs}
}

func (f *serverFixture) dial(t *testing.T, clientID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "?client_id=" + clientID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env Envelope, payload any) {
	t.Helper()
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		env.Payload = data
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func TestServer_StartSession(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t, "alice")

	sendEnvelope(t, conn, Envelope{Type: msgTypeStart, ID: "req-1"}, StartPayload{
		Prompt:       "hello world",
		SystemPrompt: "be terse",
		Strategy:     "sequential",
		Priority:     3,
	})

	reply := readEnvelope(t, conn)
	if reply.Type != msgTypeSession || reply.ID != "req-1" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	var p SessionPayload
	if err := json.Unmarshal(reply.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.SessionID == "" || p.State != "active" {
		t.Fatalf("unexpected session payload: %+v", p)
	}

	f.sessions.mu.Lock()
	defer f.sessions.mu.Unlock()
	if len(f.sessions.starts) != 1 {
		t.Fatalf("expected 1 start, got %d", len(f.sessions.starts))
	}
	if got := f.sessions.starts[0].ClientID; got != "alice" {
		t.Fatalf("client identity not propagated, got %q", got)
	}
	if got := f.sessions.starts[0].Prompt; got != "hello world" {
		t.Fatalf("prompt not propagated, got %q", got)
	}
	if got := f.sessions.starts[0].SystemPrompt; got != "be terse" {
		t.Fatalf("system prompt not propagated, got %q", got)
	}
	if got := f.sessions.starts[0].Priority; got != 3 {
		t.Fatalf("priority not propagated, got %d", got)
	}
}

func TestServer_StartRejection(t *testing.T) {
	f := newServerFixture(t)
	f.sessions.startErr = context.DeadlineExceeded
	conn := f.dial(t, "alice")

	sendEnvelope(t, conn, Envelope{Type: msgTypeStart, ID: "req-1"}, StartPayload{Prompt: "x"})

	reply := readEnvelope(t, conn)
	if reply.Type != msgTypeError || reply.ID != "req-1" {
		t.Fatalf("expected error reply, got %+v", reply)
	}
}

func TestServer_Cancel(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t, "alice")

	sendEnvelope(t, conn, Envelope{Type: msgTypeCancel, ID: "req-2"},
		SessionPayload{SessionID: "sess-123"})

	reply := readEnvelope(t, conn)
	if reply.Type != msgTypeCancelled {
		t.Fatalf("expected cancelled reply, got %+v", reply)
	}
	var p SessionPayload
	if err := json.Unmarshal(reply.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !p.Cancelled || p.SessionID != "sess-123" {
		t.Fatalf("unexpected cancel payload: %+v", p)
	}
}

func TestServer_Heartbeat(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t, "alice")

	sendEnvelope(t, conn, Envelope{
		Type:      msgTypeHeartbeat,
		ID:        "hb-1",
		Timestamp: time.Now().Add(-50 * time.Millisecond).UnixMilli(),
	}, nil)

	reply := readEnvelope(t, conn)
	if reply.Type != msgTypeHeartbeat || reply.ID != "hb-1" {
		t.Fatalf("expected heartbeat echo, got %+v", reply)
	}

	m, ok := f.server.registry.Metrics("alice")
	if !ok {
		t.Fatal("connection not registered")
	}
	if m.Latency <= 0 {
		t.Fatalf("expected recorded latency, got %v", m.Latency)
	}
	if m.MessagesReceived != 1 || m.BytesReceived <= 0 {
		t.Fatalf("inbound traffic not accounted: %d messages, %d bytes",
			m.MessagesReceived, m.BytesReceived)
	}
}

func TestServer_UnknownMessageType(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t, "alice")

	sendEnvelope(t, conn, Envelope{Type: "bogus", ID: "req-9"}, nil)

	reply := readEnvelope(t, conn)
	if reply.Type != msgTypeError {
		t.Fatalf("expected error reply, got %+v", reply)
	}
	var p ErrorPayload
	if err := json.Unmarshal(reply.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !strings.Contains(p.Message, "bogus") {
		t.Fatalf("error should name the bad type, got %q", p.Message)
	}
}

func TestServer_SendFrameReachesClient(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t, "alice")

	// Wait until the connection is registered
	deadline := time.Now().Add(time.Second)
	for f.server.registry.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	payload := []byte(`{"type":"batch","count":0}`)
	if err := f.server.SendFrame(context.Background(), "alice", payload, false); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Fatalf("expected text frame, got %d", messageType)
	}
	if string(data) != string(payload) {
		t.Fatalf("payload mismatch: %s", data)
	}
}

func TestServer_SendFrameUnknownClient(t *testing.T) {
	f := newServerFixture(t)

	err := f.server.SendFrame(context.Background(), "ghost", []byte("x"), false)
	if err == nil {
		t.Fatal("expected error for unknown client")
	}
}

// A client that stops draining must lose its connection, never frames
// out of the middle of its stream.
func TestServer_BackpressureDropsConnection(t *testing.T) {
	f := newServerFixtureWith(t, func(cfg *config.TransportConfig) {
		cfg.QueueSize = 2
		cfg.SendTimeout = config.Duration(50 * time.Millisecond)
	})
	f.dial(t, "alice")
	waitForConns(t, f.server.registry, 1)

	f.server.connsMu.RLock()
	c := f.server.conns["alice"]
	f.server.connsMu.RUnlock()
	if c == nil {
		t.Fatal("connection not tracked")
	}

	// Fill the queue without waking the writer, then attempt one more
	for i := 0; i < 2; i++ {
		if err := c.queue.Write(outFrame{payload: []byte("fill")}); err != nil {
			t.Fatalf("fill write %d: %v", i, err)
		}
	}

	err := f.server.SendFrame(context.Background(), "alice", []byte("overflow"), false)
	if err == nil {
		t.Fatal("expected enqueue failure under sustained backpressure")
	}

	waitForConns(t, f.server.registry, 0)
	f.server.connsMu.RLock()
	_, still := f.server.conns["alice"]
	f.server.connsMu.RUnlock()
	if still {
		t.Fatal("stalled connection should be removed")
	}
}

// An idle reap must close the socket and flush through the same
// teardown path as a read failure, not just forget the registry entry.
func TestServer_IdleReapClosesSocket(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t, "alice")
	waitForConns(t, f.server.registry, 1)

	reg := f.server.registry
	reg.mu.Lock()
	if entry, ok := reg.entries["alice"]; ok {
		entry.lastActivity = time.Now().Add(-time.Hour)
	}
	reg.mu.Unlock()

	reg.sweep()

	if reg.Len() != 0 {
		t.Fatalf("expected empty registry after reap, got %d", reg.Len())
	}
	f.server.connsMu.RLock()
	_, still := f.server.conns["alice"]
	f.server.connsMu.RUnlock()
	if still {
		t.Fatal("reaped connection should be removed from the server")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected closed socket after idle reap")
	}
}

func waitForConns(t *testing.T, r *Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Len() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry never reached %d connections, have %d", want, r.Len())
}

package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/tokenstream/errors"
	"github.com/c360/tokenstream/metric"
)

// ewmaAlpha weights new latency samples against the running average.
const ewmaAlpha = 0.2

// SessionCanceller aborts every active session bound to a client. The
// session manager satisfies it.
type SessionCanceller interface {
	CancelByClient(clientID string) int
}

// IdleHandler is invoked when a connection has been silent past the
// idle timeout. The transport server installs one so the same teardown
// path that handles read failures also owns idle reaps.
type IdleHandler func(clientID string)

// ConnMetrics is a per-connection activity snapshot.
type ConnMetrics struct {
	ClientID         string        `json:"clientId"`
	ConnectedAt      time.Time     `json:"connectedAt"`
	LastActivity     time.Time     `json:"lastActivity"`
	MessagesSent     int64         `json:"messagesSent"`
	BytesSent        int64         `json:"bytesSent"`
	MessagesReceived int64         `json:"messagesReceived"`
	BytesReceived    int64         `json:"bytesReceived"`
	Latency          time.Duration `json:"latency"`
	Sessions         []string      `json:"sessions,omitempty"`
}

// connEntry is the registry's record of one live connection.
type connEntry struct {
	clientID         string
	connectedAt      time.Time
	lastActivity     time.Time
	messagesSent     int64
	bytesSent        int64
	messagesReceived int64
	bytesReceived    int64
	latency          time.Duration
	sessions         map[string]struct{}
}

// RegistryOption configures the Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the structured logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryMetrics enables prometheus metrics via the shared core metrics.
func WithRegistryMetrics(m *metric.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithCanceller attaches the session canceller invoked when an idle
// connection is reaped.
func WithCanceller(c SessionCanceller) RegistryOption {
	return func(r *Registry) {
		r.canceller = c
	}
}

// Registry tracks live connections: activity, send counters, heartbeat
// latency, and the sessions bound to each connection. A background
// sweep removes connections idle past the configured timeout and
// cancels their bound sessions.
type Registry struct {
	idleTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*connEntry

	canceller   SessionCanceller
	idleHandler IdleHandler
	logger      *slog.Logger
	metrics     *metric.Metrics

	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a registry and starts its idle sweep. The sweep
// runs at half the idle timeout.
func NewRegistry(ctx context.Context, idleTimeout time.Duration, options ...RegistryOption) (*Registry, error) {
	if idleTimeout <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "ConnectionRegistry", "New",
			"idle timeout must be positive")
	}

	r := &Registry{
		idleTimeout: idleTimeout,
		entries:     make(map[string]*connEntry),
		logger:      slog.Default(),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(r)
	}

	go r.sweepLoop(ctx, idleTimeout/2)
	return r, nil
}

// AttachCanceller sets the session canceller after construction. The
// registry is created before the session manager, so the canceller
// arrives late during wiring.
func (r *Registry) AttachCanceller(c SessionCanceller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceller = c
}

// AttachIdleHandler routes idle reaps through the given handler, which
// becomes responsible for closing the socket and unregistering the
// connection. Without a handler the sweep unregisters entries directly.
func (r *Registry) AttachIdleHandler(h IdleHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idleHandler = h
}

// Register adds a connection. Registering an existing client replaces
// the old entry; the caller is responsible for closing the old socket.
func (r *Registry) Register(clientID string) {
	now := time.Now()

	r.mu.Lock()
	r.entries[clientID] = &connEntry{
		clientID:     clientID,
		connectedAt:  now,
		lastActivity: now,
		sessions:     make(map[string]struct{}),
	}
	count := len(r.entries)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ConnectionsActive.Set(float64(count))
	}
	r.logger.Info("connection registered", "client", clientID, "connections", count)
}

// Unregister removes a connection and returns whether it existed.
// Bound sessions are cancelled.
func (r *Registry) Unregister(clientID string) bool {
	r.mu.Lock()
	_, existed := r.entries[clientID]
	delete(r.entries, clientID)
	count := len(r.entries)
	canceller := r.canceller
	r.mu.Unlock()

	if !existed {
		return false
	}

	if r.metrics != nil {
		r.metrics.ConnectionsActive.Set(float64(count))
	}
	if canceller != nil {
		if n := canceller.CancelByClient(clientID); n > 0 {
			r.logger.Info("cancelled sessions for closed connection",
				"client", clientID, "sessions", n)
		}
	}
	return true
}

// Heartbeat records client liveness and folds the measured round-trip
// into the latency EWMA. A zero rtt only refreshes activity.
func (r *Registry) Heartbeat(clientID string, rtt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[clientID]
	if !ok {
		return
	}
	entry.lastActivity = time.Now()
	if rtt > 0 {
		if entry.latency == 0 {
			entry.latency = rtt
		} else {
			entry.latency = time.Duration(
				ewmaAlpha*float64(rtt) + (1-ewmaAlpha)*float64(entry.latency))
		}
	}
}

// Touch refreshes a connection's activity timestamp.
func (r *Registry) Touch(clientID string) {
	r.Heartbeat(clientID, 0)
}

// RecordSend accounts one outbound frame.
func (r *Registry) RecordSend(clientID string, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[clientID]
	if !ok {
		return
	}
	entry.messagesSent++
	entry.bytesSent += int64(bytes)
	entry.lastActivity = time.Now()
}

// RecordReceive accounts one inbound frame and refreshes activity.
func (r *Registry) RecordReceive(clientID string, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[clientID]
	if !ok {
		return
	}
	entry.messagesReceived++
	entry.bytesReceived += int64(bytes)
	entry.lastActivity = time.Now()
}

// Bind associates a session with a connection so an idle reap can
// cancel it.
func (r *Registry) Bind(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[clientID]; ok {
		entry.sessions[sessionID] = struct{}{}
	}
}

// Unbind removes a finished session from its connection.
func (r *Registry) Unbind(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[clientID]; ok {
		delete(entry.sessions, sessionID)
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Metrics returns a snapshot for a single connection.
func (r *Registry) Metrics(clientID string) (ConnMetrics, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[clientID]
	if !ok {
		return ConnMetrics{}, false
	}
	return entry.snapshot(), true
}

// AllMetrics returns snapshots for every live connection.
func (r *Registry) AllMetrics() []ConnMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ConnMetrics, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.snapshot())
	}
	return out
}

func (e *connEntry) snapshot() ConnMetrics {
	sessions := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		sessions = append(sessions, id)
	}
	return ConnMetrics{
		ClientID:         e.clientID,
		ConnectedAt:      e.connectedAt,
		LastActivity:     e.lastActivity,
		MessagesSent:     e.messagesSent,
		BytesSent:        e.bytesSent,
		MessagesReceived: e.messagesReceived,
		BytesReceived:    e.bytesReceived,
		Latency:          e.latency,
		Sessions:         sessions,
	}
}

// Close stops the idle sweep.
func (r *Registry) Close() error {
	r.stopOnce.Do(func() {
		close(r.shutdown)
	})

	select {
	case <-r.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.WrapTransient(errors.ErrShuttingDown, "ConnectionRegistry", "Close",
			"timeout waiting for sweep loop")
	}
}

func (r *Registry) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(r.done)

	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.shutdown:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep reaps connections idle past the timeout. With an idle handler
// attached, teardown is delegated to it; otherwise the entry is
// unregistered here and its bound sessions cancelled.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.idleTimeout)

	r.mu.Lock()
	var idle []string
	for clientID, entry := range r.entries {
		if entry.lastActivity.Before(cutoff) {
			idle = append(idle, clientID)
		}
	}
	handler := r.idleHandler
	r.mu.Unlock()

	for _, clientID := range idle {
		r.logger.Warn("reaping idle connection", "client", clientID)
		if handler != nil {
			handler(clientID)
			continue
		}
		r.Unregister(clientID)
	}
}

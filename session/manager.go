package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/tokenstream/admission"
	"github.com/c360/tokenstream/config"
	"github.com/c360/tokenstream/errors"
	"github.com/c360/tokenstream/generator"
	"github.com/c360/tokenstream/metric"
	"github.com/c360/tokenstream/pkg/worker"
	"github.com/c360/tokenstream/respcache"
)

// Sink receives chunks for delivery to a client. The transport layer
// implements it; tests substitute an in-memory recorder.
type Sink interface {
	// Deliver hands one chunk to the transport for the session's
	// client. Delivery failures abort the session.
	Deliver(ctx context.Context, clientID string, chunk Chunk) error
}

// Publisher emits session lifecycle events to interested subscribers.
type Publisher interface {
	// PublishSessionEvent publishes a terminal-state event. Best
	// effort; failures are logged, never propagated to the session.
	PublishSessionEvent(ctx context.Context, snap Snapshot) error
}

// StartRequest carries everything needed to begin a session.
type StartRequest struct {
	ClientID     string
	Prompt       string
	SystemPrompt string
	Strategy     Strategy
	Model        string
	MaxTokens    int
	Temperature  float64

	// Priority orders batches when the transport is contended; zero is
	// normal priority
	Priority int
}

// Option configures the Manager.
type Option func(*Manager)

// WithCache attaches a response cache for write-through and replay.
func WithCache(rc *respcache.ResponseCache) Option {
	return func(m *Manager) {
		m.cache = rc
	}
}

// WithPublisher attaches a lifecycle event publisher.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics enables prometheus metrics via the shared core metrics.
func WithMetrics(mx *metric.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mx
	}
}

// generationTask is one sub-prompt generation queued on the shared pool.
type generationTask struct {
	ctx context.Context
	run func(context.Context)
}

// Manager owns all live sessions. It admits requests, runs generation
// strategies, paces delivery, and sweeps timed-out sessions.
type Manager struct {
	cfg       config.SessionConfig
	admission *admission.Controller
	gen       generator.Generator
	sink      Sink

	cache     *respcache.ResponseCache
	publisher Publisher
	logger    *slog.Logger
	metrics   *metric.Metrics

	// pool bounds concurrent sub-prompt generation across all
	// parallel sessions
	pool *worker.Pool[generationTask]

	mu       sync.Mutex
	sessions map[string]*Session

	baseCtx  context.Context
	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a session manager and starts its timeout sweep
// and generation pool.
func NewManager(ctx context.Context, cfg config.SessionConfig, adm *admission.Controller,
	gen generator.Generator, sink Sink, options ...Option) (*Manager, error) {
	if adm == nil || gen == nil || sink == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "SessionManager", "New",
			"admission controller, generator, and sink are required")
	}
	if cfg.ChunkSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "SessionManager", "New",
			"chunk size must be positive")
	}

	m := &Manager{
		cfg:       cfg,
		admission: adm,
		gen:       gen,
		sink:      sink,
		logger:    slog.Default(),
		sessions:  make(map[string]*Session),
		baseCtx:   ctx,
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	for _, opt := range options {
		opt(m)
	}

	workers := cfg.ParallelWorkers
	if workers <= 0 {
		workers = cfg.ParallelSplits
	}
	m.pool = worker.NewPool(workers, workers*4, func(ctx context.Context, task generationTask) error {
		task.run(task.ctx)
		return nil
	})
	if err := m.pool.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "SessionManager", "New", "start generation pool")
	}

	sweep := cfg.SweepInterval.Std()
	if sweep <= 0 {
		sweep = 5 * time.Second
	}
	go m.sweepLoop(ctx, sweep)

	return m, nil
}

// Start admits and launches a new session. The returned session is
// already running; chunks flow to the sink asynchronously.
func (m *Manager) Start(req StartRequest) (*Session, error) {
	select {
	case <-m.shutdown:
		return nil, errors.WrapTransient(errors.ErrShuttingDown, "SessionManager", "Start",
			"manager is shutting down")
	default:
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategySequential
	}
	if strategy != StrategySequential && strategy != StrategyParallel {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "SessionManager", "Start",
			"unknown strategy: "+string(strategy))
	}

	if err := m.admission.Admit(req.ClientID); err != nil {
		return nil, errors.Wrap(err, "SessionManager", "Start", "admission check failed")
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	sess := NewSession(req, strategy, cancel)

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	// ALWAYS track in stats via metrics helper when enabled
	if m.metrics != nil {
		m.metrics.RecordSessionStart()
	}

	m.logger.Info("session started",
		"session", sess.ID, "client", req.ClientID, "strategy", strategy)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		switch strategy {
		case StrategyParallel:
			m.runParallel(ctx, sess, req)
		default:
			m.runSequential(ctx, sess, req)
		}
	}()

	return sess, nil
}

// Get returns a snapshot of the session, or ErrSessionNotFound.
func (m *Manager) Get(sessionID string) (Snapshot, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, errors.WrapInvalid(errors.ErrSessionNotFound, "SessionManager", "Get",
			"no session with id "+sessionID)
	}
	return sess.Snapshot(), nil
}

// Cancel aborts an active session. The first call on an active session
// returns true; calls on a session that is already terminal return
// false with no error. Unknown sessions return ErrSessionNotFound.
func (m *Manager) Cancel(sessionID string) (bool, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return false, errors.WrapInvalid(errors.ErrSessionNotFound, "SessionManager", "Cancel",
			"no session with id "+sessionID)
	}

	if !m.finish(sess, StateCancelled, errors.ErrSessionCancelled) {
		return false, nil
	}
	sess.cancel()
	return true, nil
}

// CancelByClient cancels every active session bound to a client.
// Used by the transport layer when a connection goes away.
func (m *Manager) CancelByClient(clientID string) int {
	m.mu.Lock()
	var targets []*Session
	for _, sess := range m.sessions {
		if sess.ClientID == clientID && !sess.State().Terminal() {
			targets = append(targets, sess)
		}
	}
	m.mu.Unlock()

	cancelled := 0
	for _, sess := range targets {
		if m.finish(sess, StateCancelled, errors.ErrSessionCancelled) {
			sess.cancel()
			cancelled++
		}
	}
	return cancelled
}

// ActiveCount returns the number of non-terminal sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, sess := range m.sessions {
		if !sess.State().Terminal() {
			n++
		}
	}
	return n
}

// Close stops accepting sessions, cancels running ones, and waits for
// strategy goroutines to drain.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() {
		close(m.shutdown)
	})

	m.mu.Lock()
	var active []*Session
	for _, sess := range m.sessions {
		if !sess.State().Terminal() {
			active = append(active, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range active {
		if m.finish(sess, StateCancelled, errors.ErrShuttingDown) {
			sess.cancel()
		}
	}

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		return errors.WrapTransient(errors.ErrShuttingDown, "SessionManager", "Close",
			"timeout waiting for session goroutines")
	}

	return m.pool.Stop(5 * time.Second)
}

// finish applies a terminal transition. Exactly the winning caller
// releases the admission slot, records metrics, and publishes the
// lifecycle event.
func (m *Manager) finish(sess *Session, to State, cause error) bool {
	if !sess.transition(to, cause) {
		return false
	}

	m.admission.Release()

	if m.metrics != nil {
		m.metrics.RecordSessionEnd(string(to), string(sess.Strategy))
	}

	level := slog.LevelInfo
	if to == StateErrored {
		level = slog.LevelWarn
	}
	m.logger.Log(context.Background(), level, "session finished",
		"session", sess.ID, "state", to, "error", cause)

	if m.publisher != nil {
		snap := sess.Snapshot()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.publisher.PublishSessionEvent(ctx, snap); err != nil {
				m.logger.Warn("session event publish failed",
					"session", snap.ID, "error", err)
			}
		}()
	}

	return true
}

// sweepLoop periodically times out stale sessions and reaps terminal
// ones past the retention window.
func (m *Manager) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	timeout := m.cfg.SessionTimeout.Std()
	retention := timeout
	if retention < time.Minute {
		retention = time.Minute
	}
	now := time.Now()

	m.mu.Lock()
	var stale []*Session
	for id, sess := range m.sessions {
		if sess.State().Terminal() {
			if ended := sess.endedAtLocked(); !ended.IsZero() && now.Sub(ended) > retention {
				delete(m.sessions, id)
			}
			continue
		}
		if now.Sub(sess.StartedAt()) > timeout {
			stale = append(stale, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range stale {
		if m.finish(sess, StateTimedOut, errors.ErrSessionTimeout) {
			sess.cancel()
			m.logger.Warn("session timed out", "session", sess.ID,
				"age", now.Sub(sess.StartedAt()))
		}
	}
}

// deliver sends one chunk through the sink and records it against the
// session's chunk accounting.
func (m *Manager) deliver(ctx context.Context, sess *Session, chunk Chunk) error {
	start := time.Now()
	if err := m.sink.Deliver(ctx, sess.ClientID, chunk); err != nil {
		return errors.Wrap(err, "SessionManager", "deliver", "sink delivery failed")
	}
	sess.recordChunk(len(chunk.Content), time.Since(start))

	if m.metrics != nil {
		m.metrics.RecordChunkDelivered(string(sess.Strategy), chunk.Source)
	}
	return nil
}

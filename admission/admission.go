// Package admission gates session creation with a per-client sliding
// window rate limit and a global concurrent session ceiling.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/tokenstream/config"
	"github.com/c360/tokenstream/errors"
	"github.com/c360/tokenstream/metric"
)

// Option configures the Controller.
type Option func(*Controller)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithMetrics enables prometheus metrics via the shared core metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// withClock overrides the time source for tests.
func withClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// Controller admits or rejects incoming session requests.
//
// Each client has a sliding window of admission timestamps; a request
// is rejected when the window already holds maxRequests admissions.
// Rejected requests are not recorded, so a client hammering the
// endpoint does not push its own window forward. Admitted requests
// also consume one of the global capacity slots until Release is
// called.
type Controller struct {
	maxSessions int
	window      time.Duration
	maxRequests int

	mu      sync.Mutex
	active  int
	clients map[string][]time.Time

	now func() time.Time

	logger  *slog.Logger
	metrics *metric.Metrics
	stats   Statistics

	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Statistics tracks admission decisions. Guarded by the controller mutex.
type Statistics struct {
	Admitted          int64 `json:"admitted"`
	RateLimitRejected int64 `json:"rateLimitRejected"`
	CapacityRejected  int64 `json:"capacityRejected"`
	Released          int64 `json:"released"`
}

// New creates a controller and starts its background prune sweep.
func New(ctx context.Context, cfg config.AdmissionConfig, options ...Option) (*Controller, error) {
	if cfg.MaxConcurrentSessions <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "AdmissionController", "New",
			fmt.Sprintf("max concurrent sessions must be positive, got %d", cfg.MaxConcurrentSessions))
	}
	if cfg.RateLimitWindow.Std() <= 0 || cfg.RateLimitMaxRequests <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "AdmissionController", "New",
			"rate limit window and max requests must be positive")
	}

	c := &Controller{
		maxSessions: cfg.MaxConcurrentSessions,
		window:      cfg.RateLimitWindow.Std(),
		maxRequests: cfg.RateLimitMaxRequests,
		clients:     make(map[string][]time.Time),
		now:         time.Now,
		logger:      slog.Default(),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	pruneInterval := cfg.PruneInterval.Std()
	if pruneInterval <= 0 {
		pruneInterval = c.window
	}
	go c.pruneLoop(ctx, pruneInterval)

	return c, nil
}

// Admit decides whether a request from clientID may start a session.
// A nil return means the request was admitted: its timestamp is
// recorded in the client's window and one capacity slot is held until
// Release. Rate limiting is checked before capacity so a rate-limited
// client never consumes a slot.
func (c *Controller) Admit(clientID string) error {
	if clientID == "" {
		return errors.WrapInvalid(errors.ErrInvalidKey, "AdmissionController", "Admit",
			"client id cannot be empty")
	}

	now := c.now()
	cutoff := now.Add(-c.window)

	c.mu.Lock()
	defer c.mu.Unlock()

	recent := pruneBefore(c.clients[clientID], cutoff)

	if len(recent) >= c.maxRequests {
		c.clients[clientID] = recent
		// ALWAYS track in stats
		c.stats.RateLimitRejected++
		// ALSO track in metrics if enabled
		if c.metrics != nil {
			c.metrics.RecordAdmissionRejection("rate_limit")
		}
		return errors.WrapTransient(errors.ErrRateLimitExceeded, "AdmissionController", "Admit",
			fmt.Sprintf("client %s exceeded %d requests in %s", clientID, c.maxRequests, c.window))
	}

	if c.active >= c.maxSessions {
		c.clients[clientID] = recent
		c.stats.CapacityRejected++
		if c.metrics != nil {
			c.metrics.RecordAdmissionRejection("capacity")
		}
		return errors.WrapTransient(errors.ErrCapacityExceeded, "AdmissionController", "Admit",
			fmt.Sprintf("at capacity: %d active sessions", c.active))
	}

	c.clients[clientID] = append(recent, now)
	c.active++
	c.stats.Admitted++

	return nil
}

// Release frees one capacity slot. Callers must invoke it exactly once
// per admitted request, when the session reaches a terminal state.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == 0 {
		c.logger.Warn("release without matching admit")
		return
	}
	c.active--
	c.stats.Released++
}

// Active returns the number of capacity slots currently held.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Stats returns a snapshot of admission statistics.
func (c *Controller) Stats() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close stops the background prune sweep.
func (c *Controller) Close() error {
	c.stopOnce.Do(func() {
		close(c.shutdown)
	})

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.WrapTransient(errors.ErrShuttingDown, "AdmissionController", "Close",
			"timeout waiting for prune loop")
	}
}

// pruneLoop periodically drops clients whose entire window has aged out
// so the client map does not grow without bound.
func (c *Controller) pruneLoop(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.prune()
		}
	}
}

func (c *Controller) prune() {
	cutoff := c.now().Add(-c.window)

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, stamps := range c.clients {
		recent := pruneBefore(stamps, cutoff)
		if len(recent) == 0 {
			delete(c.clients, id)
			continue
		}
		c.clients[id] = recent
	}
}

// pruneBefore returns the suffix of stamps at or after cutoff. Stamps
// are appended in time order so a linear scan from the front suffices.
func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && stamps[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append([]time.Time(nil), stamps[i:]...)
}

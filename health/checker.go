package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CheckFunc inspects one component and returns its status. Checks must
// respect the context deadline.
type CheckFunc func(ctx context.Context) Status

// Checker runs registered component checks concurrently and serves the
// aggregate over HTTP.
type Checker struct {
	systemName string
	timeout    time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker creates a checker. The timeout bounds each full check run.
func NewChecker(systemName string, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		systemName: systemName,
		timeout:    timeout,
		checks:     make(map[string]CheckFunc),
	}
}

// Register adds a named component check. Re-registering replaces.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Remove drops a component check.
func (c *Checker) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
}

// Check runs every registered check concurrently and aggregates.
func (c *Checker) Check(ctx context.Context) Status {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	checks := make([]CheckFunc, 0, len(c.checks))
	for name, check := range c.checks {
		names = append(names, name)
		checks = append(checks, check)
	}
	c.mu.RUnlock()

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	results := make([]Status, len(checks))
	g, gctx := errgroup.WithContext(runCtx)
	for i, check := range checks {
		i, check := i, check
		g.Go(func() error {
			status := check(gctx)
			if status.Component == "" {
				status.Component = names[i]
			}
			results[i] = status
			return nil
		})
	}
	// Checks report failure through Status, never through error
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Component < results[j].Component
	})
	return Aggregate(c.systemName, results)
}

// Handler serves the aggregate as JSON: 200 when healthy or degraded,
// 503 when unhealthy, so orchestrators only restart on hard failure.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if status.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}

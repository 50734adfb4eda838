// Package respcache caches generated responses keyed by a fingerprint of
// the originating request. A memory tier always fronts the configured
// backend; when the backend becomes unavailable the cache degrades to
// memory-only operation instead of failing requests.
package respcache

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/tokenstream/errors"
	"github.com/c360/tokenstream/metric"
	"github.com/c360/tokenstream/pkg/cache"
)

// CachedResponse is the unit stored in the response cache.
type CachedResponse struct {
	// Content is the complete generated text
	Content string `json:"content"`

	// Model identifies the generator model that produced the content
	Model string `json:"model"`

	// Provider identifies the generator backend
	Provider string `json:"provider,omitempty"`

	// CreatedAt is when the response was generated
	CreatedAt time.Time `json:"created_at"`
}

// Option configures the ResponseCache.
type Option func(*ResponseCache)

// WithBackend attaches a persistent backend behind the memory tier.
func WithBackend(b Backend) Option {
	return func(rc *ResponseCache) {
		rc.backend = b
	}
}

// WithCodec overrides the entry codec. The default codec stores plain
// JSON without compression or encryption.
func WithCodec(c *Codec) Option {
	return func(rc *ResponseCache) {
		rc.codec = c
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(rc *ResponseCache) {
		rc.logger = logger
	}
}

// WithMetrics enables prometheus metrics via the shared core metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(rc *ResponseCache) {
		rc.metrics = m
	}
}

// ResponseCache stores generated responses keyed by request fingerprint.
//
// Reads check the memory tier first, then the backend. A backend hit is
// promoted into memory. Writes go through to both tiers. All backend
// failures are absorbed: the cache logs the failure, marks itself
// degraded, and continues serving from memory.
type ResponseCache struct {
	memory  cache.Cache[*CachedResponse]
	backend Backend
	codec   *Codec
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metric.Metrics

	// degraded is set on the first backend failure so the transition
	// is logged exactly once
	degraded atomic.Bool

	hits          atomic.Int64
	misses        atomic.Int64
	writes        atomic.Int64
	backendErrors atomic.Int64
}

// Stats is a point-in-time summary of cache activity.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Writes        int64 `json:"writes"`
	BackendErrors int64 `json:"backendErrors"`
	MemoryEntries int   `json:"memoryEntries"`
	Degraded      bool  `json:"degraded"`
}

// New creates a response cache with a memory tier of maxEntries and the
// given default TTL. Options attach a persistent backend, codec, logger,
// and metrics.
func New(ctx context.Context, maxEntries int, ttl time.Duration, options ...Option) (*ResponseCache, error) {
	mem, err := cache.New[*CachedResponse](ctx, maxEntries, ttl, ttl/4)
	if err != nil {
		return nil, errors.Wrap(err, "ResponseCache", "New", "create memory tier")
	}

	rc := &ResponseCache{
		memory: mem,
		codec:  NewCodec(CodecConfig{}),
		ttl:    ttl,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(rc)
	}

	return rc, nil
}

// Get retrieves a cached response by fingerprint. The memory tier is
// consulted first; on a miss the backend is read and a hit promoted
// into memory.
func (rc *ResponseCache) Get(ctx context.Context, fingerprint string) (*CachedResponse, bool) {
	if resp, ok := rc.memory.Get(fingerprint); ok {
		rc.recordHit("memory")
		return resp, true
	}

	if rc.backend == nil {
		rc.recordMiss()
		return nil, false
	}

	data, err := rc.backend.Get(ctx, fingerprint)
	if err != nil {
		if !stderrors.Is(err, errors.ErrKeyNotFound) {
			rc.backendFailure("Get", err)
		}
		rc.recordMiss()
		return nil, false
	}

	resp, err := rc.codec.Decode(data)
	if err != nil {
		// Corrupt or unreadable entry. Drop it and report a miss.
		rc.logger.Warn("dropping undecodable cache entry",
			"fingerprint", fingerprint, "error", err)
		_ = rc.backend.Delete(ctx, fingerprint)
		rc.recordMiss()
		return nil, false
	}

	// Promote into memory for subsequent reads
	if _, err := rc.memory.Set(fingerprint, resp); err != nil {
		rc.logger.Warn("promotion to memory tier failed", "error", err)
	}

	rc.recordHit("backend")
	return resp, true
}

// Put stores a response under the given fingerprint in both tiers.
// Backend failures degrade the cache to memory-only; the memory write
// still succeeds.
func (rc *ResponseCache) Put(ctx context.Context, fingerprint string, resp *CachedResponse) error {
	if fingerprint == "" {
		return errors.WrapInvalid(errors.ErrInvalidKey, "ResponseCache", "Put", "empty fingerprint")
	}
	if resp == nil {
		return errors.WrapInvalid(errors.ErrInvalidKey, "ResponseCache", "Put", "nil response")
	}

	if _, err := rc.memory.Set(fingerprint, resp); err != nil {
		return errors.Wrap(err, "ResponseCache", "Put", "memory write failed")
	}
	rc.writes.Add(1)

	if rc.backend == nil {
		return nil
	}

	data, err := rc.codec.Encode(resp)
	if err != nil {
		return errors.Wrap(err, "ResponseCache", "Put", "encode entry")
	}

	if err := rc.backend.Put(ctx, fingerprint, data, rc.ttl); err != nil {
		rc.backendFailure("Put", err)
		// Memory write already succeeded; the entry is still served
		return nil
	}

	return nil
}

// Invalidate removes a fingerprint from both tiers. Missing keys are
// not an error.
func (rc *ResponseCache) Invalidate(ctx context.Context, fingerprint string) error {
	if _, err := rc.memory.Delete(fingerprint); err != nil {
		return errors.Wrap(err, "ResponseCache", "Invalidate", "memory delete failed")
	}

	if rc.backend != nil {
		if err := rc.backend.Delete(ctx, fingerprint); err != nil &&
			!stderrors.Is(err, errors.ErrKeyNotFound) {
			rc.backendFailure("Invalidate", err)
		}
	}

	return nil
}

// Len returns the number of entries in the memory tier.
func (rc *ResponseCache) Len() int {
	return rc.memory.Size()
}

// Degraded reports whether the backend has failed at least once.
func (rc *ResponseCache) Degraded() bool {
	return rc.degraded.Load()
}

// Stats returns a snapshot of cache activity.
func (rc *ResponseCache) Stats() Stats {
	return Stats{
		Hits:          rc.hits.Load(),
		Misses:        rc.misses.Load(),
		Writes:        rc.writes.Load(),
		BackendErrors: rc.backendErrors.Load(),
		MemoryEntries: rc.memory.Size(),
		Degraded:      rc.degraded.Load(),
	}
}

// Close shuts down the memory tier and the backend.
func (rc *ResponseCache) Close() error {
	var firstErr error
	if err := rc.memory.Close(); err != nil {
		firstErr = err
	}
	if rc.backend != nil {
		if err := rc.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (rc *ResponseCache) recordHit(source string) {
	// ALWAYS track in stats
	rc.hits.Add(1)

	// ALSO track in metrics if enabled
	if rc.metrics != nil {
		rc.metrics.RecordChunkDelivered("cache", source)
	}
}

func (rc *ResponseCache) recordMiss() {
	rc.misses.Add(1)
}

// backendFailure logs a backend error and marks the cache degraded.
// The degraded transition is logged once; later failures log at debug.
func (rc *ResponseCache) backendFailure(op string, err error) {
	rc.backendErrors.Add(1)

	if rc.metrics != nil {
		rc.metrics.RecordError("respcache", "backend")
	}

	wrapped := errors.WrapTransient(errors.ErrCacheBackendUnavailable,
		"ResponseCache", op, err.Error())

	if rc.degraded.CompareAndSwap(false, true) {
		rc.logger.Error("cache backend unavailable, degrading to memory-only",
			"operation", op, "error", wrapped)
		return
	}
	rc.logger.Debug("cache backend error while degraded",
		"operation", op, "error", err)
}

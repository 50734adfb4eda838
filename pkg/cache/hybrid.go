package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/tokenstream/errors"
)

// hybridEntry represents an entry in the hybrid cache.
type hybridEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

func (e *hybridEntry[V]) isExpired() bool {
	return time.Now().After(e.expiresAt)
}

// hybridCache combines least-recently-accessed and TTL eviction.
// Items are evicted either when the cache exceeds maximum size or when
// they expire, whichever comes first. Get refreshes recency.
type hybridCache[V any] struct {
	mu              sync.RWMutex
	maxSize         int
	ttl             time.Duration
	cleanupInterval time.Duration
	items           map[string]*list.Element // key -> list element
	order           *list.List               // recency order, most recent at front
	stats           *Statistics              // ALWAYS initialized
	metrics         *cacheMetrics            // Optional, if metrics enabled
	evictFn         EvictCallback[V]         // Optional callback

	// Background cleanup coordination
	shutdown chan struct{}
	done     chan struct{}
}

// New creates a hybrid cache with the given size and TTL bounds.
// Returns an error if metrics registration fails when requested.
func New[V any](
	ctx context.Context, maxSize int, ttl, cleanupInterval time.Duration, options ...Option[V],
) (Cache[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "New", "maxSize must be positive")
	}
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "New", "ttl must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	opts := applyOptions(options...)

	// Stats are ALWAYS initialized - observability is not optional
	stats := NewStatistics()

	var metrics *cacheMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "New", "metrics registration")
		}
	}

	c := &hybridCache[V]{
		maxSize:         maxSize,
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		items:           make(map[string]*list.Element),
		order:           list.New(),
		stats:           stats,
		metrics:         metrics,
		evictFn:         opts.evictCallback,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}

	go c.cleanup(ctx)

	return c, nil
}

// Get retrieves a value by key, checking for expiration and refreshing recency.
func (c *hybridCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()

	element, exists := c.items[key]
	if !exists {
		// ALWAYS track in stats (observability is not optional)
		c.stats.Miss()
		// ALSO track in metrics if enabled
		if c.metrics != nil {
			c.metrics.recordMiss()
		}
		c.mu.Unlock()

		var zero V
		return zero, false
	}

	entry := element.Value.(*hybridEntry[V])

	if entry.isExpired() {
		c.removeElement(element)
		// ALWAYS track eviction and miss in stats
		c.stats.Eviction()
		c.stats.Miss()
		c.stats.UpdateSize(int64(len(c.items)))
		// ALSO track in metrics if enabled
		if c.metrics != nil {
			c.metrics.recordEviction()
			c.metrics.recordMiss()
			c.metrics.updateSize(len(c.items))
		}
		evictFn := c.evictFn
		c.mu.Unlock()

		// Callback runs outside the lock; it may re-enter the cache
		if evictFn != nil {
			evictFn(entry.key, entry.value)
		}

		var zero V
		return zero, false
	}

	// Most recently accessed moves to the front
	c.order.MoveToFront(element)

	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}

	value := entry.value
	c.mu.Unlock()
	return value, true
}

// Set stores a value using the cache's default TTL.
func (c *hybridCache[V]) Set(key string, value V) (bool, error) {
	return c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores a value with an explicit TTL, refreshing recency.
func (c *hybridCache[V]) SetWithTTL(key string, value V, ttl time.Duration) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	expiresAt := time.Now().Add(ttl)

	c.mu.Lock()

	if element, exists := c.items[key]; exists {
		entry := element.Value.(*hybridEntry[V])
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(element)

		c.stats.Set()
		if c.metrics != nil {
			c.metrics.recordSet()
		}
		c.mu.Unlock()
		return false, nil // existing entry was updated
	}

	entry := &hybridEntry[V]{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	}
	element := c.order.PushFront(entry)
	c.items[key] = element

	// Evict least recently accessed when over size
	var evicted *hybridEntry[V]
	if len(c.items) > c.maxSize {
		evicted = c.evictLRA()
	}

	c.stats.Set()
	c.stats.UpdateSize(int64(len(c.items)))
	if c.metrics != nil {
		c.metrics.recordSet()
		c.metrics.updateSize(len(c.items))
	}

	evictFn := c.evictFn
	c.mu.Unlock()

	// Callback runs outside the lock; it may re-enter the cache
	if evicted != nil && evictFn != nil {
		evictFn(evicted.key, evicted.value)
	}

	return true, nil // new entry was created
}

// Delete removes an entry by key.
func (c *hybridCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	c.mu.Lock()

	element, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		return false, nil
	}

	entry := c.removeElement(element)

	c.stats.Delete()
	c.stats.UpdateSize(int64(len(c.items)))
	if c.metrics != nil {
		c.metrics.recordDelete()
		c.metrics.updateSize(len(c.items))
	}

	evictFn := c.evictFn
	c.mu.Unlock()

	if evictFn != nil {
		evictFn(entry.key, entry.value)
	}

	return true, nil
}

// Clear removes all entries from the cache.
func (c *hybridCache[V]) Clear() error {
	c.mu.Lock()

	var cleared []*hybridEntry[V]
	if c.evictFn != nil {
		for element := c.order.Back(); element != nil; element = element.Prev() {
			cleared = append(cleared, element.Value.(*hybridEntry[V]))
		}
	}

	c.items = make(map[string]*list.Element)
	c.order.Init()

	c.stats.UpdateSize(0)
	if c.metrics != nil {
		c.metrics.updateSize(0)
	}

	evictFn := c.evictFn
	c.mu.Unlock()

	// Callbacks outside the lock, least recently accessed first
	if evictFn != nil {
		for _, entry := range cleared {
			evictFn(entry.key, entry.value)
		}
	}

	return nil
}

// Size returns the current number of entries in the cache.
func (c *hybridCache[V]) Size() int {
	c.mu.RLock()
	size := len(c.items)
	c.mu.RUnlock()
	return size
}

// Keys returns all unexpired keys, most recently accessed first.
// Some keys may be expired but not yet cleaned up; those are skipped.
func (c *hybridCache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.items))
	now := time.Now()

	for element := c.order.Front(); element != nil; element = element.Next() {
		entry := element.Value.(*hybridEntry[V])
		if now.Before(entry.expiresAt) {
			keys = append(keys, entry.key)
		}
	}
	return keys
}

// Stats returns cache statistics.
func (c *hybridCache[V]) Stats() *Statistics {
	return c.stats
}

// Close shuts down the cache and stops the background cleanup goroutine.
func (c *hybridCache[V]) Close() error {
	select {
	case <-c.shutdown:
		// Already shutting down
	default:
		close(c.shutdown)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cleanup goroutine to finish")
	}
}

// evictLRA removes the least recently accessed item and returns it.
// Must be called with mutex held; the caller invokes the evict
// callback after releasing the lock.
func (c *hybridCache[V]) evictLRA() *hybridEntry[V] {
	element := c.order.Back()
	if element == nil {
		return nil
	}
	entry := c.removeElement(element)
	c.stats.Eviction()
	if c.metrics != nil {
		c.metrics.recordEviction()
	}
	return entry
}

// removeElement removes an element from both the list and map and
// returns its entry. Must be called with mutex held; the caller is
// responsible for invoking the evict callback after unlocking, since
// a callback may re-enter the cache.
func (c *hybridCache[V]) removeElement(element *list.Element) *hybridEntry[V] {
	entry := element.Value.(*hybridEntry[V])
	delete(c.items, entry.key)
	c.order.Remove(element)
	return entry
}

// cleanup runs in a background goroutine and periodically removes expired entries.
func (c *hybridCache[V]) cleanup(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

// removeExpired removes all expired entries from the cache.
func (c *hybridCache[V]) removeExpired() {
	now := time.Now()
	var expiredElements []*list.Element

	c.mu.Lock()

	for element := c.order.Front(); element != nil; {
		next := element.Next()
		entry := element.Value.(*hybridEntry[V])

		if now.After(entry.expiresAt) {
			expiredElements = append(expiredElements, element)
			delete(c.items, entry.key)
			c.order.Remove(element)
		}

		element = next
	}

	size := len(c.items)
	c.mu.Unlock()

	// Call OnEvict callbacks outside the lock
	if c.evictFn != nil {
		for _, element := range expiredElements {
			entry := element.Value.(*hybridEntry[V])
			c.evictFn(entry.key, entry.value)
		}
	}

	if len(expiredElements) > 0 {
		for range expiredElements {
			c.stats.Eviction()
		}
		c.stats.UpdateSize(int64(size))
		if c.metrics != nil {
			for range expiredElements {
				c.metrics.recordEviction()
			}
			c.metrics.updateSize(size)
		}
	}
}

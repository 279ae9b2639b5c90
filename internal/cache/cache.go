// Package cache provides the TTL cache that sits in front of every
// aggregation. Concurrent refreshes of the same key collapse into a single
// upstream pass, and a failed refresh falls back to the last good value when
// one exists.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"perpflow/internal/metrics"
	"perpflow/logger"
)

// ErrNoFallback wraps a refresh failure when no stale value is available to
// serve instead.
var ErrNoFallback = errors.New("refresh failed and no cached value available")

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a keyed TTL cache with stampede protection.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group
	clock   func() time.Time
	log     *logger.Log
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]entry),
		clock:   time.Now,
		log:     logger.GetLogger(),
	}
}

// GetOrRefresh returns the cached value for key when it is still fresh.
// Otherwise refresh runs, at most once across concurrent callers, and the
// result replaces the entry. When refresh fails, an expired value is served
// stale rather than surfacing the error; only a cold key propagates the
// failure, wrapped in ErrNoFallback.
func (c *Cache) GetOrRefresh(ctx context.Context, key string, ttl time.Duration, refresh func(ctx context.Context) (any, error)) (any, error) {
	now := c.clock()

	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && now.Before(cached.expiresAt) {
		metrics.IncrementCacheEvent(key, metrics.CacheEventHit)
		return cached.value, nil
	}

	// The flight is shared across callers, so it must not die with whichever
	// caller happened to start it. The fetcher's own timeouts bound the
	// detached refresh.
	flightCtx := context.WithoutCancel(ctx)
	value, err, _ := c.group.Do(key, func() (any, error) {
		// Another caller may have refreshed while this one waited on
		// the flight group.
		c.mu.RLock()
		current, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && c.clock().Before(current.expiresAt) {
			return current.value, nil
		}

		fresh, err := refresh(flightCtx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = entry{value: fresh, expiresAt: c.clock().Add(ttl)}
		c.mu.Unlock()
		metrics.IncrementCacheEvent(key, metrics.CacheEventRefresh)
		return fresh, nil
	})

	if err == nil {
		return value, nil
	}

	c.mu.RLock()
	stale, hasStale := c.entries[key]
	c.mu.RUnlock()
	if hasStale {
		metrics.IncrementCacheEvent(key, metrics.CacheEventStale)
		c.log.WithComponent("cache").WithError(err).WithFields(logger.Fields{
			"key": key,
			"age": now.Sub(stale.expiresAt).String(),
		}).Warn("refresh failed, serving stale value")
		return stale.value, nil
	}

	metrics.IncrementCacheEvent(key, metrics.CacheEventMiss)
	return nil, errors.Join(ErrNoFallback, err)
}

// Peek returns the entry for key regardless of freshness.
func (c *Cache) Peek(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cached, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return cached.value, true
}

// Invalidate drops the entry for key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

package webhooks

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SubscriptionCache serves the compiled subscription set to the dispatcher.
// Config-file subscriptions are static; DB-backed rows are reloaded on a TTL
// with double-check locking so concurrent flushes share one refresh.
type SubscriptionCache struct {
	store  *Store
	static []Subscription
	ttl    time.Duration

	mu       sync.RWMutex
	compiled []Subscription
	loadedAt time.Time
}

// NewSubscriptionCache creates a cache over the store. static holds the
// config-file subscriptions, which never expire.
func NewSubscriptionCache(store *Store, static []Subscription, ttl time.Duration) *SubscriptionCache {
	return &SubscriptionCache{store: store, static: static, ttl: ttl}
}

// All returns the current subscription set, refreshing the DB-backed part
// when stale. The returned slice must not be mutated.
func (c *SubscriptionCache) All(ctx context.Context) []Subscription {
	c.mu.RLock()
	if time.Since(c.loadedAt) < c.ttl {
		subs := c.compiled
		c.mu.RUnlock()
		return subs
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have refreshed while we waited for the lock.
	if time.Since(c.loadedAt) < c.ttl {
		return c.compiled
	}

	c.refreshLocked(ctx)
	return c.compiled
}

// Invalidate forces a refresh on the next All call. Called by the admin
// handlers after any subscription mutation.
func (c *SubscriptionCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadedAt = time.Time{} // zero time => always stale
}

// refreshLocked reloads DB-backed subscriptions. Caller holds c.mu in write
// mode. On store errors the previous set stays in place so a database blip
// does not silently disable webhooks.
func (c *SubscriptionCache) refreshLocked(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := c.store.ListSubscriptions(ctx, true)
	if err != nil {
		log.Error().Err(err).Msg("webhook subscription refresh failed, keeping previous set")
		if c.compiled == nil {
			c.compiled = c.static
		}
		c.loadedAt = time.Now()
		return
	}

	stored, errs := FromStored(rows)
	for _, err := range errs {
		log.Warn().Err(err).Msg("skipping uncompilable webhook subscription")
	}

	compiled := make([]Subscription, 0, len(c.static)+len(stored))
	compiled = append(compiled, c.static...)
	compiled = append(compiled, stored...)
	c.compiled = compiled
	c.loadedAt = time.Now()

	log.Debug().
		Int("static", len(c.static)).
		Int("stored", len(stored)).
		Msg("webhook subscriptions refreshed")
}

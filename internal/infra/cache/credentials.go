// Package cache holds short-lived copies of resolved credentials.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/coachpo/copytrader/internal/domain/copytrade"
	"github.com/coachpo/copytrader/internal/domain/credentials"
	"github.com/coachpo/copytrader/internal/infra/telemetry"
)

const (
	cacheName       = "credentials"
	defaultTTL      = 10 * time.Second
	defaultCapacity = 4096
)

// Credentials decorates a resolver with a TTL cache. Only successful lookups
// are cached, so a missing credential is retried on the next resolve.
type Credentials struct {
	next    credentials.Resolver
	cache   *ristretto.Cache
	ttl     time.Duration
	metrics *telemetry.ReplicationMetrics
}

// Option configures the cache.
type Option func(*Credentials)

// WithMetrics counts hits and misses.
func WithMetrics(m *telemetry.ReplicationMetrics) Option {
	return func(c *Credentials) { c.metrics = m }
}

// NewCredentials wraps next. ttl should not exceed the registry poll
// interval so a rotated key is picked up within one cycle; non-positive ttl
// falls back to 10s.
func NewCredentials(next credentials.Resolver, ttl time.Duration, capacity int64, opts ...Option) (*Credentials, error) {
	if next == nil {
		return nil, fmt.Errorf("credential cache: resolver required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: capacity * 10,
		MaxCost:     capacity,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("credential cache: %w", err)
	}
	c := &Credentials{next: next, cache: rc, ttl: ttl}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Resolve implements credentials.Resolver.
func (c *Credentials) Resolve(ctx context.Context, accountID string) (copytrade.Credential, error) {
	key := strings.TrimSpace(accountID)
	if v, ok := c.cache.Get(key); ok {
		if cred, ok := v.(copytrade.Credential); ok {
			c.metrics.CacheLookup(cacheName, true)
			return cred, nil
		}
	}
	c.metrics.CacheLookup(cacheName, false)
	cred, err := c.next.Resolve(ctx, key)
	if err != nil {
		return copytrade.Credential{}, err
	}
	if cred.Valid() {
		c.cache.SetWithTTL(key, cred, 1, c.ttl)
	}
	return cred, nil
}

// Invalidate drops the cached credential of accountID.
func (c *Credentials) Invalidate(accountID string) {
	c.cache.Del(strings.TrimSpace(accountID))
}

// Wait blocks until buffered writes are applied.
func (c *Credentials) Wait() {
	c.cache.Wait()
}

// Close releases the cache goroutines.
func (c *Credentials) Close() {
	c.cache.Close()
}

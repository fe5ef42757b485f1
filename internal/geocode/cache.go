package geocode

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"
	"github.com/redis/go-redis/v9"

	"github.com/example/ridebus/internal/observability"
)

// keyPrecision gives geohash cells of roughly 5m x 5m.
const keyPrecision = 9

// Store holds resolved addresses keyed by geohash.
type Store interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, addr string, ttl time.Duration)
}

func cacheKey(lat, lng float64) string {
	return "geocode:" + geohash.EncodeWithPrecision(lat, lng, keyPrecision)
}

// Cached fronts a Geocoder with a Store. Only successful lookups are cached.
type Cached struct {
	Next  Geocoder
	Store Store
	TTL   time.Duration
}

func (c *Cached) Reverse(ctx context.Context, lat, lng float64) (string, error) {
	key := cacheKey(lat, lng)
	if addr, ok := c.Store.Get(ctx, key); ok {
		observability.GeocodeCacheHits.Inc()
		return addr, nil
	}
	addr, err := c.Next.Reverse(ctx, lat, lng)
	if err != nil {
		return "", err
	}
	c.Store.Set(ctx, key, addr, c.TTL)
	return addr, nil
}

// MemoryCache is an in-process Store with per-entry expiry.
type MemoryCache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
}

type cacheEntry struct {
	v       string
	expires time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{store: make(map[string]cacheEntry)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.RLock()
	e, ok := c.store[key]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		c.mu.Lock()
		delete(c.store, key)
		c.mu.Unlock()
		return "", false
	}
	return e.v, true
}

func (c *MemoryCache) Set(_ context.Context, key, addr string, ttl time.Duration) {
	e := cacheEntry{v: addr}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.store[key] = e
	c.mu.Unlock()
}

// RedisCache shares resolved addresses between service instances.
type RedisCache struct {
	client redis.UniversalClient
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	v, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			observability.GeocodeCacheErrors.Inc()
		}
		return "", false
	}
	return v, true
}

func (r *RedisCache) Set(ctx context.Context, key, addr string, ttl time.Duration) {
	if err := r.client.Set(ctx, key, addr, ttl).Err(); err != nil {
		observability.GeocodeCacheErrors.Inc()
	}
}

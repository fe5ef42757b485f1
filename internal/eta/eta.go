package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ridebus/internal/geo"
	"github.com/example/ridebus/internal/models"
)

// Client is a routing backend able to estimate drive time.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// TripClient prices a whole stop sequence.
type TripClient interface {
	TripSeconds(ctx context.Context, stops []models.Coord) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// EstimateSeconds is straight-line distance over speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMps
}

// Estimator prefers the routing client and falls back to the naive estimate.
type Estimator struct {
	Client          Client     // optional
	Trips           TripClient // optional
	Cache           *Cache     // optional
	DefaultSpeedMps float64
}

func (e *Estimator) Estimate(ctx context.Context, from, to models.Coord) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Client != nil {
		if v, err := e.Client.EstimateSeconds(ctx, from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v
		}
	}
	return EstimateSeconds(from, to, e.DefaultSpeedMps)
}

// ChainSeconds is the naive duration of driving stops in order. Fewer than
// two stops cost +Inf.
func ChainSeconds(stops []models.Coord, speedMps float64) float64 {
	if len(stops) < 2 {
		return math.Inf(1)
	}
	var total float64
	for i := 1; i < len(stops); i++ {
		total += EstimateSeconds(stops[i-1], stops[i], speedMps)
	}
	return total
}

// Trip prices a stop sequence with the trip client, falling back to
// ChainSeconds.
func (e *Estimator) Trip(ctx context.Context, stops []models.Coord) float64 {
	if len(stops) < 2 {
		return math.Inf(1)
	}
	if e.Trips != nil {
		if v, err := e.Trips.TripSeconds(ctx, stops); err == nil {
			return v
		}
	}
	return ChainSeconds(stops, e.DefaultSpeedMps)
}

package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ridebus/internal/models"
)

// Geo indexes bus positions for dispatch.
type Geo interface {
	Upsert(ctx context.Context, b models.Bus) error
	Remove(ctx context.Context, id string) error
	Nearby(ctx context.Context, lat, lon float64, limit int) ([]models.Bus, error)
}

// Index is the in-process Geo used when Redis is not configured.
type Index struct {
	mu    sync.RWMutex
	buses map[string]models.Bus
}

func NewIndex() *Index {
	return &Index{buses: make(map[string]models.Bus)}
}

func (g *Index) Upsert(_ context.Context, b models.Bus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b.Updated.IsZero() {
		b.Updated = time.Now()
	}
	g.buses[b.ID] = b
	return nil
}

func (g *Index) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.buses, id)
	return nil
}

// Nearby returns online buses ordered by distance; a full scan is fine for
// fleet sizes handled by one instance.
func (g *Index) Nearby(_ context.Context, lat, lon float64, limit int) ([]models.Bus, error) {
	g.mu.RLock()
	type pair struct {
		b    models.Bus
		dist float64
	}
	arr := make([]pair, 0, len(g.buses))
	for _, b := range g.buses {
		if !b.Online {
			continue
		}
		arr = append(arr, pair{b, Haversine(lat, lon, b.Loc.Lat, b.Loc.Lon)})
	}
	g.mu.RUnlock()

	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	if limit > 0 && limit < len(arr) {
		arr = arr[:limit]
	}
	out := make([]models.Bus, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.b)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

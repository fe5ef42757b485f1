package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridebus/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands, so several service
// instances and the location consumer share one view of the fleet.
type RedisGeo struct {
	client  redis.UniversalClient
	key     string
	radiusM float64
}

func NewRedisGeo(client redis.UniversalClient, key string, radiusM float64) *RedisGeo {
	if radiusM <= 0 {
		radiusM = 10000
	}
	return &RedisGeo{client: client, key: key, radiusM: radiusM}
}

func (r *RedisGeo) Upsert(ctx context.Context, b models.Bus) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: b.Loc.Lon, Latitude: b.Loc.Lat, Name: b.ID}).Err(); err != nil {
		return err
	}
	updated := b.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	return r.client.HSet(ctx, MetaKey(b.ID), map[string]interface{}{
		"online":  strconv.FormatBool(b.Online),
		"updated": updated.Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, id string) error {
	if err := r.client.ZRem(ctx, r.key, id).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, MetaKey(id)).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lon float64, limit int) ([]models.Bus, error) {
	// limit applies after the online filter, so the query itself is uncapped
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: r.radiusM, Unit: "m", WithCoord: true, WithDist: true, Sort: "ASC"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Bus, 0, len(res))
	for _, g := range res {
		b := models.Bus{ID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		if m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result(); err == nil {
			b.Online = m["online"] == "true"
			if ts, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
				b.Updated = ts
			}
		}
		if !b.Online {
			continue
		}
		out = append(out, b)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func MetaKey(id string) string { return "bus:meta:" + id }

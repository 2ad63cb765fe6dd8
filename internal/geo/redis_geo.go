package geo

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisGeo implements Geo using Redis GEO commands.
type RedisGeo struct {
	client *redis.Client
	key    string
	radius float64
}

func NewRedisGeo(client *redis.Client, key string, radiusMeters float64) *RedisGeo {
	if radiusMeters <= 0 {
		radiusMeters = 50000
	}
	return &RedisGeo{client: client, key: key, radius: radiusMeters}
}

func (r *RedisGeo) Upsert(ctx context.Context, p Point) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.ID}).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, id string) error {
	return r.client.ZRem(ctx, r.key, id).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lon float64, limit int) ([]Point, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: r.radius, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Point, 0, len(res))
	for _, g := range res {
		p := Point{ID: g.Name, Dist: g.Dist}
		p.Loc.Lat = g.Latitude
		p.Loc.Lon = g.Longitude
		out = append(out, p)
	}
	return out, nil
}

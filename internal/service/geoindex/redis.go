package geoindex

import (
	"context"
	"fmt"
	"math"

	"github.com/redis/go-redis/v9"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
)

// DefaultRedisKey is the GEO set holding driver positions
const DefaultRedisKey = "drivers:geo"

// MaxRedisLatitude is the polar limit of Redis GEO indexing (EPSG:3857)
const MaxRedisLatitude = 85.05112878

// RedisIndex stores positions in a Redis GEO sorted set
type RedisIndex struct {
	client redis.Cmdable
	key    string
}

// NewRedisIndex creates an index backed by the given GEO key
func NewRedisIndex(client redis.Cmdable, key string) *RedisIndex {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisIndex{client: client, key: key}
}

// Upsert records the member's position with GEOADD
func (r *RedisIndex) Upsert(ctx context.Context, id string, p geo.Point) error {
	if err := validateForRedis(p); err != nil {
		return err
	}
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      id,
		Longitude: p.Longitude,
		Latitude:  p.Latitude,
	}).Err()
	if err != nil {
		return fmt.Errorf("geoadd %s: %w", id, err)
	}
	return nil
}

// Remove drops the member from the GEO set
func (r *RedisIndex) Remove(ctx context.Context, id string) error {
	if err := r.client.ZRem(ctx, r.key, id).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", id, err)
	}
	return nil
}

// Nearest runs GEOSEARCH sorted ascending and applies the filter locally.
// No COUNT is passed so filtered-out members cannot starve the result.
func (r *RedisIndex) Nearest(ctx context.Context, center geo.Point, radiusKM float64, limit int, keep Filter) ([]Neighbor, error) {
	if err := validateForRedis(center); err != nil {
		return nil, err
	}
	if radiusKM <= 0 {
		return nil, nil
	}

	results, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Longitude,
			Latitude:   center.Latitude,
			Radius:     radiusKM,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}

	found := make([]Neighbor, 0, len(results))
	for _, loc := range results {
		p := geo.Point{Longitude: loc.Longitude, Latitude: loc.Latitude}
		found = append(found, Neighbor{
			ID:    loc.Name,
			Point: p,
			// Redis uses a slightly different earth radius; recompute so both
			// backends rank and report identically.
			DistanceKM: geo.Haversine(center, p),
		})
	}
	return selectNearest(found, limit, keep), nil
}

func validateForRedis(p geo.Point) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if math.Abs(p.Latitude) > MaxRedisLatitude {
		return fmt.Errorf("%w: latitude %v is beyond the redis geo limit", geo.ErrInvalidCoordinates, p.Latitude)
	}
	return nil
}

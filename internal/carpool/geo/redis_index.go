package geo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/carpool/domain"
)

var errInvalidGeoResult = errors.New("invalid geo search result")

// RedisIndex implements domain.OfferIndex using Redis GEO commands.
type RedisIndex struct {
	client redis.Cmdable
	key    string
}

// NewRedisIndex constructs a Redis-backed offer index.
func NewRedisIndex(client redis.Cmdable, key string) *RedisIndex {
	if key == "" {
		key = "offer:origins"
	}
	return &RedisIndex{client: client, key: key}
}

// Add records the offer's origin.
func (r *RedisIndex) Add(ctx context.Context, offerID uuid.UUID, origin domain.GeoPoint) error {
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      offerID.String(),
		Longitude: origin.Lng,
		Latitude:  origin.Lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis geoadd: %w", err)
	}
	return nil
}

// Remove drops the offer from the index.
func (r *RedisIndex) Remove(ctx context.Context, offerID uuid.UUID) error {
	if err := r.client.ZRem(ctx, r.key, offerID.String()).Err(); err != nil {
		return fmt.Errorf("redis zrem: %w", err)
	}
	return nil
}

// Nearby returns up to limit offer ids sorted by distance to point.
func (r *RedisIndex) Nearby(ctx context.Context, point domain.GeoPoint, radiusKM float64, limit int) ([]uuid.UUID, error) {
	results, err := r.client.GeoRadius(ctx, r.key, point.Lng, point.Lat, &redis.GeoRadiusQuery{
		Radius:   radiusKM,
		Unit:     "km",
		WithDist: true,
		Count:    limit,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(results))
	for _, res := range results {
		id, err := uuid.Parse(res.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errInvalidGeoResult, res.Name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

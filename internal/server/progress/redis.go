package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/convertly/internal/server/models"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "convertly:progress:"

// RedisStore shares progress between instances. Values are JSON with a TTL
// refreshed on every write.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return c, nil
}

func (r *RedisStore) Get(ctx context.Context, ref string) (models.JobProgress, bool, error) {
	data, err := r.client.Get(ctx, keyPrefix+ref).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.JobProgress{}, false, nil
	}
	if err != nil {
		return models.JobProgress{}, false, fmt.Errorf("redis get: %w", err)
	}

	var p models.JobProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return models.JobProgress{}, false, fmt.Errorf("decode progress: %w", err)
	}
	return p, true, nil
}

func (r *RedisStore) Set(ctx context.Context, ref string, p models.JobProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, keyPrefix+ref, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, ref string) error {
	if err := r.client.Del(ctx, keyPrefix+ref).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

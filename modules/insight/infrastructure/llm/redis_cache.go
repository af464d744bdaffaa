package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsehq/pulse-sdk/modules/insight/domain/aggregate"
)

var ErrCacheMiss = errors.New("interpretation cache miss")

// RedisResponseCache is a shared response cache in front of the provider.
// The durable per-week cache is the interpretations table; this layer only
// prevents duplicate provider calls across processes within the TTL.
type RedisResponseCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisResponseCache(client *redis.Client, ttl time.Duration) *RedisResponseCache {
	return &RedisResponseCache{client: client, prefix: "insight:interpretations:v1", ttl: ttl}
}

func (c *RedisResponseCache) key(inputHash, modelID, promptVersion string) string {
	return fmt.Sprintf("%s:%s:%s:%s", c.prefix, inputHash, modelID, promptVersion)
}

func (c *RedisResponseCache) Get(ctx context.Context, inputHash, modelID, promptVersion string) (aggregate.Sections, error) {
	raw, err := c.client.Get(ctx, c.key(inputHash, modelID, promptVersion)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	var sections aggregate.Sections
	if err := json.Unmarshal([]byte(raw), &sections); err != nil {
		return nil, err
	}
	return sections, nil
}

func (c *RedisResponseCache) Set(ctx context.Context, inputHash, modelID, promptVersion string, sections aggregate.Sections) error {
	raw, err := json.Marshal(sections)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(inputHash, modelID, promptVersion), raw, c.ttl).Err()
}

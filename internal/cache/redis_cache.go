// Package cache keeps a read-through copy of each entity's published version in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"formgate/api/internal/store"
)

// cachedVersion is the JSON form stored under each key.
type cachedVersion struct {
	ID             string          `json:"id"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	VersionNumber  int             `json:"version_number"`
	DataSnapshot   json.RawMessage `json:"data_snapshot"`
	ChangeSummary  string          `json:"change_summary,omitempty"`
	ApprovalStatus string          `json:"approval_status"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
	ApprovedBy     string          `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time      `json:"approved_at,omitempty"`
}

// RedisCache implements published-version caching using Redis
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and verifies the connection
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, ttl), nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: "published:",
		ttl:    ttl,
	}
}

func (c *RedisCache) key(ref store.EntityRef) string {
	return c.prefix + ref.String()
}

func (c *RedisCache) generationKey(ref store.EntityRef) string {
	return c.prefix + "gen:" + ref.String()
}

// GetPublished reports a cached version. ok is false on a miss.
func (c *RedisCache) GetPublished(ctx context.Context, ref store.EntityRef) (*store.EntityVersion, bool, error) {
	raw, err := c.client.Get(ctx, c.key(ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read published cache: %w", err)
	}

	var data cachedVersion
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, false, fmt.Errorf("unmarshal published cache: %w", err)
	}
	return &store.EntityVersion{
		ID:             data.ID,
		EntityType:     store.EntityType(data.EntityType),
		EntityID:       data.EntityID,
		VersionNumber:  data.VersionNumber,
		DataSnapshot:   data.DataSnapshot,
		ChangeSummary:  data.ChangeSummary,
		ApprovalStatus: store.ApprovalStatus(data.ApprovalStatus),
		IsPublished:    true,
		CreatedBy:      data.CreatedBy,
		CreatedAt:      data.CreatedAt,
		ApprovedBy:     data.ApprovedBy,
		ApprovedAt:     data.ApprovedAt,
	}, true, nil
}

// Generation returns the entity's cache generation. Every Invalidate bumps it,
// so a reader that captured it before going to the store can tell whether a
// write landed in between.
func (c *RedisCache) Generation(ctx context.Context, ref store.EntityRef) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey(ref)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cache generation: %w", err)
	}
	return gen, nil
}

// FillPublished stores version only if the entity's generation still equals
// generation. It reports false when a concurrent write won.
func (c *RedisCache) FillPublished(ctx context.Context, version store.EntityVersion, generation int64) (bool, error) {
	payload, err := json.Marshal(cachedVersion{
		ID:             version.ID,
		EntityType:     string(version.EntityType),
		EntityID:       version.EntityID,
		VersionNumber:  version.VersionNumber,
		DataSnapshot:   version.DataSnapshot,
		ChangeSummary:  version.ChangeSummary,
		ApprovalStatus: string(version.ApprovalStatus),
		CreatedBy:      version.CreatedBy,
		CreatedAt:      version.CreatedAt,
		ApprovedBy:     version.ApprovedBy,
		ApprovedAt:     version.ApprovedAt,
	})
	if err != nil {
		return false, fmt.Errorf("marshal published cache: %w", err)
	}

	ref := version.Ref()
	genKey := c.generationKey(ref)
	filled := false
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if errors.Is(err, redis.Nil) {
			current = 0
		} else if err != nil {
			return err
		}
		if current != generation {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key(ref), payload, c.ttl)
			return nil
		})
		if err == nil {
			filled = true
		}
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("write published cache: %w", err)
	}
	return filled, nil
}

// Invalidate drops the cached entry and bumps the generation so in-flight
// fills that read the store before the write are discarded.
func (c *RedisCache) Invalidate(ctx context.Context, ref store.EntityRef) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.generationKey(ref))
		pipe.Del(ctx, c.key(ref))
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate published cache: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
)

// RedisCache is the distributed MandateCache. Entries live under
// mandate:<id>; a per-subject set under mandate:by-subject:<subject>
// tracks live ids so a cascade revocation can fan out invalidation.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache builds a cache over an existing client. The caller owns
// client configuration (addr, auth, pooling).
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Store(ctx context.Context, m *contracts.Mandate, now time.Time) error {
	if m.Revoked {
		return c.Invalidate(ctx, m.ID)
	}
	raw, err := encodeEntry(m, now)
	if err != nil {
		return err
	}
	ttl := ttlFor(m, now)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, mandateKey(m.ID), raw, ttl)
	pipe.SAdd(ctx, subjectKey(m.SubjectID), m.ID)
	// The subject index outlives the longest entry it references by a
	// margin; stale ids degrade into harmless no-op deletes.
	pipe.Expire(ctx, subjectKey(m.SubjectID), ttl+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache store %s: %w", m.ID, err)
	}
	return nil
}

func (c *RedisCache) Lookup(ctx context.Context, id string) (*Entry, error) {
	raw, err := c.client.Get(ctx, mandateKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("cache lookup %s: %w", id, err)
	}
	return decodeEntry(raw)
}

func (c *RedisCache) Invalidate(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, mandateKey(id)).Err(); err != nil {
		return fmt.Errorf("cache invalidate %s: %w", id, err)
	}
	return nil
}

func (c *RedisCache) InvalidateBySubject(ctx context.Context, subjectID string) error {
	ids, err := c.client.SMembers(ctx, subjectKey(subjectID)).Result()
	if err != nil {
		return fmt.Errorf("cache invalidate subject %s: %w", subjectID, err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, mandateKey(id))
	}
	keys = append(keys, subjectKey(subjectID))
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache invalidate subject %s: %w", subjectID, err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error { return c.client.Close() }

var _ MandateCache = (*RedisCache)(nil)

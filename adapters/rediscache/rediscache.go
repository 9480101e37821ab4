// Package rediscache implements the L2 BlobCache (§4.H) against Redis,
// following the teacher pack's go-redis connection conventions. Tag
// membership is kept in a Redis set per tag so DeleteByTags costs one
// SMEMBERS per tag rather than a full key scan.
package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ste-bah/rollup-engine/internal/ports"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

func DefaultOptions() Options {
	return Options{Addr: "localhost:6379", DB: 0}
}

const tagSetPrefix = "rollup:tagset:"

// Cache is a ports.BlobCache backed by a single Redis client.
type Cache struct {
	client *redis.Client
}

func NewClient(opts Options) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Cache{client: client}
}

var _ ports.BlobCache = (*Cache)(nil)

// Ping verifies connectivity, mirroring the teacher's connection check.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set writes value with the given TTL and registers key in every tag's
// reverse-index set so a later DeleteByTags can find it without scanning.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttlSeconds int, tags []string) error {
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return err
	}
	for _, tag := range tags {
		if err := c.client.SAdd(ctx, tagSetPrefix+tag, key).Err(); err != nil {
			return fmt.Errorf("index tag %s for key %s: %w", tag, key, err)
		}
	}
	return nil
}

func (c *Cache) DeleteByTags(ctx context.Context, tags []string) (int, error) {
	seen := map[string]bool{}
	for _, tag := range tags {
		setKey := tagSetPrefix + tag
		members, err := c.client.SMembers(ctx, setKey).Result()
		if err != nil {
			return 0, fmt.Errorf("read tag set %s: %w", tag, err)
		}
		for _, key := range members {
			seen[key] = true
		}
		c.client.Del(ctx, setKey)
	}
	if len(seen) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	deleted, err := c.client.Del(ctx, keys...).Result()
	return int(deleted), err
}

// DeleteByPattern removes keys matching a Redis glob pattern via SCAN, so
// it never blocks the server the way KEYS would on a large keyspace.
func (c *Cache) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	var removed int
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			n, err := c.client.Del(ctx, batch...).Result()
			if err != nil {
				return removed, err
			}
			removed += int(n)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	if len(batch) > 0 {
		n, err := c.client.Del(ctx, batch...).Result()
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}
	return removed, nil
}

func (c *Cache) DeleteByTenant(ctx context.Context, tenant string) (int, error) {
	return c.DeleteByTags(ctx, []string{"tenant:" + tenant})
}

func (c *Cache) Close() error {
	return c.client.Close()
}

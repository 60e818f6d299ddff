// Package cache keeps the rendered data snapshot and the crawl cursor in
// Redis so restarts resume mid-sweep and API reads never hit the crawler.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	snapshotKey = "courtwatch:data"
	stateKey    = "courtwatch:crawlstate"
)

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Cache wraps the Redis client used for snapshots and crawl state.
type Cache struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Cache{rdb: rdb}, nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// PutSnapshot stores the rendered data payload with a TTL; readers fall
// back to an empty payload once it expires.
func (c *Cache) PutSnapshot(ctx context.Context, payload []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, snapshotKey, payload, ttl).Err(); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns the cached payload, or (nil, nil) when absent or
// expired.
func (c *Cache) GetSnapshot(ctx context.Context) ([]byte, error) {
	payload, err := c.rdb.Get(ctx, snapshotKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return payload, nil
}

// LoadState decodes the crawl cursor into dst. Returns false when no state
// has been saved yet.
func (c *Cache) LoadState(ctx context.Context, dst any) (bool, error) {
	raw, err := c.rdb.Get(ctx, stateKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load state: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode state: %w", err)
	}
	return true, nil
}

// SaveState persists the crawl cursor without expiry.
func (c *Cache) SaveState(ctx context.Context, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := c.rdb.Set(ctx, stateKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Package cache provides a Redis-backed profile tier shared between feed
// processes.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blackmichael/feedsync/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "feedsync:profile:"
	DefaultTTL = 10 * time.Minute
)

// ProfileCache stores profiles as JSON under feedsync:profile:<id>.
type ProfileCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewProfileCache connects to Redis at addr and verifies the connection.
// A non-positive ttl means DefaultTTL.
func NewProfileCache(ctx context.Context, addr, password string, ttl time.Duration) (*ProfileCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ProfileCache{client: client, ttl: ttl}, nil
}

func (c *ProfileCache) Close() error {
	return c.client.Close()
}

func profileKey(userID string) string {
	return keyPrefix + userID
}

// Get returns domain.ErrNotFound when the profile is not cached or has
// expired.
func (c *ProfileCache) Get(ctx context.Context, userID string) (*domain.Profile, error) {
	raw, err := c.client.Get(ctx, profileKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("cached profile %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get cached profile %s: %w", userID, err)
	}

	p, err := domain.DecodeProfile(raw)
	if err != nil {
		return nil, fmt.Errorf("cached profile %s: %w", userID, err)
	}
	return p, nil
}

func (c *ProfileCache) Put(ctx context.Context, p domain.Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile %s: %w", p.ID, err)
	}
	if err := c.client.Set(ctx, profileKey(p.ID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache profile %s: %w", p.ID, err)
	}
	return nil
}

// Invalidate drops a cached profile.
func (c *ProfileCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, profileKey(userID)).Err(); err != nil {
		return fmt.Errorf("invalidate profile %s: %w", userID, err)
	}
	return nil
}

package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "schedule:"

// RedisStore backs the availability cache with Redis so several engine
// instances share one schedule view. Entries also carry a Redis TTL
// equal to the cache's hard age bound, so the server drops what the
// sweep would.
type RedisStore struct {
	client *redis.Client
	maxAge time.Duration
}

// NewRedisStore wraps an existing Redis client. maxAge bounds how long
// an entry may live server-side regardless of sweeps.
func NewRedisStore(client *redis.Client, maxAge time.Duration) *RedisStore {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &RedisStore{client: client, maxAge: maxAge}
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("availability: redis get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("availability: decode cached schedule: %w", err)
	}
	return e, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("availability: encode schedule: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, raw, s.maxAge).Err(); err != nil {
		return fmt.Errorf("availability: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("availability: redis delete: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteByProvider(ctx context.Context, providerID string) error {
	pattern := redisKeyPrefix + providerID + keySeparator + "*"
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("availability: redis delete provider keys: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("availability: redis scan: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("availability: redis get during sweep: %w", err)
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			// unreadable entries are dropped rather than kept forever
			_ = s.client.Del(ctx, key).Err()
			removed++
			continue
		}
		if e.FetchedAt.Before(cutoff) {
			if err := s.client.Del(ctx, key).Err(); err != nil {
				return removed, fmt.Errorf("availability: redis delete during sweep: %w", err)
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("availability: redis scan: %w", err)
	}
	return removed, nil
}

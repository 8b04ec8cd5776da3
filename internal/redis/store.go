package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"tripsync/internal/kv"
)

// Store is a kv.Store backed by Redis. All keys are namespaced under prefix.
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore creates a new Store. An empty prefix defaults to "tripsync:".
func NewStore(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "tripsync:"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// Get retrieves a value. Returns nil, nil on a miss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// MultiGet retrieves several keys with a single MGET.
func (s *Store) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}

	values, err := s.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}

	for i, v := range values {
		switch val := v.(type) {
		case string:
			result[keys[i]] = []byte(val)
		case []byte:
			result[keys[i]] = val
		}
	}
	return result, nil
}

// Set stores a value without expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.key(key), value, 0).Err()
}

// SetWithTTL stores a value that expires after ttl.
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

// MultiSet writes every pair inside MULTI/EXEC so the batch lands as a unit.
func (s *Store) MultiSet(ctx context.Context, pairs []kv.Pair) error {
	if len(pairs) == 0 {
		return nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range pairs {
			pipe.Set(ctx, s.key(p.Key), p.Value, 0)
		}
		return nil
	})
	return err
}

// Remove deletes keys.
func (s *Store) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	return s.client.Del(ctx, full...).Err()
}

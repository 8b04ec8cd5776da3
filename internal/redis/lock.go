package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only while it still carries our token, so a
// lease that expired and was taken by another agent is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockStore handles distributed locking in Redis. It keeps two agents that
// share one Redis from writing the same queue at once. Each LockStore holds
// at most one lease per name.
type LockStore struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	tokens map[string]string
}

// NewLockStore creates a new LockStore.
func NewLockStore(client *redis.Client, prefix string) *LockStore {
	if prefix == "" {
		prefix = "tripsync:"
	}
	return &LockStore{
		client: client,
		prefix: prefix,
		tokens: make(map[string]string),
	}
}

func (s *LockStore) key(name string) string {
	return fmt.Sprintf("%slock:%s", s.prefix, name)
}

// Acquire attempts to take the named lock.
// Returns true if the lock was acquired, false if already held.
func (s *LockStore) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	token := uuid.New().String()

	ok, err := s.client.SetNX(ctx, s.key(name), token, ttl).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	s.mu.Lock()
	s.tokens[name] = token
	s.mu.Unlock()
	return true, nil
}

// Release releases the named lock if this store still holds it.
func (s *LockStore) Release(ctx context.Context, name string) error {
	s.mu.Lock()
	token, ok := s.tokens[name]
	delete(s.tokens, name)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return releaseScript.Run(ctx, s.client, []string{s.key(name)}, token).Err()
}

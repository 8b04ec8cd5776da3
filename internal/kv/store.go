// Package kv defines the durable key-value store the synchronizer persists
// through, the logical keys it uses, and an in-memory implementation.
package kv

import (
	"context"
	"encoding/json"
	"time"
)

// Logical keys.
const (
	KeyActiveTrip         = "activeTrip"
	KeyTripState          = "tripState"
	KeyJobsList           = "jobsList"
	KeyPendingActionQueue = "pendingActionQueue"
	KeyDeadLetterActions  = "deadLetterActions"
	KeyPendingPODUploads  = "pendingPodUploads"
	KeyDutyClock          = "dutyClock"
	KeyComplianceGate     = "complianceGate"

	IdempotencyPrefix = "idempotency:"
)

// Pair is a single key/value write in a batch.
type Pair struct {
	Key   string
	Value []byte
}

// Store is the durable key-value store. Get returns nil data and a nil error
// on a miss. MultiSet is atomic: either every pair lands or none does.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	MultiGet(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	MultiSet(ctx context.Context, pairs []Pair) error
	Remove(ctx context.Context, keys ...string) error
}

// ExpiringStore can additionally write keys that expire.
type ExpiringStore interface {
	Store
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// GetJSON reads key and decodes it into v. It reports false on a miss.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON encodes v and writes it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, data)
}

// JSONPair encodes v into a batch entry.
func JSONPair(key string, v any) (Pair, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Key: key, Value: data}, nil
}

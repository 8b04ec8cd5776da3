package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"tripsync/internal/kv"
)

const schema = `
	CREATE TABLE IF NOT EXISTS tripsync_kv (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		expires_at TIMESTAMPTZ
	)
`

const upsertQuery = `
	INSERT INTO tripsync_kv (key, value, expires_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
`

// Store is a PostgreSQL implementation of kv.ExpiringStore. Inside a
// transaction q is the *sql.Tx; otherwise it is db.
type Store struct {
	db *sql.DB
	q  Querier
}

// NewStore creates a new PostgreSQL-backed store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, q: db}
}

// EnsureSchema creates the backing table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.q.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create kv table: %w", err)
	}
	return nil
}

// Get retrieves a value. Returns nil, nil on a miss or an expired key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	query := `
		SELECT value FROM tripsync_kv
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
	`

	var value []byte
	err := s.q.QueryRowContext(ctx, query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return value, nil
}

// MultiGet retrieves all present keys in one query.
func (s *Store) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	query := `
		SELECT key, value FROM tripsync_kv
		WHERE key = ANY($1) AND (expires_at IS NULL OR expires_at > now())
	`

	rows, err := s.q.QueryContext(ctx, query, pq.Array(keys))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}

	return result, rows.Err()
}

// Set upserts a value without expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.q.ExecContext(ctx, upsertQuery, key, value, sql.NullTime{})
	return err
}

// SetWithTTL upserts a value that expires after ttl.
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAt := sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
	_, err := s.q.ExecContext(ctx, upsertQuery, key, value, expiresAt)
	return err
}

// MultiSet upserts every pair inside one transaction.
func (s *Store) MultiSet(ctx context.Context, pairs []kv.Pair) error {
	if len(pairs) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *Store) error {
		for _, p := range pairs {
			if err := tx.Set(ctx, p.Key, p.Value); err != nil {
				return fmt.Errorf("failed to write %s: %w", p.Key, err)
			}
		}
		return nil
	})
}

// Remove deletes keys.
func (s *Store) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.q.ExecContext(ctx, `DELETE FROM tripsync_kv WHERE key = ANY($1)`, pq.Array(keys))
	return err
}

// Ensure Store implements kv.ExpiringStore.
var _ kv.ExpiringStore = (*Store)(nil)

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// KVStore implements domain.KVStore using PostgreSQL. It backs the small
// amount of runtime state that must survive restarts, such as the breaker's
// paused flag.
type KVStore struct {
	pool *pgxpool.Pool
}

// NewKVStore creates a new KVStore backed by the given connection pool.
func NewKVStore(pool *pgxpool.Pool) *KVStore {
	return &KVStore{pool: pool}
}

// Get retrieves the value stored under key, or domain.ErrNotFound.
func (s *KVStore) Get(ctx context.Context, key string) (string, error) {
	const query = `SELECT value FROM kv_state WHERE key = $1`

	var value string
	err := s.pool.QueryRow(ctx, query, key).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("postgres: get kv %s: %w", key, err)
	}
	return value, nil
}

// Set inserts or replaces the value stored under key.
func (s *KVStore) Set(ctx context.Context, key, value string) error {
	const query = `
		INSERT INTO kv_state (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value      = EXCLUDED.value,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query, key, value)
	if err != nil {
		return fmt.Errorf("postgres: set kv %s: %w", key, err)
	}
	return nil
}

// Delete removes the value stored under key. Deleting an absent key is not
// an error.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM kv_state WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("postgres: delete kv %s: %w", key, err)
	}
	return nil
}

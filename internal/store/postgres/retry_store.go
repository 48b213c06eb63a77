package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// RetryStore implements domain.RetryStore using PostgreSQL. Rows are the
// durable form of the retry queue: items still pending at shutdown are
// picked up by the next process start.
type RetryStore struct {
	pool *pgxpool.Pool
}

// NewRetryStore creates a new RetryStore backed by the given connection pool.
func NewRetryStore(pool *pgxpool.Pool) *RetryStore {
	return &RetryStore{pool: pool}
}

const retrySelectCols = `id, pair, opportunity, attempts, next_retry_at,
	last_error, error_history, created_at, updated_at`

func scanRetryFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.RetryableTrade, error) {
	var t domain.RetryableTrade
	var oppJSON []byte

	err := scanner.Scan(
		&t.ID, &t.Pair, &oppJSON, &t.Attempts, &t.NextRetryAt,
		&t.LastError, &t.ErrorHistory, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domain.RetryableTrade{}, err
	}

	if err := json.Unmarshal(oppJSON, &t.Opportunity); err != nil {
		return domain.RetryableTrade{}, fmt.Errorf("unmarshal opportunity: %w", err)
	}
	return t, nil
}

func scanRetryRows(rows pgx.Rows) ([]domain.RetryableTrade, error) {
	var items []domain.RetryableTrade
	for rows.Next() {
		t, err := scanRetryFromRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// Enqueue inserts a new retry row. The opportunity is stored as JSONB so a
// later drain can replay it without re-scanning.
func (s *RetryStore) Enqueue(ctx context.Context, t domain.RetryableTrade) error {
	oppJSON, err := json.Marshal(t.Opportunity)
	if err != nil {
		return fmt.Errorf("postgres: marshal retry opportunity: %w", err)
	}

	const query = `
		INSERT INTO retry_queue (id, pair, opportunity, attempts, next_retry_at,
			last_error, error_history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = s.pool.Exec(ctx, query,
		t.ID, t.Pair, oppJSON, t.Attempts, t.NextRetryAt,
		t.LastError, t.ErrorHistory, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: enqueue retry %s: %w", t.ID, err)
	}
	return nil
}

// Due returns items whose next_retry_at has passed, oldest first, up to limit.
func (s *RetryStore) Due(ctx context.Context, now time.Time, limit int) ([]domain.RetryableTrade, error) {
	query := `SELECT ` + retrySelectCols + ` FROM retry_queue
		WHERE next_retry_at <= $1 ORDER BY next_retry_at ASC`
	args := []any{now}

	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: due retries: %w", err)
	}
	defer rows.Close()

	items, err := scanRetryRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan due retries: %w", err)
	}
	return items, nil
}

// Update rewrites the mutable fields of an existing retry row.
func (s *RetryStore) Update(ctx context.Context, t domain.RetryableTrade) error {
	const query = `
		UPDATE retry_queue SET
			attempts      = $2,
			next_retry_at = $3,
			last_error    = $4,
			error_history = $5,
			updated_at    = $6
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		t.ID, t.Attempts, t.NextRetryAt, t.LastError, t.ErrorHistory, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update retry %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes a retry row after recovery or dead-lettering.
func (s *RetryStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM retry_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete retry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List returns retry rows with pagination and optional time filtering on
// creation time, newest first.
func (s *RetryStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.RetryableTrade, error) {
	query := `SELECT ` + retrySelectCols + ` FROM retry_queue WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list retries: %w", err)
	}
	defer rows.Close()

	items, err := scanRetryRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan retries: %w", err)
	}
	return items, nil
}

// Count returns the number of rows currently in the retry queue.
func (s *RetryStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM retry_queue`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count retries: %w", err)
	}
	return n, nil
}

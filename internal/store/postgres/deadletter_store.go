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

// DeadLetterStore implements domain.DeadLetterStore using PostgreSQL. The
// table is append-only from the pipeline's point of view; rows leave only
// through the retention sweep after they have been archived to blob storage.
type DeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewDeadLetterStore creates a new DeadLetterStore backed by the given
// connection pool.
func NewDeadLetterStore(pool *pgxpool.Pool) *DeadLetterStore {
	return &DeadLetterStore{pool: pool}
}

const deadLetterSelectCols = `id, pair, opportunity, attempts, error_history,
	reason, archived_at`

func scanDeadLetterFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.DeadLetterItem, error) {
	var item domain.DeadLetterItem
	var oppJSON []byte

	err := scanner.Scan(
		&item.ID, &item.Pair, &oppJSON, &item.Attempts, &item.ErrorHistory,
		&item.Reason, &item.ArchivedAt,
	)
	if err != nil {
		return domain.DeadLetterItem{}, err
	}

	if err := json.Unmarshal(oppJSON, &item.Opportunity); err != nil {
		return domain.DeadLetterItem{}, fmt.Errorf("unmarshal opportunity: %w", err)
	}
	return item, nil
}

func scanDeadLetterRows(rows pgx.Rows) ([]domain.DeadLetterItem, error) {
	var items []domain.DeadLetterItem
	for rows.Next() {
		item, err := scanDeadLetterFromRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Append inserts a permanently failed trade into the archive.
func (s *DeadLetterStore) Append(ctx context.Context, item domain.DeadLetterItem) error {
	oppJSON, err := json.Marshal(item.Opportunity)
	if err != nil {
		return fmt.Errorf("postgres: marshal dead letter opportunity: %w", err)
	}

	const query = `
		INSERT INTO dead_letters (id, pair, opportunity, attempts, error_history,
			reason, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = s.pool.Exec(ctx, query,
		item.ID, item.Pair, oppJSON, item.Attempts, item.ErrorHistory,
		item.Reason, item.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append dead letter %s: %w", item.ID, err)
	}
	return nil
}

// List returns dead letters with pagination and optional time filtering,
// newest first.
func (s *DeadLetterStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.DeadLetterItem, error) {
	query := `SELECT ` + deadLetterSelectCols + ` FROM dead_letters WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND archived_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND archived_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY archived_at DESC"

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
		return nil, fmt.Errorf("postgres: list dead letters: %w", err)
	}
	defer rows.Close()

	items, err := scanDeadLetterRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan dead letters: %w", err)
	}
	return items, nil
}

// ListBefore returns dead letters archived strictly before the given time,
// oldest first, up to limit. Used by the blob archiver to page through rows
// ready for cold storage.
func (s *DeadLetterStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.DeadLetterItem, error) {
	query := `SELECT ` + deadLetterSelectCols + ` FROM dead_letters
		WHERE archived_at < $1 ORDER BY archived_at ASC`
	args := []any{before}

	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list dead letters before: %w", err)
	}
	defer rows.Close()

	items, err := scanDeadLetterRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan dead letters before: %w", err)
	}
	return items, nil
}

// DeleteBefore deletes dead letters archived before the given time. Returns
// the number deleted.
func (s *DeadLetterStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE archived_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete dead letters before: %w", err)
	}
	return tag.RowsAffected(), nil
}

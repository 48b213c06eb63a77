package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// ResultStore implements domain.ResultStore using PostgreSQL. One row per
// terminal execution outcome, success or failure.
type ResultStore struct {
	pool *pgxpool.Pool
}

// NewResultStore creates a new ResultStore backed by the given connection pool.
func NewResultStore(pool *pgxpool.Pool) *ResultStore {
	return &ResultStore{pool: pool}
}

// Amounts are stored as raw smallest-unit integers in text columns plus a
// decimals column, so values round-trip without precision loss.
const resultSelectCols = `opportunity_id, pair, mode, success, settlement_ref,
	final_state, profit_units, profit_decimals, gas_units, gas_decimals,
	error_kind, message, duration_ms, completed_at`

func scanResultFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.ExecutionResult, error) {
	var r domain.ExecutionResult
	var mode, state, kind string
	var profitUnits, gasUnits string
	var profitDec, gasDec int16
	var durationMS int64

	err := scanner.Scan(
		&r.OpportunityID, &r.Pair, &mode, &r.Success, &r.SettlementRef,
		&state, &profitUnits, &profitDec, &gasUnits, &gasDec,
		&kind, &r.Message, &durationMS, &r.CompletedAt,
	)
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	r.Mode = domain.ExecMode(mode)
	r.FinalState = domain.ExecState(state)
	r.ErrorKind = domain.Kind(kind)
	r.Duration = time.Duration(durationMS) * time.Millisecond

	profit, ok := new(big.Int).SetString(profitUnits, 10)
	if !ok {
		return domain.ExecutionResult{}, fmt.Errorf("bad profit units %q", profitUnits)
	}
	gas, ok := new(big.Int).SetString(gasUnits, 10)
	if !ok {
		return domain.ExecutionResult{}, fmt.Errorf("bad gas units %q", gasUnits)
	}
	r.Profit = domain.NewAmount(profit, uint8(profitDec))
	r.GasCost = domain.NewAmount(gas, uint8(gasDec))

	return r, nil
}

func scanResultRows(rows pgx.Rows) ([]domain.ExecutionResult, error) {
	var results []domain.ExecutionResult
	for rows.Next() {
		r, err := scanResultFromRow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Insert records a terminal execution result.
func (s *ResultStore) Insert(ctx context.Context, r domain.ExecutionResult) error {
	const query = `
		INSERT INTO trade_results (opportunity_id, pair, mode, success,
			settlement_ref, final_state, profit_units, profit_decimals,
			gas_units, gas_decimals, error_kind, message, duration_ms,
			completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.pool.Exec(ctx, query,
		r.OpportunityID, r.Pair, string(r.Mode), r.Success,
		r.SettlementRef, string(r.FinalState),
		r.Profit.Raw().String(), int16(r.Profit.Decimals()),
		r.GasCost.Raw().String(), int16(r.GasCost.Decimals()),
		string(r.ErrorKind), r.Message, r.Duration.Milliseconds(),
		r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert result %s: %w", r.OpportunityID, err)
	}
	return nil
}

// Recent returns results newest first with pagination and optional time
// filtering on completion time.
func (s *ResultStore) Recent(ctx context.Context, opts domain.ListOpts) ([]domain.ExecutionResult, error) {
	query := `SELECT ` + resultSelectCols + ` FROM trade_results WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND completed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND completed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY completed_at DESC"

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
		return nil, fmt.Errorf("postgres: recent results: %w", err)
	}
	defer rows.Close()

	results, err := scanResultRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan results: %w", err)
	}
	return results, nil
}

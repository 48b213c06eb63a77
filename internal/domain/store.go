package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log. Every scan phase, risk
// decision, state transition, and breaker event lands here.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListByEvent(ctx context.Context, event string, opts ListOpts) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// KVStore holds runtime state that must survive restarts: the breaker's
// paused flag, risk tracking snapshots, operational toggles.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error) // ErrNotFound when absent
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// RetryStore persists the live retry queue.
type RetryStore interface {
	Enqueue(ctx context.Context, t RetryableTrade) error
	Due(ctx context.Context, now time.Time, limit int) ([]RetryableTrade, error)
	Update(ctx context.Context, t RetryableTrade) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOpts) ([]RetryableTrade, error)
	Count(ctx context.Context) (int, error)
}

// DeadLetterStore is the immutable archive of permanently failed trades.
type DeadLetterStore interface {
	Append(ctx context.Context, item DeadLetterItem) error
	List(ctx context.Context, opts ListOpts) ([]DeadLetterItem, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]DeadLetterItem, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ResultStore persists terminal execution results.
type ResultStore interface {
	Insert(ctx context.Context, r ExecutionResult) error
	Recent(ctx context.Context, opts ListOpts) ([]ExecutionResult, error)
}

// Package retryq routes transiently failed executions through a durable
// retry queue with a fixed backoff schedule, and archives exhausted or
// non-retryable trades in the append-only dead-letter store.
package retryq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/metrics"
)

// Audit events written by the retry queue.
const (
	auditEnqueued    = "retry.enqueued"
	auditRescheduled = "retry.rescheduled"
	auditRecovered   = "retry.recovered"
	auditDeadLetter  = "retry.dead_letter"
)

// drainLock serializes Drain across replicas and overlapping ticks.
const drainLock = "retry-drain"

// Executor re-runs a queued trade from the validating stage.
type Executor interface {
	ExecuteAttempt(ctx context.Context, opp domain.Opportunity, attempt int) domain.ExecutionResult
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds the retry schedule. Backoff[n-1] is the delay after the
// n-th failed attempt.
type Config struct {
	MaxAttempts int
	Backoff     []time.Duration
	DrainLimit  int
	LockTTL     time.Duration
}

// Deps are the queue's collaborators. Locks, Audit, and Notifier may be
// nil; Metrics must not be.
type Deps struct {
	Store       domain.RetryStore
	DeadLetters domain.DeadLetterStore
	Locks       domain.LockManager
	Exec        Executor
	Audit       domain.AuditStore
	Notifier    Notifier
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Queue is the durable retry pipeline between the executor's transient
// failures and their eventual settlement or burial.
type Queue struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	now func() time.Time
}

// New validates the wiring and applies schedule defaults.
func New(cfg Config, deps Deps) (*Queue, error) {
	if deps.Store == nil || deps.DeadLetters == nil {
		return nil, domain.E(domain.KindConfiguration, "retryq: retry and dead-letter stores are required")
	}
	if deps.Exec == nil {
		return nil, domain.E(domain.KindConfiguration, "retryq: executor is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}
	}
	if cfg.DrainLimit <= 0 {
		cfg.DrainLimit = 10
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Queue{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With(slog.String("component", "retryq")),
		now:    time.Now,
	}, nil
}

// Enqueue routes a failed execution. Retryable causes enter the queue
// with the first backoff step; everything else goes straight to the
// dead-letter archive.
func (q *Queue) Enqueue(ctx context.Context, opp domain.Opportunity, cause error) error {
	if cause == nil {
		return domain.E(domain.KindInternal, "retryq: enqueue without a cause")
	}
	now := q.now()
	if !domain.Retryable(cause) {
		return q.deadLetter(ctx, domain.DeadLetterItem{
			ID:           uuid.NewString(),
			Pair:         opp.Pair.Key(),
			Opportunity:  opp,
			Attempts:     1,
			ErrorHistory: []string{cause.Error()},
			Reason:       domain.DeadLetterNotRetryable,
			ArchivedAt:   now,
		})
	}

	t := domain.RetryableTrade{
		ID:           uuid.NewString(),
		Pair:         opp.Pair.Key(),
		Opportunity:  opp,
		Attempts:     1,
		NextRetryAt:  now.Add(q.backoff(1)),
		LastError:    cause.Error(),
		ErrorHistory: []string{cause.Error()},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := q.deps.Store.Enqueue(ctx, t); err != nil {
		return fmt.Errorf("retryq: enqueue: %w", err)
	}
	q.logger.InfoContext(ctx, "trade queued for retry",
		slog.String("retry_id", t.ID),
		slog.String("opportunity_id", opp.ID),
		slog.Time("next_retry_at", t.NextRetryAt),
		slog.String("cause", t.LastError),
	)
	q.auditLog(ctx, auditEnqueued, map[string]any{
		"retry_id":       t.ID,
		"opportunity_id": opp.ID,
		"pair":           t.Pair,
		"next_retry_at":  t.NextRetryAt,
		"cause":          t.LastError,
	})
	q.refreshDepth(ctx)
	return nil
}

// Drain claims due items and re-executes them oldest first. The
// distributed lock keeps a single drainer across replicas; a held lock
// is a clean no-op, not an error.
func (q *Queue) Drain(ctx context.Context) error {
	if q.deps.Locks != nil {
		unlock, err := q.deps.Locks.Acquire(ctx, drainLock, q.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return nil
			}
			return fmt.Errorf("retryq: drain lock: %w", err)
		}
		defer unlock()
	}

	due, err := q.deps.Store.Due(ctx, q.now(), q.cfg.DrainLimit)
	if err != nil {
		return fmt.Errorf("retryq: due items: %w", err)
	}
	for _, t := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		q.process(ctx, t)
	}
	q.refreshDepth(ctx)
	return nil
}

// Pending lists queued retries for the control API.
func (q *Queue) Pending(ctx context.Context, opts domain.ListOpts) ([]domain.RetryableTrade, error) {
	return q.deps.Store.List(ctx, opts)
}

// DeadLetters lists archived failures for the control API.
func (q *Queue) DeadLetters(ctx context.Context, opts domain.ListOpts) ([]domain.DeadLetterItem, error) {
	return q.deps.DeadLetters.List(ctx, opts)
}

// process runs one due item through the executor and decides its fate:
// delete on success, reschedule on a further transient failure, retire to
// the dead-letter store on anything else.
func (q *Queue) process(ctx context.Context, t domain.RetryableTrade) {
	attempt := t.Attempts + 1
	log := q.logger.With(
		slog.String("retry_id", t.ID),
		slog.String("opportunity_id", t.Opportunity.ID),
		slog.Int("attempt", attempt),
	)

	res := q.deps.Exec.ExecuteAttempt(ctx, t.Opportunity, attempt)
	if res.Success {
		if err := q.deps.Store.Delete(ctx, t.ID); err != nil {
			log.WarnContext(ctx, "retry row delete failed", slog.String("error", err.Error()))
		}
		log.InfoContext(ctx, "retried trade settled",
			slog.String("settlement_ref", res.SettlementRef),
			slog.String("profit", res.Profit.String()),
		)
		q.auditLog(ctx, auditRecovered, map[string]any{
			"retry_id":       t.ID,
			"opportunity_id": t.Opportunity.ID,
			"attempt":        attempt,
			"settlement_ref": res.SettlementRef,
		})
		return
	}

	t.Attempts = attempt
	t.LastError = res.Message
	t.ErrorHistory = append(t.ErrorHistory, res.Message)
	t.UpdatedAt = q.now()

	if res.ErrorKind != domain.KindTransient {
		q.retire(ctx, t, domain.DeadLetterNotRetryable)
		return
	}
	if t.Attempts >= q.cfg.MaxAttempts {
		q.retire(ctx, t, domain.DeadLetterMaxAttempts)
		return
	}

	t.NextRetryAt = t.UpdatedAt.Add(q.backoff(t.Attempts))
	if err := q.deps.Store.Update(ctx, t); err != nil {
		log.WarnContext(ctx, "retry row update failed", slog.String("error", err.Error()))
		return
	}
	log.InfoContext(ctx, "retry rescheduled",
		slog.Time("next_retry_at", t.NextRetryAt),
		slog.String("cause", res.Message),
	)
	q.auditLog(ctx, auditRescheduled, map[string]any{
		"retry_id":       t.ID,
		"opportunity_id": t.Opportunity.ID,
		"attempt":        attempt,
		"next_retry_at":  t.NextRetryAt,
		"cause":          res.Message,
	})
}

// retire moves an item to the dead-letter archive and removes the queue
// row. If the archive write fails the row stays queued so the record is
// not lost.
func (q *Queue) retire(ctx context.Context, t domain.RetryableTrade, reason string) {
	err := q.deadLetter(ctx, domain.DeadLetterItem{
		ID:           t.ID,
		Pair:         t.Pair,
		Opportunity:  t.Opportunity,
		Attempts:     t.Attempts,
		ErrorHistory: t.ErrorHistory,
		Reason:       reason,
		ArchivedAt:   q.now(),
	})
	if err != nil {
		q.logger.ErrorContext(ctx, "dead-letter append failed",
			slog.String("retry_id", t.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := q.deps.Store.Delete(ctx, t.ID); err != nil {
		q.logger.WarnContext(ctx, "retry row delete failed",
			slog.String("retry_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (q *Queue) deadLetter(ctx context.Context, item domain.DeadLetterItem) error {
	if err := q.deps.DeadLetters.Append(ctx, item); err != nil {
		return fmt.Errorf("retryq: dead-letter append: %w", err)
	}
	q.deps.Metrics.DeadLettersTotal.Inc()
	q.logger.WarnContext(ctx, "trade dead-lettered",
		slog.String("id", item.ID),
		slog.String("opportunity_id", item.Opportunity.ID),
		slog.String("reason", item.Reason),
		slog.Int("attempts", item.Attempts),
	)
	q.auditLog(ctx, auditDeadLetter, map[string]any{
		"id":             item.ID,
		"opportunity_id": item.Opportunity.ID,
		"pair":           item.Pair,
		"reason":         item.Reason,
		"attempts":       item.Attempts,
		"errors":         item.ErrorHistory,
	})
	if q.deps.Notifier != nil {
		msg := fmt.Sprintf("%s (%s) after %d attempts: %s",
			item.Opportunity.ID, item.Pair, item.Attempts, item.Reason)
		if err := q.deps.Notifier.Notify(ctx, "trade_failed", "Trade dead-lettered", msg); err != nil {
			q.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// backoff returns the delay before the next attempt after n failures.
// Beyond the schedule the last step repeats.
func (q *Queue) backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > len(q.cfg.Backoff) {
		n = len(q.cfg.Backoff)
	}
	return q.cfg.Backoff[n-1]
}

func (q *Queue) refreshDepth(ctx context.Context) {
	n, err := q.deps.Store.Count(ctx)
	if err != nil {
		return
	}
	q.deps.Metrics.RetryQueueDepth.Set(float64(n))
}

func (q *Queue) auditLog(ctx context.Context, event string, detail map[string]any) {
	if q.deps.Audit == nil {
		return
	}
	if err := q.deps.Audit.Log(ctx, event, detail); err != nil {
		q.logger.WarnContext(ctx, "audit write failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

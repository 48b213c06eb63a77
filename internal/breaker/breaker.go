// Package breaker implements the process-wide kill switch. Once tripped it
// stays tripped until an operator resets it, and the state survives
// restarts through the key-value store.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/metrics"
)

const (
	pausedKey    = "breaker:paused"
	lastEventKey = "breaker:last_event"

	// BusChannel carries breaker state changes to API subscribers.
	BusChannel = "breaker"
)

// Notifier is the subset of the notification service the breaker needs.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Breaker is a latching halt switch shared by the scanner, executor, and
// monitors. Trip is called from many goroutines; Tripped is a lock-free
// read on the hot path.
type Breaker struct {
	tripped atomic.Bool

	mu   sync.Mutex
	last domain.BreakerEvent
	has  bool

	kv       domain.KVStore
	audit    domain.AuditStore
	bus      domain.SignalBus
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an untripped breaker. audit, bus, and notifier may be nil;
// the corresponding side effects are then skipped.
func New(kv domain.KVStore, audit domain.AuditStore, bus domain.SignalBus, notifier Notifier, m *metrics.Metrics, logger *slog.Logger) *Breaker {
	return &Breaker{
		kv:       kv,
		audit:    audit,
		bus:      bus,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With(slog.String("component", "breaker")),
		now:      time.Now,
	}
}

// Restore reloads the persisted latch so a tripped process stays tripped
// across restarts.
func (b *Breaker) Restore(ctx context.Context) error {
	if b.kv == nil {
		return nil
	}
	paused, err := b.kv.Get(ctx, pausedKey)
	if err != nil {
		if err == domain.ErrNotFound {
			return nil
		}
		return fmt.Errorf("breaker restore: %w", err)
	}
	if paused != "1" {
		return nil
	}

	b.tripped.Store(true)
	if raw, err := b.kv.Get(ctx, lastEventKey); err == nil {
		var ev domain.BreakerEvent
		if err := json.Unmarshal([]byte(raw), &ev); err == nil {
			b.mu.Lock()
			b.last, b.has = ev, true
			b.mu.Unlock()
		}
	}
	b.logger.Warn("restored in tripped state; trading stays halted until manual reset")
	return nil
}

// Tripped reports whether the latch is set.
func (b *Breaker) Tripped() bool { return b.tripped.Load() }

// LastEvent returns the most recent trip event, if any.
func (b *Breaker) LastEvent() (domain.BreakerEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.has
}

// Trip sets the latch and records why. Repeated trips while already
// tripped are logged but do not produce a second event.
func (b *Breaker) Trip(ctx context.Context, reason, trigger, threshold string) domain.BreakerEvent {
	if b.tripped.Swap(true) {
		b.mu.Lock()
		last := b.last
		b.mu.Unlock()
		b.logger.WarnContext(ctx, "trip ignored: already tripped",
			slog.String("reason", reason),
			slog.String("active_reason", last.Reason),
		)
		return last
	}

	ev := domain.BreakerEvent{
		ID:        uuid.NewString(),
		Reason:    reason,
		Trigger:   trigger,
		Threshold: threshold,
		TrippedAt: b.now().UTC(),
	}
	b.mu.Lock()
	b.last, b.has = ev, true
	b.mu.Unlock()

	b.logger.ErrorContext(ctx, "circuit breaker tripped",
		slog.String("reason", reason),
		slog.String("trigger", trigger),
		slog.String("threshold", threshold),
	)
	b.metrics.BreakerTrips.Inc()
	b.persist(ctx, ev, "1")

	if b.audit != nil {
		if err := b.audit.Log(ctx, "breaker_tripped", map[string]any{
			"id":        ev.ID,
			"reason":    reason,
			"trigger":   trigger,
			"threshold": threshold,
		}); err != nil {
			b.logger.WarnContext(ctx, "audit write failed", slog.String("error", err.Error()))
		}
	}
	b.publish(ctx, ev)
	if b.notifier != nil {
		msg := fmt.Sprintf("Reason: %s\nTrigger: %s\nThreshold: %s\nAll trading halted until manual reset.",
			reason, trigger, threshold)
		if err := b.notifier.Notify(ctx, "breaker_tripped", "Circuit breaker TRIPPED", msg); err != nil {
			b.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
		}
	}
	return ev
}

// Halt sets the latch for process shutdown so no new attempt starts while
// in-flight work drains. Unlike Trip the latch is not persisted and no
// operator is paged: the next start comes up clean. A latch already set by
// a real trip is left untouched.
func (b *Breaker) Halt(ctx context.Context) {
	if b.tripped.Swap(true) {
		return
	}
	ev := domain.BreakerEvent{
		ID:        uuid.NewString(),
		Reason:    domain.TripShutdown,
		Trigger:   "signal received",
		TrippedAt: b.now().UTC(),
	}
	b.mu.Lock()
	b.last, b.has = ev, true
	b.mu.Unlock()

	b.logger.InfoContext(ctx, "halting for shutdown")
	b.publish(ctx, ev)
}

// Reset clears the latch. It is an explicit operator action and fails if
// the breaker is not tripped.
func (b *Breaker) Reset(ctx context.Context, operator string) error {
	if !b.tripped.Load() {
		return domain.E(domain.KindValidation, "breaker is not tripped")
	}
	if operator == "" {
		return domain.E(domain.KindValidation, "reset requires an operator identity")
	}

	b.mu.Lock()
	b.last.Resolved = true
	b.last.ResolvedBy = operator
	b.last.ResolvedAt = b.now().UTC()
	ev := b.last
	b.mu.Unlock()

	b.tripped.Store(false)
	b.logger.InfoContext(ctx, "circuit breaker reset",
		slog.String("operator", operator),
		slog.String("reason", ev.Reason),
	)
	b.persist(ctx, ev, "0")

	if b.audit != nil {
		if err := b.audit.Log(ctx, "breaker_reset", map[string]any{
			"id":       ev.ID,
			"operator": operator,
			"reason":   ev.Reason,
		}); err != nil {
			b.logger.WarnContext(ctx, "audit write failed", slog.String("error", err.Error()))
		}
	}
	b.publish(ctx, ev)
	return nil
}

// persist writes the latch and event best-effort. The in-memory latch is
// authoritative for this process even when the store is down.
func (b *Breaker) persist(ctx context.Context, ev domain.BreakerEvent, paused string) {
	if b.kv == nil {
		return
	}
	if err := b.kv.Set(ctx, pausedKey, paused); err != nil {
		b.logger.ErrorContext(ctx, "persist paused flag failed", slog.String("error", err.Error()))
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := b.kv.Set(ctx, lastEventKey, string(raw)); err != nil {
		b.logger.WarnContext(ctx, "persist event failed", slog.String("error", err.Error()))
	}
}

func (b *Breaker) publish(ctx context.Context, ev domain.BreakerEvent) {
	if b.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"type":  "breaker",
		"event": ev,
	})
	if err != nil {
		return
	}
	if err := b.bus.Publish(ctx, BusChannel, payload); err != nil {
		b.logger.WarnContext(ctx, "bus publish failed", slog.String("error", err.Error()))
	}
}

// Package risk owns the daily risk-tracking state and the pre-trade gate.
// No other component mutates the tracked counters directly: the executor,
// monitors, and API all go through the Tracker's atomic methods.
package risk

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// snapshotKey is where the tracker persists its state between restarts.
const snapshotKey = "risk:stats"

// Tracker is the single owner of RiskStats for one trading identity. All
// reads and writes happen under one mutex so concurrent trade completions
// never lose updates.
type Tracker struct {
	mu     sync.Mutex
	stats  domain.RiskStats
	kv     domain.KVStore
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a Tracker with zeroed counters at the reserve
// precision. kv may be nil in tests; snapshots are then skipped.
func NewTracker(identity string, reserveDecimals uint8, kv domain.KVStore, logger *slog.Logger) *Tracker {
	t := &Tracker{
		kv:     kv,
		logger: logger,
		now:    time.Now,
	}
	t.stats = zeroStats(identity, reserveDecimals, t.now())
	return t
}

func zeroStats(identity string, decimals uint8, now time.Time) domain.RiskStats {
	return domain.RiskStats{
		Identity:       identity,
		DailyProfit:    domain.ZeroAmount(decimals),
		DailyLoss:      domain.ZeroAmount(decimals),
		DailyGasSpend:  domain.ZeroAmount(decimals),
		MaxEquityToday: domain.ZeroAmount(decimals),
		LastReset:      now,
	}
}

// Restore loads the persisted snapshot. A snapshot from a previous day is
// discarded: the day's counters start fresh.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.kv == nil {
		return nil
	}
	raw, err := t.kv.Get(ctx, snapshotKey)
	if err != nil {
		if err == domain.ErrNotFound {
			return nil
		}
		return err
	}
	var snap domain.RiskStats
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.logger.Warn("risk: discarding unreadable snapshot", slog.String("error", err.Error()))
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if sameDay(snap.LastReset, t.now()) && snap.Identity == t.stats.Identity {
		t.stats = snap
		t.logger.Info("risk: restored daily stats",
			slog.Int("trades", snap.TradeCount),
			slog.String("daily_loss", snap.DailyLoss.String()),
		)
	}
	return nil
}

// RecordTrade folds one terminal execution result into the daily counters
// atomically and returns the post-update snapshot. Profit may be negative;
// its absolute value then accumulates into DailyLoss. The consecutive
// failure counter resets on any success and increments on any failure.
func (t *Tracker) RecordTrade(ctx context.Context, profit, gasSpend domain.Amount, success bool) domain.RiskStats {
	t.mu.Lock()
	t.maybeRollover()

	if profit.Sign() >= 0 {
		t.stats.DailyProfit = t.stats.DailyProfit.Add(profit)
	} else {
		t.stats.DailyLoss = t.stats.DailyLoss.Add(profit.Abs())
	}
	t.stats.DailyGasSpend = t.stats.DailyGasSpend.Add(gasSpend)
	t.stats.TradeCount++
	if success {
		t.stats.ConsecutiveFailures = 0
	} else {
		t.stats.ConsecutiveFailures++
	}

	equity := t.stats.DailyProfit.Sub(t.stats.DailyLoss)
	if equity.Cmp(t.stats.MaxEquityToday) > 0 {
		t.stats.MaxEquityToday = equity
	}

	snap := t.stats
	t.mu.Unlock()

	t.persist(ctx, snap)
	return snap
}

// Snapshot returns the current counters by value.
func (t *Tracker) Snapshot() domain.RiskStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeRollover()
	return t.stats
}

// ResetDaily zeroes the counters on explicit operator request.
func (t *Tracker) ResetDaily(ctx context.Context) domain.RiskStats {
	t.mu.Lock()
	t.reset()
	snap := t.stats
	t.mu.Unlock()

	t.persist(ctx, snap)
	t.logger.Info("risk: daily stats reset", slog.String("identity", snap.Identity))
	return snap
}

// Drawdown returns the current drawdown percentage: how far equity has
// fallen from the day's peak, as a share of that peak notional plus the
// day's turnover base. Peak zero means no drawdown is measurable.
func (t *Tracker) Drawdown() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	peak := t.stats.MaxEquityToday.Float64()
	if peak <= 0 {
		return 0
	}
	equity := t.stats.DailyProfit.Sub(t.stats.DailyLoss).Float64()
	return (peak - equity) / peak * 100
}

// maybeRollover resets the counters when the UTC date has changed since
// the last reset. Callers must hold the mutex.
func (t *Tracker) maybeRollover() {
	if !sameDay(t.stats.LastReset, t.now()) {
		t.logger.Info("risk: daily rollover",
			slog.String("identity", t.stats.Identity),
			slog.Time("last_reset", t.stats.LastReset),
		)
		t.reset()
	}
}

func (t *Tracker) reset() {
	t.stats = zeroStats(t.stats.Identity, t.stats.DailyProfit.Decimals(), t.now())
}

// persist writes the snapshot best-effort; tracking must not fail a trade.
func (t *Tracker) persist(ctx context.Context, snap domain.RiskStats) {
	if t.kv == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		t.logger.Error("risk: marshal snapshot", slog.String("error", err.Error()))
		return
	}
	if err := t.kv.Set(ctx, snapshotKey, string(raw)); err != nil {
		t.logger.Warn("risk: persist snapshot", slog.String("error", err.Error()))
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

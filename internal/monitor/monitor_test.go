package monitor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/flasharb/internal/breaker"
	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/pricing"
	"github.com/alanyoungcy/flasharb/internal/risk"
)

type tripCall struct {
	reason    string
	trigger   string
	threshold string
}

type stubHalter struct {
	tripped bool
	trips   []tripCall
}

func (h *stubHalter) Tripped() bool { return h.tripped }

func (h *stubHalter) Trip(_ context.Context, reason, trigger, threshold string) domain.BreakerEvent {
	h.tripped = true
	h.trips = append(h.trips, tripCall{reason: reason, trigger: trigger, threshold: threshold})
	return domain.BreakerEvent{Reason: reason}
}

type stubEquity float64

func (s stubEquity) Drawdown() float64 { return float64(s) }

// The real collaborators must satisfy the monitor interfaces.
var (
	_ Halter       = (*breaker.Breaker)(nil)
	_ EquitySource = (*risk.Tracker)(nil)
	_ PriceHistory = (*pricing.History)(nil)
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func usdc(t *testing.T, s string) domain.Amount {
	t.Helper()
	a, err := domain.ParseAmount(s, 6)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return a
}

func TestDrawdownTripsAtLimit(t *testing.T) {
	halter := &stubHalter{}
	d := NewDrawdown(DrawdownConfig{MaxDrawdownPct: 5}, stubEquity(5), halter, testLogger())

	if err := d.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}

	if len(halter.trips) != 1 {
		t.Fatalf("trips = %d, want 1", len(halter.trips))
	}
	got := halter.trips[0]
	if got.reason != domain.TripDrawdown {
		t.Fatalf("reason = %q, want %q", got.reason, domain.TripDrawdown)
	}
	if got.trigger != "5.00" || got.threshold != "5.00" {
		t.Fatalf("trigger/threshold = %q/%q", got.trigger, got.threshold)
	}
}

func TestDrawdownWithinLimit(t *testing.T) {
	halter := &stubHalter{}
	d := NewDrawdown(DrawdownConfig{MaxDrawdownPct: 5}, stubEquity(4.99), halter, testLogger())

	if err := d.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(halter.trips) != 0 {
		t.Fatalf("unexpected trips: %v", halter.trips)
	}
}

func TestDrawdownSkipsWhenAlreadyTripped(t *testing.T) {
	halter := &stubHalter{tripped: true}
	d := NewDrawdown(DrawdownConfig{MaxDrawdownPct: 5}, stubEquity(50), halter, testLogger())

	if err := d.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(halter.trips) != 0 {
		t.Fatalf("unexpected trips: %v", halter.trips)
	}
}

// A profitable morning followed by a losing streak must register as
// drawdown even while the day is still net positive.
func TestDrawdownAgainstRealTracker(t *testing.T) {
	tracker := risk.NewTracker("test", 6, nil, testLogger())
	ctx := context.Background()
	tracker.RecordTrade(ctx, usdc(t, "100"), domain.ZeroAmount(6), true)
	tracker.RecordTrade(ctx, usdc(t, "-10"), domain.ZeroAmount(6), false)

	halter := &stubHalter{}
	d := NewDrawdown(DrawdownConfig{MaxDrawdownPct: 5}, tracker, halter, testLogger())

	if err := d.Check(ctx); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(halter.trips) != 1 {
		t.Fatalf("trips = %d, want 1", len(halter.trips))
	}
	if got := halter.trips[0].trigger; got != "10.00" {
		t.Fatalf("trigger = %q, want 10.00", got)
	}
}

func newBlackSwan(cfg BlackSwanConfig, h *pricing.History, halter *stubHalter, now time.Time) *BlackSwan {
	b := NewBlackSwan(cfg, h, halter, testLogger())
	b.now = func() time.Time { return now }
	return b
}

func TestBlackSwanTripsOnGap(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	hist := pricing.NewHistory(16)
	hist.Record("USDC/WETH", "alpha", 3000, now.Add(-30*time.Second))
	hist.Record("USDC/WETH", "alpha", 3400, now.Add(-10*time.Second))

	halter := &stubHalter{}
	b := newBlackSwan(BlackSwanConfig{Window: time.Minute, MaxMovePct: 10}, hist, halter, now)

	if err := b.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(halter.trips) != 1 {
		t.Fatalf("trips = %d, want 1", len(halter.trips))
	}
	got := halter.trips[0]
	if got.reason != domain.TripBlackSwan {
		t.Fatalf("reason = %q, want %q", got.reason, domain.TripBlackSwan)
	}
	if got.trigger != "13.33" || got.threshold != "10.00" {
		t.Fatalf("trigger/threshold = %q/%q", got.trigger, got.threshold)
	}
}

// Three 5 percent steps move the price 10 percent overall; no consecutive
// pair gaps past the limit, so the monitor stays quiet.
func TestBlackSwanToleratesGradualDrift(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	hist := pricing.NewHistory(16)
	hist.Record("USDC/WETH", "alpha", 3000, now.Add(-40*time.Second))
	hist.Record("USDC/WETH", "alpha", 3150, now.Add(-25*time.Second))
	hist.Record("USDC/WETH", "alpha", 3300, now.Add(-10*time.Second))

	halter := &stubHalter{}
	b := newBlackSwan(BlackSwanConfig{Window: time.Minute, MaxMovePct: 10}, hist, halter, now)

	if err := b.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(halter.trips) != 0 {
		t.Fatalf("unexpected trips: %v", halter.trips)
	}
}

func TestBlackSwanIgnoresMovesOutsideWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	hist := pricing.NewHistory(16)
	hist.Record("USDC/WETH", "alpha", 3000, now.Add(-5*time.Minute))
	hist.Record("USDC/WETH", "alpha", 3400, now.Add(-4*time.Minute))

	halter := &stubHalter{}
	b := newBlackSwan(BlackSwanConfig{Window: time.Minute, MaxMovePct: 10}, hist, halter, now)

	if err := b.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(halter.trips) != 0 {
		t.Fatalf("unexpected trips: %v", halter.trips)
	}
}

func TestBlackSwanSkipsWhenAlreadyTripped(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	hist := pricing.NewHistory(16)
	hist.Record("USDC/WETH", "alpha", 3000, now.Add(-30*time.Second))
	hist.Record("USDC/WETH", "alpha", 3400, now.Add(-10*time.Second))

	halter := &stubHalter{tripped: true}
	b := newBlackSwan(BlackSwanConfig{Window: time.Minute, MaxMovePct: 10}, hist, halter, now)

	if err := b.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(halter.trips) != 0 {
		t.Fatalf("unexpected trips: %v", halter.trips)
	}
}

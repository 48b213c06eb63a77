package monitor

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// EquitySource reports the portfolio drawdown percentage.
type EquitySource interface {
	Drawdown() float64
}

// DrawdownConfig bounds how far equity may fall from the day's peak.
type DrawdownConfig struct {
	MaxDrawdownPct float64
}

// Drawdown watches the tracker's equity curve and trips the breaker when
// the fall from the day's peak reaches the limit. It catches slow bleeds
// that no single per-trade check rejects.
type Drawdown struct {
	cfg     DrawdownConfig
	equity  EquitySource
	breaker Halter
	logger  *slog.Logger
}

// NewDrawdown wires the drawdown check. A non-positive limit falls back
// to 5 percent.
func NewDrawdown(cfg DrawdownConfig, equity EquitySource, breaker Halter, logger *slog.Logger) *Drawdown {
	if cfg.MaxDrawdownPct <= 0 {
		cfg.MaxDrawdownPct = 5
	}
	return &Drawdown{
		cfg:     cfg,
		equity:  equity,
		breaker: breaker,
		logger:  logger.With(slog.String("component", "monitor.drawdown")),
	}
}

// Check evaluates the current drawdown once. Safe to call from a
// scheduler tick; an already tripped breaker makes it a no-op.
func (d *Drawdown) Check(ctx context.Context) error {
	if d.breaker.Tripped() {
		return nil
	}
	dd := d.equity.Drawdown()
	if dd < d.cfg.MaxDrawdownPct {
		d.logger.DebugContext(ctx, "drawdown within limit",
			slog.Float64("drawdown_pct", dd),
			slog.Float64("limit_pct", d.cfg.MaxDrawdownPct),
		)
		return nil
	}
	d.logger.ErrorContext(ctx, "drawdown limit breached",
		slog.Float64("drawdown_pct", dd),
		slog.Float64("limit_pct", d.cfg.MaxDrawdownPct),
	)
	d.breaker.Trip(ctx, domain.TripDrawdown,
		strconv.FormatFloat(dd, 'f', 2, 64),
		strconv.FormatFloat(d.cfg.MaxDrawdownPct, 'f', 2, 64))
	return nil
}

package monitor

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/pricing"
)

// PriceHistory is the rolling price record as the monitor sees it.
type PriceHistory interface {
	MaxMove(window time.Duration, now time.Time) pricing.Move
}

// BlackSwanConfig bounds the largest tolerated venue price move inside
// the lookback window.
type BlackSwanConfig struct {
	Window     time.Duration
	MaxMovePct float64
}

// BlackSwan trips the breaker when any venue mid gaps more than the
// configured percentage between consecutive samples. Every opportunity
// priced before such a move is stale.
type BlackSwan struct {
	cfg     BlackSwanConfig
	history PriceHistory
	breaker Halter
	logger  *slog.Logger

	now func() time.Time
}

// NewBlackSwan wires the price-move check. Defaults: one minute of
// lookback, 10 percent move limit.
func NewBlackSwan(cfg BlackSwanConfig, history PriceHistory, breaker Halter, logger *slog.Logger) *BlackSwan {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxMovePct <= 0 {
		cfg.MaxMovePct = 10
	}
	return &BlackSwan{
		cfg:     cfg,
		history: history,
		breaker: breaker,
		logger:  logger.With(slog.String("component", "monitor.blackswan")),
		now:     time.Now,
	}
}

// Check inspects the recent price history once. Safe to call from a
// scheduler tick; an already tripped breaker makes it a no-op.
func (b *BlackSwan) Check(ctx context.Context) error {
	if b.breaker.Tripped() {
		return nil
	}
	move := b.history.MaxMove(b.cfg.Window, b.now())
	if move.Pct <= b.cfg.MaxMovePct {
		return nil
	}
	b.logger.ErrorContext(ctx, "violent price move detected",
		slog.String("pair", move.Pair),
		slog.String("venue", move.Venue),
		slog.Float64("move_pct", move.Pct),
		slog.Float64("limit_pct", b.cfg.MaxMovePct),
		slog.Float64("from", move.From),
		slog.Float64("to", move.To),
	)
	b.breaker.Trip(ctx, domain.TripBlackSwan,
		strconv.FormatFloat(move.Pct, 'f', 2, 64),
		strconv.FormatFloat(b.cfg.MaxMovePct, 'f', 2, 64))
	return nil
}

package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strconv"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Check identifiers carried on denials so callers and the audit log can
// distinguish which rule fired.
const (
	CheckTradingEnabled = "trading_enabled"
	CheckPositionSize   = "position_size"
	CheckDailyLoss      = "daily_loss_limit"
	CheckGasReserve     = "gas_reserve"
	CheckMaxLoss        = "max_loss_per_trade"
)

// GateConfig holds the pre-trade limits. Amounts are denominated in the
// reserve asset except MinReserveFloatWei, which is native wei.
type GateConfig struct {
	TradingEnabled         bool
	MaxPositionSize        domain.Amount
	DailyLossLimit         domain.Amount
	MaxLossPerTrade        domain.Amount
	GasReserveMultiplier   float64
	MinReserveFloatWei     *big.Int
	MaxConsecutiveFailures int
}

// Gate runs the ordered pre-trade checks. Denials are expected outcomes
// and come back as decision values, never as errors.
type Gate struct {
	cfg     GateConfig
	tracker *Tracker
	chain   domain.ChainState
	logger  *slog.Logger
}

// NewGate creates the pre-trade gate. chain may be nil when no node is
// configured; the gas-reserve check is then skipped.
func NewGate(cfg GateConfig, tracker *Tracker, chain domain.ChainState, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:     cfg,
		tracker: tracker,
		chain:   chain,
		logger:  logger,
	}
}

// CheckTradeRisk evaluates the checks in a fixed order and stops at the
// first failure.
func (g *Gate) CheckTradeRisk(ctx context.Context, req domain.RiskRequest) domain.RiskDecision {
	// 1. Live trading must be explicitly enabled.
	if req.Live && !g.cfg.TradingEnabled {
		g.logger.WarnContext(ctx, "trade rejected: trading disabled",
			slog.String("pair", req.Pair.Key()),
		)
		return domain.Deny(CheckTradingEnabled, "trading is disabled")
	}

	// 2. Notional within the position cap.
	if req.Notional.Cmp(g.cfg.MaxPositionSize) > 0 {
		g.logger.WarnContext(ctx, "trade rejected: position too large",
			slog.String("pair", req.Pair.Key()),
			slog.String("notional", req.Notional.String()),
			slog.String("max", g.cfg.MaxPositionSize.String()),
		)
		return domain.Deny(CheckPositionSize,
			fmt.Sprintf("loan %s exceeds max position size %s", req.Notional, g.cfg.MaxPositionSize))
	}

	// 3. Daily loss limit must still have headroom.
	stats := g.tracker.Snapshot()
	if stats.DailyLoss.Cmp(g.cfg.DailyLossLimit) >= 0 {
		g.logger.WarnContext(ctx, "trade rejected: daily loss limit reached",
			slog.String("daily_loss", stats.DailyLoss.String()),
			slog.String("limit", g.cfg.DailyLossLimit.String()),
		)
		return domain.Deny(CheckDailyLoss,
			fmt.Sprintf("daily loss %s has reached the limit %s", stats.DailyLoss, g.cfg.DailyLossLimit))
	}

	// 4. Native balance must cover gas with the configured safety margin.
	if g.chain != nil && req.EstimatedGasWei != nil && req.EstimatedGasWei.Sign() > 0 {
		required := g.requiredReserveWei(req.EstimatedGasWei)
		balance, err := g.chain.NativeBalance(ctx, g.chain.Sender())
		if err != nil {
			// An unverifiable balance is treated as a denial, not an error:
			// the trade must not proceed on unknown funding.
			g.logger.WarnContext(ctx, "trade rejected: balance check failed",
				slog.String("error", err.Error()),
			)
			return domain.Deny(CheckGasReserve, "risk check failed: unable to verify balance")
		}
		if balance.Cmp(required) < 0 {
			g.logger.WarnContext(ctx, "trade rejected: insufficient gas reserve",
				slog.String("balance_wei", balance.String()),
				slog.String("required_wei", required.String()),
			)
			return domain.Deny(CheckGasReserve,
				fmt.Sprintf("native balance %s wei below required reserve %s wei", balance, required))
		}
	}

	// 5. Worst-case sunk cost per attempt stays inside the per-trade cap.
	if req.EstimatedGas.Cmp(g.cfg.MaxLossPerTrade) > 0 {
		g.logger.WarnContext(ctx, "trade rejected: gas cost above per-trade loss cap",
			slog.String("estimated_gas", req.EstimatedGas.String()),
			slog.String("cap", g.cfg.MaxLossPerTrade.String()),
		)
		return domain.Deny(CheckMaxLoss,
			fmt.Sprintf("estimated gas cost %s exceeds max loss per trade %s", req.EstimatedGas, g.cfg.MaxLossPerTrade))
	}

	return domain.Allow()
}

// Breach reports whether post-trade stats cross a latching threshold. The
// caller trips the circuit breaker with the returned reason, observed
// trigger value, and configured threshold.
func (g *Gate) Breach(stats domain.RiskStats) (reason, trigger, threshold string, breached bool) {
	if stats.DailyLoss.Cmp(g.cfg.DailyLossLimit) >= 0 {
		return domain.TripDailyLoss, stats.DailyLoss.String(), g.cfg.DailyLossLimit.String(), true
	}
	if g.cfg.MaxConsecutiveFailures > 0 && stats.ConsecutiveFailures >= g.cfg.MaxConsecutiveFailures {
		return domain.TripConsecutiveFailures,
			strconv.Itoa(stats.ConsecutiveFailures), strconv.Itoa(g.cfg.MaxConsecutiveFailures), true
	}
	return "", "", "", false
}

// requiredReserveWei is gasWei scaled by the reserve multiplier plus the
// minimum float. The multiplier is applied at centesimal precision.
func (g *Gate) requiredReserveWei(gasWei *big.Int) *big.Int {
	mult := int64(math.Round(g.cfg.GasReserveMultiplier * 100))
	required := new(big.Int).Mul(gasWei, big.NewInt(mult))
	required.Quo(required, big.NewInt(100))
	if g.cfg.MinReserveFloatWei != nil {
		required.Add(required, g.cfg.MinReserveFloatWei)
	}
	return required
}

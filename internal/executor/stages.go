package executor

import (
	"context"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/profit"
)

var weiPerGwei = big.NewInt(1_000_000_000)

// validate re-derives the opportunity from live data. Scanner numbers
// are never trusted at execution time: prices move between discovery and
// the attempt.
func (e *Executor) validate(ctx context.Context, a *attempt) error {
	now := e.now()

	// 1. Freshness.
	if a.opp.Expired(now) {
		return domain.E(domain.KindValidation, "opportunity expired %s ago",
			now.Sub(a.opp.ExpiresAt).Round(time.Millisecond))
	}

	// 2. Both venues must still be registered.
	buyVenue, ok := e.venues[a.opp.BuyVenue]
	if !ok {
		return domain.E(domain.KindValidation, "buy venue %q is not registered", a.opp.BuyVenue)
	}
	sellVenue, ok := e.venues[a.opp.SellVenue]
	if !ok {
		return domain.E(domain.KindValidation, "sell venue %q is not registered", a.opp.SellVenue)
	}

	// 3. Fresh quotes along the actual trade path: loan in on the buy
	// venue, the bought amount back through the sell venue.
	buyQ, err := buyVenue.Quote(ctx, a.opp.Pair, a.opp.LoanAmount)
	if err != nil {
		return domain.Wrap(domain.KindTransient, err, "re-quote buy leg on %s", a.opp.BuyVenue)
	}
	back := reversed(a.opp.Pair)
	sellQ, err := sellVenue.Quote(ctx, back, buyQ.AmountOut)
	if err != nil {
		return domain.Wrap(domain.KindTransient, err, "re-quote sell leg on %s", a.opp.SellVenue)
	}

	// 4. Recompute the economics at current gas and pool fee; both
	// thresholds must clear again.
	gasWei := e.gasPrice(ctx)
	breakdown, err := profit.Calculate(profit.Input{
		LoanAmount:  a.opp.LoanAmount,
		BuyOut:      buyQ.AmountOut,
		SellReturn:  sellQ.AmountOut,
		LoanFeeBps:  e.loanFee(ctx),
		GasUnits:    e.cfg.GasUnits,
		GasPriceWei: gasWei,
		NativePrice: e.cfg.NativePrice,
	})
	if err != nil {
		return domain.Wrap(domain.KindValidation, err, "recompute profit")
	}
	if breakdown.NetProfit.Cmp(e.cfg.MinNetProfitAbs) < 0 || breakdown.NetPct < e.cfg.MinNetProfitPct {
		return domain.E(domain.KindValidation,
			"no longer profitable: net %s (%.4f%%) below floor %s (%.4f%%)",
			breakdown.NetProfit, breakdown.NetPct, e.cfg.MinNetProfitAbs, e.cfg.MinNetProfitPct)
	}

	// 5. Build both swap calls for the receiver payload.
	buyCall, err := buyVenue.BuildSwapCall(ctx, a.opp.Pair, a.opp.LoanAmount, e.cfg.SlippageBps)
	if err != nil {
		return domain.Wrap(domain.KindTransient, err, "build buy call on %s", a.opp.BuyVenue)
	}
	sellCall, err := sellVenue.BuildSwapCall(ctx, back, buyQ.AmountOut, e.cfg.SlippageBps)
	if err != nil {
		return domain.Wrap(domain.KindTransient, err, "build sell call on %s", a.opp.SellVenue)
	}

	// 6. Reject malformed calls before anything can be signed.
	for _, leg := range []struct {
		name string
		call domain.SwapCall
	}{{"buy", buyCall}, {"sell", sellCall}} {
		switch {
		case !common.IsHexAddress(leg.call.Target):
			return domain.E(domain.KindValidation, "%s call target %q is not an address", leg.name, leg.call.Target)
		case len(leg.call.CallData) == 0:
			return domain.E(domain.KindValidation, "%s call has empty calldata", leg.name)
		case leg.call.MinOut.Sign() <= 0:
			return domain.E(domain.KindValidation, "%s call min-out must be positive", leg.name)
		}
	}

	// 7. Risk gate, with the gas budget the trade would consume.
	decision := e.deps.Gate.CheckTradeRisk(ctx, domain.RiskRequest{
		Identity:        e.identity(),
		Pair:            a.opp.Pair,
		Notional:        a.opp.LoanAmount,
		EstimatedGas:    breakdown.GasCost,
		EstimatedGasWei: new(big.Int).Mul(gasWei, new(big.Int).SetUint64(e.cfg.GasUnits)),
		Live:            e.cfg.Mode == domain.ModeLive,
	})
	if !decision.Allowed {
		e.auditLog(ctx, auditRiskDenied, map[string]any{
			"opportunity_id": a.opp.ID,
			"pair":           a.opp.Pair.Key(),
			"check":          decision.Check,
			"reason":         decision.Reason,
		})
		return domain.E(domain.KindRiskDenied, "%s: %s", decision.Check, decision.Reason)
	}

	a.buyCall = buyCall
	a.sellCall = sellCall
	a.buyOut = buyQ.AmountOut
	a.expected = breakdown
	a.gasWei = gasWei
	a.log.DebugContext(ctx, "validation passed",
		slog.String("expected_net", breakdown.NetProfit.String()),
		slog.Float64("expected_net_pct", breakdown.NetPct),
	)
	return nil
}

// approve makes sure both routers can pull their leg's input token from
// the hot wallet.
func (e *Executor) approve(ctx context.Context, a *attempt) error {
	legs := []struct {
		asset   string
		spender string
		need    *big.Int
	}{
		{a.opp.Pair.In.Address, a.buyCall.Target, a.opp.LoanAmount.Raw()},
		{a.opp.Pair.Out.Address, a.sellCall.Target, a.buyOut.Raw()},
	}
	for _, leg := range legs {
		if err := e.ensureAllowance(ctx, a, leg.asset, leg.spender, leg.need); err != nil {
			return err
		}
	}
	return nil
}

// ensureAllowance reads the live allowance every time; the cache only
// remembers grants this process made, so an externally revoked allowance
// is always noticed.
func (e *Executor) ensureAllowance(ctx context.Context, a *attempt, asset, spender string, need *big.Int) error {
	owner := e.deps.Chain.Sender()
	current, err := e.deps.Chain.Allowance(ctx, asset, owner, spender)
	if err != nil {
		return domain.Wrap(domain.KindTransient, err, "read allowance of %s for %s", asset, spender)
	}
	if cached, ok := e.approvals.get(asset, spender); ok && current.Cmp(cached) < 0 {
		e.approvals.invalidate(asset, spender)
		a.log.WarnContext(ctx, "allowance shrank below cached grant",
			slog.String("asset", asset),
			slog.String("spender", spender),
			slog.String("cached", cached.String()),
			slog.String("current", current.String()),
		)
	}
	if current.Cmp(need) >= 0 {
		e.approvals.store(asset, spender, current)
		return nil
	}

	txHash, err := e.deps.Chain.Approve(ctx, asset, spender, maxApproval())
	if err != nil {
		return domain.Wrap(domain.KindTransient, err, "approve %s for %s", asset, spender)
	}
	wctx, cancel := context.WithTimeout(ctx, e.cfg.ApprovalTimeout)
	defer cancel()
	rcpt, err := e.deps.Chain.WaitMined(wctx, txHash)
	if err != nil {
		return domain.Wrap(domain.KindTransient, err, "approval %s not mined", txHash)
	}
	if !rcpt.Succeeded() {
		return domain.E(domain.KindInternal, "approval %s reverted", txHash)
	}
	e.approvals.store(asset, spender, maxApproval())
	a.log.InfoContext(ctx, "allowance granted",
		slog.String("asset", asset),
		slog.String("spender", spender),
		slog.String("tx", txHash),
	)
	return nil
}

// borrow snapshots the reserve balance and submits the flash loan. From
// the submit call on, the attempt counts against the risk ledger even if
// the node reply is lost.
func (e *Executor) borrow(ctx context.Context, a *attempt) error {
	asset := a.opp.Pair.In.Address
	owner := e.deps.Chain.Sender()

	before, err := e.deps.Chain.BalanceOf(ctx, asset, owner)
	if err != nil {
		return domain.Wrap(domain.KindTransient, err, "reserve balance before borrow")
	}
	a.balBefore = before

	params, err := encodeReceiverParams(a.buyCall, a.sellCall, e.cfg.MinNetProfitAbs.Raw())
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "encode receiver params")
	}

	a.borrowed = true
	txHash, err := e.deps.Loans.FlashBorrow(ctx, asset, a.opp.LoanAmount.Raw(), params)
	if err != nil {
		if domain.Retryable(err) {
			return domain.Wrap(domain.KindTransient, err, "flash borrow submit")
		}
		return domain.Wrap(domain.KindReverted, err, "flash borrow submit")
	}
	a.txHash = txHash
	a.log.InfoContext(ctx, "flash loan submitted",
		slog.String("tx", txHash),
		slog.String("loan", a.opp.LoanAmount.String()),
	)
	return nil
}

// confirm waits for the settlement receipt. Gas is burned whether the
// loan settled or reverted, so the cost is recorded before the status
// check.
func (e *Executor) confirm(ctx context.Context, a *attempt) error {
	wctx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()
	rcpt, err := e.deps.Chain.WaitMined(wctx, a.txHash)
	if err != nil {
		return domain.Wrap(domain.KindTransient, err, "settlement %s not confirmed", a.txHash)
	}
	a.gasSpent = profit.GasCostInReserve(rcpt.GasUsed, rcpt.EffectiveGasPrice, e.cfg.NativePrice)
	if !rcpt.Succeeded() {
		a.realized = a.gasSpent.Neg()
		return domain.E(domain.KindReverted, "flash loan %s reverted in block %d", a.txHash, rcpt.BlockNumber)
	}
	a.log.InfoContext(ctx, "settlement confirmed",
		slog.Uint64("block", rcpt.BlockNumber),
		slog.String("gas_cost", a.gasSpent.String()),
	)
	return nil
}

// reconcile measures what the trade actually moved. A failed balance read
// after a successful settlement is a reporting gap, not a trade failure;
// only a measured mismatch may fail the attempt or trip the breaker.
func (e *Executor) reconcile(ctx context.Context, a *attempt) error {
	after, err := e.deps.Chain.BalanceOf(ctx, a.opp.Pair.In.Address, e.deps.Chain.Sender())
	if err != nil {
		a.realized = a.expected.NetProfit
		a.log.WarnContext(ctx, "reconcile balance read failed, recording predicted profit",
			slog.String("error", err.Error()))
		return nil
	}
	delta := new(big.Int).Sub(after, a.balBefore)
	a.realized = domain.NewAmount(delta, a.opp.LoanAmount.Decimals()).Sub(a.gasSpent)
	return e.reconcileOutcome(ctx, a)
}

// reconcileOutcome compares realized against predicted profit. Shared by
// live settlement and the paper simulator.
func (e *Executor) reconcileOutcome(ctx context.Context, a *attempt) error {
	predicted := a.expected.NetProfit
	dev := deviationPct(a.realized, predicted)
	switch {
	case dev >= e.cfg.ReconcileTripPct:
		if e.deps.Breaker != nil && !e.deps.Breaker.Tripped() {
			e.deps.Breaker.Trip(ctx, domain.TripReconciliation,
				strconv.FormatFloat(dev, 'f', 2, 64),
				strconv.FormatFloat(e.cfg.ReconcileTripPct, 'f', 2, 64))
		}
		return domain.E(domain.KindReconciliation,
			"realized %s deviates %.2f%% from predicted %s", a.realized, dev, predicted)
	case dev >= e.cfg.ReconcileWarnPct:
		a.log.WarnContext(ctx, "realized profit deviates from prediction",
			slog.String("predicted", predicted.String()),
			slog.String("realized", a.realized.String()),
			slog.Float64("deviation_pct", dev),
		)
		e.auditLog(ctx, auditReconcile, map[string]any{
			"opportunity_id": a.opp.ID,
			"pair":           a.opp.Pair.Key(),
			"predicted":      predicted.String(),
			"realized":       a.realized.String(),
			"deviation_pct":  dev,
		})
	}
	return nil
}

// deviationPct is |realized - predicted| as a percentage of predicted.
func deviationPct(realized, predicted domain.Amount) float64 {
	if predicted.Sign() <= 0 {
		if realized.Cmp(predicted) == 0 {
			return 0
		}
		return 100
	}
	return realized.Sub(predicted).Abs().Float64() / predicted.Float64() * 100
}

// gasPrice asks the node in live mode and falls back to the configured
// simulation price, mirroring how the scanner budgets gas.
func (e *Executor) gasPrice(ctx context.Context) *big.Int {
	if e.cfg.Mode == domain.ModeLive && e.deps.Chain != nil {
		wei, err := e.deps.Chain.GasPrice(ctx)
		if err == nil && wei != nil && wei.Sign() > 0 {
			return wei
		}
		if err != nil {
			e.logger.WarnContext(ctx, "node gas price unavailable, using configured price",
				slog.String("error", err.Error()))
		}
	}
	return new(big.Int).Mul(big.NewInt(e.cfg.SimGasPriceGwei), weiPerGwei)
}

// loanFee reads the live pool premium in live mode and falls back to the
// configured basis points.
func (e *Executor) loanFee(ctx context.Context) int64 {
	if e.cfg.Mode == domain.ModeLive && e.deps.Loans != nil {
		bps, err := e.deps.Loans.FeeBps(ctx)
		if err == nil {
			return bps
		}
		e.logger.WarnContext(ctx, "pool premium read failed, using configured fee",
			slog.String("error", err.Error()))
	}
	return e.cfg.LoanFeeBps
}

// reversed flips a pair for the return leg of the trade.
func reversed(p domain.Pair) domain.Pair {
	return domain.Pair{In: p.Out, Out: p.In}
}

var (
	typAddress = mustABIType("address")
	typBytes   = mustABIType("bytes")
	typUint256 = mustABIType("uint256")

	// receiverArgs is the layout the receiver contract decodes inside its
	// flash-loan callback.
	receiverArgs = abi.Arguments{
		{Name: "buyTarget", Type: typAddress},
		{Name: "buyData", Type: typBytes},
		{Name: "sellTarget", Type: typAddress},
		{Name: "sellData", Type: typBytes},
		{Name: "minProfit", Type: typUint256},
	}
)

func mustABIType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic("executor: abi type " + t + ": " + err.Error())
	}
	return typ
}

// encodeReceiverParams packs both swap calls plus the on-chain minimum
// profit guard into the flash-loan params blob.
func encodeReceiverParams(buy, sell domain.SwapCall, minProfit *big.Int) ([]byte, error) {
	return receiverArgs.Pack(
		common.HexToAddress(buy.Target),
		buy.CallData,
		common.HexToAddress(sell.Target),
		sell.CallData,
		minProfit,
	)
}

// maxApproval is the unlimited ERC-20 allowance, 2^256 - 1.
func maxApproval() *big.Int {
	return new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
}

package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// settlePaper simulates the borrow-swap-swap-repay unit without touching
// the chain. The validated estimate is degraded by a random slippage draw
// so paper results spread the way live fills do.
func (e *Executor) settlePaper(ctx context.Context, a *attempt) error {
	a.borrowed = true
	a.txHash = paperRef(a.opp.ID, a.number)
	a.gasSpent = a.expected.GasCost

	slipBps := e.slip()
	a.realized = a.expected.NetProfit.Sub(a.expected.NetProfit.MulBps(slipBps))

	a.state = domain.StateConfirming
	a.log.DebugContext(ctx, "paper settlement",
		slog.String("ref", a.txHash),
		slog.Int64("slippage_bps", slipBps),
	)

	a.state = domain.StateReconciling
	return e.reconcileOutcome(ctx, a)
}

// paperRef derives a stable simulated settlement reference from the
// opportunity identity and attempt number, so a retried attempt gets a
// distinct reference while a re-run of the same attempt does not.
func paperRef(oppID string, attempt int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%d", oppID, attempt))
	return "sim-" + hex.EncodeToString(sum[:16])
}

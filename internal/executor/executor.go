// Package executor walks a detected opportunity through the trade state
// machine: validating, approving, borrowing, confirming, reconciling.
// Stages run strictly forward and every attempt ends in exactly one
// terminal result, which is persisted, audited, published, and folded
// into the daily risk counters.
package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"math/rand/v2"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/metrics"
	"github.com/alanyoungcy/flasharb/internal/profit"
)

// Audit events written by the executor.
const (
	auditResult     = "exec.result"
	auditRiskDenied = "exec.risk_denied"
	auditReconcile  = "exec.reconcile_warn"
	auditSkipped    = "exec.skipped_breaker"
)

// BusChannel carries terminal execution results to API subscribers.
const BusChannel = "trade"

// Gate runs pre-trade checks and post-trade breach detection.
type Gate interface {
	CheckTradeRisk(ctx context.Context, req domain.RiskRequest) domain.RiskDecision
	Breach(stats domain.RiskStats) (reason, trigger, threshold string, breached bool)
}

// Tracker folds terminal results into the daily risk counters.
type Tracker interface {
	RecordTrade(ctx context.Context, profit, gasSpend domain.Amount, success bool) domain.RiskStats
}

// Breaker is the process-wide kill switch as the executor sees it.
type Breaker interface {
	Tripped() bool
	Trip(ctx context.Context, reason, trigger, threshold string) domain.BreakerEvent
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// OpportunitySource claims and releases emitted opportunities by ID.
type OpportunitySource interface {
	Take(id string) (domain.Opportunity, bool)
	Release(id string)
}

// Config holds the execution parameters. Amounts are reserve-token
// values; timeouts bound the chain interactions of a single attempt.
type Config struct {
	Mode            domain.ExecMode
	MinNetProfitAbs domain.Amount
	MinNetProfitPct float64
	LoanFeeBps      int64 // fallback when the pool premium read fails
	GasUnits        uint64
	SimGasPriceGwei int64
	NativePrice     domain.Amount // reserve units per 1 native token

	SlippageBps       int64
	SimSlippageMaxBps int64
	ApprovalTimeout   time.Duration
	ConfirmTimeout    time.Duration
	ReconcileWarnPct  float64
	ReconcileTripPct  float64
	MaxParallel       int
}

// Deps are the executor's collaborators. Audit, Bus, Notifier, Breaker,
// and Source may be nil; Chain and Loans are required in live mode.
type Deps struct {
	Venues   []domain.QuoteProvider
	Chain    domain.ChainState
	Loans    domain.LoanProvider
	Source   OpportunitySource
	Gate     Gate
	Tracker  Tracker
	Breaker  Breaker
	Results  domain.ResultStore
	Audit    domain.AuditStore
	Bus      domain.SignalBus
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Executor runs the trade state machine. Safe for concurrent use: each
// attempt carries its own state and the approval cache is locked.
type Executor struct {
	cfg       Config
	venues    map[string]domain.QuoteProvider
	deps      Deps
	approvals *approvalCache
	logger    *slog.Logger

	now  func() time.Time
	slip func() int64 // paper slippage draw, basis points
}

// New validates the configuration and builds an Executor.
func New(cfg Config, deps Deps) (*Executor, error) {
	if cfg.Mode != domain.ModePaper && cfg.Mode != domain.ModeLive {
		return nil, domain.E(domain.KindConfiguration, "executor: mode %q cannot execute trades", cfg.Mode)
	}
	if len(deps.Venues) == 0 {
		return nil, domain.E(domain.KindConfiguration, "executor: at least one venue required")
	}
	if deps.Gate == nil || deps.Tracker == nil {
		return nil, domain.E(domain.KindConfiguration, "executor: risk gate and tracker are required")
	}
	if cfg.Mode == domain.ModeLive && (deps.Chain == nil || deps.Loans == nil) {
		return nil, domain.E(domain.KindConfiguration, "executor: live mode requires a chain client and loan provider")
	}
	if cfg.NativePrice.Sign() <= 0 {
		return nil, domain.E(domain.KindConfiguration, "executor: native price must be positive")
	}
	if cfg.GasUnits == 0 {
		return nil, domain.E(domain.KindConfiguration, "executor: gas units must be positive")
	}
	if cfg.SlippageBps <= 0 {
		cfg.SlippageBps = 50
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 90 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.ReconcileWarnPct <= 0 {
		cfg.ReconcileWarnPct = 0.5
	}
	if cfg.ReconcileTripPct <= 0 {
		cfg.ReconcileTripPct = 1.0
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 2
	}

	venues := make(map[string]domain.QuoteProvider, len(deps.Venues))
	for _, v := range deps.Venues {
		venues[v.Name()] = v
	}

	maxSlip := cfg.SimSlippageMaxBps
	return &Executor{
		cfg:       cfg,
		venues:    venues,
		deps:      deps,
		approvals: newApprovalCache(),
		logger:    deps.Logger.With(slog.String("component", "executor")),
		now:       time.Now,
		slip: func() int64 {
			if maxSlip <= 0 {
				return 0
			}
			return rand.Int64N(maxSlip + 1)
		},
	}, nil
}

// attempt is the mutable walk state of one execution.
type attempt struct {
	opp     domain.Opportunity
	number  int
	log     *slog.Logger
	state   domain.ExecState
	started time.Time

	buyCall  domain.SwapCall
	sellCall domain.SwapCall
	buyOut   domain.Amount
	expected profit.Breakdown
	gasWei   *big.Int

	balBefore *big.Int
	txHash    string
	gasSpent  domain.Amount
	realized  domain.Amount

	// borrowed marks that capital or gas was actually put at stake; only
	// such attempts move the risk counters.
	borrowed bool
}

func (e *Executor) newAttempt(opp domain.Opportunity, number int) *attempt {
	dec := opp.LoanAmount.Decimals()
	return &attempt{
		opp:     opp,
		number:  number,
		state:   domain.StateValidating,
		started: e.now(),
		log: e.logger.With(
			slog.String("opportunity_id", opp.ID),
			slog.String("pair", opp.Pair.Key()),
		),
		gasSpent: domain.ZeroAmount(dec),
		realized: domain.ZeroAmount(dec),
	}
}

// Execute runs one attempt for the opportunity.
func (e *Executor) Execute(ctx context.Context, opp domain.Opportunity) domain.ExecutionResult {
	return e.ExecuteAttempt(ctx, opp, 1)
}

// ExecuteAttempt is Execute with an explicit attempt number, used by the
// retry drain. The number only differentiates paper settlement
// references.
func (e *Executor) ExecuteAttempt(ctx context.Context, opp domain.Opportunity, number int) domain.ExecutionResult {
	if number < 1 {
		number = 1
	}
	a := e.newAttempt(opp, number)

	if e.deps.Breaker != nil && e.deps.Breaker.Tripped() {
		a.log.WarnContext(ctx, "execution skipped: circuit breaker tripped")
		e.auditLog(ctx, auditSkipped, map[string]any{
			"opportunity_id": opp.ID,
			"pair":           opp.Pair.Key(),
		})
		return e.finish(ctx, a, domain.E(domain.KindCircuitOpen, "circuit breaker is tripped"))
	}
	return e.finish(ctx, a, e.advance(ctx, a))
}

// ExecuteByID claims the opportunity from the source, executes it, and
// releases the claim. Unknown, expired, or already-claimed IDs fail with
// a validation error before any stage runs.
func (e *Executor) ExecuteByID(ctx context.Context, id string) (domain.ExecutionResult, error) {
	if e.deps.Source == nil {
		return domain.ExecutionResult{}, domain.E(domain.KindConfiguration, "executor: no opportunity source wired")
	}
	opp, ok := e.deps.Source.Take(id)
	if !ok {
		return domain.ExecutionResult{}, domain.E(domain.KindValidation,
			"opportunity %s is unknown, expired, or already executing", id)
	}
	defer e.deps.Source.Release(id)
	return e.Execute(ctx, opp), nil
}

// advance walks the forward-only stages until one fails or settlement
// reconciles.
func (e *Executor) advance(ctx context.Context, a *attempt) error {
	// 1. Validating: freshness, fresh quotes, economics, calls, risk.
	if err := e.validate(ctx, a); err != nil {
		return err
	}

	// 2. Approving: router allowances, live mode only.
	a.state = domain.StateApproving
	if e.cfg.Mode == domain.ModeLive {
		if err := e.approve(ctx, a); err != nil {
			return err
		}
	}

	// 3. Borrowing onward: paper settles synthetically.
	a.state = domain.StateBorrowing
	if e.cfg.Mode == domain.ModePaper {
		return e.settlePaper(ctx, a)
	}
	if err := e.borrow(ctx, a); err != nil {
		return err
	}

	// 4. Confirming: the flash loan either settled or reverted.
	a.state = domain.StateConfirming
	if err := e.confirm(ctx, a); err != nil {
		return err
	}

	// 5. Reconciling: realized movement against the validated prediction.
	a.state = domain.StateReconciling
	return e.reconcile(ctx, a)
}

// finish builds the terminal result and runs every completion side
// effect. Attempts that never put capital at stake are persisted and
// audited but do not move the risk counters.
func (e *Executor) finish(ctx context.Context, a *attempt, cause error) domain.ExecutionResult {
	completed := e.now()
	res := domain.ExecutionResult{
		OpportunityID: a.opp.ID,
		Pair:          a.opp.Pair.Key(),
		Mode:          e.cfg.Mode,
		Success:       cause == nil,
		SettlementRef: a.txHash,
		Profit:        a.realized,
		GasCost:       a.gasSpent,
		Duration:      completed.Sub(a.started),
		CompletedAt:   completed,
	}
	if cause == nil {
		res.FinalState = domain.StateSucceeded
		res.Message = "settled"
	} else {
		res.FinalState = domain.StateFailed
		res.ErrorKind = domain.KindOf(cause)
		res.Message = cause.Error()
	}

	outcome := "succeeded"
	switch {
	case cause == nil:
		a.log.InfoContext(ctx, "execution settled",
			slog.String("settlement_ref", res.SettlementRef),
			slog.String("profit", res.Profit.String()),
			slog.String("gas_cost", res.GasCost.String()),
			slog.Duration("took", res.Duration),
		)
	case a.borrowed:
		outcome = "failed"
		a.log.WarnContext(ctx, "execution failed",
			slog.String("state", string(a.state)),
			slog.String("error_kind", string(res.ErrorKind)),
			slog.String("error", res.Message),
		)
	default:
		outcome = "discarded"
		a.log.InfoContext(ctx, "execution discarded",
			slog.String("state", string(a.state)),
			slog.String("reason", res.Message),
		)
	}
	e.deps.Metrics.TradesTotal.WithLabelValues(string(e.cfg.Mode), outcome).Inc()

	e.persist(ctx, res)
	e.auditLog(ctx, auditResult, map[string]any{
		"opportunity_id": res.OpportunityID,
		"pair":           res.Pair,
		"mode":           string(res.Mode),
		"attempt":        a.number,
		"final_state":    string(res.FinalState),
		"reached":        string(a.state),
		"success":        res.Success,
		"error_kind":     string(res.ErrorKind),
		"message":        res.Message,
		"settlement_ref": res.SettlementRef,
		"profit":         res.Profit.String(),
		"gas_cost":       res.GasCost.String(),
		"duration_ms":    res.Duration.Milliseconds(),
	})
	e.publish(ctx, res)

	if a.borrowed {
		stats := e.deps.Tracker.RecordTrade(ctx, res.Profit, res.GasCost, res.Success)
		e.deps.Metrics.DailyLossUnits.Set(stats.DailyLoss.Float64())
		if reason, trigger, threshold, breached := e.deps.Gate.Breach(stats); breached {
			if e.deps.Breaker != nil && !e.deps.Breaker.Tripped() {
				e.deps.Breaker.Trip(ctx, reason, trigger, threshold)
			}
		}
		e.notify(ctx, res)
	}
	return res
}

// identity is the trading identity used in risk requests: the hot wallet
// when a chain client exists, the mode name otherwise.
func (e *Executor) identity() string {
	if e.deps.Chain != nil {
		return e.deps.Chain.Sender()
	}
	return string(e.cfg.Mode)
}

func (e *Executor) persist(ctx context.Context, res domain.ExecutionResult) {
	if e.deps.Results == nil {
		return
	}
	if err := e.deps.Results.Insert(ctx, res); err != nil {
		e.logger.WarnContext(ctx, "result persist failed",
			slog.String("opportunity_id", res.OpportunityID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Executor) publish(ctx context.Context, res domain.ExecutionResult) {
	if e.deps.Bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"type":   "trade",
		"result": res,
	})
	if err != nil {
		return
	}
	if err := e.deps.Bus.Publish(ctx, BusChannel, payload); err != nil {
		e.logger.WarnContext(ctx, "bus publish failed", slog.String("error", err.Error()))
	}
}

func (e *Executor) notify(ctx context.Context, res domain.ExecutionResult) {
	if e.deps.Notifier == nil {
		return
	}
	event, title := "trade_executed", "Trade executed"
	msg := res.Pair + ": profit " + res.Profit.String() + " (" + string(res.Mode) + ", " + res.SettlementRef + ")"
	if !res.Success {
		event, title = "trade_failed", "Trade failed"
		msg = res.Pair + ": " + res.Message
	}
	if err := e.deps.Notifier.Notify(ctx, event, title, msg); err != nil {
		e.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
	}
}

func (e *Executor) auditLog(ctx context.Context, event string, detail map[string]any) {
	if e.deps.Audit == nil {
		return
	}
	if err := e.deps.Audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit write failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

package domain

import (
	"math/big"
	"time"
)

// RiskStats is the daily risk-tracking state for one trading identity.
// Owned exclusively by the risk tracker; every mutation goes through its
// atomic methods and snapshots are returned by value. DailyLoss never
// decreases except on a daily reset.
type RiskStats struct {
	Identity            string    `json:"identity"`
	DailyProfit         Amount    `json:"daily_profit"`
	DailyLoss           Amount    `json:"daily_loss"` // accumulated absolute losses
	DailyGasSpend       Amount    `json:"daily_gas_spend"`
	TradeCount          int       `json:"trade_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	MaxEquityToday      Amount    `json:"max_equity_today"`
	LastReset           time.Time `json:"last_reset"`
}

// RiskRequest describes a prospective trade submitted for pre-trade checks.
type RiskRequest struct {
	Identity        string
	Pair            Pair
	Notional        Amount   // loan amount, reserve token
	EstimatedGas    Amount   // reserve token; the capped downside if the trade reverts
	EstimatedGasWei *big.Int // native wei, drives the gas-reserve balance check
	Live            bool     // real settlement requested
}

// RiskDecision is the gate's verdict. Expected denials are values, not
// errors: Reason is suitable for audit records and operator diagnosis.
type RiskDecision struct {
	Allowed bool   `json:"allowed"`
	Check   string `json:"check,omitempty"` // name of the failing check
	Reason  string `json:"reason,omitempty"`
}

// Deny builds a denial decision for the named check.
func Deny(check, reason string) RiskDecision {
	return RiskDecision{Allowed: false, Check: check, Reason: reason}
}

// Allow is the passing decision.
func Allow() RiskDecision { return RiskDecision{Allowed: true} }

// BreakerEvent is the append-only record of one circuit-breaker trip.
// Resolved only by explicit operator action, never by time.
type BreakerEvent struct {
	ID         string    `json:"id"`
	Reason     string    `json:"reason"`
	Trigger    string    `json:"trigger"`   // observed value that breached
	Threshold  string    `json:"threshold"` // configured bound it breached
	TrippedAt  time.Time `json:"tripped_at"`
	Resolved   bool      `json:"resolved"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
}

// Breaker trip reasons.
const (
	TripDailyLoss           = "daily_loss_limit"
	TripConsecutiveFailures = "consecutive_failures"
	TripReconciliation      = "reconciliation_mismatch"
	TripDrawdown            = "drawdown"
	TripBlackSwan           = "black_swan"
	TripManual              = "manual"
	TripShutdown            = "shutdown"
)

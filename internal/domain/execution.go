package domain

import "time"

// ExecMode selects how settlement happens.
type ExecMode string

const (
	ModeScan  ExecMode = "scan"  // detect only, nothing executes
	ModePaper ExecMode = "paper" // full pipeline with synthetic settlement
	ModeLive  ExecMode = "live"  // real transactions
)

// ExecState names one stage of the trade state machine. Transitions are
// strictly forward; no state is revisited within an attempt.
type ExecState string

const (
	StateValidating  ExecState = "validating"
	StateApproving   ExecState = "approving"
	StateBorrowing   ExecState = "borrowing"
	StateConfirming  ExecState = "confirming"
	StateReconciling ExecState = "reconciling"
	StateSucceeded   ExecState = "succeeded"
	StateFailed      ExecState = "failed"
)

// ExecutionResult is the terminal outcome of one execution attempt. It is
// returned to the caller, persisted as a trade result row, and folded into
// the risk tracker; it is never mutated after creation.
type ExecutionResult struct {
	OpportunityID string        `json:"opportunity_id"`
	Pair          string        `json:"pair"`
	Mode          ExecMode      `json:"mode"`
	Success       bool          `json:"success"`
	SettlementRef string        `json:"settlement_ref,omitempty"` // tx hash, or sim- pseudo-hash
	FinalState    ExecState     `json:"final_state"`
	Profit        Amount        `json:"profit"`   // realized net, quote token; negative when only gas was burned
	GasCost       Amount        `json:"gas_cost"` // realized, quote token
	ErrorKind     Kind          `json:"error_kind,omitempty"`
	Message       string        `json:"message"`
	Duration      time.Duration `json:"duration"`
	CompletedAt   time.Time     `json:"completed_at"`
}

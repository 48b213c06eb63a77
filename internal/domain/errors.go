package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by stores, caches, and transports.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
	ErrContextDone   = errors.New("context cancelled")
)

// Kind classifies a pipeline failure and fixes how it is handled. The
// scanner and executor never let an unclassified error escape their loops.
type Kind string

const (
	// KindConfiguration is fatal: missing credentials, endpoints, or pair
	// config. Operator fix required, never retried.
	KindConfiguration Kind = "configuration_error"

	// KindValidation marks a stale or no-longer-profitable opportunity.
	// Discarded, not retried.
	KindValidation Kind = "validation_error"

	// KindRiskDenied is a risk-gate refusal. Discarded, logged with the
	// gate's reason, not retried.
	KindRiskDenied Kind = "risk_denied"

	// KindTransient covers timeouts, nonce contention, underpriced
	// replacements, flapping RPC. Sent to the retry queue.
	KindTransient Kind = "transient_network_error"

	// KindReverted is an on-chain settlement failure. Counts toward the
	// consecutive-failure breaker, never retried automatically.
	KindReverted Kind = "settlement_reverted"

	// KindReconciliation is a post-trade balance mismatch beyond tolerance.
	KindReconciliation Kind = "reconciliation_mismatch"

	// KindCircuitOpen short-circuits every new execution while the breaker
	// is tripped.
	KindCircuitOpen Kind = "circuit_open"

	// KindInternal is an unexpected programmer or infrastructure fault.
	KindInternal Kind = "internal_error"
)

// TradeError couples a Kind with a message, an optional operator hint, and
// an optional wrapped cause.
type TradeError struct {
	Kind Kind
	Msg  string
	Hint string // recommendation surfaced by the control API, may be empty
	Err  error
}

// Error renders "kind: msg: cause".
func (e *TradeError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the cause to errors.Is/As.
func (e *TradeError) Unwrap() error { return e.Err }

// E builds a TradeError with a formatted message.
func E(kind Kind, format string, args ...any) *TradeError {
	return &TradeError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *TradeError {
	return &TradeError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// WithHint returns a copy carrying an operator-facing recommendation.
func (e *TradeError) WithHint(hint string) *TradeError {
	c := *e
	c.Hint = hint
	return &c
}

// KindOf walks the wrap chain and returns the first Kind found, or
// KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// HintOf returns the recommendation attached to err, if any.
func HintOf(err error) string {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Hint
	}
	return ""
}

// transientCauses are substrings of provider error text known to clear up
// on their own. Matched case-insensitively by Retryable for errors that
// arrive unclassified from SDKs and RPC nodes.
var transientCauses = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"broken pipe",
	"nonce too low",
	"replacement transaction underpriced",
	"transaction underpriced",
	"too many requests",
	"service unavailable",
	"bad gateway",
	"temporarily unavailable",
	"eof",
)

// Retryable reports whether err belongs in the retry queue. Classified
// errors decide by kind; unclassified errors fall back to the substring
// table of known transient causes.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TradeError
	if errors.As(err, &te) {
		return te.Kind == KindTransient
	}
	msg := strings.ToLower(err.Error())
	for _, cause := range transientCauses {
		if strings.Contains(msg, cause) {
			return true
		}
	}
	return false
}

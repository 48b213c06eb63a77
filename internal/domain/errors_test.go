package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := E(KindTransient, "rpc timeout")
	wrapped := fmt.Errorf("executor: borrowing: %w", base)

	if got := KindOf(wrapped); got != KindTransient {
		t.Errorf("KindOf(wrapped) = %s, want %s", got, KindTransient)
	}
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf(plain) = %s, want %s", got, KindInternal)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "kind transient", err: E(KindTransient, "nonce contention"), want: true},
		{name: "kind reverted", err: E(KindReverted, "execution reverted"), want: false},
		{name: "kind validation", err: E(KindValidation, "stale"), want: false},
		{name: "kind risk denied", err: E(KindRiskDenied, "daily loss limit"), want: false},
		{name: "kind configuration", err: E(KindConfiguration, "no rpc url"), want: false},
		{name: "kind circuit open", err: E(KindCircuitOpen, "breaker tripped"), want: false},
		{name: "wrapped transient", err: fmt.Errorf("retry: %w", E(KindTransient, "x")), want: true},
		{name: "substring timeout", err: errors.New("Post \"http://rpc\": context deadline exceeded"), want: true},
		{name: "substring nonce", err: errors.New("nonce too low: next nonce 42"), want: true},
		{name: "substring underpriced", err: errors.New("replacement transaction underpriced"), want: true},
		{name: "substring refused", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "substring 429", err: errors.New("HTTP 429 Too Many Requests"), want: true},
		{name: "plain revert text", err: errors.New("execution reverted: INSUFFICIENT_OUTPUT_AMOUNT"), want: false},
		{name: "plain other", err: errors.New("invalid pair"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestTradeErrorRendering(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := Wrap(KindTransient, cause, "quote %s", "uniswap")

	want := "transient_network_error: quote uniswap: dial tcp: i/o timeout"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the cause through Unwrap")
	}
}

func TestWithHint(t *testing.T) {
	base := E(KindConfiguration, "rpc url missing")
	hinted := base.WithHint("set chain.rpc_url or FLASHARB_CHAIN_RPC_URL")

	if HintOf(hinted) == "" {
		t.Fatal("hint lost")
	}
	if base.Hint != "" {
		t.Error("WithHint mutated the original")
	}
	if HintOf(fmt.Errorf("app: %w", hinted)) != hinted.Hint {
		t.Error("hint not visible through wrapping")
	}
}

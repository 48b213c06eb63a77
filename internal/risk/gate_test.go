package risk

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

type stubChain struct {
	balance *big.Int
	err     error
}

func (s *stubChain) GasPrice(context.Context) (*big.Int, error) { return big.NewInt(0), nil }

func (s *stubChain) NativeBalance(context.Context, string) (*big.Int, error) {
	return s.balance, s.err
}

func (s *stubChain) BalanceOf(context.Context, string, string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (s *stubChain) Allowance(context.Context, string, string, string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (s *stubChain) Approve(context.Context, string, string, *big.Int) (string, error) {
	return "", nil
}

func (s *stubChain) WaitMined(context.Context, string) (domain.Receipt, error) {
	return domain.Receipt{}, nil
}

func (s *stubChain) Sender() string { return "0x0000000000000000000000000000000000000001" }

var _ domain.ChainState = (*stubChain)(nil)

func testPair(t *testing.T) domain.Pair {
	t.Helper()
	return domain.Pair{
		In:  domain.Token{Address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Symbol: "USDC", Decimals: 6},
		Out: domain.Token{Address: "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2", Symbol: "WETH", Decimals: 18},
	}
}

func testGateConfig(t *testing.T) GateConfig {
	t.Helper()
	return GateConfig{
		TradingEnabled:         true,
		MaxPositionSize:        usdc(t, "50000"),
		DailyLossLimit:         usdc(t, "500"),
		MaxLossPerTrade:        usdc(t, "50"),
		GasReserveMultiplier:   1.5,
		MinReserveFloatWei:     big.NewInt(1_000_000),
		MaxConsecutiveFailures: 3,
	}
}

func baseRequest(t *testing.T) domain.RiskRequest {
	t.Helper()
	return domain.RiskRequest{
		Identity:        "test",
		Pair:            testPair(t),
		Notional:        usdc(t, "10000"),
		EstimatedGas:    usdc(t, "5"),
		EstimatedGasWei: big.NewInt(2_000_000),
		Live:            true,
	}
}

func TestGateAllowsCleanRequest(t *testing.T) {
	tr := NewTracker("test", 6, nil, testLogger())
	chain := &stubChain{balance: big.NewInt(100_000_000)}
	g := NewGate(testGateConfig(t), tr, chain, testLogger())

	dec := g.CheckTradeRisk(context.Background(), baseRequest(t))
	if !dec.Allowed {
		t.Fatalf("expected allow, got denial %q (%s)", dec.Reason, dec.Check)
	}
}

func TestGateDeniesInOrder(t *testing.T) {
	tests := []struct {
		name      string
		cfg       func(*testing.T) GateConfig
		req       func(*testing.T) domain.RiskRequest
		chain     *stubChain
		seedLoss  string
		wantCheck string
		wantPart  string
	}{
		{
			name: "trading disabled blocks live",
			cfg: func(t *testing.T) GateConfig {
				c := testGateConfig(t)
				c.TradingEnabled = false
				return c
			},
			req:       baseRequest,
			chain:     &stubChain{balance: big.NewInt(100_000_000)},
			wantCheck: CheckTradingEnabled,
			wantPart:  "trading is disabled",
		},
		{
			name: "notional above cap",
			cfg:  testGateConfig,
			req: func(t *testing.T) domain.RiskRequest {
				r := baseRequest(t)
				r.Notional = usdc(t, "50001")
				return r
			},
			chain:     &stubChain{balance: big.NewInt(100_000_000)},
			wantCheck: CheckPositionSize,
			wantPart:  "exceeds max position size",
		},
		{
			name:      "daily loss exhausted",
			cfg:       testGateConfig,
			req:       baseRequest,
			chain:     &stubChain{balance: big.NewInt(100_000_000)},
			seedLoss:  "500",
			wantCheck: CheckDailyLoss,
			wantPart:  "reached the limit",
		},
		{
			name:      "balance below required reserve",
			cfg:       testGateConfig,
			req:       baseRequest,
			chain:     &stubChain{balance: big.NewInt(3_999_999)},
			wantCheck: CheckGasReserve,
			wantPart:  "below required reserve",
		},
		{
			name: "gas cost above per-trade cap",
			cfg:  testGateConfig,
			req: func(t *testing.T) domain.RiskRequest {
				r := baseRequest(t)
				r.EstimatedGas = usdc(t, "50.000001")
				return r
			},
			chain:     &stubChain{balance: big.NewInt(100_000_000)},
			wantCheck: CheckMaxLoss,
			wantPart:  "exceeds max loss per trade",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker("test", 6, nil, testLogger())
			if tt.seedLoss != "" {
				tr.RecordTrade(context.Background(), usdc(t, "-"+tt.seedLoss), usdc(t, "0"), false)
			}
			g := NewGate(tt.cfg(t), tr, tt.chain, testLogger())

			dec := g.CheckTradeRisk(context.Background(), tt.req(t))
			if dec.Allowed {
				t.Fatal("expected denial, got allow")
			}
			if dec.Check != tt.wantCheck {
				t.Fatalf("Check = %q, want %q", dec.Check, tt.wantCheck)
			}
			if !strings.Contains(dec.Reason, tt.wantPart) {
				t.Fatalf("Reason = %q, want substring %q", dec.Reason, tt.wantPart)
			}
		})
	}
}

func TestGateReserveBoundary(t *testing.T) {
	// gasWei 2_000_000 * 1.5 + 1_000_000 float = 4_000_000 required.
	tr := NewTracker("test", 6, nil, testLogger())
	g := NewGate(testGateConfig(t), tr, &stubChain{balance: big.NewInt(4_000_000)}, testLogger())

	dec := g.CheckTradeRisk(context.Background(), baseRequest(t))
	if !dec.Allowed {
		t.Fatalf("exact reserve should pass, got denial %q", dec.Reason)
	}
}

func TestGateBalanceFetchFailureDenies(t *testing.T) {
	tr := NewTracker("test", 6, nil, testLogger())
	chain := &stubChain{err: errors.New("rpc: connection refused")}
	g := NewGate(testGateConfig(t), tr, chain, testLogger())

	dec := g.CheckTradeRisk(context.Background(), baseRequest(t))
	if dec.Allowed {
		t.Fatal("expected denial on unverifiable balance")
	}
	if dec.Reason != "risk check failed: unable to verify balance" {
		t.Fatalf("Reason = %q", dec.Reason)
	}
}

func TestGateSkipsChainChecksWithoutNode(t *testing.T) {
	tr := NewTracker("test", 6, nil, testLogger())
	g := NewGate(testGateConfig(t), tr, nil, testLogger())

	req := baseRequest(t)
	req.Live = false
	dec := g.CheckTradeRisk(context.Background(), req)
	if !dec.Allowed {
		t.Fatalf("expected allow without a node, got %q", dec.Reason)
	}
}

func TestGateDisabledTradingStillAllowsPaper(t *testing.T) {
	cfg := testGateConfig(t)
	cfg.TradingEnabled = false
	tr := NewTracker("test", 6, nil, testLogger())
	g := NewGate(cfg, tr, &stubChain{balance: big.NewInt(100_000_000)}, testLogger())

	req := baseRequest(t)
	req.Live = false
	dec := g.CheckTradeRisk(context.Background(), req)
	if !dec.Allowed {
		t.Fatalf("paper request should bypass the trading switch, got %q", dec.Reason)
	}
}

func TestGateBreach(t *testing.T) {
	cfg := testGateConfig(t)
	tr := NewTracker("test", 6, nil, testLogger())
	g := NewGate(cfg, tr, nil, testLogger())

	stats := tr.Snapshot()
	if _, _, _, breached := g.Breach(stats); breached {
		t.Fatal("fresh stats should not breach")
	}

	stats.DailyLoss = usdc(t, "500")
	reason, trigger, threshold, breached := g.Breach(stats)
	if !breached || reason != domain.TripDailyLoss {
		t.Fatalf("reason = %q breached = %v, want daily loss breach", reason, breached)
	}
	if trigger != "500" || threshold != "500" {
		t.Fatalf("trigger/threshold = %q/%q, want 500/500", trigger, threshold)
	}

	stats = tr.Snapshot()
	stats.ConsecutiveFailures = 3
	reason, trigger, _, breached = g.Breach(stats)
	if !breached || reason != domain.TripConsecutiveFailures {
		t.Fatalf("reason = %q breached = %v, want consecutive failures breach", reason, breached)
	}
	if trigger != "3" {
		t.Fatalf("trigger = %q, want 3", trigger)
	}
}

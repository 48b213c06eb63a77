package scanner

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/metrics"
	"github.com/alanyoungcy/flasharb/internal/pricing"
)

type fakeVenue struct {
	name  string
	calls atomic.Int64
	fn    func(pair domain.Pair, in domain.Amount) (domain.Quote, error)
}

var _ domain.QuoteProvider = (*fakeVenue)(nil)

func (f *fakeVenue) Name() string { return f.name }

func (f *fakeVenue) Quote(_ context.Context, pair domain.Pair, in domain.Amount) (domain.Quote, error) {
	f.calls.Add(1)
	return f.fn(pair, in)
}

func (f *fakeVenue) BuildSwapCall(context.Context, domain.Pair, domain.Amount, int64) (domain.SwapCall, error) {
	return domain.SwapCall{}, nil
}

// fixedVenue always answers with the same output amount.
func fixedVenue(name string, out domain.Amount) *fakeVenue {
	v := &fakeVenue{name: name}
	v.fn = func(pair domain.Pair, in domain.Amount) (domain.Quote, error) {
		return domain.Quote{
			Venue:       name,
			Pair:        pair,
			AmountIn:    in,
			AmountOut:   out,
			GasEstimate: 150_000,
			RetrievedAt: time.Now(),
		}, nil
	}
	return v
}

func failingVenue(name string) *fakeVenue {
	v := &fakeVenue{name: name}
	v.fn = func(domain.Pair, domain.Amount) (domain.Quote, error) {
		return domain.Quote{}, errors.New("connection refused")
	}
	return v
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, domain.AuditEntry{Event: event, Detail: detail})
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (m *memAudit) ListByEvent(context.Context, string, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (m *memAudit) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (m *memAudit) byEvent(event string) []domain.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type memBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newMemBus() *memBus { return &memBus{messages: make(map[string][][]byte)} }

func (m *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[channel] = append(m.messages[channel], payload)
	return nil
}

func (m *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

type memQuoteCache struct {
	mu   sync.Mutex
	data map[string]domain.Quote
}

func newMemQuoteCache() *memQuoteCache {
	return &memQuoteCache{data: make(map[string]domain.Quote)}
}

func (m *memQuoteCache) SetQuote(_ context.Context, q domain.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[q.Venue+"|"+q.Pair.Key()] = q
	return nil
}

func (m *memQuoteCache) GetQuote(_ context.Context, venue, pairKey string) (domain.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.data[venue+"|"+pairKey]
	if !ok {
		return domain.Quote{}, domain.ErrNotFound
	}
	return q, nil
}

func (m *memQuoteCache) GetPairQuotes(ctx context.Context, pairKey string, venues []string) (map[string]domain.Quote, error) {
	out := make(map[string]domain.Quote)
	for _, v := range venues {
		if q, err := m.GetQuote(ctx, v, pairKey); err == nil {
			out[v] = q
		}
	}
	return out, nil
}

type memNotifier struct {
	mu     sync.Mutex
	events []string
}

func (m *memNotifier) Notify(_ context.Context, event, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

type stubHalter struct{ tripped bool }

func (h *stubHalter) Tripped() bool { return h.tripped }

type stubChain struct {
	gasWei *big.Int
	err    error
}

var _ domain.ChainState = (*stubChain)(nil)

func (c *stubChain) GasPrice(context.Context) (*big.Int, error) { return c.gasWei, c.err }
func (c *stubChain) NativeBalance(context.Context, string) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (c *stubChain) BalanceOf(context.Context, string, string) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (c *stubChain) Allowance(context.Context, string, string, string) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (c *stubChain) Approve(context.Context, string, string, *big.Int) (string, error) {
	return "", nil
}
func (c *stubChain) WaitMined(context.Context, string) (domain.Receipt, error) {
	return domain.Receipt{}, nil
}
func (c *stubChain) Sender() string { return "0x0000000000000000000000000000000000000000" }

var (
	_ domain.AuditStore = (*memAudit)(nil)
	_ domain.SignalBus  = (*memBus)(nil)
	_ domain.QuoteCache = (*memQuoteCache)(nil)
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func usdc(t *testing.T, s string) domain.Amount {
	t.Helper()
	a, err := domain.ParseAmount(s, 6)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return a
}

// weth builds a whole-token 18-decimal amount.
func weth(n int64) domain.Amount {
	raw := new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	return domain.NewAmount(raw, 18)
}

func testPair() domain.Pair {
	return domain.Pair{
		In:  domain.Token{Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Decimals: 6},
		Out: domain.Token{Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Symbol: "WETH", Decimals: 18},
	}
}

// testConfig prices gas at exactly 3 reserve units: 500k units at
// 2 gwei is 0.001 native, and the native token is worth 3000.
func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		LoanAmount:             usdc(t, "10000"),
		MinGrossProfitPct:      0.5,
		MinNetProfitPct:        0.8,
		MinNetProfitAbs:        usdc(t, "10"),
		MaxGasPriceGwei:        80,
		SimGasPriceGwei:        2,
		NativePrice:            usdc(t, "3000"),
		LoanFeeBps:             5,
		GasUnits:               500_000,
		AnomalyMaxDeviationPct: 10,
		MaxConcurrency:         2,
		QuoteTimeout:           time.Second,
	}
}

func newTestScanner(t *testing.T, cfg Config, deps Deps) *Scanner {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = testLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	s, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func mustStart(t *testing.T, s *Scanner) {
	t.Helper()
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestScanEmitsProfitableOpportunity(t *testing.T) {
	alpha := fixedVenue("alpha", weth(10_200))
	beta := fixedVenue("beta", weth(10_000))
	audit := &memAudit{}
	bus := newMemBus()
	cache := newMemQuoteCache()
	notif := &memNotifier{}
	m := metrics.New()

	s := newTestScanner(t, testConfig(t), Deps{
		Venues:   []domain.QuoteProvider{alpha, beta},
		Pairs:    []domain.Pair{testPair()},
		Quotes:   cache,
		Bus:      bus,
		Audit:    audit,
		Notifier: notif,
		Metrics:  m,
	})
	mustStart(t, s)

	ctx := context.Background()
	opps, err := s.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(opps) != 1 {
		t.Fatalf("emitted %d opportunities, want 1", len(opps))
	}

	opp := opps[0]
	if opp.BuyVenue != "alpha" || opp.SellVenue != "beta" {
		t.Fatalf("venues = buy %s sell %s, want buy alpha sell beta", opp.BuyVenue, opp.SellVenue)
	}
	if got := opp.SellReturn.String(); got != "10200" {
		t.Fatalf("sell return = %s, want 10200", got)
	}
	if got := opp.GrossProfit.String(); got != "200" {
		t.Fatalf("gross profit = %s, want 200", got)
	}
	if got := opp.LoanFee.String(); got != "5" {
		t.Fatalf("loan fee = %s, want 5", got)
	}
	if got := opp.GasCost.String(); got != "3" {
		t.Fatalf("gas cost = %s, want 3", got)
	}
	if got := opp.NetProfit.String(); got != "192" {
		t.Fatalf("net profit = %s, want 192", got)
	}
	if opp.GrossProfitPct != 2 || opp.NetProfitPct != 1.92 {
		t.Fatalf("pcts = %v / %v, want 2 / 1.92", opp.GrossProfitPct, opp.NetProfitPct)
	}
	if opp.SellPrice != 1 {
		t.Fatalf("sell price = %v, want 1", opp.SellPrice)
	}
	if opp.ID == "" || !opp.ExpiresAt.Equal(opp.DiscoveredAt.Add(domain.OpportunityTTL)) {
		t.Fatalf("lifecycle fields wrong: %+v", opp)
	}

	if got := s.Opportunities(); len(got) != 1 || got[0].ID != opp.ID {
		t.Fatalf("book = %+v, want the emitted opportunity", got)
	}
	select {
	case got := <-s.Out():
		if got.ID != opp.ID {
			t.Fatalf("dispatched ID %s, want %s", got.ID, opp.ID)
		}
	default:
		t.Fatal("nothing on the dispatch channel")
	}
	if got := len(bus.messages[BusChannel]); got != 1 {
		t.Fatalf("bus messages = %d, want 1", got)
	}
	if got := len(audit.byEvent(auditEmit)); got != 1 {
		t.Fatalf("scan.emit audit rows = %d, want 1", got)
	}
	if len(notif.events) != 1 || notif.events[0] != "opportunity_found" {
		t.Fatalf("notifications = %v", notif.events)
	}
	if got := testutil.ToFloat64(m.OpportunitiesFound); got != 1 {
		t.Fatalf("opportunities_found_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.OpportunitiesOpen); got != 1 {
		t.Fatalf("opportunities_open = %v, want 1", got)
	}
	if _, err := cache.GetQuote(ctx, "alpha", testPair().Key()); err != nil {
		t.Fatalf("alpha quote not cached: %v", err)
	}
	if _, err := cache.GetQuote(ctx, "beta", testPair().Key()); err != nil {
		t.Fatalf("beta quote not cached: %v", err)
	}
}

func TestStartStopRules(t *testing.T) {
	alpha := fixedVenue("alpha", weth(10_200))
	beta := fixedVenue("beta", weth(10_000))
	s := newTestScanner(t, testConfig(t), Deps{
		Venues: []domain.QuoteProvider{alpha, beta},
		Pairs:  []domain.Pair{testPair()},
	})

	opps, err := s.Scan(context.Background())
	if err != nil || opps != nil {
		t.Fatalf("stopped scan = %v, %v; want nil, nil", opps, err)
	}
	if got := alpha.calls.Load() + beta.calls.Load(); got != 0 {
		t.Fatalf("stopped scan touched venues %d times", got)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Fatal("second Start must fail")
	}
	if !s.Running() {
		t.Fatal("Running = false after Start")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err == nil {
		t.Fatal("second Stop must fail")
	}
}

func TestScanGasCeilingShortCircuits(t *testing.T) {
	alpha := fixedVenue("alpha", weth(10_200))
	beta := fixedVenue("beta", weth(10_000))
	audit := &memAudit{}
	cfg := testConfig(t)
	cfg.SimGasPriceGwei = 100 // above the 80 gwei ceiling

	s := newTestScanner(t, cfg, Deps{
		Venues: []domain.QuoteProvider{alpha, beta},
		Pairs:  []domain.Pair{testPair()},
		Audit:  audit,
	})
	mustStart(t, s)

	opps, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(opps) != 0 {
		t.Fatalf("emitted %d opportunities above the gas ceiling", len(opps))
	}
	if got := alpha.calls.Load() + beta.calls.Load(); got != 0 {
		t.Fatalf("venues were queried %d times above the ceiling", got)
	}
	if got := len(audit.byEvent(auditGasCeiling)); got != 1 {
		t.Fatalf("scan.gas_ceiling audit rows = %d, want 1", got)
	}
}

func TestScanChainGasPrice(t *testing.T) {
	alpha := fixedVenue("alpha", weth(10_200))
	beta := fixedVenue("beta", weth(10_000))

	// The node reports 90 gwei: above the ceiling even though the
	// simulated price would pass.
	chain := &stubChain{gasWei: new(big.Int).Mul(big.NewInt(90), weiPerGwei)}
	s := newTestScanner(t, testConfig(t), Deps{
		Venues: []domain.QuoteProvider{alpha, beta},
		Pairs:  []domain.Pair{testPair()},
		Chain:  chain,
	})
	mustStart(t, s)

	opps, err := s.Scan(context.Background())
	if err != nil || len(opps) != 0 {
		t.Fatalf("scan with 90 gwei node price = %v, %v; want no emission", opps, err)
	}

	// A failing node falls back to the simulated price and the cycle
	// proceeds.
	chain.gasWei, chain.err = nil, errors.New("rpc timeout")
	opps, err = s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(opps) != 1 {
		t.Fatalf("emitted %d opportunities on node failure, want 1 via simulated gas", len(opps))
	}
	if got := opps[0].GasCost.String(); got != "3" {
		t.Fatalf("gas cost = %s, want 3 from the simulated price", got)
	}
}

func TestScanVenueFailureShrinksComparison(t *testing.T) {
	alpha := fixedVenue("alpha", weth(10_200))
	beta := failingVenue("beta")
	gamma := fixedVenue("gamma", weth(10_000))
	audit := &memAudit{}
	m := metrics.New()

	s := newTestScanner(t, testConfig(t), Deps{
		Venues:  []domain.QuoteProvider{alpha, beta, gamma},
		Pairs:   []domain.Pair{testPair()},
		Audit:   audit,
		Metrics: m,
	})
	mustStart(t, s)

	opps, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(opps) != 1 {
		t.Fatalf("emitted %d opportunities, want 1 from the surviving venues", len(opps))
	}
	if opps[0].BuyVenue != "alpha" || opps[0].SellVenue != "gamma" {
		t.Fatalf("venues = %s/%s, want alpha/gamma", opps[0].BuyVenue, opps[0].SellVenue)
	}
	if got := len(audit.byEvent(auditVenueError)); got != 1 {
		t.Fatalf("scan.venue_error audit rows = %d, want 1", got)
	}
	if got := testutil.ToFloat64(m.QuoteErrors.WithLabelValues("beta")); got != 1 {
		t.Fatalf("quote_errors_total{beta} = %v, want 1", got)
	}
}

func TestVenueBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	alpha := fixedVenue("alpha", weth(10_200))
	beta := failingVenue("beta")
	s := newTestScanner(t, testConfig(t), Deps{
		Venues: []domain.QuoteProvider{alpha, beta},
		Pairs:  []domain.Pair{testPair()},
	})
	mustStart(t, s)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := s.Scan(ctx); err != nil {
			t.Fatalf("Scan %d: %v", i, err)
		}
	}
	if got := beta.calls.Load(); got != 3 {
		t.Fatalf("beta was called %d times, want 3 before its breaker opened", got)
	}
}

func TestScanBelowThresholdsEmitsNothing(t *testing.T) {
	// 0.1% spread: gross below the 0.5% gate. Optional collaborators
	// are nil to prove the cycle tolerates their absence.
	alpha := fixedVenue("alpha", weth(10_010))
	beta := fixedVenue("beta", weth(10_000))
	m := metrics.New()

	s := newTestScanner(t, testConfig(t), Deps{
		Venues:  []domain.QuoteProvider{alpha, beta},
		Pairs:   []domain.Pair{testPair()},
		Metrics: m,
	})
	mustStart(t, s)

	opps, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(opps) != 0 {
		t.Fatalf("emitted %d opportunities below threshold", len(opps))
	}
	if got := testutil.ToFloat64(m.ScansTotal); got != 1 {
		t.Fatalf("scans_total = %v, want 1", got)
	}
	if len(s.Opportunities()) != 0 {
		t.Fatal("book must stay empty")
	}
}

func TestTrippedBreakerHaltsEmissionOnly(t *testing.T) {
	alpha := fixedVenue("alpha", weth(10_200))
	beta := fixedVenue("beta", weth(10_000))
	cache := newMemQuoteCache()
	hist := pricing.NewHistory(16)

	s := newTestScanner(t, testConfig(t), Deps{
		Venues:  []domain.QuoteProvider{alpha, beta},
		Pairs:   []domain.Pair{testPair()},
		History: hist,
		Quotes:  cache,
		Halt:    &stubHalter{tripped: true},
	})
	mustStart(t, s)

	ctx := context.Background()
	opps, err := s.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(opps) != 0 {
		t.Fatal("halted scanner must not emit")
	}

	// Quoting still ran: prices recorded and cached for the monitors.
	snap := hist.Snapshot(testPair().Key())
	if snap["alpha"] != 1.02 || snap["beta"] != 1 {
		t.Fatalf("history snapshot = %v, want alpha 1.02 beta 1", snap)
	}
	if _, err := cache.GetQuote(ctx, "alpha", testPair().Key()); err != nil {
		t.Fatalf("alpha quote not cached: %v", err)
	}
}

func TestInFlightPairSkipped(t *testing.T) {
	alpha := fixedVenue("alpha", weth(10_200))
	beta := fixedVenue("beta", weth(10_000))
	s := newTestScanner(t, testConfig(t), Deps{
		Venues: []domain.QuoteProvider{alpha, beta},
		Pairs:  []domain.Pair{testPair()},
	})
	mustStart(t, s)

	t0 := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }
	ctx := context.Background()

	opps, err := s.Scan(ctx)
	if err != nil || len(opps) != 1 {
		t.Fatalf("first scan = %v, %v", opps, err)
	}
	id := opps[0].ID

	taken, ok := s.Take(id)
	if !ok || taken.ID != id {
		t.Fatalf("Take = %+v, %v", taken, ok)
	}
	if _, ok := s.Take(id); ok {
		t.Fatal("second Take of the same ID must fail")
	}

	// The pair is excluded while the claim stands.
	opps, err = s.Scan(ctx)
	if err != nil || len(opps) != 0 {
		t.Fatalf("in-flight scan = %v, %v; want no emission", opps, err)
	}

	// Released: the next cycle emits again under a fresh ID.
	s.Release(id)
	opps, err = s.Scan(ctx)
	if err != nil || len(opps) != 1 {
		t.Fatalf("post-release scan = %v, %v", opps, err)
	}
	if opps[0].ID == id {
		t.Fatal("re-emission must carry a fresh ID")
	}

	// A claim nobody releases clears after the TTL.
	if _, ok := s.Take(opps[0].ID); !ok {
		t.Fatal("Take failed")
	}
	s.now = func() time.Time { return t0.Add(domain.OpportunityTTL + time.Second) }
	opps, err = s.Scan(ctx)
	if err != nil || len(opps) != 1 {
		t.Fatalf("post-expiry scan = %v, %v; want emission after the claim aged out", opps, err)
	}
}

func TestLaterCycleSupersedesOpenOpportunity(t *testing.T) {
	alpha := fixedVenue("alpha", weth(10_200))
	beta := fixedVenue("beta", weth(10_000))
	s := newTestScanner(t, testConfig(t), Deps{
		Venues: []domain.QuoteProvider{alpha, beta},
		Pairs:  []domain.Pair{testPair()},
	})
	mustStart(t, s)

	ctx := context.Background()
	first, err := s.Scan(ctx)
	if err != nil || len(first) != 1 {
		t.Fatalf("first scan = %v, %v", first, err)
	}
	second, err := s.Scan(ctx)
	if err != nil || len(second) != 1 {
		t.Fatalf("second scan = %v, %v", second, err)
	}
	if second[0].ID == first[0].ID {
		t.Fatal("second emission reused the first ID")
	}

	open := s.Opportunities()
	if len(open) != 1 || open[0].ID != second[0].ID {
		t.Fatalf("book = %+v, want only the superseding opportunity", open)
	}
	if _, ok := s.Get(first[0].ID); ok {
		t.Fatal("superseded opportunity still resolvable")
	}
}

func TestExpiredOpportunitiesPruned(t *testing.T) {
	alpha := fixedVenue("alpha", weth(10_200))
	beta := fixedVenue("beta", weth(10_000))
	s := newTestScanner(t, testConfig(t), Deps{
		Venues: []domain.QuoteProvider{alpha, beta},
		Pairs:  []domain.Pair{testPair()},
	})
	mustStart(t, s)

	t0 := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }

	opps, err := s.Scan(context.Background())
	if err != nil || len(opps) != 1 {
		t.Fatalf("scan = %v, %v", opps, err)
	}

	s.now = func() time.Time { return t0.Add(domain.OpportunityTTL + time.Second) }
	if got := s.Opportunities(); len(got) != 0 {
		t.Fatalf("expired opportunity still open: %+v", got)
	}
	if _, ok := s.Get(opps[0].ID); ok {
		t.Fatal("Get resolved an expired opportunity")
	}
	if _, ok := s.Take(opps[0].ID); ok {
		t.Fatal("Take claimed an expired opportunity")
	}
}

func TestNativePriceProbe(t *testing.T) {
	reserve := testPair().In
	probePair := domain.Pair{
		In:  domain.Token{Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Symbol: "WETH", Decimals: 18},
		Out: reserve,
	}
	probeOut := usdc(t, "3500")
	tradeOutAlpha := weth(10_200)
	tradeOutBeta := weth(10_000)

	alpha := &fakeVenue{name: "alpha"}
	alpha.fn = func(pair domain.Pair, in domain.Amount) (domain.Quote, error) {
		out := tradeOutAlpha
		if pair.In.Symbol == "WETH" {
			out = probeOut
		}
		return domain.Quote{Venue: "alpha", Pair: pair, AmountIn: in, AmountOut: out, RetrievedAt: time.Now()}, nil
	}
	beta := fixedVenue("beta", tradeOutBeta)

	cfg := testConfig(t)
	cfg.ProbePair = &probePair

	s := newTestScanner(t, cfg, Deps{
		Venues: []domain.QuoteProvider{alpha, beta},
		Pairs:  []domain.Pair{testPair()},
	})
	mustStart(t, s)

	opps, err := s.Scan(context.Background())
	if err != nil || len(opps) != 1 {
		t.Fatalf("scan = %v, %v", opps, err)
	}
	// 0.001 native of gas at the probed 3500 price.
	if got := opps[0].GasCost.String(); got != "3.5" {
		t.Fatalf("gas cost = %s, want 3.5 from the probed price", got)
	}
	if got := opps[0].NetProfit.String(); got != "191.5" {
		t.Fatalf("net profit = %s, want 191.5", got)
	}
	// Only the primary venue serves the probe.
	if alpha.calls.Load() != 2 || beta.calls.Load() != 1 {
		t.Fatalf("calls alpha=%d beta=%d, want 2/1", alpha.calls.Load(), beta.calls.Load())
	}
}

func TestNativePriceProbeFallsBackOnError(t *testing.T) {
	probePair := domain.Pair{
		In:  domain.Token{Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Symbol: "WETH", Decimals: 18},
		Out: testPair().In,
	}
	tradeOut := weth(10_200)
	probeErr := errors.New("probe unavailable")

	alpha := &fakeVenue{name: "alpha"}
	alpha.fn = func(pair domain.Pair, in domain.Amount) (domain.Quote, error) {
		if pair.In.Symbol == "WETH" {
			return domain.Quote{}, probeErr
		}
		return domain.Quote{Venue: "alpha", Pair: pair, AmountIn: in, AmountOut: tradeOut, RetrievedAt: time.Now()}, nil
	}
	beta := fixedVenue("beta", weth(10_000))

	cfg := testConfig(t)
	cfg.ProbePair = &probePair

	s := newTestScanner(t, cfg, Deps{
		Venues: []domain.QuoteProvider{alpha, beta},
		Pairs:  []domain.Pair{testPair()},
	})
	mustStart(t, s)

	opps, err := s.Scan(context.Background())
	if err != nil || len(opps) != 1 {
		t.Fatalf("scan = %v, %v", opps, err)
	}
	if got := opps[0].GasCost.String(); got != "3" {
		t.Fatalf("gas cost = %s, want 3 from the config fallback", got)
	}
}

func TestAnomalousQuoteDiscarded(t *testing.T) {
	hist := pricing.NewHistory(16)
	key := testPair().Key()
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		hist.Record(key, "beta", 1.0, base.Add(time.Duration(i)*time.Second))
	}

	alpha := fixedVenue("alpha", weth(10_200))
	beta := fixedVenue("beta", weth(13_000)) // mid 1.3, far off the 1.0 mean
	audit := &memAudit{}

	s := newTestScanner(t, testConfig(t), Deps{
		Venues:  []domain.QuoteProvider{alpha, beta},
		Pairs:   []domain.Pair{testPair()},
		History: hist,
		Audit:   audit,
	})
	mustStart(t, s)

	opps, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(opps) != 0 {
		t.Fatalf("emitted %d opportunities from an anomalous quote", len(opps))
	}
	if got := len(audit.byEvent(auditAnomaly)); got != 1 {
		t.Fatalf("scan.anomaly audit rows = %d, want 1", got)
	}
}

func TestStatusSnapshot(t *testing.T) {
	alpha := fixedVenue("alpha", weth(10_200))
	beta := fixedVenue("beta", weth(10_000))
	s := newTestScanner(t, testConfig(t), Deps{
		Venues: []domain.QuoteProvider{alpha, beta},
		Pairs:  []domain.Pair{testPair()},
	})
	mustStart(t, s)

	t0 := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }
	ctx := context.Background()
	if _, err := s.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if _, err := s.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	st := s.Status()
	if !st.Running || st.CycleCount != 2 || !st.LastScanAt.Equal(t0) {
		t.Fatalf("status = %+v", st)
	}
	if st.OpenOpportunities != 1 {
		t.Fatalf("open opportunities = %d, want 1", st.OpenOpportunities)
	}
	if len(st.Venues) != 2 || len(st.Pairs) != 1 || st.Pairs[0] != "USDC/WETH" {
		t.Fatalf("status venue/pair lists = %v / %v", st.Venues, st.Pairs)
	}
}

// Package scanner detects cross-venue price discrepancies on the
// configured pairs and turns the profitable ones into executable
// opportunities. One Scan call is one full detection cycle; the
// scheduler drives the cadence and the control API flips the running
// flag.
package scanner

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/metrics"
	"github.com/alanyoungcy/flasharb/internal/pricing"
)

// outBuffer bounds the emission channel. A full buffer drops the send;
// the opportunity stays in the book for the control API.
const outBuffer = 16

// Halter reports whether the kill switch is latched. A halted scanner
// keeps quoting and recording prices but stops emitting opportunities.
type Halter interface {
	Tripped() bool
}

// Notifier is the subset of the notification service the scanner needs.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config carries the scanner's tuning knobs. Amounts arrive pre-parsed
// in the reserve token's precision.
type Config struct {
	LoanAmount             domain.Amount
	MinGrossProfitPct      float64
	MinNetProfitPct        float64
	MinNetProfitAbs        domain.Amount
	MaxGasPriceGwei        int64
	SimGasPriceGwei        int64         // assumed gas price when no node is wired
	NativePrice            domain.Amount // fallback reserve units per native token
	ProbePair              *domain.Pair  // wrapped-native pair quoted for the live price, optional
	ProbeAmount            domain.Amount // native units quoted on the probe
	LoanFeeBps             int64         // used when no loan pool is wired
	GasUnits               uint64        // gas estimate for the full flash-loan transaction
	AnomalyMaxDeviationPct float64
	MaxConcurrency         int
	QuoteTimeout           time.Duration
}

// Deps are the scanner's collaborators. Chain, Loans, Quotes, Bus,
// Audit, Halt, and Notifier may be nil; the matching side effect is
// then skipped and chainless modes run on the simulated gas price.
type Deps struct {
	Venues   []domain.QuoteProvider
	Pairs    []domain.Pair
	Chain    domain.ChainState
	Loans    domain.LoanProvider
	History  *pricing.History
	Quotes   domain.QuoteCache
	Bus      domain.SignalBus
	Audit    domain.AuditStore
	Halt     Halter
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Scanner fans quote requests out to every venue, compares the answers,
// and emits profit-qualifying opportunities. Safe for concurrent use:
// the scheduler scans while the API reads status and takes
// opportunities.
type Scanner struct {
	cfg    Config
	venues []domain.QuoteProvider
	pairs  []domain.Pair

	chain    domain.ChainState
	loans    domain.LoanProvider
	history  *pricing.History
	quotes   domain.QuoteCache
	bus      domain.SignalBus
	audit    domain.AuditStore
	halt     Halter
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger

	breakers map[string]*gobreaker.CircuitBreaker[domain.Quote]
	book     *book
	out      chan domain.Opportunity

	running atomic.Bool
	now     func() time.Time

	mu       sync.Mutex
	cycles   uint64
	lastScan time.Time
	lastErr  string
}

// New builds a stopped Scanner. Call Start to enable cycles.
func New(cfg Config, deps Deps) (*Scanner, error) {
	if len(deps.Venues) < 2 {
		return nil, domain.E(domain.KindConfiguration, "scanner needs at least 2 venues, got %d", len(deps.Venues))
	}
	if len(deps.Pairs) == 0 {
		return nil, domain.E(domain.KindConfiguration, "scanner needs at least one pair")
	}
	if cfg.LoanAmount.Sign() <= 0 {
		return nil, domain.E(domain.KindConfiguration, "scanner loan amount must be positive")
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 4
	}
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = 5 * time.Second
	}
	if cfg.AnomalyMaxDeviationPct <= 0 {
		cfg.AnomalyMaxDeviationPct = 10
	}
	if cfg.ProbePair != nil && cfg.ProbeAmount.Sign() <= 0 {
		one := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(cfg.ProbePair.In.Decimals)), nil)
		cfg.ProbeAmount = domain.NewAmount(one, cfg.ProbePair.In.Decimals)
	}
	if deps.History == nil {
		deps.History = pricing.NewHistory(32)
	}

	logger := deps.Logger.With(slog.String("component", "scanner"))
	breakers := make(map[string]*gobreaker.CircuitBreaker[domain.Quote], len(deps.Venues))
	for _, v := range deps.Venues {
		breakers[v.Name()] = newVenueBreaker(v.Name(), logger)
	}

	return &Scanner{
		cfg:      cfg,
		venues:   deps.Venues,
		pairs:    deps.Pairs,
		chain:    deps.Chain,
		loans:    deps.Loans,
		history:  deps.History,
		quotes:   deps.Quotes,
		bus:      deps.Bus,
		audit:    deps.Audit,
		halt:     deps.Halt,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   logger,
		breakers: breakers,
		book:     newBook(deps.Metrics),
		out:      make(chan domain.Opportunity, outBuffer),
		now:      time.Now,
	}, nil
}

// newVenueBreaker wraps one venue's quote calls. Three consecutive
// failures open the breaker for 30 seconds, taking the venue out of
// the comparison without failing the cycle. Shutdown cancellation is
// not a venue failure.
func newVenueBreaker(name string, logger *slog.Logger) *gobreaker.CircuitBreaker[domain.Quote] {
	return gobreaker.NewCircuitBreaker[domain.Quote](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("venue breaker state change",
				slog.String("venue", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
}

// Start enables scan cycles. The scheduler drives the cadence; Start
// only opens the gate each cycle checks.
func (s *Scanner) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return domain.E(domain.KindValidation, "scanner already running")
	}
	s.logger.Info("scanner started",
		slog.Int("venues", len(s.venues)),
		slog.Int("pairs", len(s.pairs)),
	)
	return nil
}

// Stop disables scan cycles. A cycle already in progress finishes.
func (s *Scanner) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return domain.E(domain.KindValidation, "scanner not running")
	}
	s.logger.Info("scanner stopped")
	return nil
}

// Running reports whether cycles are enabled.
func (s *Scanner) Running() bool { return s.running.Load() }

// Status is the scanner's control-surface snapshot.
type Status struct {
	Running           bool      `json:"running"`
	CycleCount        uint64    `json:"cycle_count"`
	LastScanAt        time.Time `json:"last_scan_at"`
	LastError         string    `json:"last_error,omitempty"`
	OpenOpportunities int       `json:"open_opportunities"`
	Venues            []string  `json:"venues"`
	Pairs             []string  `json:"pairs"`
}

// Status reports the scanner's current state for the control API.
func (s *Scanner) Status() Status {
	s.mu.Lock()
	st := Status{
		Running:    s.running.Load(),
		CycleCount: s.cycles,
		LastScanAt: s.lastScan,
		LastError:  s.lastErr,
	}
	s.mu.Unlock()

	st.OpenOpportunities = len(s.book.list(s.now()))
	for _, v := range s.venues {
		st.Venues = append(st.Venues, v.Name())
	}
	for _, p := range s.pairs {
		st.Pairs = append(st.Pairs, p.Key())
	}
	return st
}

// Out is the stream of emitted opportunities consumed by the execution
// dispatcher.
func (s *Scanner) Out() <-chan domain.Opportunity { return s.out }

// Opportunities returns the open, unexpired book newest first.
func (s *Scanner) Opportunities() []domain.Opportunity {
	return s.book.list(s.now())
}

// Get looks an open opportunity up by ID.
func (s *Scanner) Get(id string) (domain.Opportunity, bool) {
	return s.book.get(id, s.now())
}

// Take atomically claims an opportunity for execution and puts its
// pair into the in-flight exclusion set. Unknown, already claimed, or
// expired IDs return false.
func (s *Scanner) Take(id string) (domain.Opportunity, bool) {
	return s.book.take(id, s.now())
}

// Release clears the in-flight claim made by Take once the execution
// resolved. Safe to call for unknown IDs.
func (s *Scanner) Release(id string) { s.book.release(id) }

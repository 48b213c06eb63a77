package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/profit"
)

// Audit event names written by the scan cycle.
const (
	auditGasCeiling = "scan.gas_ceiling"
	auditVenueError = "scan.venue_error"
	auditAnomaly    = "scan.anomaly"
	auditEmit       = "scan.emit"
)

// BusChannel carries opportunity emissions to API subscribers.
const BusChannel = "opportunity"

var weiPerGwei = big.NewInt(1_000_000_000)

// Scan runs one detection cycle: gas ceiling, native price, venue
// fan-out, anomaly filtering, pairwise comparison, emission. Venue
// failures never abort a cycle; the error return is reserved for
// cancellation. Returns the opportunities emitted this cycle.
func (s *Scanner) Scan(ctx context.Context) ([]domain.Opportunity, error) {
	if !s.running.Load() {
		return nil, nil
	}
	start := s.now()
	emitted, err := s.scan(ctx, start)

	s.metrics.ScansTotal.Inc()
	s.mu.Lock()
	s.cycles++
	s.lastScan = start
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.metrics.ScanErrorsTotal.Inc()
		return nil, err
	}
	s.logger.DebugContext(ctx, "scan cycle finished",
		slog.Int("emitted", len(emitted)),
		slog.Duration("took", s.now().Sub(start)),
	)
	return emitted, nil
}

func (s *Scanner) scan(ctx context.Context, now time.Time) ([]domain.Opportunity, error) {
	// 1. Gas ceiling. One price read bounds the whole cycle.
	gasWei := s.gasPrice(ctx)
	ceiling := new(big.Int).Mul(big.NewInt(s.cfg.MaxGasPriceGwei), weiPerGwei)
	if gasWei.Cmp(ceiling) > 0 {
		s.logger.InfoContext(ctx, "gas above ceiling, skipping cycle",
			slog.String("gas_price_wei", gasWei.String()),
			slog.Int64("max_gas_gwei", s.cfg.MaxGasPriceGwei),
		)
		s.auditLog(ctx, auditGasCeiling, map[string]any{
			"gas_price_wei": gasWei.String(),
			"max_gas_gwei":  s.cfg.MaxGasPriceGwei,
		})
		return nil, nil
	}

	// 2. Native price for gas conversion, loan fee for this cycle.
	nativePrice := s.nativePrice(ctx)
	feeBps := s.loanFeeBps(ctx)

	// 3. Quote fan-out, bounded across pairs, concurrent across venues.
	quotesByPair := make([][]domain.Quote, len(s.pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for i, pair := range s.pairs {
		g.Go(func() error {
			quotesByPair[i] = s.quotePair(gctx, pair)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// 4. A tripped breaker halts emission; quoting above still feeds
	// the price history the monitors watch.
	if s.halt != nil && s.halt.Tripped() {
		s.logger.DebugContext(ctx, "emission halted: breaker tripped")
		return nil, nil
	}

	// 5. Compare and emit per pair.
	var emitted []domain.Opportunity
	for i, pair := range s.pairs {
		if len(quotesByPair[i]) < 2 {
			continue
		}
		if s.book.inFlight(pair.Key(), now) {
			s.logger.DebugContext(ctx, "pair in flight, skipping",
				slog.String("pair", pair.Key()),
			)
			continue
		}
		opp, ok := s.bestComparison(ctx, pair, quotesByPair[i], feeBps, gasWei, nativePrice, now)
		if !ok {
			continue
		}
		s.emit(ctx, opp)
		emitted = append(emitted, opp)
	}
	return emitted, nil
}

// gasPrice returns the current chain gas price, or the simulated price
// when no node is wired or the read fails. A flaky node must not stop
// scanning; execution re-checks gas on its own.
func (s *Scanner) gasPrice(ctx context.Context) *big.Int {
	sim := new(big.Int).Mul(big.NewInt(s.cfg.SimGasPriceGwei), weiPerGwei)
	if s.chain == nil {
		return sim
	}
	wei, err := s.chain.GasPrice(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "gas price read failed, using simulated price",
			slog.String("error", err.Error()),
			slog.Int64("sim_gwei", s.cfg.SimGasPriceGwei),
		)
		return sim
	}
	return wei
}

// nativePrice resolves reserve units per one native token: a probe
// quote on the primary venue when configured, the static config price
// otherwise. A failed probe degrades to the config price; the cycle
// continues.
func (s *Scanner) nativePrice(ctx context.Context) domain.Amount {
	if s.cfg.ProbePair == nil {
		return s.cfg.NativePrice
	}
	qctx, cancel := context.WithTimeout(ctx, s.cfg.QuoteTimeout)
	defer cancel()

	q, err := s.venues[0].Quote(qctx, *s.cfg.ProbePair, s.cfg.ProbeAmount)
	if err != nil {
		s.logger.WarnContext(ctx, "native price probe failed, using config price",
			slog.String("venue", s.venues[0].Name()),
			slog.String("error", err.Error()),
		)
		return s.cfg.NativePrice
	}

	// Scale the probe output to one whole native token.
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(s.cfg.ProbePair.In.Decimals)), nil)
	raw := new(big.Int).Mul(q.AmountOut.Raw(), scale)
	raw.Quo(raw, s.cfg.ProbeAmount.Raw())
	return domain.NewAmount(raw, q.AmountOut.Decimals())
}

// loanFeeBps asks the pool for the current premium, falling back to the
// configured rate when no pool is wired.
func (s *Scanner) loanFeeBps(ctx context.Context) int64 {
	if s.loans == nil {
		return s.cfg.LoanFeeBps
	}
	bps, err := s.loans.FeeBps(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "loan fee read failed, using configured rate",
			slog.String("error", err.Error()),
			slog.Int64("fallback_bps", s.cfg.LoanFeeBps),
		)
		return s.cfg.LoanFeeBps
	}
	return bps
}

// quotePair queries every venue concurrently for the loan amount and
// returns the usable quotes. Failures and anomalous prices shrink the
// comparison, never abort it.
func (s *Scanner) quotePair(ctx context.Context, pair domain.Pair) []domain.Quote {
	quotes := make([]domain.Quote, len(s.venues))
	errs := make([]error, len(s.venues))

	var wg sync.WaitGroup
	for i, v := range s.venues {
		wg.Add(1)
		go func() {
			defer wg.Done()
			quotes[i], errs[i] = s.quoteVenue(ctx, v, pair)
		}()
	}
	wg.Wait()

	kept := make([]domain.Quote, 0, len(quotes))
	for i, q := range quotes {
		if errs[i] != nil {
			continue
		}
		mid := q.Mid()
		s.history.Record(pair.Key(), q.Venue, mid, q.RetrievedAt)
		if s.history.Anomalous(pair.Key(), q.Venue, mid, s.cfg.AnomalyMaxDeviationPct) {
			s.logger.WarnContext(ctx, "anomalous quote discarded",
				slog.String("pair", pair.Key()),
				slog.String("venue", q.Venue),
				slog.Float64("mid", mid),
			)
			s.auditLog(ctx, auditAnomaly, map[string]any{
				"pair":  pair.Key(),
				"venue": q.Venue,
				"mid":   mid,
			})
			continue
		}
		s.cacheQuote(ctx, q)
		kept = append(kept, q)
	}
	return kept
}

// quoteVenue runs one venue call behind its breaker and the quote
// timeout.
func (s *Scanner) quoteVenue(ctx context.Context, v domain.QuoteProvider, pair domain.Pair) (domain.Quote, error) {
	cb := s.breakers[v.Name()]
	start := s.now()
	q, err := cb.Execute(func() (domain.Quote, error) {
		qctx, cancel := context.WithTimeout(ctx, s.cfg.QuoteTimeout)
		defer cancel()
		return v.Quote(qctx, pair, s.cfg.LoanAmount)
	})
	if err != nil {
		s.metrics.QuoteErrors.WithLabelValues(v.Name()).Inc()
		s.logger.WarnContext(ctx, "venue quote failed",
			slog.String("venue", v.Name()),
			slog.String("pair", pair.Key()),
			slog.String("error", err.Error()),
		)
		s.auditLog(ctx, auditVenueError, map[string]any{
			"venue": v.Name(),
			"pair":  pair.Key(),
			"error": err.Error(),
		})
		return domain.Quote{}, err
	}
	s.metrics.QuoteLatency.WithLabelValues(v.Name()).Observe(s.now().Sub(start).Seconds())
	return q, nil
}

// bestComparison evaluates every buy/sell venue combination for the
// pair and returns the most profitable one that clears all gates.
func (s *Scanner) bestComparison(ctx context.Context, pair domain.Pair, quotes []domain.Quote, feeBps int64, gasWei *big.Int, nativePrice domain.Amount, now time.Time) (domain.Opportunity, bool) {
	var (
		best  domain.Opportunity
		found bool
	)
	for i := range quotes {
		for j := range quotes {
			if i == j {
				continue
			}
			buy, sell := quotes[i], quotes[j]
			if buy.AmountOut.Cmp(sell.AmountOut) <= 0 {
				continue // the buy leg needs the better output
			}
			opp, ok := s.evaluate(ctx, pair, buy, sell, feeBps, gasWei, nativePrice, now)
			if !ok {
				continue
			}
			if !found || opp.NetProfit.Cmp(best.NetProfit) > 0 {
				best, found = opp, true
			}
		}
	}
	return best, found
}

// evaluate prices one buy/sell combination and applies the profit
// gates: min gross pct, min net pct, min net absolute.
func (s *Scanner) evaluate(ctx context.Context, pair domain.Pair, buy, sell domain.Quote, feeBps int64, gasWei *big.Int, nativePrice domain.Amount, now time.Time) (domain.Opportunity, bool) {
	ret := profit.SellReturn(s.cfg.LoanAmount, buy.AmountOut, sell.AmountOut)

	bd, err := profit.Calculate(profit.Input{
		LoanAmount:  s.cfg.LoanAmount,
		BuyOut:      buy.AmountOut,
		SellReturn:  ret,
		LoanFeeBps:  feeBps,
		GasUnits:    s.cfg.GasUnits,
		GasPriceWei: gasWei,
		NativePrice: nativePrice,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "profit calculation failed",
			slog.String("pair", pair.Key()),
			slog.String("error", err.Error()),
		)
		return domain.Opportunity{}, false
	}

	if bd.GrossPct < s.cfg.MinGrossProfitPct {
		return domain.Opportunity{}, false
	}
	if bd.NetPct < s.cfg.MinNetProfitPct {
		return domain.Opportunity{}, false
	}
	if bd.NetProfit.Cmp(s.cfg.MinNetProfitAbs) < 0 {
		return domain.Opportunity{}, false
	}

	opp := domain.Opportunity{
		ID:             uuid.NewString(),
		Pair:           pair,
		BuyVenue:       buy.Venue,
		SellVenue:      sell.Venue,
		LoanAmount:     s.cfg.LoanAmount,
		BuyAmountOut:   buy.AmountOut,
		SellReturn:     ret,
		GrossProfit:    bd.GrossProfit,
		LoanFee:        bd.LoanFee,
		GasCost:        bd.GasCost,
		NetProfit:      bd.NetProfit,
		GrossProfitPct: bd.GrossPct,
		NetProfitPct:   bd.NetPct,
		DiscoveredAt:   now,
		ExpiresAt:      now.Add(domain.OpportunityTTL),
	}
	loan := s.cfg.LoanAmount.Float64()
	if out := buy.AmountOut.Float64(); out > 0 {
		opp.BuyPrice = loan / out
	}
	if out := sell.AmountOut.Float64(); out > 0 {
		opp.SellPrice = loan / out
	}
	return opp, true
}

// emit records one opportunity everywhere interested parties look: the
// book, the dispatch channel, the signal bus, the audit log, and the
// notifier.
func (s *Scanner) emit(ctx context.Context, opp domain.Opportunity) {
	s.book.add(opp, opp.DiscoveredAt)
	s.metrics.OpportunitiesFound.Inc()

	s.logger.InfoContext(ctx, "opportunity found",
		slog.String("id", opp.ID),
		slog.String("pair", opp.Pair.Key()),
		slog.String("buy_venue", opp.BuyVenue),
		slog.String("sell_venue", opp.SellVenue),
		slog.String("net_profit", opp.NetProfit.String()),
		slog.Float64("net_profit_pct", opp.NetProfitPct),
	)

	select {
	case s.out <- opp:
	default:
		s.logger.WarnContext(ctx, "dispatch channel full, opportunity parked in book",
			slog.String("id", opp.ID),
		)
	}

	s.publish(ctx, opp)
	s.auditLog(ctx, auditEmit, map[string]any{
		"opportunity_id": opp.ID,
		"pair":           opp.Pair.Key(),
		"buy_venue":      opp.BuyVenue,
		"sell_venue":     opp.SellVenue,
		"net_profit":     opp.NetProfit.String(),
		"net_profit_pct": opp.NetProfitPct,
	})

	if s.notifier != nil {
		msg := fmt.Sprintf("%s: buy %s / sell %s\nNet profit: %s %s (%.2f%%)",
			opp.Pair.Key(), opp.BuyVenue, opp.SellVenue,
			opp.NetProfit.String(), opp.Pair.In.Symbol, opp.NetProfitPct)
		if err := s.notifier.Notify(ctx, "opportunity_found", "Arbitrage opportunity", msg); err != nil {
			s.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
		}
	}
}

func (s *Scanner) publish(ctx context.Context, opp domain.Opportunity) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"type":        "opportunity",
		"opportunity": opp,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, BusChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "bus publish failed", slog.String("error", err.Error()))
	}
}

func (s *Scanner) cacheQuote(ctx context.Context, q domain.Quote) {
	if s.quotes == nil {
		return
	}
	if err := s.quotes.SetQuote(ctx, q); err != nil {
		s.logger.WarnContext(ctx, "quote cache write failed",
			slog.String("venue", q.Venue),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scanner) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit write failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/flasharb/internal/blob/s3"
	"github.com/alanyoungcy/flasharb/internal/breaker"
	"github.com/alanyoungcy/flasharb/internal/chain"
	"github.com/alanyoungcy/flasharb/internal/config"
	"github.com/alanyoungcy/flasharb/internal/crypto"
	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/executor"
	"github.com/alanyoungcy/flasharb/internal/metrics"
	"github.com/alanyoungcy/flasharb/internal/monitor"
	"github.com/alanyoungcy/flasharb/internal/pricing"
	"github.com/alanyoungcy/flasharb/internal/retryq"
	"github.com/alanyoungcy/flasharb/internal/risk"
	"github.com/alanyoungcy/flasharb/internal/scanner"
	"github.com/alanyoungcy/flasharb/internal/scheduler"
	"github.com/alanyoungcy/flasharb/internal/server"
	"github.com/alanyoungcy/flasharb/internal/server/handler"
	"github.com/alanyoungcy/flasharb/internal/server/ws"
	"github.com/alanyoungcy/flasharb/internal/venue/aggregator"
	"github.com/alanyoungcy/flasharb/internal/venue/router"
)

// nativeDecimals is the wei precision of the EVM native token.
const nativeDecimals uint8 = 18

// pipeline bundles the components every mode shares: venues, the price
// history, the risk machinery, and the scanner. Trading modes attach an
// executor, dispatcher, and retry queue on top.
type pipeline struct {
	metrics *metrics.Metrics
	wallet  *crypto.Wallet      // nil without key material
	chain   *chain.Client       // nil without an RPC node
	loans   domain.LoanProvider // nil without a loan pool
	venues  []domain.QuoteProvider
	pairs   []domain.Pair
	history *pricing.History
	breaker *breaker.Breaker
	tracker *risk.Tracker
	gate    *risk.Gate
	scanner *scanner.Scanner

	// amounts parsed once from config, reused by the executor
	minNetAbs   domain.Amount
	nativePrice domain.Amount
}

// chainState returns the chain client as its domain interface, keeping
// the interface nil when no client was dialed.
func (p *pipeline) chainState() domain.ChainState {
	if p.chain == nil {
		return nil
	}
	return p.chain
}

// ScanMode runs detection without execution: opportunities are found,
// published on the bus, and expire untouched. Emissions are drained so
// the scanner never blocks.
func (a *App) ScanMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scan mode")

	p, err := a.buildPipeline(ctx, deps, false)
	if err != nil {
		return fmt.Errorf("scan mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case _, ok := <-p.scanner.Out():
				if !ok {
					return nil
				}
			}
		}
	})

	if err := p.scanner.Start(); err != nil {
		return fmt.Errorf("scan mode: start scanner: %w", err)
	}
	if err := a.startScheduler(ctx, g, deps, p, nil); err != nil {
		return fmt.Errorf("scan mode: %w", err)
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, p, nil, nil)
	}

	return g.Wait()
}

// PaperMode runs the full pipeline with synthetic settlement. A chain
// client and loan pool are optional; without them the executor prices
// gas at the configured simulation rate.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")
	return a.runTrading(ctx, deps, domain.ModePaper)
}

// LiveMode runs the full pipeline against the chain. A wallet, an RPC
// node, and a flash-loan pool are all required.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")
	return a.runTrading(ctx, deps, domain.ModeLive)
}

// runTrading builds the detection pipeline plus the executor, dispatcher,
// and retry queue shared by paper and live mode, then runs everything
// until the context is cancelled. The two modes differ only in the
// executor's settlement path.
func (a *App) runTrading(ctx context.Context, deps *Dependencies, mode domain.ExecMode) error {
	p, err := a.buildPipeline(ctx, deps, mode == domain.ModeLive)
	if err != nil {
		return err
	}
	if mode == domain.ModeLive {
		a.logger.InfoContext(ctx, "live trading armed",
			slog.String("wallet", p.wallet.Address().Hex()),
			slog.Int64("chain_id", a.cfg.Chain.ChainID),
		)
	}

	exec, err := executor.New(executor.Config{
		Mode:              mode,
		MinNetProfitAbs:   p.minNetAbs,
		MinNetProfitPct:   a.cfg.Scanner.MinNetProfitPct,
		LoanFeeBps:        a.cfg.Loan.FallbackFeeBps,
		GasUnits:          a.cfg.Scanner.GasUnits,
		SimGasPriceGwei:   a.cfg.Scanner.SimGasPriceGwei,
		NativePrice:       p.nativePrice,
		SlippageBps:       a.cfg.Executor.SlippageBps,
		SimSlippageMaxBps: a.cfg.Executor.SimSlippageMaxBps,
		ApprovalTimeout:   a.cfg.Executor.ApprovalTimeout.Duration,
		ConfirmTimeout:    a.cfg.Executor.ConfirmTimeout.Duration,
		ReconcileWarnPct:  a.cfg.Executor.ReconcileWarnPct,
		ReconcileTripPct:  a.cfg.Executor.ReconcileTripPct,
		MaxParallel:       a.cfg.Executor.MaxParallel,
	}, executor.Deps{
		Venues:   p.venues,
		Chain:    p.chainState(),
		Loans:    p.loans,
		Source:   p.scanner,
		Gate:     p.gate,
		Tracker:  p.tracker,
		Breaker:  p.breaker,
		Results:  deps.Results,
		Audit:    deps.AuditStore,
		Bus:      deps.SignalBus,
		Notifier: deps.Notifier,
		Metrics:  p.metrics,
		Logger:   a.logger,
	})
	if err != nil {
		return fmt.Errorf("build executor: %w", err)
	}

	queue, err := retryq.New(retryq.Config{
		MaxAttempts: a.cfg.Retry.MaxAttempts,
		Backoff:     config.Durations(a.cfg.Retry.Backoff),
		DrainLimit:  a.cfg.Retry.DrainBatch,
	}, retryq.Deps{
		Store:       deps.RetryStore,
		DeadLetters: deps.DeadLetters,
		Locks:       deps.LockManager,
		Exec:        exec,
		Audit:       deps.AuditStore,
		Notifier:    deps.Notifier,
		Metrics:     p.metrics,
		Logger:      a.logger,
	})
	if err != nil {
		return fmt.Errorf("build retry queue: %w", err)
	}

	disp := executor.NewDispatcher(exec, p.scanner, queue, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	// New attempts stop the moment shutdown begins; in-flight ones drain
	// through the dispatcher. The group context is already done here, so
	// the halt gets its own short-lived one.
	g.Go(func() error {
		<-ctx.Done()
		haltCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.breaker.Halt(haltCtx)
		return ctx.Err()
	})

	g.Go(func() error {
		return disp.Run(ctx, p.scanner.Out())
	})

	if err := p.scanner.Start(); err != nil {
		return fmt.Errorf("start scanner: %w", err)
	}
	if err := a.startScheduler(ctx, g, deps, p, queue); err != nil {
		return err
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, p, exec, queue)
	}

	return g.Wait()
}

// buildPipeline constructs everything up to and including the scanner.
// live tightens the requirements: wallet, node, and loan pool must all
// resolve instead of degrading to their simulated stand-ins.
func (a *App) buildPipeline(ctx context.Context, deps *Dependencies, live bool) (*pipeline, error) {
	m := metrics.New()

	pairs := make([]domain.Pair, 0, len(a.cfg.Pairs))
	for _, pc := range a.cfg.Pairs {
		pairs = append(pairs, domain.Pair{In: tokenFromConfig(pc.In), Out: tokenFromConfig(pc.Out)})
	}
	reserve := pairs[0].In

	loanAmount, err := domain.ParseAmount(a.cfg.Scanner.LoanAmount, reserve.Decimals)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: scanner.loan_amount: %w", err)
	}
	minNetAbs, err := domain.ParseAmount(a.cfg.Scanner.MinNetProfitAbs, reserve.Decimals)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: scanner.min_net_profit_abs: %w", err)
	}
	nativePrice, err := domain.ParseAmount(a.cfg.Scanner.NativePrice, reserve.Decimals)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: scanner.native_price: %w", err)
	}
	maxPosition, err := domain.ParseAmount(a.cfg.Risk.MaxPositionSize, reserve.Decimals)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: risk.max_position_size: %w", err)
	}
	dailyLossLimit, err := domain.ParseAmount(a.cfg.Risk.DailyLossLimit, reserve.Decimals)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: risk.daily_loss_limit: %w", err)
	}
	maxLossPerTrade, err := domain.ParseAmount(a.cfg.Risk.MaxLossPerTrade, reserve.Decimals)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: risk.max_loss_per_trade: %w", err)
	}
	minReserveFloat, err := domain.ParseAmount(a.cfg.Risk.MinReserveFloat, nativeDecimals)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: risk.min_reserve_float: %w", err)
	}

	// Wallet. Required live; otherwise only loaded when key material is
	// configured so quotes can carry a real recipient address.
	var wallet *crypto.Wallet
	if live || a.cfg.Wallet.PrivateKey != "" || a.cfg.Wallet.EncryptedKeyPath != "" {
		w, werr := a.loadWallet()
		if werr != nil {
			if live {
				return nil, fmt.Errorf("build pipeline: %w", werr)
			}
			a.logger.Warn("wallet unavailable, quoting without a recipient",
				slog.String("error", werr.Error()))
		} else {
			wallet = w
		}
	}

	// Chain client. Optional outside live mode; chainless pipelines run
	// on the simulated gas price and skip the gas-reserve check.
	var chainClient *chain.Client
	if a.cfg.Chain.RPCURL != "" {
		c, cerr := chain.Dial(ctx, chain.Config{
			RPCURL:    a.cfg.Chain.RPCURL,
			ChainID:   a.cfg.Chain.ChainID,
			RateLimit: a.cfg.Chain.RPCRateLimit,
			Burst:     a.cfg.Chain.RPCBurst,
		}, wallet, a.logger)
		if cerr != nil {
			return nil, fmt.Errorf("build pipeline: dial chain: %w", cerr)
		}
		a.closers = append(a.closers, c.Close)
		chainClient = c
	} else if live {
		return nil, fmt.Errorf("build pipeline: live mode requires chain.rpc_url")
	}
	var chainState domain.ChainState
	if chainClient != nil {
		chainState = chainClient
	}

	var loans domain.LoanProvider
	if chainClient != nil && a.cfg.Loan.PoolAddress != "" {
		pool, perr := chain.NewAavePool(chainClient, chain.PoolConfig{
			PoolAddress:     a.cfg.Loan.PoolAddress,
			ReceiverAddress: a.cfg.Loan.ReceiverAddress,
			FallbackFeeBps:  a.cfg.Loan.FallbackFeeBps,
		}, a.logger)
		if perr != nil {
			return nil, fmt.Errorf("build pipeline: aave pool: %w", perr)
		}
		loans = pool
	} else if live {
		return nil, fmt.Errorf("build pipeline: live mode requires loan.pool_address")
	}

	// Swap output lands on the receiver contract when one is deployed,
	// otherwise on the wallet.
	recipient := a.cfg.Loan.ReceiverAddress
	if recipient == "" && wallet != nil {
		recipient = wallet.Address().Hex()
	}

	venues := make([]domain.QuoteProvider, 0, len(a.cfg.Venues))
	for _, vc := range a.cfg.Venues {
		switch strings.ToLower(vc.Kind) {
		case "router":
			if chainClient == nil {
				return nil, fmt.Errorf("build pipeline: venue %s: router venues require chain.rpc_url", vc.Name)
			}
			v, verr := router.New(chainClient, router.Config{
				Name:          vc.Name,
				RouterAddress: vc.RouterAddress,
				Recipient:     recipient,
			}, a.logger)
			if verr != nil {
				return nil, fmt.Errorf("build pipeline: venue %s: %w", vc.Name, verr)
			}
			venues = append(venues, v)
		case "aggregator":
			venues = append(venues, aggregator.New(aggregator.Config{
				Name:           vc.Name,
				BaseURL:        vc.BaseURL,
				APIKey:         vc.APIKey,
				Recipient:      recipient,
				RequestsPerMin: vc.RequestsPerMin,
				Timeout:        a.cfg.Scanner.QuoteTimeout.Duration,
			}, deps.RateLimiter, a.logger))
		default:
			return nil, fmt.Errorf("build pipeline: venue %s: unknown kind %q", vc.Name, vc.Kind)
		}
	}

	var probePair *domain.Pair
	var probeAmount domain.Amount
	if a.cfg.Chain.WrappedNative != "" {
		pp := domain.Pair{
			In:  domain.Token{Address: a.cfg.Chain.WrappedNative, Symbol: "WNATIVE", Decimals: nativeDecimals},
			Out: reserve,
		}
		probePair = &pp
		probeAmount, err = domain.ParseAmount(a.cfg.Scanner.ProbeAmount, nativeDecimals)
		if err != nil {
			return nil, fmt.Errorf("build pipeline: scanner.probe_amount: %w", err)
		}
	}

	brk := breaker.New(deps.KVStore, deps.AuditStore, deps.SignalBus, deps.Notifier, m, a.logger)
	if err := brk.Restore(ctx); err != nil {
		return nil, fmt.Errorf("build pipeline: restore breaker: %w", err)
	}

	tracker := risk.NewTracker(a.cfg.Identity, reserve.Decimals, deps.KVStore, a.logger)
	if err := tracker.Restore(ctx); err != nil {
		return nil, fmt.Errorf("build pipeline: restore risk tracker: %w", err)
	}

	gate := risk.NewGate(risk.GateConfig{
		TradingEnabled:         a.cfg.Risk.TradingEnabled,
		MaxPositionSize:        maxPosition,
		DailyLossLimit:         dailyLossLimit,
		MaxLossPerTrade:        maxLossPerTrade,
		GasReserveMultiplier:   a.cfg.Risk.GasReserveMultiplier,
		MinReserveFloatWei:     minReserveFloat.Raw(),
		MaxConsecutiveFailures: a.cfg.Risk.MaxConsecutiveFailures,
	}, tracker, chainState, a.logger)

	history := pricing.NewHistory(a.cfg.Scanner.HistorySize)

	sc, err := scanner.New(scanner.Config{
		LoanAmount:             loanAmount,
		MinGrossProfitPct:      a.cfg.Scanner.MinGrossProfitPct,
		MinNetProfitPct:        a.cfg.Scanner.MinNetProfitPct,
		MinNetProfitAbs:        minNetAbs,
		MaxGasPriceGwei:        a.cfg.Scanner.MaxGasPriceGwei,
		SimGasPriceGwei:        a.cfg.Scanner.SimGasPriceGwei,
		NativePrice:            nativePrice,
		ProbePair:              probePair,
		ProbeAmount:            probeAmount,
		LoanFeeBps:             a.cfg.Loan.FallbackFeeBps,
		GasUnits:               a.cfg.Scanner.GasUnits,
		AnomalyMaxDeviationPct: a.cfg.Scanner.AnomalyMaxDeviationPct,
		MaxConcurrency:         a.cfg.Scanner.MaxConcurrency,
		QuoteTimeout:           a.cfg.Scanner.QuoteTimeout.Duration,
	}, scanner.Deps{
		Venues:   venues,
		Pairs:    pairs,
		Chain:    chainState,
		Loans:    loans,
		History:  history,
		Quotes:   deps.Quotes,
		Bus:      deps.SignalBus,
		Audit:    deps.AuditStore,
		Halt:     brk,
		Notifier: deps.Notifier,
		Metrics:  m,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build pipeline: scanner: %w", err)
	}

	return &pipeline{
		metrics:     m,
		wallet:      wallet,
		chain:       chainClient,
		loans:       loans,
		venues:      venues,
		pairs:       pairs,
		history:     history,
		breaker:     brk,
		tracker:     tracker,
		gate:        gate,
		scanner:     sc,
		minNetAbs:   minNetAbs,
		nativePrice: nativePrice,
	}, nil
}

// loadWallet resolves key material from config into a signing wallet.
func (a *App) loadWallet() (*crypto.Wallet, error) {
	hexKey, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Wallet.PrivateKey,
		EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      a.cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("load wallet key: %w", err)
	}
	w, err := crypto.NewWallet(hexKey, a.cfg.Chain.ChainID)
	if err != nil {
		return nil, fmt.Errorf("build wallet: %w", err)
	}
	return w, nil
}

// startScheduler registers the periodic tasks for the mode and adds the
// scheduler's drain to the errgroup. queue is nil in scan mode; the
// retry drain is then not scheduled.
func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, deps *Dependencies, p *pipeline, queue *retryq.Queue) error {
	sched := scheduler.New(scheduler.Config{
		DrainTimeout: a.cfg.Scheduler.DrainTimeout.Duration,
		StartJitter:  a.cfg.Scheduler.StartJitter.Duration,
	}, a.logger)

	if err := sched.Register(scheduler.Task{
		Name:     "scan",
		Interval: a.cfg.Scanner.Interval.Duration,
		Run: func(ctx context.Context) error {
			_, err := p.scanner.Scan(ctx)
			return err
		},
	}); err != nil {
		return fmt.Errorf("register scan task: %w", err)
	}

	if queue != nil {
		if err := sched.Register(scheduler.Task{
			Name:     "retry-drain",
			Interval: a.cfg.Retry.Interval.Duration,
			Run:      queue.Drain,
		}); err != nil {
			return fmt.Errorf("register retry drain task: %w", err)
		}
	}

	drawdown := monitor.NewDrawdown(monitor.DrawdownConfig{
		MaxDrawdownPct: a.cfg.Monitor.MaxDrawdownPct,
	}, p.tracker, p.breaker, a.logger)
	if err := sched.Register(scheduler.Task{
		Name:     "drawdown",
		Interval: a.cfg.Monitor.DrawdownInterval.Duration,
		Run:      drawdown.Check,
	}); err != nil {
		return fmt.Errorf("register drawdown task: %w", err)
	}

	swan := monitor.NewBlackSwan(monitor.BlackSwanConfig{
		MaxMovePct: a.cfg.Monitor.BlackSwanMovePct,
	}, p.history, p.breaker, a.logger)
	if err := sched.Register(scheduler.Task{
		Name:     "black-swan",
		Interval: a.cfg.Monitor.BlackSwanInterval.Duration,
		Run:      swan.Check,
	}); err != nil {
		return fmt.Errorf("register black-swan task: %w", err)
	}

	if deps.Archiver != nil {
		sweep := s3blob.NewSweep(deps.Archiver, a.cfg.S3.RetentionDays, a.logger)
		if err := sched.Register(scheduler.Task{
			Name:     "archive-sweep",
			Interval: a.cfg.S3.SweepInterval.Duration,
			Run:      sweep.Run,
		}); err != nil {
			return fmt.Errorf("register archive sweep task: %w", err)
		}
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Scheduler.DrainTimeout.Duration+time.Second)
		defer cancel()
		if err := sched.Stop(stopCtx); err != nil {
			a.logger.Warn("scheduler drain incomplete", slog.String("error", err.Error()))
		}
		return ctx.Err()
	})
	return nil
}

// startHTTPServer builds the REST handlers and WebSocket hub, then adds
// the server's serve and shutdown goroutines to the errgroup. exec and
// queue are nil in scan mode; the matching routes are then absent.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, p *pipeline, exec *executor.Executor, queue *retryq.Queue) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: a.startedAt,
	})

	handlers := server.Handlers{
		Health:        handler.NewHealthHandler(a.logger),
		Status:        handler.NewStatusHandler(a.cfg.Mode, a.startedAt, p.scanner, p.breaker),
		Opportunities: handler.NewOpportunityHandler(p.scanner),
		Scanner:       handler.NewScannerHandler(p.scanner, a.logger),
		Risk:          handler.NewRiskHandler(p.tracker),
		Breaker:       handler.NewBreakerHandler(p.breaker, a.logger),
	}
	if exec != nil {
		handlers.Execute = handler.NewExecuteHandler(exec, a.logger)
	}
	if queue != nil {
		handlers.Retry = handler.NewRetryHandler(queue, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, hub, p.metrics.Handler(), deps.RateLimiter, a.logger)

	g.Go(func() error {
		return hub.Run(ctx)
	})
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})
}

func tokenFromConfig(tc config.TokenConfig) domain.Token {
	return domain.Token{Address: tc.Address, Symbol: tc.Symbol, Decimals: tc.Decimals}
}

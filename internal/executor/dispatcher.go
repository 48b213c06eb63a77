package executor

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// RetrySink accepts failed attempts for later redelivery.
type RetrySink interface {
	Enqueue(ctx context.Context, opp domain.Opportunity, cause error) error
}

// Dispatcher drains the scanner's emission channel into the executor,
// bounded to a fixed number of concurrent attempts. Transient failures
// are handed to the retry sink; every other failure is terminal here.
type Dispatcher struct {
	exec   *Executor
	source OpportunitySource
	retry  RetrySink
	slots  chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewDispatcher wires the channel consumer. retry may be nil when no
// retry queue is configured.
func NewDispatcher(exec *Executor, source OpportunitySource, retry RetrySink, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		exec:   exec,
		source: source,
		retry:  retry,
		slots:  make(chan struct{}, exec.cfg.MaxParallel),
		logger: logger.With(slog.String("component", "dispatcher")),
	}
}

// Run consumes opportunities until the channel closes or ctx is done,
// then waits for in-flight attempts to drain.
func (d *Dispatcher) Run(ctx context.Context, in <-chan domain.Opportunity) error {
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case opp, ok := <-in:
			if !ok {
				d.wg.Wait()
				return nil
			}
			select {
			case d.slots <- struct{}{}:
			case <-ctx.Done():
				d.wg.Wait()
				return ctx.Err()
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				defer func() { <-d.slots }()
				d.handle(ctx, opp)
			}()
		}
	}
}

// handle claims, executes, and routes the outcome of one emission. An
// emission that cannot be claimed was superseded, expired, or taken by a
// manual execute call while queued.
func (d *Dispatcher) handle(ctx context.Context, opp domain.Opportunity) {
	claimed, ok := d.source.Take(opp.ID)
	if !ok {
		d.logger.DebugContext(ctx, "emission no longer claimable",
			slog.String("opportunity_id", opp.ID))
		return
	}
	defer d.source.Release(opp.ID)

	res := d.exec.Execute(ctx, claimed)
	if res.Success || d.retry == nil || res.ErrorKind != domain.KindTransient {
		return
	}
	msg := strings.TrimPrefix(res.Message, string(domain.KindTransient)+": ")
	if err := d.retry.Enqueue(ctx, claimed, domain.E(domain.KindTransient, "%s", msg)); err != nil {
		d.logger.WarnContext(ctx, "retry enqueue failed",
			slog.String("opportunity_id", opp.ID),
			slog.String("error", err.Error()),
		)
	}
}

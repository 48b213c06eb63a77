// Package monitor runs the background watchdogs that halt trading on
// portfolio-wide signals: the equity drawdown check and the black-swan
// price-move check. Monitors only ever trip the breaker; pausing and
// resuming stays with the operator.
package monitor

import (
	"context"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Halter is the kill switch as the monitors see it.
type Halter interface {
	Tripped() bool
	Trip(ctx context.Context, reason, trigger, threshold string) domain.BreakerEvent
}

// Package metrics holds the Prometheus instruments for the pipeline. All
// collectors live on a private registry so tests can construct isolated
// instances without global registration conflicts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flasharb"

// Metrics bundles every instrument the components bump. Construct one per
// process and share the pointer.
type Metrics struct {
	registry *prometheus.Registry

	ScansTotal         prometheus.Counter
	ScanErrorsTotal    prometheus.Counter
	OpportunitiesFound prometheus.Counter
	OpportunitiesOpen  prometheus.Gauge
	TradesTotal        *prometheus.CounterVec
	RetryQueueDepth    prometheus.Gauge
	DeadLettersTotal   prometheus.Counter
	DailyLossUnits     prometheus.Gauge
	BreakerTrips       prometheus.Counter
	QuoteLatency       *prometheus.HistogramVec
	QuoteErrors        *prometheus.CounterVec
}

// New creates the instrument set on a fresh registry, including the
// standard Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ScansTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Completed scan cycles.",
		}),
		ScanErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_errors_total",
			Help:      "Scan cycles that ended with an error.",
		}),
		OpportunitiesFound: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opportunities_found_total",
			Help:      "Opportunities that passed every emission gate.",
		}),
		OpportunitiesOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "opportunities_open",
			Help:      "Unexpired opportunities currently tracked.",
		}),
		TradesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Terminal executions by mode and result.",
		}, []string{"mode", "result"}),
		RetryQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_queue_depth",
			Help:      "Trades waiting in the durable retry queue.",
		}),
		DeadLettersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Trades moved to the dead-letter store.",
		}),
		DailyLossUnits: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daily_loss_units",
			Help:      "Accumulated daily loss in reserve units.",
		}),
		BreakerTrips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_trips_total",
			Help:      "Circuit breaker trips since process start.",
		}),
		QuoteLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "quote_latency_seconds",
			Help:      "Venue quote round-trip latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"venue"}),
		QuoteErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quote_errors_total",
			Help:      "Failed venue quote calls.",
		}, []string{"venue"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics exposes kernel counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/worldkernel/worldkernel/internal/core"
)

const namespace = "worldkernel"

// Metrics holds one kernel's collectors on a private registry, so several
// kernels in one process (tests) never collide.
type Metrics struct {
	registry *prometheus.Registry

	actions      *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	supply       prometheus.Gauge
	events       prometheus.Counter
	rateDenials  *prometheus.CounterVec
	auctionRound *prometheus.CounterVec
}

// New creates and registers the kernel collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Actions processed by the dispatcher",
			},
			[]string{"action", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Time spent handling an action",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		supply: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scrip_supply",
			Help:      "Total scrip in existence",
		}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events appended to the log",
		}),
		rateDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_denials_total",
				Help:      "Actions refused with TOO_FAST",
			},
			[]string{"resource"},
		),
		auctionRound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auction_rounds_total",
				Help:      "Mint auction rounds resolved",
			},
			[]string{"outcome"},
		),
	}
	m.registry.MustRegister(m.actions, m.duration, m.supply, m.events, m.rateDenials, m.auctionRound)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAction counts one finished action. A nil receiver is a no-op.
func (m *Metrics) ObserveAction(action core.ActionType, outcome core.Code, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(string(action), string(outcome)).Inc()
	m.duration.WithLabelValues(string(action)).Observe(elapsed.Seconds())
	m.events.Inc()
}

// RateDenied counts a TOO_FAST refusal for resource.
func (m *Metrics) RateDenied(resource string) {
	if m == nil {
		return
	}
	m.rateDenials.WithLabelValues(resource).Inc()
}

// SetSupply records the current scrip supply.
func (m *Metrics) SetSupply(supply int64) {
	if m == nil {
		return
	}
	m.supply.Set(float64(supply))
}

// SystemEvent counts a kernel-originated event.
func (m *Metrics) SystemEvent() {
	if m == nil {
		return
	}
	m.events.Inc()
}

// AuctionResolved counts one auction round by outcome.
func (m *Metrics) AuctionResolved(outcome core.Code) {
	if m == nil {
		return
	}
	m.auctionRound.WithLabelValues(string(outcome)).Inc()
}

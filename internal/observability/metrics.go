// Package observability carries the Prometheus collector and OpenTelemetry
// tracing setup shared by the run controller, the simulator adapter, and the
// broadcaster.
package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the runtime's Prometheus metrics. All recording methods
// are nil-safe so call sites never have to guard against a disabled collector.
type Collector struct {
	gatherer prometheus.Gatherer

	Ticks          *prometheus.CounterVec
	Decisions      *prometheus.CounterVec
	EventAppends   prometheus.Counter
	BroadcastDrops prometheus.Counter
	SimDurations   *prometheus.HistogramVec
	ActiveRuns     prometheus.Gauge
}

// NewCollector registers the runtime metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil. Registration
// tolerates an identical collector already being present.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_run_ticks_total",
		Help: "Total control loop ticks, labeled by result (ok, sim_error, planner_fallback).",
	}, []string{"result"}), "warden_run_ticks_total")
	if err != nil {
		return nil, err
	}

	decisions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_decisions_total",
		Help: "Governance decisions, labeled by outcome (APPROVED, DENIED, NEEDS_REVIEW).",
	}, []string{"decision"}), "warden_decisions_total")
	if err != nil {
		return nil, err
	}

	appends, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_event_appends_total",
		Help: "Events appended to run chains.",
	}), "warden_event_appends_total")
	if err != nil {
		return nil, err
	}

	drops, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_broadcast_drops_total",
		Help: "Subscriber sinks dropped after a failed delivery.",
	}), "warden_broadcast_drops_total")
	if err != nil {
		return nil, err
	}

	simDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_simulator_call_duration_seconds",
		Help:    "Simulator HTTP call latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"endpoint"}), "warden_simulator_call_duration_seconds")
	if err != nil {
		return nil, err
	}

	active, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_active_runs",
		Help: "Run loops currently live in this process.",
	}), "warden_active_runs")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:       gatherer,
		Ticks:          ticks,
		Decisions:      decisions,
		EventAppends:   appends,
		BroadcastDrops: drops,
		SimDurations:   simDurations,
		ActiveRuns:     active,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RecordTick counts one loop tick by result.
func (c *Collector) RecordTick(result string) {
	if c == nil || c.Ticks == nil {
		return
	}
	c.Ticks.WithLabelValues(result).Inc()
}

// RecordDecision counts one governance outcome.
func (c *Collector) RecordDecision(decision string) {
	if c == nil || c.Decisions == nil {
		return
	}
	c.Decisions.WithLabelValues(decision).Inc()
}

// RecordEventAppend counts one chain append.
func (c *Collector) RecordEventAppend() {
	if c == nil || c.EventAppends == nil {
		return
	}
	c.EventAppends.Inc()
}

// RecordBroadcastDrop counts one dropped subscriber sink.
func (c *Collector) RecordBroadcastDrop() {
	if c == nil || c.BroadcastDrops == nil {
		return
	}
	c.BroadcastDrops.Inc()
}

// ObserveSimCall records one simulator call's latency.
func (c *Collector) ObserveSimCall(endpoint string, d time.Duration) {
	if c == nil || c.SimDurations == nil {
		return
	}
	c.SimDurations.WithLabelValues(endpoint).Observe(d.Seconds())
}

// SetActiveRuns publishes the live run count.
func (c *Collector) SetActiveRuns(n int) {
	if c == nil || c.ActiveRuns == nil {
		return
	}
	c.ActiveRuns.Set(float64(n))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"RegimeSentinel/internal/model"
)

// Recorder exposes cycle outcomes and the published regime to Prometheus.
type Recorder struct {
	cycles        *prometheus.CounterVec
	gate          *prometheus.CounterVec
	multiplier    prometheus.Gauge
	severity      prometheus.Gauge
	cycleDuration *prometheus.HistogramVec
	gatherer      prometheus.Gatherer
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Recorder{
		cycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regime_cycles_total",
				Help: "Cycles run, by snapshot family and outcome",
			},
			[]string{"family", "outcome"},
		),
		gate: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regime_gate_decisions_total",
				Help: "Gatekeeper decisions by state",
			},
			[]string{"state"},
		),
		multiplier: f.NewGauge(prometheus.GaugeOpts{
			Name: "regime_current_multiplier",
			Help: "Risk budget multiplier of the authoritative record",
		}),
		severity: f.NewGauge(prometheus.GaugeOpts{
			Name: "regime_current_severity",
			Help: "Severity rank of the authoritative regime, 0 (RECOVERY) to 4 (STRESS)",
		}),
		cycleDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "regime_cycle_duration_seconds",
				Help:    "Duration of a cycle in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"family"},
		),
		gatherer: reg,
	}
}

func (r *Recorder) RecordCycle(family, outcome string, elapsed time.Duration) {
	r.cycles.WithLabelValues(family, outcome).Inc()
	r.cycleDuration.WithLabelValues(family).Observe(elapsed.Seconds())
}

func (r *Recorder) RecordGate(state model.GateState) {
	r.gate.WithLabelValues(string(state)).Inc()
}

// RecordPublished tracks the record the trading system now reads.
func (r *Recorder) RecordPublished(p *model.StrategyParams) {
	if p == nil {
		return
	}
	r.multiplier.Set(p.RiskBudgetMultiplier.InexactFloat64())
	r.severity.Set(float64(p.Regime.Severity()))
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

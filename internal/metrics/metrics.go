// Package metrics exposes pipeline progress as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline collectors on a private registry.
//
// Metrics:
//   - forge_stage_runs_total{stage,outcome} - stage invocations by outcome
//   - forge_stage_duration_seconds{stage} - wall time of each invocation
//   - forge_tokens_total{stage,direction} - reported tokens, direction in|out
//   - forge_gate_result{gate} - 1 passed, 0 failed
//   - forge_critic_fixer_iteration - current critic/fixer iteration
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	StageRuns     *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	Tokens        *prometheus.CounterVec
	GateResult    *prometheus.GaugeVec
	Iteration     prometheus.Gauge
}

// New creates a registry with the pipeline collectors plus Go runtime metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		StageRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_stage_runs_total",
			Help: "Stage invocations by outcome",
		}, []string{"stage", "outcome"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forge_stage_duration_seconds",
			Help:    "Wall time of stage invocations in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"stage"}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_tokens_total",
			Help: "Tokens reported by the agent",
		}, []string{"stage", "direction"}),
		GateResult: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forge_gate_result",
			Help: "Latest gate evaluation, 1 passed and 0 failed",
		}, []string{"gate"}),
		Iteration: f.NewGauge(prometheus.GaugeOpts{
			Name: "forge_critic_fixer_iteration",
			Help: "Current critic/fixer iteration",
		}),
	}
}

// ObserveStage records one stage invocation.
func (m *Metrics) ObserveStage(stage, outcome string, d time.Duration, tokensIn, tokensOut *int) {
	if m == nil {
		return
	}
	m.StageRuns.WithLabelValues(stage, outcome).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if tokensIn != nil {
		m.Tokens.WithLabelValues(stage, "in").Add(float64(*tokensIn))
	}
	if tokensOut != nil {
		m.Tokens.WithLabelValues(stage, "out").Add(float64(*tokensOut))
	}
}

// ObserveGate records a gate evaluation.
func (m *Metrics) ObserveGate(gate string, passed bool) {
	if m == nil {
		return
	}
	v := 0.0
	if passed {
		v = 1
	}
	m.GateResult.WithLabelValues(gate).Set(v)
}

// SetIteration records the critic/fixer counter.
func (m *Metrics) SetIteration(n int) {
	if m == nil {
		return
	}
	m.Iteration.Set(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

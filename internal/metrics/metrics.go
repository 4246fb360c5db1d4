// Package metrics exposes Prometheus collectors for pipeline runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage outcomes recorded on factorywatch_stage_runs_total.
const (
	OutcomeOK       = "ok"
	OutcomeFallback = "fallback"
	OutcomeError    = "error"
)

// Recorder holds the pipeline collectors. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	stageRuns      *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	stageFallbacks *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	sessions       *prometheus.CounterVec
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "factorywatch_stage_runs_total",
			Help: "Stage executions by outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "factorywatch_stage_duration_seconds",
			Help:    "Stage wall time.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		stageFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "factorywatch_stage_fallbacks_total",
			Help: "Reasoning calls replaced by a fallback result.",
		}, []string{"stage"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "factorywatch_safety_decisions_total",
			Help: "Validator decisions.",
		}, []string{"decision"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "factorywatch_sessions_total",
			Help: "Finalized sessions by status.",
		}, []string{"status"}),
	}
	r.registry.MustRegister(r.stageRuns, r.stageDuration, r.stageFallbacks, r.decisions, r.sessions)
	return r
}

// ObserveStage records one stage execution.
func (r *Recorder) ObserveStage(stage, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageRuns.WithLabelValues(stage, outcome).Inc()
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Fallback records a stage falling back.
func (r *Recorder) Fallback(stage string) {
	if r == nil {
		return
	}
	r.stageFallbacks.WithLabelValues(stage).Inc()
}

// SafetyDecision records a validator decision.
func (r *Recorder) SafetyDecision(decision string) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(decision).Inc()
}

// SessionFinished records a finalized session.
func (r *Recorder) SessionFinished(status string) {
	if r == nil {
		return
	}
	r.sessions.WithLabelValues(status).Inc()
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

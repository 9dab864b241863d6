// Package metrics provides Prometheus-based metrics recording and querying
// for loop operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Loop outcome labels.
const (
	OutcomeProgress   = "progress"
	OutcomeStuck      = "stuck"
	OutcomeTestOnly   = "test_only"
	OutcomeNoProgress = "no_progress"
	OutcomeFailed     = "failed"
)

// Classification signal labels.
const (
	SignalCompletionHint       = "completion_hint"
	SignalNoWork               = "no_work"
	SignalTestOnly             = "test_only"
	SignalStuck                = "stuck"
	SignalProgress             = "progress"
	SignalStructuredCompletion = "structured_completion"
)

// Recorder defines the interface for recording loop metrics.
type Recorder interface {
	// ObserveLoop records one completed loop iteration: its outcome label,
	// agent wall time, and captured output size.
	ObserveLoop(outcome string, duration time.Duration, outputBytes int)

	// IncClassification increments the counter for one detected signal.
	IncClassification(signal string)

	// IncCircuitTransition increments the transition counter for the state
	// the breaker moved to.
	IncCircuitTransition(to string)

	// IncQuotaPause increments the provider quota pause counter.
	IncQuotaPause()

	// SetCallsInWindow records the invocation count of the current hour window.
	SetCallsInWindow(calls int)
}

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	loopsTotal           *prometheus.CounterVec
	classificationsTotal *prometheus.CounterVec
	circuitTransitions   *prometheus.CounterVec
	agentDuration        prometheus.Histogram
	outputBytes          prometheus.Histogram
	quotaPausesTotal     prometheus.Counter
	callsInWindow        prometheus.Gauge
}

// NewPrometheusRecorder creates a Prometheus-based recorder registered with
// the default registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	return newPrometheusRecorder(prometheus.DefaultRegisterer)
}

func newPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		loopsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ralph_loops_total",
				Help: "Total number of loop iterations by outcome",
			},
			[]string{"outcome"},
		),
		classificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ralph_classifications_total",
				Help: "Total number of classification signals detected",
			},
			[]string{"signal"},
		),
		circuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ralph_circuit_transitions_total",
				Help: "Total number of circuit breaker transitions by target state",
			},
			[]string{"to"},
		),
		agentDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ralph_agent_duration_seconds",
				Help:    "Wall time of agent subprocess executions in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		outputBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ralph_output_bytes",
				Help:    "Captured agent output size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 4, 8),
			},
		),
		quotaPausesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ralph_quota_pauses_total",
				Help: "Total number of provider quota exhaustion pauses",
			},
		),
		callsInWindow: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ralph_calls_in_window",
				Help: "Agent invocations made in the current hour window",
			},
		),
	}
}

// ObserveLoop records one completed loop iteration.
func (p *PrometheusRecorder) ObserveLoop(outcome string, duration time.Duration, outputBytes int) {
	p.loopsTotal.WithLabelValues(outcome).Inc()
	p.agentDuration.Observe(duration.Seconds())
	p.outputBytes.Observe(float64(outputBytes))
}

// IncClassification increments the counter for one detected signal.
func (p *PrometheusRecorder) IncClassification(signal string) {
	p.classificationsTotal.WithLabelValues(signal).Inc()
}

// IncCircuitTransition increments the transition counter for a target state.
func (p *PrometheusRecorder) IncCircuitTransition(to string) {
	p.circuitTransitions.WithLabelValues(to).Inc()
}

// IncQuotaPause increments the provider quota pause counter.
func (p *PrometheusRecorder) IncQuotaPause() {
	p.quotaPausesTotal.Inc()
}

// SetCallsInWindow records the invocation count of the current hour window.
func (p *PrometheusRecorder) SetCallsInWindow(calls int) {
	p.callsInWindow.Set(float64(calls))
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveLoop does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveLoop(_ string, _ time.Duration, _ int) {
	// No-op
}

// IncClassification does nothing in the no-op recorder.
func (n *NoopRecorder) IncClassification(_ string) {
	// No-op
}

// IncCircuitTransition does nothing in the no-op recorder.
func (n *NoopRecorder) IncCircuitTransition(_ string) {
	// No-op
}

// IncQuotaPause does nothing in the no-op recorder.
func (n *NoopRecorder) IncQuotaPause() {
	// No-op
}

// SetCallsInWindow does nothing in the no-op recorder.
func (n *NoopRecorder) SetCallsInWindow(_ int) {
	// No-op
}

// ForExporter returns the recorder matching the configured exporter name.
// Unknown names fall back to the no-op recorder.
func ForExporter(exporter string) Recorder {
	if exporter == "prometheus" {
		return NewPrometheusRecorder()
	}
	return Nop()
}

package txcoord

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PhaseChange is emitted whenever a transaction's status or a 2PC
// phase transitions.
type PhaseChange struct {
	TxID TxID
	From string
	To   string
	At   time.Time
}

// Observer receives structured events from the coordinator. The
// coordinator only emits; it never depends on a particular sink.
type Observer interface {
	// TransactionPhase is called after every status or phase
	// transition.
	TransactionPhase(change PhaseChange)

	// StepAttempt is called after every execution try of a step,
	// successful or not.
	StepAttempt(txID TxID, step string, outcome AttemptOutcome, d time.Duration)

	// StepFailure is called when a step's failure becomes final, and
	// once more with the transaction's final failure.
	StepFailure(report FailureReport)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) TransactionPhase(PhaseChange)                            {}
func (NopObserver) StepAttempt(TxID, string, AttemptOutcome, time.Duration) {}
func (NopObserver) StepFailure(FailureReport)                               {}

// MetricsObserver exports coordinator events as Prometheus metrics.
type MetricsObserver struct {
	phases       *prometheus.CounterVec
	attempts     *prometheus.CounterVec
	failures     *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
}

// NewMetricsObserver registers the coordinator metrics with reg and
// returns the observer.
func NewMetricsObserver(reg prometheus.Registerer) *MetricsObserver {
	phases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txcoord",
		Name:      "phase_transitions_total",
		Help:      "Total number of transaction phase transitions.",
	}, []string{"to"})
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txcoord",
		Name:      "step_attempts_total",
		Help:      "Total number of step execution attempts.",
	}, []string{"outcome"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txcoord",
		Name:      "step_failures_total",
		Help:      "Total number of final, classified step failures.",
	}, []string{"kind"})
	stepDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "txcoord",
		Name:      "step_duration_seconds",
		Help:      "Step attempt latency in seconds.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"outcome"})

	reg.MustRegister(phases, attempts, failures, stepDuration)
	return &MetricsObserver{
		phases:       phases,
		attempts:     attempts,
		failures:     failures,
		stepDuration: stepDuration,
	}
}

// TransactionPhase implements the Observer interface.
func (m *MetricsObserver) TransactionPhase(change PhaseChange) {
	m.phases.WithLabelValues(change.To).Inc()
}

// StepAttempt implements the Observer interface.
func (m *MetricsObserver) StepAttempt(_ TxID, _ string, outcome AttemptOutcome, d time.Duration) {
	m.attempts.WithLabelValues(outcome.String()).Inc()
	m.stepDuration.WithLabelValues(outcome.String()).Observe(d.Seconds())
}

// StepFailure implements the Observer interface.
func (m *MetricsObserver) StepFailure(report FailureReport) {
	m.failures.WithLabelValues(report.Kind.String()).Inc()
}

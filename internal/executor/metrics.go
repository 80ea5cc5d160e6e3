package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/harrison/agentloop/internal/models"
)

// Attempt outcome label values.
const (
	OutcomeAdequate   = "adequate"
	OutcomeInadequate = "inadequate"
	OutcomeTransient  = "transient_error"
	OutcomeFatal      = "fatal_error"
)

const tracerName = "github.com/harrison/agentloop/internal/executor"

// Metrics holds the loop collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	attempts        *prometheus.CounterVec
	loops           *prometheus.CounterVec
	attemptDuration prometheus.Histogram
}

// NewMetrics creates the loop collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloop_attempts_total",
			Help: "Attempts made by loop controllers, by outcome.",
		}, []string{"outcome"}),
		loops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloop_loops_total",
			Help: "Loops finished, by terminal state.",
		}, []string{"state"}),
		attemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentloop_attempt_duration_seconds",
			Help:    "Time spent in the attempter per attempt.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.attempts, m.loops, m.attemptDuration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observeAttempt(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
	m.attemptDuration.Observe(d.Seconds())
}

func (m *Metrics) observeLoop(state models.TerminalState) {
	if m == nil {
		return
	}
	m.loops.WithLabelValues(string(state)).Inc()
}

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

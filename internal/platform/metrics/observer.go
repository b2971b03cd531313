package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/phrazzld/shelf/internal/queue"
)

// Observer records runner events. It implements queue.Observer.
type Observer struct {
	attempts *prometheus.HistogramVec
	outcomes *prometheus.CounterVec
}

var _ queue.Observer = (*Observer)(nil)

// NewObserver creates an Observer and registers its metrics with reg.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		attempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "job",
				Name:      "attempt_duration_seconds",
				Help:      "Duration of job attempts by queue and result.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue", "result"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "job",
				Name:      "outcomes_total",
				Help:      "Job attempt outcomes by queue.",
			},
			[]string{"queue", "outcome"},
		),
	}

	for _, c := range []prometheus.Collector{o.attempts, o.outcomes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// ObserveAttempt records the duration of one attempt.
func (o *Observer) ObserveAttempt(queueName string, d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	o.attempts.WithLabelValues(queueName, result).Observe(d.Seconds())
}

// ObserveOutcome counts how an attempt was settled.
func (o *Observer) ObserveOutcome(queueName string, outcome queue.Outcome) {
	o.outcomes.WithLabelValues(queueName, string(outcome)).Inc()
}

package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "casesync"
	metricsSubsystem = "sync"
)

// Submission outcome label values.
const (
	outcomeSuccess      = "success"
	outcomeRetryable    = "retryable"
	outcomePermanent    = "permanent"
	outcomeBackpressure = "backpressure"
)

// Metrics holds the worker's Prometheus collectors.
//
// Thread Safety: All operations are thread-safe.
type Metrics struct {
	// SubmissionsTotal counts remote submissions by outcome.
	// Labels: outcome (success, retryable, permanent, backpressure)
	SubmissionsTotal *prometheus.CounterVec

	// BlockedTotal counts records skipped because a dependency is unmapped.
	BlockedTotal prometheus.Counter

	// DeadLettersTotal counts records moved to DeadLettered.
	DeadLettersTotal prometheus.Counter

	// DrainsTotal counts completed drains.
	DrainsTotal prometheus.Counter

	// QueueDepth is the number of Pending and InFlight records after the
	// last drain.
	QueueDepth prometheus.Gauge

	// DeadLettered is the number of dead-lettered records after the last
	// drain.
	DeadLettered prometheus.Gauge

	// CallDurationSeconds measures remote call latency.
	CallDurationSeconds prometheus.Histogram
}

// NewMetrics creates the worker collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SubmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "submissions_total",
				Help:      "Remote submissions by outcome",
			},
			[]string{"outcome"},
		),
		BlockedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "blocked_total",
			Help:      "Records skipped because a referenced entity has no remote id",
		}),
		DeadLettersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dead_letters_total",
			Help:      "Records moved to the dead-letter state",
		}),
		DrainsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "drains_total",
			Help:      "Completed drains",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "queue_depth",
			Help:      "Pending and in-flight records after the last drain",
		}),
		DeadLettered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dead_lettered",
			Help:      "Dead-lettered records after the last drain",
		}),
		CallDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "call_duration_seconds",
			Help:      "Remote call latency",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry and namespace are grounded on the teacher's
// pkg/observability/prometheus/metrics.go promauto.With(registerer) pattern,
// scoped to this service's own metric names rather than the teacher's
// generic HTTP/EventBus/server metrics (which have no analogue in a
// producer with no inbound request surface).
var (
	Registry    = prometheus.NewRegistry()
	registerer  = prometheus.WrapRegistererWith(prometheus.Labels{"service": "car-seeder"}, Registry)

	RegistryFallbackTotal = promauto.With(registerer).NewCounter(prometheus.CounterOpts{
		Name: "car_seeder_fallback_total",
		Help: "Total number of car records written to the durable fallback store.",
	})

	RegistryBreakerState = promauto.With(registerer).NewGauge(prometheus.GaugeOpts{
		Name: "car_seeder_breaker_state",
		Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open).",
	})

	RegistryFailoverSessionsTotal = promauto.With(registerer).NewCounter(prometheus.CounterOpts{
		Name: "car_seeder_failover_sessions_total",
		Help: "Total number of failover sessions opened.",
	})

	RegistryRecoveryDuration = promauto.With(registerer).NewHistogram(prometheus.HistogramOpts{
		Name:    "car_seeder_recovery_duration_seconds",
		Help:    "Duration of each recovery drain pass, in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	RegistryDurablePending = promauto.With(registerer).NewGauge(prometheus.GaugeOpts{
		Name: "car_seeder_durable_pending",
		Help: "Current count of pending records in the durable store.",
	})

	RegistryCarsWrittenTotal = promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
		Name: "car_seeder_cars_written_total",
		Help: "Total number of car records written, labeled by destination.",
	}, []string{"destination"}) // "remote" or "durable"

	RegistryRecoveryEntriesTotal = promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
		Name: "car_seeder_recovery_entries_total",
		Help: "Total number of records processed during recovery drains, labeled by outcome.",
	}, []string{"outcome"}) // "recovered" or "failed"
)

// RecordDrainDuration observes a completed drain pass.
func RecordDrainDuration(d time.Duration) {
	RegistryRecoveryDuration.Observe(d.Seconds())
}

// Package metrics exposes Aethelgard's runtime counters and gauges on a
// dedicated Prometheus endpoint, separate from the operator-facing API
// port, mirroring the reference's ServerConfig.MetricsPort split.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric the orchestrator and its components
// report into. A single instance is created at the composition root and
// threaded through via narrow setter methods rather than global state.
type Registry struct {
	CyclesCompleted   prometheus.Counter
	SignalsProcessed  prometheus.Counter
	SignalsExecuted   prometheus.Counter
	SignalsRejected   *prometheus.CounterVec
	CoherenceEvents   *prometheus.CounterVec
	StorageErrors     prometheus.Counter
	StorageLatency    *prometheus.HistogramVec
	LockdownActive    prometheus.Gauge
	ConsecutiveLosses prometheus.Gauge
	ActivePositions   prometheus.Gauge
	CycleDuration     prometheus.Histogram
}

// New registers every metric against the given registerer (pass
// prometheus.DefaultRegisterer at the composition root, or a fresh
// prometheus.NewRegistry() in tests to avoid collisions across cases).
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		CyclesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aethelgard", Name: "cycles_completed_total",
			Help: "Total orchestrator cycles completed.",
		}),
		SignalsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aethelgard", Name: "signals_processed_total",
			Help: "Total signals generated by the Signal Factory.",
		}),
		SignalsExecuted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aethelgard", Name: "signals_executed_total",
			Help: "Total signals dispatched to a broker connector.",
		}),
		SignalsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aethelgard", Name: "signals_rejected_total",
			Help: "Total signals rejected, labeled by reason.",
		}, []string{"reason"}),
		CoherenceEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aethelgard", Name: "coherence_events_total",
			Help: "Total coherence events emitted, labeled by status.",
		}, []string{"status"}),
		StorageErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aethelgard", Name: "storage_errors_total",
			Help: "Total storage operation failures.",
		}),
		StorageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aethelgard", Name: "storage_operation_seconds",
			Help:    "Latency of storage operations, labeled by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		LockdownActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aethelgard", Name: "lockdown_active",
			Help: "1 when the Risk Governor is in LOCKED state, 0 otherwise.",
		}),
		ConsecutiveLosses: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aethelgard", Name: "consecutive_losses",
			Help: "Current consecutive-loss streak tracked by the Risk Governor.",
		}),
		ActivePositions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aethelgard", Name: "active_positions",
			Help: "Open positions currently monitored by the Position Manager.",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aethelgard", Name: "cycle_duration_seconds",
			Help:    "Wall-clock duration of a single orchestrator cycle.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// IncCyclesCompleted increments the completed-cycle counter.
func (r *Registry) IncCyclesCompleted() { r.CyclesCompleted.Inc() }

// AddSignalsProcessed adds n newly generated signals to the counter.
func (r *Registry) AddSignalsProcessed(n int) { r.SignalsProcessed.Add(float64(n)) }

// IncSignalsExecuted increments the executed-signal counter.
func (r *Registry) IncSignalsExecuted() { r.SignalsExecuted.Inc() }

// SetLockdownActive reflects the Risk Governor's current lockdown state.
func (r *Registry) SetLockdownActive(active bool) {
	if active {
		r.LockdownActive.Set(1)
		return
	}
	r.LockdownActive.Set(0)
}

// SetConsecutiveLosses reflects the Risk Governor's current loss streak.
func (r *Registry) SetConsecutiveLosses(n int) { r.ConsecutiveLosses.Set(float64(n)) }

// ObserveRejection increments the rejection counter for reason.
func (r *Registry) ObserveRejection(reason string) {
	r.SignalsRejected.WithLabelValues(reason).Inc()
}

// ObserveCoherenceEvent increments the coherence counter for status.
func (r *Registry) ObserveCoherenceEvent(status string) {
	r.CoherenceEvents.WithLabelValues(status).Inc()
}

// ObserveStorageLatency records seconds spent in a storage operation.
func (r *Registry) ObserveStorageLatency(operation string, seconds float64) {
	r.StorageLatency.WithLabelValues(operation).Observe(seconds)
}

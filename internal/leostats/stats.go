// Package leostats exposes Prometheus counters and histograms for the
// Secure Store and Index Listener, in the teacher's stats/target_stats.go
// style: one registry-backed struct, constructed once, passed by reference
// to whichever component needs to record against it.
package leostats

import "github.com/prometheus/client_golang/prometheus"

// Stats is Leo's metrics surface. The zero value is not usable; construct
// with New, which registers every metric against reg.
type Stats struct {
	WriteLatency  *prometheus.HistogramVec
	ReadLatency   *prometheus.HistogramVec
	LockWaitTotal *prometheus.CounterVec
	IndexQueueLag prometheus.Gauge
	IndexInFlight prometheus.Gauge
	DispatchFails *prometheus.CounterVec
}

// New registers Leo's metrics against reg and returns the handle used to
// record against them. Pass prometheus.NewRegistry() for isolated tests, or
// prometheus.DefaultRegisterer for production wiring (cmd/leo).
func New(reg prometheus.Registerer) *Stats {
	s := &Stats{
		WriteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "leo",
			Subsystem: "store",
			Name:      "write_latency_seconds",
			Help:      "Latency of SaveData/TryOptimisticWrite calls by backend provider.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "op"}),
		ReadLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "leo",
			Subsystem: "store",
			Name:      "read_latency_seconds",
			Help:      "Latency of GetMetadata/LoadData calls by backend provider.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "op"}),
		LockWaitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leo",
			Subsystem: "store",
			Name:      "lock_conflicts_total",
			Help:      "Count of Lock() calls that observed the lease already held.",
		}, []string{"provider"}),
		IndexQueueLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "leo",
			Subsystem: "index",
			Name:      "queue_lag",
			Help:      "Messages returned empty on the last Receive poll (0 means messages were available).",
		}),
		IndexInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "leo",
			Subsystem: "index",
			Name:      "keys_in_flight",
			Help:      "Number of logical keys with an in-flight indexer task.",
		}),
		DispatchFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leo",
			Subsystem: "index",
			Name:      "dispatch_failures_total",
			Help:      "Count of batches that failed to route to any indexer or whose indexer invocation errored.",
		}, []string{"reason"}),
	}
	reg.MustRegister(s.WriteLatency, s.ReadLatency, s.LockWaitTotal, s.IndexQueueLag, s.IndexInFlight, s.DispatchFails)
	return s
}

package metrics

import "github.com/prometheus/client_golang/prometheus"

// QueueMetrics holds Prometheus metrics for the reliable delivery queue.
type QueueMetrics struct {
	Depth              *prometheus.GaugeVec
	Processed          *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
	StoreErrors        prometheus.Counter
	Requeued           prometheus.Counter
}

// NewQueueMetrics creates and registers queue metrics on the given registry.
func NewQueueMetrics(reg prometheus.Registerer) *QueueMetrics {
	m := &QueueMetrics{
		Depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of queued messages, by state.",
		}, []string{"state"}),
		Processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Total messages processed, by outcome.",
		}, []string{"outcome"}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processing_duration_seconds",
			Help:      "Time spent in the message handler.",
			Buckets:   prometheus.DefBuckets,
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "store_errors_total",
			Help:      "Total processing cycles aborted by a store error.",
		}),
		Requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "stale_requeued_total",
			Help:      "Total messages returned to ready after a stale claim.",
		}),
	}

	reg.MustRegister(m.Depth, m.Processed, m.ProcessingDuration, m.StoreErrors, m.Requeued)
	return m
}

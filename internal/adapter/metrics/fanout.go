package metrics

import "github.com/prometheus/client_golang/prometheus"

// FanoutMetrics holds Prometheus metrics for topic updates and room delivery.
type FanoutMetrics struct {
	UpdatesPublished    *prometheus.CounterVec
	FlatTicksSuppressed prometheus.Counter
	RoomDeliveries      prometheus.Counter
	RoomMembers         prometheus.Gauge
	BusMessages         *prometheus.CounterVec
}

// NewFanoutMetrics creates and registers fan-out metrics on the given registry.
func NewFanoutMetrics(reg prometheus.Registerer) *FanoutMetrics {
	m := &FanoutMetrics{
		UpdatesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "updates_published_total",
			Help:      "Total topic updates published on the bus, by symbol.",
		}, []string{"symbol"}),
		FlatTicksSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "flat_ticks_suppressed_total",
			Help:      "Total unchanged-price updates stored but not broadcast.",
		}),
		RoomDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "room_deliveries_total",
			Help:      "Total events handed to local room members.",
		}),
		RoomMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "room_members",
			Help:      "Number of members tracked by the local room registry.",
		}),
		BusMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "bus_messages_total",
			Help:      "Total cross-instance bus messages, by direction and status.",
		}, []string{"direction", "status"}),
	}

	reg.MustRegister(m.UpdatesPublished, m.FlatTicksSuppressed, m.RoomDeliveries, m.RoomMembers, m.BusMessages)
	return m
}

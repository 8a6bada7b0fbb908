package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebSocketMetrics holds Prometheus metrics for WebSocket connections.
type WebSocketMetrics struct {
	ActiveConnections   prometheus.Gauge
	Connections         *prometheus.CounterVec
	Messages            *prometheus.CounterVec
	Errors              *prometheus.CounterVec
	AckTimeouts         prometheus.Counter
	SlowClientEvictions prometheus.Counter
	PingFailures        prometheus.Counter
}

// NewWebSocketMetrics creates and registers WebSocket metrics on the given registry.
func NewWebSocketMetrics(reg prometheus.Registerer) *WebSocketMetrics {
	m := &WebSocketMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of active WebSocket connections.",
		}),
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "Total WebSocket connection attempts, by result.",
		}, []string{"result"}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_total",
			Help:      "Total WebSocket events, by direction, event and status.",
		}, []string{"direction", "event", "status"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "Total errors sent to WebSocket clients, by code.",
		}, []string{"code"}),
		AckTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "ack_timeouts_total",
			Help:      "Total acknowledged sends that timed out.",
		}),
		SlowClientEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "slow_client_evictions_total",
			Help:      "Total connections evicted because their send buffer was full.",
		}),
		PingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "heartbeat_failures_total",
			Help:      "Total connections dropped for missing a pong.",
		}),
	}

	reg.MustRegister(m.ActiveConnections, m.Connections, m.Messages, m.Errors, m.AckTimeouts, m.SlowClientEvictions, m.PingFailures)
	return m
}

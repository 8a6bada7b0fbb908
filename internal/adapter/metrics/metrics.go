package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tickerpulse"

// Set is every metric family the server exports.
type Set struct {
	WebSocket *WebSocketMetrics
	Fanout    *FanoutMetrics
	Queue     *QueueMetrics
	System    *SystemMetrics
	Redis     *RedisMetrics
	HTTP      *HTTPMetrics
}

func NewSet(reg prometheus.Registerer) *Set {
	return &Set{
		WebSocket: NewWebSocketMetrics(reg),
		Fanout:    NewFanoutMetrics(reg),
		Queue:     NewQueueMetrics(reg),
		System:    NewSystemMetrics(reg),
		Redis:     NewRedisMetrics(reg),
		HTTP:      NewHTTPMetrics(reg),
	}
}

// NewRegistry creates a private registry with Go runtime, process and build
// info collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewBuildInfoCollector(),
	)
	return reg
}

// Handler serves reg and counts its own scrapes. A failing collector does not
// fail the whole scrape.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.InstrumentMetricHandler(reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry:          reg,
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	}))
}

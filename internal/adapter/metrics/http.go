package metrics

import (
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// untrackedRoutes are excluded from request metrics.
var untrackedRoutes = map[string]struct{}{
	"/metrics":      {},
	"/ws":           {},
	"/health/live":  {},
	"/health/ready": {},
}

// HTTPMetrics covers the plain HTTP surface next to the WebSocket endpoint.
type HTTPMetrics struct {
	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	InFlight        prometheus.Gauge
	ErrorsTotal     *prometheus.CounterVec
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests by route.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "status_code"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "HTTP requests currently being served.",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "Structured HTTP errors by error code.",
		}, []string{"code"}),
	}

	reg.MustRegister(m.RequestDuration, m.RequestsTotal, m.InFlight, m.ErrorsTotal)
	return m
}

// Middleware records request metrics. Requests that match no route share the
// "unmatched" label so scanners cannot inflate cardinality.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if _, skip := untrackedRoutes[route]; skip {
				return next(c)
			}
			if route == "" {
				route = "unmatched"
			}

			m.InFlight.Inc()
			defer m.InFlight.Dec()

			method := c.Request().Method
			timer := prometheus.NewTimer(m.RequestDuration.WithLabelValues(method, route))
			err := next(c)
			timer.ObserveDuration()

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			return err
		}
	}
}

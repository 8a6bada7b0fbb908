package metrics

import "github.com/prometheus/client_golang/prometheus"

// SystemMetrics holds sampled process and host health gauges.
type SystemMetrics struct {
	ProcessCPUPercent prometheus.Gauge
	ProcessRSSBytes   prometheus.Gauge
	HostCPUPercent    prometheus.Gauge
	Goroutines        prometheus.Gauge
	StoreUp           prometheus.Gauge
}

// NewSystemMetrics creates and registers system metrics on the given registry.
func NewSystemMetrics(reg prometheus.Registerer) *SystemMetrics {
	m := &SystemMetrics{
		ProcessCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "process_cpu_percent",
			Help:      "CPU usage of this process in percent.",
		}),
		ProcessRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "process_rss_bytes",
			Help:      "Resident set size of this process.",
		}),
		HostCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "host_cpu_percent",
			Help:      "Host-wide CPU usage in percent.",
		}),
		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Number of goroutines.",
		}),
		StoreUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "store_up",
			Help:      "1 if the coordination store answered the last health probe.",
		}),
	}

	reg.MustRegister(m.ProcessCPUPercent, m.ProcessRSSBytes, m.HostCPUPercent, m.Goroutines, m.StoreUp)
	return m
}

package metrics

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/domain"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

const probeTimeout = 2 * time.Second

type QueueStatser interface {
	Stats(ctx context.Context) (domain.QueueStats, error)
}

// Sources are the live values the collector samples. Nil sources are skipped.
type Sources struct {
	Connections func() int
	Queue       QueueStatser
	StorePing   func(ctx context.Context) error
}

// Collector periodically samples gauges that are not updated inline.
type Collector struct {
	clock    clockwork.Clock
	interval time.Duration
	system   *SystemMetrics
	ws       *WebSocketMetrics
	queue    *QueueMetrics
	sources  Sources
	proc     *process.Process
}

func NewCollector(clock clockwork.Clock, interval time.Duration, system *SystemMetrics, ws *WebSocketMetrics, queue *QueueMetrics, sources Sources) *Collector {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		slog.Warn("Process metrics unavailable", "error", err)
		proc = nil
	}
	return &Collector{
		clock:    clock,
		interval: interval,
		system:   system,
		ws:       ws,
		queue:    queue,
		sources:  sources,
		proc:     proc,
	}
}

// Run samples once immediately and then every interval until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	c.Sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.Sample(ctx)
		}
	}
}

func (c *Collector) Sample(ctx context.Context) {
	c.system.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.sources.Connections != nil {
		c.ws.ActiveConnections.Set(float64(c.sources.Connections()))
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if c.sources.Queue != nil {
		if stats, err := c.sources.Queue.Stats(probeCtx); err != nil {
			slog.DebugContext(ctx, "Queue stats unavailable", "error", err)
		} else {
			c.queue.Depth.WithLabelValues("pending").Set(float64(stats.Pending))
			c.queue.Depth.WithLabelValues("processing").Set(float64(stats.Processing))
			c.queue.Depth.WithLabelValues("dead").Set(float64(stats.Dead))
		}
	}

	if c.sources.StorePing != nil {
		if err := c.sources.StorePing(probeCtx); err != nil {
			c.system.StoreUp.Set(0)
		} else {
			c.system.StoreUp.Set(1)
		}
	}

	if percents, err := cpu.PercentWithContext(probeCtx, 0, false); err == nil && len(percents) > 0 {
		c.system.HostCPUPercent.Set(percents[0])
	}
	if c.proc != nil {
		if pct, err := c.proc.CPUPercentWithContext(probeCtx); err == nil {
			c.system.ProcessCPUPercent.Set(pct)
		}
		if mem, err := c.proc.MemoryInfoWithContext(probeCtx); err == nil {
			c.system.ProcessRSSBytes.Set(float64(mem.RSS))
		}
	}
}

package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/tickerpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	stats domain.QueueStats
	err   error
}

func (f fakeQueue) Stats(context.Context) (domain.QueueStats, error) { return f.stats, f.err }

func TestRegistry_AllMetricsRegister(t *testing.T) {
	reg := NewRegistry()

	var set *Set
	assert.NotPanics(t, func() { set = NewSet(reg) })
	assert.NotNil(t, set.HTTP)
	assert.NotNil(t, set.Redis)
}

func TestHandler_ServesNamespace(t *testing.T) {
	reg := NewRegistry()
	ws := NewWebSocketMetrics(reg)
	ws.ActiveConnections.Set(3)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tickerpulse_websocket_active_connections 3")

	rec = httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `promhttp_metric_handler_requests_total{code="200"} 1`)
}

func TestHTTPMetrics_SkipsWebSocketRoute(t *testing.T) {
	reg := NewRegistry()
	m := NewHTTPMetrics(reg)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/ws", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/version", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	for _, path := range []string{"/ws", "/version"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, "/version", "200")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RequestsTotal))
}

func TestCollector_Sample(t *testing.T) {
	reg := NewRegistry()
	sys := NewSystemMetrics(reg)
	ws := NewWebSocketMetrics(reg)
	queue := NewQueueMetrics(reg)

	c := NewCollector(clockwork.NewFakeClock(), time.Second, sys, ws, queue, Sources{
		Connections: func() int { return 7 },
		Queue:       fakeQueue{stats: domain.QueueStats{Pending: 4, Processing: 2, Dead: 1}},
		StorePing:   func(context.Context) error { return nil },
	})
	c.Sample(context.Background())

	assert.Equal(t, 7.0, testutil.ToFloat64(ws.ActiveConnections))
	assert.Equal(t, 4.0, testutil.ToFloat64(queue.Depth.WithLabelValues("pending")))
	assert.Equal(t, 2.0, testutil.ToFloat64(queue.Depth.WithLabelValues("processing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(queue.Depth.WithLabelValues("dead")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sys.StoreUp))
	assert.Positive(t, testutil.ToFloat64(sys.Goroutines))
}

func TestCollector_StoreDown(t *testing.T) {
	reg := NewRegistry()
	sys := NewSystemMetrics(reg)

	c := NewCollector(clockwork.NewFakeClock(), time.Second, sys, NewWebSocketMetrics(reg), NewQueueMetrics(reg), Sources{
		Queue:     fakeQueue{err: errors.New("down")},
		StorePing: func(context.Context) error { return domain.ErrStoreUnavailable },
	})
	c.Sample(context.Background())

	assert.Equal(t, 0.0, testutil.ToFloat64(sys.StoreUp))
}

func TestCollector_RunSamplesOnTick(t *testing.T) {
	reg := NewRegistry()
	clock := clockwork.NewFakeClock()
	ws := NewWebSocketMetrics(reg)

	conns := make(chan int, 1)
	conns <- 1
	current := 1
	c := NewCollector(clock, time.Second, NewSystemMetrics(reg), ws, NewQueueMetrics(reg), Sources{
		Connections: func() int {
			select {
			case current = <-conns:
			default:
			}
			return current
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Eventually(t, func() bool { return testutil.ToFloat64(ws.ActiveConnections) == 1 }, time.Second, 5*time.Millisecond)

	conns <- 5
	clock.Advance(time.Second)
	assert.Eventually(t, func() bool { return testutil.ToFloat64(ws.ActiveConnections) == 5 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

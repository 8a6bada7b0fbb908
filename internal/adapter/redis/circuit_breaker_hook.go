package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/tickerpulse/internal/adapter/metrics"
	"github.com/pscheid92/tickerpulse/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultBreakerDelay is how long the breaker stays open before probing.
const DefaultBreakerDelay = 30 * time.Second

// CircuitBreakerHook implements goredis.Hook and fails commands fast while
// Redis is unreachable. Rejected commands return domain.ErrStoreUnavailable.
//
// Only connectivity failures count against the breaker; a script error or a
// WRONGTYPE reply means Redis is up.
type CircuitBreakerHook struct {
	cb circuitbreaker.CircuitBreaker[any]
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

// NewCircuitBreakerHook opens at a 60% failure rate over at least 5 commands
// in a 10s window, and closes again after one successful probe.
func NewCircuitBreakerHook(m *metrics.RedisMetrics, delay time.Duration) *CircuitBreakerHook {
	if delay <= 0 {
		delay = DefaultBreakerDelay
	}
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(delay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "redis",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			if m != nil {
				m.CircuitBreakerState.Set(stateToFloat(e.NewState))
			}
		}).
		Build()

	return &CircuitBreakerHook{cb: cb}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

func errOpen() error {
	return fmt.Errorf("redis circuit breaker open: %w: %w", domain.ErrStoreUnavailable, circuitbreaker.ErrOpen)
}

func (h *CircuitBreakerHook) record(err error) {
	if isConnectivity(err) {
		h.cb.RecordError(err)
		return
	}
	h.cb.RecordSuccess()
}

// DialHook passes through; dial failures surface in the command that
// triggered the dial and are counted there.
func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			err := errOpen()
			cmd.SetErr(err)
			return err
		}

		err := next(ctx, cmd)
		if errors.Is(err, goredis.Nil) {
			h.cb.RecordSuccess()
			return err
		}
		h.record(err)
		return storeErr(err)
	}
}

func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			err := errOpen()
			for _, cmd := range cmds {
				cmd.SetErr(err)
			}
			return err
		}

		err := next(ctx, cmds)
		if errors.Is(err, goredis.Nil) {
			h.cb.RecordSuccess()
			return err
		}
		h.record(err)
		return storeErr(err)
	}
}

// State returns the current breaker state.
func (h *CircuitBreakerHook) State() circuitbreaker.State {
	return h.cb.State()
}

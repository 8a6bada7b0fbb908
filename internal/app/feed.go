package app

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/domain"
	"github.com/pscheid92/tickerpulse/internal/platform/correlation"
	"github.com/shopspring/decimal"
)

const defaultFeedInterval = 2 * time.Second

// TickPublisher accepts upstream price ticks.
type TickPublisher interface {
	PublishUpdate(ctx context.Context, tick domain.Tick) (*domain.Snapshot, error)
	Snapshot(ctx context.Context, symbol string) (*domain.Snapshot, error)
}

type FeedConfig struct {
	Symbols  []string
	Interval time.Duration
	// MaxMove bounds the relative price change per tick, e.g. 0.01 for 1%.
	MaxMove float64
	Seed    uint64
}

// Feed simulates an upstream market data source with a bounded random walk
// per symbol. Prices are rounded to cents.
type Feed struct {
	publisher TickPublisher
	clock     clockwork.Clock
	cfg       FeedConfig

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]decimal.Decimal
}

var startPrices = map[string]float64{
	"AAPL":  150.00,
	"GOOGL": 140.00,
	"MSFT":  410.00,
	"AMZN":  175.00,
	"TSLA":  240.00,
	"META":  480.00,
	"NVDA":  880.00,
	"NFLX":  610.00,
}

func NewFeed(publisher TickPublisher, clock clockwork.Clock, cfg FeedConfig) *Feed {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultFeedInterval
	}
	if cfg.MaxMove <= 0 {
		cfg.MaxMove = 0.01
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(clock.Now().UnixNano())
	}
	return &Feed{
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		rng:       rand.New(rand.NewPCG(seed, seed>>1|1)),
		prices:    make(map[string]decimal.Decimal),
	}
}

// Run publishes one tick per symbol every interval until ctx is cancelled.
// Prices resume from the stored snapshot so a new leader continues the walk.
func (f *Feed) Run(ctx context.Context) {
	f.seed(ctx)

	ticker := f.clock.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "Price feed started", "symbols", len(f.cfg.Symbols), "interval", f.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Price feed stopped")
			return
		case <-ticker.Chan():
			f.tick(ctx)
		}
	}
}

func (f *Feed) seed(ctx context.Context) {
	for _, sym := range f.cfg.Symbols {
		price := decimal.NewFromFloat(100)
		if p, ok := startPrices[sym]; ok {
			price = decimal.NewFromFloat(p)
		}
		snap, err := f.publisher.Snapshot(ctx, sym)
		if err != nil {
			slog.WarnContext(ctx, "Feed: could not load last price, using default", "symbol", sym, "error", err)
		} else if snap != nil && snap.Price > 0 {
			price = decimal.NewFromFloat(snap.Price)
		}

		f.mu.Lock()
		f.prices[sym] = price
		f.mu.Unlock()
	}
}

func (f *Feed) tick(ctx context.Context) {
	now := f.clock.Now()
	for _, sym := range f.cfg.Symbols {
		tickCtx := correlation.WithID(ctx, correlation.NewID())
		tick := f.next(sym, now)

		if _, err := f.publisher.PublishUpdate(tickCtx, tick); err != nil {
			slog.WarnContext(tickCtx, "Feed: publish failed", "symbol", sym, "error", err)
			continue
		}
		slog.DebugContext(tickCtx, "Feed: published tick", "symbol", sym, "price", tick.Price)
	}
}

func (f *Feed) next(symbol string, now time.Time) domain.Tick {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, ok := f.prices[symbol]
	if !ok {
		prev = decimal.NewFromFloat(100)
	}
	move := (f.rng.Float64()*2 - 1) * f.cfg.MaxMove
	price := prev.Mul(decimal.NewFromFloat(1 + move)).Round(2)
	if !price.IsPositive() {
		price = decimal.New(1, -2)
	}
	f.prices[symbol] = price

	return domain.Tick{
		Symbol:    symbol,
		Price:     price.InexactFloat64(),
		Volume:    1000 + f.rng.Int64N(99000),
		Timestamp: now,
	}
}

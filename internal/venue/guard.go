package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vigil/internal/logger"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "CLOSED"
	case breakerOpen:
		return "OPEN"
	case breakerHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Guard wraps a Gateway with a circuit breaker over transport failures.
// Consecutive transport errors beyond the threshold open the circuit; while
// open, calls fail fast with ErrUnavail instead of hammering a dead venue.
// Venue rejections never trip the breaker: the venue answered, the transport
// is fine.
type Guard struct {
	inner Gateway

	mu          sync.Mutex
	state       breakerState
	failures    int
	threshold   int
	cooldown    time.Duration
	lastFailure time.Time
}

// NewGuard wraps gw. threshold <= 0 defaults to 5 consecutive failures;
// cooldown <= 0 defaults to 30 seconds.
func NewGuard(gw Gateway, threshold int, cooldown time.Duration) *Guard {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Guard{inner: gw, threshold: threshold, cooldown: cooldown}
}

func (g *Guard) Name() string { return g.inner.Name() }

func (g *Guard) allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case breakerOpen:
		if time.Since(g.lastFailure) > g.cooldown {
			g.transition(breakerHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (g *Guard) record(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil || !IsTransport(err) {
		if g.state == breakerHalfOpen {
			g.transition(breakerClosed)
		}
		g.failures = 0
		return
	}
	g.failures++
	g.lastFailure = time.Now()
	switch g.state {
	case breakerClosed:
		if g.failures >= g.threshold {
			g.transition(breakerOpen)
		}
	case breakerHalfOpen:
		g.transition(breakerOpen)
	}
}

func (g *Guard) transition(to breakerState) {
	from := g.state
	g.state = to
	logger.Warnf("venue guard %s: circuit %s -> %s (failures=%d/%d)",
		g.inner.Name(), from, to, g.failures, g.threshold)
}

func (g *Guard) blocked(op string) error {
	return fmt.Errorf("%s: %w: circuit open", op, ErrUnavail)
}

func (g *Guard) FetchOpenPositions(ctx context.Context) ([]Position, error) {
	if !g.allow() {
		return nil, g.blocked("fetch positions")
	}
	out, err := g.inner.FetchOpenPositions(ctx)
	g.record(err)
	return out, err
}

func (g *Guard) FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	if !g.allow() {
		return nil, g.blocked("fetch orders")
	}
	out, err := g.inner.FetchOpenOrders(ctx, symbol)
	g.record(err)
	return out, err
}

func (g *Guard) FetchTradeHistory(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	if !g.allow() {
		return nil, g.blocked("fetch trade history")
	}
	out, err := g.inner.FetchTradeHistory(ctx, symbol, limit)
	g.record(err)
	return out, err
}

func (g *Guard) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	if !g.allow() {
		return Ticker{}, g.blocked("fetch ticker")
	}
	out, err := g.inner.FetchTicker(ctx, symbol)
	g.record(err)
	return out, err
}

func (g *Guard) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	if !g.allow() {
		return nil, g.blocked("fetch candles")
	}
	out, err := g.inner.FetchCandles(ctx, symbol, interval, limit)
	g.record(err)
	return out, err
}

func (g *Guard) PlaceStopOrder(ctx context.Context, symbol string, dir Direction, stopPrice, quantity float64) (string, error) {
	if !g.allow() {
		return "", g.blocked("place stop")
	}
	id, err := g.inner.PlaceStopOrder(ctx, symbol, dir, stopPrice, quantity)
	g.record(err)
	return id, err
}

func (g *Guard) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if !g.allow() {
		return g.blocked("cancel order")
	}
	err := g.inner.CancelOrder(ctx, orderID, symbol)
	g.record(err)
	return err
}

var _ Gateway = (*Guard)(nil)

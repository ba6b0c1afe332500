// Package stops keeps venue-side stop-loss orders aligned with the position
// the engine believes it holds. It tracks the stop orders it has placed and
// can rebuild that tracking from the venue after a restart.
package stops

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vigil/internal/logger"
	"vigil/internal/venue"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// stopPricePrecision is the number of decimals stop prices are rounded to
// before they are sent to the venue.
const stopPricePrecision = 6

// TrackedStop is one stop order the engine placed (or adopted) on the venue.
type TrackedStop struct {
	OrderID   string  `json:"order_id"`
	Symbol    string  `json:"symbol"`
	StopPrice float64 `json:"stop_price"`
	Quantity  float64 `json:"quantity"`
	PlacedAt  int64   `json:"placed_at"`
}

// Sync owns the in-memory view of active stop orders and the venue calls that
// keep it true.
type Sync struct {
	gw venue.Gateway

	mu     sync.Mutex
	active map[string][]TrackedStop
}

func NewSync(gw venue.Gateway) *Sync {
	return &Sync{
		gw:     gw,
		active: make(map[string][]TrackedStop),
	}
}

// SyncWithVenue rebuilds the tracked-stop map from the venue's open orders.
// Previously tracked entries for the given symbols are discarded; whatever
// the venue reports is adopted. Returns the number of stops adopted.
func (s *Sync) SyncWithVenue(ctx context.Context, symbols []string) int {
	if s == nil {
		return 0
	}
	adopted := 0
	for _, symbol := range symbols {
		orders, err := s.gw.FetchOpenOrders(ctx, symbol)
		if err != nil {
			logger.Warnf("stops: sync %s: %v", symbol, err)
			continue
		}
		var found []TrackedStop
		for _, o := range orders {
			if !o.IsStop() {
				continue
			}
			found = append(found, TrackedStop{
				OrderID:   o.ID,
				Symbol:    symbol,
				StopPrice: stopPrice(o),
				Quantity:  o.Quantity,
				PlacedAt:  time.Now().Unix(),
			})
		}
		s.mu.Lock()
		if len(found) == 0 {
			delete(s.active, symbol)
		} else {
			s.active[symbol] = found
		}
		s.mu.Unlock()
		adopted += len(found)
		if len(found) > 0 {
			logger.Infof("stops: adopted %d venue stop order(s) for %s", len(found), symbol)
		}
	}
	return adopted
}

// Place cancels any existing stop orders for the symbol and places a fresh
// stop-market order at stopPrice for quantity contracts. dir is the direction
// of the position being protected, so the stop is placed on the closing side.
func (s *Sync) Place(ctx context.Context, symbol string, dir venue.Direction, stopPrice, quantity float64) (string, error) {
	if s == nil {
		return "", fmt.Errorf("stops: not initialised")
	}
	if stopPrice <= 0 || quantity <= 0 {
		return "", fmt.Errorf("stops: invalid stop %.8f qty %.8f for %s", stopPrice, quantity, symbol)
	}
	if n := s.CancelAll(ctx, symbol); n > 0 {
		logger.Infof("stops: cancelled %d stale stop(s) for %s before replacing", n, symbol)
	}

	rounded, _ := decimal.NewFromFloat(stopPrice).Round(stopPricePrecision).Float64()
	orderID, err := s.gw.PlaceStopOrder(ctx, symbol, dir, rounded, quantity)
	if err != nil {
		return "", fmt.Errorf("stops: place %s: %w", symbol, err)
	}

	s.mu.Lock()
	s.active[symbol] = []TrackedStop{{
		OrderID:   orderID,
		Symbol:    symbol,
		StopPrice: rounded,
		Quantity:  quantity,
		PlacedAt:  time.Now().Unix(),
	}}
	s.mu.Unlock()

	logger.Infof("stops: placed stop for %s %s @ %.6f qty %.6f (order %s)",
		symbol, dir, rounded, quantity, orderID)
	return orderID, nil
}

// CancelAll cancels every stop-typed open order for the symbol on the venue
// and clears local tracking. Returns the number of orders cancelled;
// per-order cancel failures are logged and skipped.
func (s *Sync) CancelAll(ctx context.Context, symbol string) int {
	if s == nil {
		return 0
	}
	orders, err := s.gw.FetchOpenOrders(ctx, symbol)
	if err != nil {
		logger.Warnf("stops: cancel-all %s: fetch open orders: %v", symbol, err)
		// The venue state is unknown; keep local tracking untouched.
		return 0
	}
	cancelled := 0
	for _, o := range orders {
		if !o.IsStop() {
			continue
		}
		if err := s.gw.CancelOrder(ctx, o.ID, symbol); err != nil {
			logger.Warnf("stops: cancel order %s (%s @ %.6f): %v", o.ID, symbol, stopPrice(o), err)
			continue
		}
		cancelled++
	}
	s.mu.Lock()
	delete(s.active, symbol)
	s.mu.Unlock()
	return cancelled
}

// Update refreshes the tracked quantity of the symbol's stop from the live
// venue position, re-placing the stop when the sizes have drifted apart.
func (s *Sync) Update(ctx context.Context, symbol string, dir venue.Direction) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	tracked := append([]TrackedStop(nil), s.active[symbol]...)
	s.mu.Unlock()
	if len(tracked) == 0 {
		return nil
	}

	positions, err := s.gw.FetchOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("stops: update %s: %w", symbol, err)
	}
	pos, ok := venue.FindPosition(positions, symbol)
	if !ok || pos.Size() == 0 {
		// Position is gone; the stop either filled or is orphaned.
		n := s.CancelAll(ctx, symbol)
		logger.Infof("stops: %s position closed, cancelled %d stop(s)", symbol, n)
		return nil
	}

	cur := tracked[0]
	if cur.Quantity == pos.Size() {
		return nil
	}
	logger.Infof("stops: %s stop qty %.6f != position %.6f, re-placing", symbol, cur.Quantity, pos.Size())
	_, err = s.Place(ctx, symbol, dir, cur.StopPrice, pos.Size())
	return err
}

// ActiveStops returns the tracked stops for symbol.
func (s *Sync) ActiveStops(symbol string) []TrackedStop {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TrackedStop(nil), s.active[symbol]...)
}

// ActiveCount returns the number of tracked stop orders across all symbols.
func (s *Sync) ActiveCount() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, stops := range s.active {
		n += len(stops)
	}
	return n
}

// stopPrice digs the trigger price out of an order, falling back to the raw
// venue payload when the typed field is unset.
func stopPrice(o venue.Order) float64 {
	if o.StopPrice > 0 {
		return o.StopPrice
	}
	if len(o.Raw) == 0 {
		return 0
	}
	if v := gjson.GetBytes(o.Raw, "stopPrice"); v.Exists() {
		return v.Float()
	}
	return gjson.GetBytes(o.Raw, "info.stopPrice").Float()
}

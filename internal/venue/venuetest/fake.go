// Package venuetest provides an in-memory Gateway fake for package tests.
package venuetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vigil/internal/venue"
)

// PlacedStop records one PlaceStopOrder call.
type PlacedStop struct {
	Symbol    string
	Dir       venue.Direction
	StopPrice float64
	Quantity  float64
}

// Fake is a configurable in-memory Gateway. Zero value is usable; set the
// fixture fields and error knobs as needed. Placed stop orders show up in
// subsequent FetchOpenOrders calls until cancelled.
type Fake struct {
	mu sync.Mutex

	Positions []venue.Position
	Orders    map[string][]venue.Order
	Trades    map[string][]venue.Trade
	Tickers   map[string]float64
	Candles   map[string][]venue.Candle

	PositionsErr error
	OrdersErr    error
	TradesErr    error
	TickerErr    error
	CandlesErr   error
	PlaceErr     error
	CancelErr    error

	Placed    []PlacedStop
	Cancelled []string

	nextID int
}

var _ venue.Gateway = (*Fake)(nil)

func (f *Fake) Name() string { return "fake" }

func (f *Fake) FetchOpenPositions(ctx context.Context) ([]venue.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PositionsErr != nil {
		return nil, f.PositionsErr
	}
	return append([]venue.Position(nil), f.Positions...), nil
}

func (f *Fake) FetchOpenOrders(ctx context.Context, symbol string) ([]venue.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OrdersErr != nil {
		return nil, f.OrdersErr
	}
	return append([]venue.Order(nil), f.Orders[symbol]...), nil
}

func (f *Fake) FetchTradeHistory(ctx context.Context, symbol string, limit int) ([]venue.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TradesErr != nil {
		return nil, f.TradesErr
	}
	trades := f.Trades[symbol]
	if limit > 0 && len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}
	return append([]venue.Trade(nil), trades...), nil
}

func (f *Fake) FetchTicker(ctx context.Context, symbol string) (venue.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TickerErr != nil {
		return venue.Ticker{}, f.TickerErr
	}
	return venue.Ticker{Symbol: symbol, Last: f.Tickers[symbol]}, nil
}

func (f *Fake) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]venue.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CandlesErr != nil {
		return nil, f.CandlesErr
	}
	return append([]venue.Candle(nil), f.Candles[symbol]...), nil
}

func (f *Fake) PlaceStopOrder(ctx context.Context, symbol string, dir venue.Direction, stopPrice, quantity float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PlaceErr != nil {
		return "", f.PlaceErr
	}
	f.nextID++
	id := fmt.Sprintf("stop-%d", f.nextID)
	f.Placed = append(f.Placed, PlacedStop{Symbol: symbol, Dir: dir, StopPrice: stopPrice, Quantity: quantity})
	if f.Orders == nil {
		f.Orders = make(map[string][]venue.Order)
	}
	side := "sell"
	if dir == venue.Short {
		side = "buy"
	}
	f.Orders[symbol] = append(f.Orders[symbol], venue.Order{
		ID:        id,
		Symbol:    symbol,
		Type:      "STOP_MARKET",
		Side:      side,
		StopPrice: stopPrice,
		Quantity:  quantity,
	})
	return id, nil
}

func (f *Fake) CancelOrder(ctx context.Context, orderID, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CancelErr != nil {
		return f.CancelErr
	}
	f.Cancelled = append(f.Cancelled, orderID)
	kept := f.Orders[symbol][:0]
	for _, o := range f.Orders[symbol] {
		if o.ID != orderID {
			kept = append(kept, o)
		}
	}
	f.Orders[symbol] = kept
	return nil
}

// SetPosition is a fixture helper installing one open position.
func (f *Fake) SetPosition(symbol string, contracts, entry, unrealized float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.Positions {
		if f.Positions[i].Symbol == symbol {
			f.Positions[i].Contracts = contracts
			f.Positions[i].EntryPrice = entry
			f.Positions[i].UnrealizedPnl = unrealized
			return
		}
	}
	f.Positions = append(f.Positions, venue.Position{
		Symbol:        symbol,
		Contracts:     contracts,
		EntryPrice:    entry,
		UnrealizedPnl: unrealized,
	})
}

// SetMark sets the mark price on an existing position fixture.
func (f *Fake) SetMark(symbol string, mark float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.Positions {
		if f.Positions[i].Symbol == symbol {
			f.Positions[i].MarkPrice = mark
		}
	}
}

// AddStopOrder installs a venue-side stop order without going through
// PlaceStopOrder, for adoption-path tests.
func (f *Fake) AddStopOrder(symbol, id string, stopPrice, quantity float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Orders == nil {
		f.Orders = make(map[string][]venue.Order)
	}
	f.Orders[symbol] = append(f.Orders[symbol], venue.Order{
		ID:        id,
		Symbol:    symbol,
		Type:      "STOP_MARKET",
		StopPrice: stopPrice,
		Quantity:  quantity,
	})
}

// AddTrade appends a fill to the symbol's trade history.
func (f *Fake) AddTrade(symbol, side string, price, qty float64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Trades == nil {
		f.Trades = make(map[string][]venue.Trade)
	}
	f.nextID++
	f.Trades[symbol] = append(f.Trades[symbol], venue.Trade{
		ID:       fmt.Sprintf("trade-%d", f.nextID),
		Symbol:   symbol,
		Side:     side,
		Price:    price,
		Quantity: qty,
		Time:     at,
	})
}

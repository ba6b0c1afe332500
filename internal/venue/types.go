// Package venue defines the interface to the trading venue: the external
// exchange that is the sole authority on real positions and orders. The core
// never trusts local state over what the venue reports.
package venue

import (
	"math"
	"strings"
	"time"
)

// Direction of a position or intended trade.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// EntrySide is the order side that opens a position in this direction.
func (d Direction) EntrySide() string {
	if d == Short {
		return "sell"
	}
	return "buy"
}

// Position is the venue's view of an open position. Contracts is signed:
// positive for long, negative for short.
type Position struct {
	Symbol        string
	Contracts     float64
	EntryPrice    float64
	UnrealizedPnl float64
	MarginUsed    float64
	MarkPrice     float64
}

// Direction infers the position direction from the sign of Contracts.
func (p Position) Direction() Direction {
	if p.Contracts < 0 {
		return Short
	}
	return Long
}

// Size is the absolute position size in contracts.
func (p Position) Size() float64 {
	return math.Abs(p.Contracts)
}

// Order is an open order at the venue. Raw carries the venue's original
// JSON payload for fields the typed view does not cover.
type Order struct {
	ID        string
	Symbol    string
	Type      string
	Side      string
	StopPrice float64
	Quantity  float64
	Raw       []byte
}

// IsStop reports whether the order is any flavor of protective stop.
func (o Order) IsStop() bool {
	return strings.Contains(strings.ToLower(o.Type), "stop")
}

// Trade is a historical fill from the venue's trade history.
type Trade struct {
	ID       string
	Symbol   string
	Side     string
	Price    float64
	Quantity float64
	Fee      float64
	Time     time.Time
}

// Ticker is a minimal last-price quote.
type Ticker struct {
	Symbol string
	Last   float64
}

// Candle is a single OHLCV bar, used only for the volatility proxy during
// position rebuilds.
type Candle struct {
	OpenTime  int64
	CloseTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// FindPosition returns the open position for symbol, or false.
func FindPosition(positions []Position, symbol string) (Position, bool) {
	for _, p := range positions {
		if p.Symbol == symbol && p.Contracts != 0 {
			return p, true
		}
	}
	return Position{}, false
}

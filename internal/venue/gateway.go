package venue

import "context"

// Gateway is the venue interface consumed by the resilience core. All calls
// are fallible; implementations must classify failures so callers can tell a
// transport problem from a venue rejection (see errors.go).
type Gateway interface {
	Name() string

	FetchOpenPositions(ctx context.Context) ([]Position, error)

	FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	FetchTradeHistory(ctx context.Context, symbol string, limit int) ([]Trade, error)

	FetchTicker(ctx context.Context, symbol string) (Ticker, error)

	FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	PlaceStopOrder(ctx context.Context, symbol string, dir Direction, stopPrice, quantity float64) (string, error)

	CancelOrder(ctx context.Context, orderID, symbol string) error
}

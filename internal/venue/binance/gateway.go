// Package binance implements venue.Gateway on Binance USD-M futures via the
// go-binance SDK.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vigil/internal/venue"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const maxHistoryLimit = 1000

// Config for the futures REST client.
type Config struct {
	APIKey      string
	APISecret   string
	RESTBaseURL string
	HTTPTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.RESTBaseURL) == "" {
		c.RESTBaseURL = "https://fapi.binance.com"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	return c
}

// Gateway talks to Binance futures. Safe for concurrent use.
type Gateway struct {
	cfg    Config
	client *futures.Client
}

func New(cfg Config) (*Gateway, error) {
	final := cfg.withDefaults()
	if strings.TrimSpace(final.APIKey) == "" || strings.TrimSpace(final.APISecret) == "" {
		return nil, fmt.Errorf("binance gateway requires api key and secret")
	}
	client := futures.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = strings.TrimSpace(final.RESTBaseURL)
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &Gateway{cfg: final, client: client}, nil
}

func (g *Gateway) Name() string { return "binance-futures" }

func (g *Gateway) FetchOpenPositions(ctx context.Context) ([]venue.Position, error) {
	risks, err := g.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, classify("fetch positions", err)
	}
	out := make([]venue.Position, 0, len(risks))
	for _, r := range risks {
		if r == nil {
			continue
		}
		contracts := parseFloat(r.PositionAmt)
		if contracts == 0 {
			continue
		}
		out = append(out, venue.Position{
			Symbol:        r.Symbol,
			Contracts:     contracts,
			EntryPrice:    parseFloat(r.EntryPrice),
			UnrealizedPnl: parseFloat(r.UnRealizedProfit),
			MarginUsed:    parseFloat(r.IsolatedMargin),
			MarkPrice:     parseFloat(r.MarkPrice),
		})
	}
	return out, nil
}

func (g *Gateway) FetchOpenOrders(ctx context.Context, symbol string) ([]venue.Order, error) {
	orders, err := g.client.NewListOpenOrdersService().Symbol(cleanSymbol(symbol)).Do(ctx)
	if err != nil {
		return nil, classify("fetch open orders", err)
	}
	out := make([]venue.Order, 0, len(orders))
	for _, o := range orders {
		if o == nil {
			continue
		}
		raw, _ := json.Marshal(o)
		out = append(out, venue.Order{
			ID:        strconv.FormatInt(o.OrderID, 10),
			Symbol:    o.Symbol,
			Type:      string(o.Type),
			Side:      strings.ToLower(string(o.Side)),
			StopPrice: parseFloat(o.StopPrice),
			Quantity:  parseFloat(o.OrigQuantity),
			Raw:       raw,
		})
	}
	return out, nil
}

func (g *Gateway) FetchTradeHistory(ctx context.Context, symbol string, limit int) ([]venue.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	trades, err := g.client.NewListAccountTradeService().
		Symbol(cleanSymbol(symbol)).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify("fetch trade history", err)
	}
	out := make([]venue.Trade, 0, len(trades))
	for _, t := range trades {
		if t == nil {
			continue
		}
		out = append(out, venue.Trade{
			ID:       strconv.FormatInt(t.ID, 10),
			Symbol:   t.Symbol,
			Side:     strings.ToLower(string(t.Side)),
			Price:    parseFloat(t.Price),
			Quantity: parseFloat(t.Quantity),
			Fee:      parseFloat(t.Commission),
			Time:     time.UnixMilli(t.Time),
		})
	}
	return out, nil
}

func (g *Gateway) FetchTicker(ctx context.Context, symbol string) (venue.Ticker, error) {
	prices, err := g.client.NewListPricesService().Symbol(cleanSymbol(symbol)).Do(ctx)
	if err != nil {
		return venue.Ticker{}, classify("fetch ticker", err)
	}
	if len(prices) == 0 || prices[0] == nil {
		return venue.Ticker{}, venue.RejectedErr("fetch ticker", fmt.Errorf("no price for %s", symbol))
	}
	return venue.Ticker{Symbol: prices[0].Symbol, Last: parseFloat(prices[0].Price)}, nil
}

func (g *Gateway) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]venue.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	kls, err := g.client.NewKlinesService().
		Symbol(cleanSymbol(symbol)).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify("fetch candles", err)
	}
	out := make([]venue.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, venue.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
		})
	}
	return out, nil
}

func (g *Gateway) PlaceStopOrder(ctx context.Context, symbol string, dir venue.Direction, stopPrice, quantity float64) (string, error) {
	side := futures.SideTypeSell
	if dir == venue.Short {
		side = futures.SideTypeBuy
	}
	resp, err := g.client.NewCreateOrderService().
		Symbol(cleanSymbol(symbol)).
		Side(side).
		Type(futures.OrderTypeStopMarket).
		Quantity(formatFloat(quantity)).
		StopPrice(formatFloat(stopPrice)).
		ReduceOnly(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		Do(ctx)
	if err != nil {
		return "", classify("place stop order", err)
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

func (g *Gateway) CancelOrder(ctx context.Context, orderID, symbol string) error {
	id, err := strconv.ParseInt(strings.TrimSpace(orderID), 10, 64)
	if err != nil {
		return venue.RejectedErr("cancel order", fmt.Errorf("bad order id %q", orderID))
	}
	if _, err := g.client.NewCancelOrderService().
		Symbol(cleanSymbol(symbol)).OrderID(id).Do(ctx); err != nil {
		return classify("cancel order", err)
	}
	return nil
}

var _ venue.Gateway = (*Gateway)(nil)

// classify maps SDK errors onto the core's transport/rejection taxonomy.
// Anything that is not a decoded API error is a transport failure; rate-limit
// and server-busy codes are transport-class because retrying can succeed.
func classify(op string, err error) error {
	if !common.IsAPIError(err) {
		return venue.TransportErr(op, err)
	}
	apiErr, ok := err.(*common.APIError)
	if ok {
		switch apiErr.Code {
		case -1003, -1015, -1001: // rate limit / too many orders / internal error
			return venue.TransportErr(op, err)
		}
	}
	return venue.RejectedErr(op, err)
}

// Binance wants symbols without slashes (ETH/USDT -> ETHUSDT).
func cleanSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "/", ""))
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

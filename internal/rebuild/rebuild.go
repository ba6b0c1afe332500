// Package rebuild reconstructs a usable trading state from nothing but what
// the venue reports, for starts where every local state artifact was lost or
// rejected while a position is still open on the exchange.
package rebuild

import (
	"context"
	"math"
	"time"

	"vigil/internal/journal"
	"vigil/internal/logger"
	"vigil/internal/state"
	"vigil/internal/venue"

	"github.com/markcheno/go-talib"
)

const (
	// tradeHistoryLimit bounds the fill lookback used to recover the entry.
	tradeHistoryLimit = 50

	// atrPeriod / atrInterval / atrCandles parameterise the volatility proxy
	// behind the synthetic stop-loss.
	atrPeriod   = 14
	atrCandles  = 20
	atrInterval = "1h"

	// atrStopMultiple places the synthetic stop at entry -/+ this many ATRs.
	atrStopMultiple = 1.5

	// fallbackVolatilityPct is used when no candle data is available.
	fallbackVolatilityPct = 0.02

	journalCap = 100
)

// Rebuilder derives a fresh state record from live venue data.
type Rebuilder struct {
	gw      venue.Gateway
	journal *journal.Journal
}

func New(gw venue.Gateway, journalPath string) *Rebuilder {
	return &Rebuilder{
		gw:      gw,
		journal: journal.New(journalPath, journalCap),
	}
}

type rebuildRecord struct {
	Timestamp     string  `json:"timestamp"`
	Symbol        string  `json:"symbol"`
	Direction     string  `json:"direction"`
	Entry         float64 `json:"entry"`
	StopLoss      float64 `json:"sl"`
	ATR           float64 `json:"atr"`
	ATRSource     string  `json:"atr_source"`
	Contracts     float64 `json:"contracts"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
}

// RebuildFromVenue builds a TradingState describing the first open position
// in open. The entry price comes from the most recent fill on the position's
// entry side; the stop-loss is synthetic, placed atrStopMultiple ATRs from
// entry since the original stop is unrecoverable. Returns nil when open holds
// no live position, the trade history cannot be fetched, or no fill matches
// the position's direction.
func (r *Rebuilder) RebuildFromVenue(ctx context.Context, open []venue.Position) *state.TradingState {
	if r == nil {
		return nil
	}
	var pos venue.Position
	found := false
	for _, p := range open {
		if p.Contracts != 0 {
			pos = p
			found = true
			break
		}
	}
	if !found {
		logger.Infof("rebuild: no open position on venue, nothing to rebuild")
		return nil
	}

	dir := pos.Direction()
	fill, ok := r.entryFill(ctx, pos.Symbol, dir)
	if !ok {
		logger.Errorf("rebuild: no usable %s fill in %s trade history, cannot rebuild", dir, pos.Symbol)
		return nil
	}
	entry := fill.Price
	if entry <= 0 {
		logger.Errorf("rebuild: entry fill for %s has price %.8f, refusing", pos.Symbol, entry)
		return nil
	}

	atr, atrSource := r.volatility(ctx, pos.Symbol, entry)

	stopLoss := entry - atrStopMultiple*atr
	if dir == venue.Short {
		stopLoss = entry + atrStopMultiple*atr
	}

	st := state.Default()
	st.SetPosition(pos.Symbol, dir, entry, stopLoss)
	st.RecoveryMode = true
	st.RebuiltFromVenue = true
	st.RebuildTime = time.Now().UTC().Format(time.RFC3339)
	st.VenueUnrealizedPnl = state.Float(pos.UnrealizedPnl)

	unix := fill.Time.Unix()
	st.EntryTime = &unix

	r.journal.Append(rebuildRecord{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Symbol:        pos.Symbol,
		Direction:     string(dir),
		Entry:         entry,
		StopLoss:      stopLoss,
		ATR:           atr,
		ATRSource:     atrSource,
		Contracts:     pos.Contracts,
		UnrealizedPnl: pos.UnrealizedPnl,
	})
	logger.Warnf("rebuild: reconstructed %s %s entry=%.6f sl=%.6f (atr=%.6f via %s), state is in recovery mode",
		pos.Symbol, dir, entry, stopLoss, atr, atrSource)
	return &st
}

// Verify sanity-checks a rebuilt state against the venue positions it was
// derived from. Entry drift beyond 1% of the venue price is logged but not
// fatal; a missing entry, a stop equal to entry, or a non-positive risk
// distance is.
func (r *Rebuilder) Verify(st *state.TradingState, open []venue.Position) bool {
	if !st.InPosition() {
		logger.Errorf("rebuild: verify: state has no position")
		return false
	}
	if st.StopLoss == nil || *st.StopLoss == *st.Entry {
		logger.Errorf("rebuild: verify: stop-loss missing or equal to entry")
		return false
	}
	if st.RiskDistance == nil || *st.RiskDistance <= 0 {
		logger.Errorf("rebuild: verify: non-positive risk distance")
		return false
	}
	pos, ok := venue.FindPosition(open, st.TrackedSymbol())
	if !ok {
		logger.Errorf("rebuild: verify: %s not open on venue", st.TrackedSymbol())
		return false
	}
	if pos.EntryPrice > 0 {
		drift := math.Abs(*st.Entry-pos.EntryPrice) / pos.EntryPrice
		if drift > 0.01 {
			logger.Warnf("rebuild: verify: entry %.6f drifts %.2f%% from venue %.6f",
				*st.Entry, drift*100, pos.EntryPrice)
		}
	}
	return true
}

// volatility returns an ATR for the symbol, falling back to a fixed fraction
// of entry when candles are unavailable.
func (r *Rebuilder) volatility(ctx context.Context, symbol string, entry float64) (float64, string) {
	candles, err := r.gw.FetchCandles(ctx, symbol, atrInterval, atrCandles)
	if err != nil || len(candles) <= atrPeriod {
		if err != nil {
			logger.Warnf("rebuild: candles for %s: %v, using %.0f%% of entry", symbol, err, fallbackVolatilityPct*100)
		}
		return entry * fallbackVolatilityPct, "fallback"
	}
	high := make([]float64, len(candles))
	low := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		high[i], low[i], closes[i] = c.High, c.Low, c.Close
	}
	atrs := talib.Atr(high, low, closes, atrPeriod)
	atr := atrs[len(atrs)-1]
	if atr <= 0 || math.IsNaN(atr) {
		return entry * fallbackVolatilityPct, "fallback"
	}
	return atr, "atr"
}

// entryFill finds the most recent fill on the position's entry side. The
// rebuild cannot proceed without one: the fill is the only trustworthy source
// for the entry price and time.
func (r *Rebuilder) entryFill(ctx context.Context, symbol string, dir venue.Direction) (venue.Trade, bool) {
	trades, err := r.gw.FetchTradeHistory(ctx, symbol, tradeHistoryLimit)
	if err != nil {
		logger.Errorf("rebuild: trade history for %s: %v", symbol, err)
		return venue.Trade{}, false
	}
	if len(trades) == 0 {
		logger.Warnf("rebuild: no trade history for %s", symbol)
		return venue.Trade{}, false
	}
	want := dir.EntrySide()
	for i := len(trades) - 1; i >= 0; i-- {
		if trades[i].Side == want {
			return trades[i], true
		}
	}
	return venue.Trade{}, false
}

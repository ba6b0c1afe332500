// Package state persists the agent's single trading state record with
// crash-safe semantics: atomic primary writes, a disposable single-use
// recovery checkpoint, and a capped directory of timestamped backups.
package state

import (
	"time"

	"vigil/internal/venue"
)

// DefaultPeak is the compiled-in starting equity watermark used when no
// persisted state survives.
const DefaultPeak = 10000.0

// TradingState is the singleton record shared by the decision loop, the
// reconciliation engine, and the watchdog. The position trio Entry, StopLoss
// and RiskDistance (with Direction and Symbol) is nil collectively when flat
// and set collectively when a position is tracked.
type TradingState struct {
	Peak float64 `json:"peak"`

	Entry        *float64         `json:"entry"`
	Direction    *venue.Direction `json:"direction"`
	Symbol       *string          `json:"symbol"`
	StopLoss     *float64         `json:"sl"`
	RiskDistance *float64         `json:"R"`

	TP1Done     bool `json:"tp1_done"`
	TP2Done     bool `json:"tp2_done"`
	TrailActive bool `json:"trail_active"`

	RiskCut       bool  `json:"risk_cut"`
	CooldownUntil int64 `json:"cooldown_until"`

	EntryTime    *int64   `json:"entry_time"`
	HighestPrice *float64 `json:"highest_price,omitempty"`

	// Set during recovery flows so the decision loop knows this record was
	// reconstructed rather than carried forward.
	RecoveryMode     bool   `json:"recovery_mode"`
	RebuiltFromVenue bool   `json:"rebuilt_from_venue,omitempty"`
	RebuildTime      string `json:"rebuild_time,omitempty"`

	// Venue-observed unrealized PnL recorded by reconciliation when it drifts
	// from what the entry implies (signals a partial close we did not see).
	VenueUnrealizedPnl *float64 `json:"venue_unrealized_pnl,omitempty"`

	SaveCount int       `json:"save_count"`
	LastSave  time.Time `json:"last_save"`
}

// Default returns the compiled-in state used when nothing valid can be
// loaded. It is always structurally valid.
func Default() TradingState {
	return TradingState{Peak: DefaultPeak}
}

// InPosition reports whether the record tracks an open position.
func (s *TradingState) InPosition() bool {
	return s != nil && s.Entry != nil && s.Direction != nil && s.Symbol != nil
}

// TrackedSymbol returns the tracked symbol or "".
func (s *TradingState) TrackedSymbol() string {
	if s == nil || s.Symbol == nil {
		return ""
	}
	return *s.Symbol
}

// ClearPosition resets every per-position field, returning the record to the
// flat shape. Peak, cooldown and persistence bookkeeping are untouched.
func (s *TradingState) ClearPosition() {
	s.Entry = nil
	s.Direction = nil
	s.Symbol = nil
	s.StopLoss = nil
	s.RiskDistance = nil
	s.TP1Done = false
	s.TP2Done = false
	s.TrailActive = false
	s.EntryTime = nil
	s.HighestPrice = nil
	s.VenueUnrealizedPnl = nil
	s.RecoveryMode = false
	s.RebuiltFromVenue = false
	s.RebuildTime = ""
}

// SetPosition installs the position trio together, keeping the invariant that
// the nullable fields appear and disappear as a unit.
func (s *TradingState) SetPosition(symbol string, dir venue.Direction, entry, stopLoss float64) {
	risk := entry - stopLoss
	if dir == venue.Short {
		risk = stopLoss - entry
	}
	now := time.Now().Unix()
	s.Symbol = &symbol
	s.Direction = &dir
	s.Entry = &entry
	s.StopLoss = &stopLoss
	s.RiskDistance = &risk
	s.EntryTime = &now
}

func Float(v float64) *float64 { return &v }

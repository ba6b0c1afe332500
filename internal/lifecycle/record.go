package lifecycle

import (
	"time"

	"vigil/internal/venue"
)

// State of a tracked trade.
type State string

const (
	StatePending   State = "PENDING"
	StateOpened    State = "OPENED"
	StateTP1Done   State = "TP1_DONE"
	StateTP2Done   State = "TP2_DONE"
	StateSLHit     State = "SL_HIT"
	StateClosed    State = "CLOSED"
	StateCancelled State = "CANCELLED"
	StateError     State = "ERROR"
)

// allowed maps each state to the states reachable from it. Absent states are
// terminal.
var allowed = map[State][]State{
	StatePending: {StateOpened, StateCancelled, StateError},
	StateOpened:  {StateTP1Done, StateSLHit, StateClosed, StateError},
	StateTP1Done: {StateTP2Done, StateSLHit, StateClosed, StateError},
	StateTP2Done: {StateSLHit, StateClosed, StateError},
	StateSLHit:   {StateClosed},
}

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	return len(allowed[s]) == 0
}

func (s State) canReach(to State) bool {
	for _, next := range allowed[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change with its trigger.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Fill is one execution against the trade.
type Fill struct {
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	At       time.Time `json:"at"`
}

// TradeRecord is the full lifecycle record of one trade, from intent to
// archive.
type TradeRecord struct {
	TradeID   string          `json:"trade_id"`
	Symbol    string          `json:"symbol"`
	Direction venue.Direction `json:"direction"`
	State     State           `json:"state"`

	Entry    float64 `json:"entry"`
	StopLoss float64 `json:"sl"`
	Quantity float64 `json:"quantity"`

	EntryFill    *Fill    `json:"entry_fill,omitempty"`
	TP1Fill      *Fill    `json:"tp1_fill,omitempty"`
	TP2Fill      *Fill    `json:"tp2_fill,omitempty"`
	StopFill     *Fill    `json:"stop_fill,omitempty"`
	RemainingQty float64  `json:"remaining_qty"`
	TrailingStop *float64 `json:"trailing_stop,omitempty"`

	RealizedPnl        float64 `json:"realized_pnl"`
	RealizedPnlPercent float64 `json:"realized_pnl_percent"`
	Error              string  `json:"error,omitempty"`

	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Transitions []Transition `json:"transitions"`
}

// pnlOn returns the realized pnl of closing qty at price against the entry.
func (r *TradeRecord) pnlOn(price, qty float64) float64 {
	entry := r.Entry
	if r.EntryFill != nil {
		entry = r.EntryFill.Price
	}
	pnl := (price - entry) * qty
	if r.Direction == venue.Short {
		pnl = -pnl
	}
	return pnl
}

// bookPnl accumulates the realized pnl of closing qty at price and keeps the
// percentage (over entry price x original quantity) in step.
func (r *TradeRecord) bookPnl(price, qty float64) {
	r.RealizedPnl += r.pnlOn(price, qty)
	entry := r.Entry
	if r.EntryFill != nil {
		entry = r.EntryFill.Price
	}
	if notional := entry * r.Quantity; notional > 0 {
		r.RealizedPnlPercent = r.RealizedPnl / notional * 100
	}
}

func (r *TradeRecord) transition(to State, reason string) bool {
	if !r.State.canReach(to) {
		return false
	}
	now := time.Now().UTC()
	r.Transitions = append(r.Transitions, Transition{From: r.State, To: to, At: now, Reason: reason})
	r.State = to
	r.UpdatedAt = now
	return true
}

// Package lifecycle tracks every trade from intent through fills to its
// terminal state, enforcing the legal state machine and journaling each
// transition. Terminal trades are handed to an Archiver for durable storage.
package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"vigil/internal/journal"
	"vigil/internal/logger"
	"vigil/internal/state"
	"vigil/internal/venue"

	"github.com/google/uuid"
)

const eventJournalCap = 500

// Archiver receives trades that reached a terminal state.
type Archiver interface {
	Archive(ctx context.Context, rec *TradeRecord) error
}

// EventSink receives a copy of every lifecycle event, typically for
// durable storage alongside the archived trades.
type EventSink interface {
	AppendEvent(ctx context.Context, ev Event) error
}

// Tracker owns the active trade set and the lifecycle event journal.
type Tracker struct {
	archive Archiver
	sink    EventSink

	mu     sync.Mutex
	events *journal.Journal
	active map[string]*TradeRecord // by trade ID
}

func NewTracker(journalPath string, archive Archiver) *Tracker {
	return &Tracker{
		archive: archive,
		events:  journal.New(journalPath, eventJournalCap),
		active:  make(map[string]*TradeRecord),
	}
}

// SetEventSink mirrors subsequent events to sink as well as the journal.
func (t *Tracker) SetEventSink(sink EventSink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

// Event is one entry of the lifecycle journal.
type Event struct {
	Timestamp string `json:"timestamp"`
	TradeID   string `json:"trade_id"`
	Symbol    string `json:"symbol"`
	Event     string `json:"event"`
	From      State  `json:"from,omitempty"`
	To        State  `json:"to,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Create registers a new pending trade and returns its ID.
func (t *Tracker) Create(symbol string, dir venue.Direction, entry, stopLoss, quantity float64) string {
	now := time.Now().UTC()
	rec := &TradeRecord{
		TradeID:      uuid.NewString(),
		Symbol:       symbol,
		Direction:    dir,
		State:        StatePending,
		Entry:        entry,
		StopLoss:     stopLoss,
		Quantity:     quantity,
		RemainingQty: quantity,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	t.mu.Lock()
	t.active[rec.TradeID] = rec
	t.mu.Unlock()
	t.log(rec, "created", "", StatePending,
		fmt.Sprintf("%s %s entry=%.6f sl=%.6f qty=%.6f", symbol, dir, entry, stopLoss, quantity))
	return rec.TradeID
}

// MarkOpened records the entry fill and moves the trade to OPENED.
func (t *Tracker) MarkOpened(tradeID string, fillPrice, qty float64) error {
	return t.apply(tradeID, StateOpened, "entry filled", func(rec *TradeRecord) error {
		rec.EntryFill = &Fill{Price: fillPrice, Quantity: qty, At: time.Now().UTC()}
		rec.RemainingQty = qty
		return nil
	})
}

// RecordTP1Fill books a partial close at the first target. The remaining
// quantity drops by exactly the filled amount so later exits cannot
// double-count.
func (t *Tracker) RecordTP1Fill(tradeID string, price, qty float64) error {
	return t.apply(tradeID, StateTP1Done, "tp1 filled", func(rec *TradeRecord) error {
		if qty > rec.RemainingQty {
			return fmt.Errorf("lifecycle: tp1 qty %.6f exceeds remaining %.6f", qty, rec.RemainingQty)
		}
		rec.TP1Fill = &Fill{Price: price, Quantity: qty, At: time.Now().UTC()}
		rec.RemainingQty -= qty
		rec.bookPnl(price, qty)
		return nil
	})
}

// RecordTP2Fill books the second target fill.
func (t *Tracker) RecordTP2Fill(tradeID string, price, qty float64) error {
	return t.apply(tradeID, StateTP2Done, "tp2 filled", func(rec *TradeRecord) error {
		if qty > rec.RemainingQty {
			return fmt.Errorf("lifecycle: tp2 qty %.6f exceeds remaining %.6f", qty, rec.RemainingQty)
		}
		rec.TP2Fill = &Fill{Price: price, Quantity: qty, At: time.Now().UTC()}
		rec.RemainingQty -= qty
		rec.bookPnl(price, qty)
		return nil
	})
}

// RecordStopFill books the stop-loss fill for whatever quantity remains and
// closes the trade.
func (t *Tracker) RecordStopFill(tradeID string, price float64) error {
	err := t.apply(tradeID, StateSLHit, "stop filled", func(rec *TradeRecord) error {
		qty := rec.RemainingQty
		rec.StopFill = &Fill{Price: price, Quantity: qty, At: time.Now().UTC()}
		rec.bookPnl(price, qty)
		rec.RemainingQty = 0
		return nil
	})
	if err != nil {
		return err
	}
	return t.apply(tradeID, StateClosed, "closed after stop", nil)
}

// MarkClosed closes the trade at price for the remaining quantity, for exits
// that are neither a target nor the stop.
func (t *Tracker) MarkClosed(tradeID string, price float64, reason string) error {
	return t.apply(tradeID, StateClosed, reason, func(rec *TradeRecord) error {
		if rec.RemainingQty > 0 {
			rec.bookPnl(price, rec.RemainingQty)
			rec.RemainingQty = 0
		}
		return nil
	})
}

// UpdateTrailingStop records a new trailing stop level without a state
// change.
func (t *Tracker) UpdateTrailingStop(tradeID string, price float64) error {
	t.mu.Lock()
	rec, ok := t.active[tradeID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("lifecycle: unknown trade %s", tradeID)
	}
	// A trailing stop only ratchets toward profit.
	if prev := rec.TrailingStop; prev != nil {
		regressed := price <= *prev
		if rec.Direction == venue.Short {
			regressed = price >= *prev
		}
		if regressed {
			t.mu.Unlock()
			logger.Warnf("lifecycle: trade %s %s: trailing stop %.6f does not improve on %.6f, ignored",
				rec.TradeID, rec.Symbol, price, *prev)
			return nil
		}
	}
	rec.TrailingStop = &price
	rec.UpdatedAt = time.Now().UTC()
	snapshot := *rec
	t.mu.Unlock()
	t.log(&snapshot, "trailing_stop_updated", "", "", fmt.Sprintf("trail=%.6f", price))
	return nil
}

// CancelPending cancels a trade that never opened.
func (t *Tracker) CancelPending(tradeID, reason string) error {
	return t.apply(tradeID, StateCancelled, reason, nil)
}

// MarkError moves the trade to ERROR with the failure message.
func (t *Tracker) MarkError(tradeID, msg string) error {
	return t.apply(tradeID, StateError, "error", func(rec *TradeRecord) error {
		rec.Error = msg
		return nil
	})
}

// Archive hands a terminal trade to the archiver and drops it from the
// active set. Archiving a non-terminal trade is an error.
func (t *Tracker) Archive(ctx context.Context, tradeID string) error {
	t.mu.Lock()
	rec, ok := t.active[tradeID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("lifecycle: unknown trade %s", tradeID)
	}
	if !rec.State.Terminal() {
		t.mu.Unlock()
		return fmt.Errorf("lifecycle: trade %s is %s, not terminal", tradeID, rec.State)
	}
	delete(t.active, tradeID)
	snapshot := *rec
	t.mu.Unlock()

	if t.archive != nil {
		if err := t.archive.Archive(ctx, &snapshot); err != nil {
			return fmt.Errorf("lifecycle: archive %s: %w", tradeID, err)
		}
	}
	t.log(&snapshot, "archived", "", snapshot.State, "")
	return nil
}

// Trade returns a copy of the active trade with the given ID.
func (t *Tracker) Trade(tradeID string) (TradeRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.active[tradeID]
	if !ok {
		return TradeRecord{}, false
	}
	return *rec, true
}

// ActiveBySymbol returns the most recent non-terminal trade for symbol.
func (t *Tracker) ActiveBySymbol(symbol string) (TradeRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var best *TradeRecord
	for _, rec := range t.active {
		if rec.Symbol != symbol || rec.State.Terminal() {
			continue
		}
		if best == nil || rec.CreatedAt.After(best.CreatedAt) {
			best = rec
		}
	}
	if best == nil {
		return TradeRecord{}, false
	}
	return *best, true
}

// ActiveSymbols lists symbols with a non-terminal trade, sorted.
func (t *Tracker) ActiveSymbols() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]bool)
	for _, rec := range t.active {
		if !rec.State.Terminal() {
			seen[rec.Symbol] = true
		}
	}
	symbols := make([]string, 0, len(seen))
	for s := range seen {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// Summary is the per-state headcount of active trades.
type Summary struct {
	Active  int           `json:"active"`
	ByState map[State]int `json:"by_state"`
}

func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Summary{ByState: make(map[State]int)}
	for _, rec := range t.active {
		s.ByState[rec.State]++
		if !rec.State.Terminal() {
			s.Active++
		}
	}
	return s
}

// VerifyConsistency cross-checks the lifecycle view against the persisted
// trading state and the venue's open positions, returning one message per
// disagreement. A live trade whose symbol the venue no longer holds, or a
// venue position whose trade has moved past the live states, is inconsistent.
func (t *Tracker) VerifyConsistency(st *state.TradingState, open []venue.Position) []string {
	var problems []string
	for _, symbol := range t.ActiveSymbols() {
		rec, ok := t.ActiveBySymbol(symbol)
		if !ok {
			continue
		}
		live := rec.State == StateOpened || rec.State == StateTP1Done || rec.State == StateTP2Done
		_, onVenue := venue.FindPosition(open, symbol)
		if live && !onVenue {
			problems = append(problems,
				fmt.Sprintf("trade %s is %s but venue shows no %s position", rec.TradeID, rec.State, symbol))
		}
		if onVenue && rec.State != StateOpened && rec.State != StateTP1Done {
			problems = append(problems,
				fmt.Sprintf("venue holds %s but trade %s is %s", symbol, rec.TradeID, rec.State))
		}
		if live && !st.InPosition() {
			problems = append(problems,
				fmt.Sprintf("trade %s is %s but state tracks no position", rec.TradeID, rec.State))
		}
	}
	if !st.InPosition() {
		return problems
	}

	rec, ok := t.ActiveBySymbol(st.TrackedSymbol())
	if !ok {
		problems = append(problems,
			fmt.Sprintf("state tracks %s but no active trade exists", st.TrackedSymbol()))
		return problems
	}
	if st.TP1Done && rec.State == StateOpened {
		problems = append(problems,
			fmt.Sprintf("state has tp1_done but trade %s is still OPENED", rec.TradeID))
	}
	if st.TP2Done && (rec.State == StateOpened || rec.State == StateTP1Done) {
		problems = append(problems,
			fmt.Sprintf("state has tp2_done but trade %s is %s", rec.TradeID, rec.State))
	}
	if st.Direction != nil && rec.Direction != *st.Direction {
		problems = append(problems,
			fmt.Sprintf("state direction %s but trade %s is %s", *st.Direction, rec.TradeID, rec.Direction))
	}
	return problems
}

// apply runs mutate under the lock, then performs the transition to target.
// The mutation is skipped entirely when the transition would be illegal.
func (t *Tracker) apply(tradeID string, target State, reason string, mutate func(*TradeRecord) error) error {
	t.mu.Lock()
	rec, ok := t.active[tradeID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("lifecycle: unknown trade %s", tradeID)
	}
	if !rec.State.canReach(target) {
		from := rec.State
		t.mu.Unlock()
		return fmt.Errorf("lifecycle: illegal transition %s -> %s for trade %s", from, target, tradeID)
	}
	if mutate != nil {
		if err := mutate(rec); err != nil {
			t.mu.Unlock()
			return err
		}
	}
	from := rec.State
	rec.transition(target, reason)
	snapshot := *rec
	t.mu.Unlock()

	t.log(&snapshot, "transition", from, target, reason)
	logger.Infof("lifecycle: trade %s %s: %s -> %s (%s)", snapshot.TradeID, snapshot.Symbol, from, target, reason)
	return nil
}

func (t *Tracker) log(rec *TradeRecord, event string, from, to State, detail string) {
	ev := Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		TradeID:   rec.TradeID,
		Symbol:    rec.Symbol,
		Event:     event,
		From:      from,
		To:        to,
		Detail:    detail,
	}
	t.events.Append(ev)
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		if err := sink.AppendEvent(context.Background(), ev); err != nil {
			logger.Warnf("lifecycle: event sink rejected %s for trade %s: %v", event, ev.TradeID, err)
		}
	}
}

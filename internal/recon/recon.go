// Package recon compares the locally persisted trading state against what the
// venue actually holds and resolves disagreements in the venue's favor. The
// venue is the single source of truth; local state is only a cache of it.
package recon

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"vigil/internal/journal"
	"vigil/internal/logger"
	"vigil/internal/state"
	"vigil/internal/stops"
	"vigil/internal/venue"
)

// IssueKind labels one class of local/venue disagreement.
type IssueKind string

const (
	IssueEntryMismatch IssueKind = "entry_price_mismatch"
	IssueSizeMismatch  IssueKind = "position_size_mismatch"
	IssueStopMismatch  IssueKind = "sl_stop_mismatch"
	IssuePnlMismatch   IssueKind = "unrealized_pnl_mismatch"
	IssueTP1Inferred   IssueKind = "tp1_inferred"
	IssueTP2Inferred   IssueKind = "tp2_inferred"
	IssueNotOnVenue    IssueKind = "position_not_found_on_exchange"
)

const (
	entryDriftTolerance = 0.01
	stopDriftTolerance  = 0.005
	pnlDriftTolerance   = 0.005
	tpInferFraction     = 0.9

	journalCap    = 200
	statusRecentN = 10
)

// Issue is one detected disagreement, already resolved where resolution is
// safe to automate.
type Issue struct {
	Kind   IssueKind `json:"kind"`
	Detail string    `json:"detail"`
}

// Result summarises one reconciliation pass over one state record.
type Result struct {
	Timestamp    string  `json:"timestamp"`
	Symbol       string  `json:"symbol"`
	IssuesFound  int     `json:"issues_found"`
	Issues       []Issue `json:"issues"`
	StateUpdated bool    `json:"state_updated"`
}

// Summary is the aggregate view served over the status surface.
type Summary struct {
	TotalRuns   int      `json:"total_runs"`
	RunsWith    int      `json:"recent_runs_with_issues"`
	LastRun     *Result  `json:"last_run,omitempty"`
	RecentIssue []Result `json:"recent,omitempty"`
}

// Engine runs the reconciliation checks. All checks run independently; one
// failing check never suppresses the rest.
type Engine struct {
	gw    venue.Gateway
	stops *stops.Sync

	mu      sync.Mutex
	journal *journal.Journal
	runs    int
	recent  []Result
}

func New(gw venue.Gateway, st *stops.Sync, journalPath string) *Engine {
	return &Engine{
		gw:      gw,
		stops:   st,
		journal: journal.New(journalPath, journalCap),
	}
}

// ReconcileAll fetches the venue's open positions and reconciles st against
// them. The bool reports whether st was mutated and needs saving.
func (e *Engine) ReconcileAll(ctx context.Context, st *state.TradingState) (Result, bool) {
	res := Result{Timestamp: time.Now().UTC().Format(time.RFC3339), Symbol: st.TrackedSymbol()}
	if !st.InPosition() {
		e.record(res)
		return res, false
	}

	positions, err := e.gw.FetchOpenPositions(ctx)
	if err != nil {
		// Never mutate state on a fetch failure; absence of data is not
		// absence of a position.
		logger.Warnf("recon: fetch positions: %v, skipping pass", err)
		return res, false
	}

	pos, ok := venue.FindPosition(positions, st.TrackedSymbol())
	if !ok {
		res.Issues = append(res.Issues, Issue{
			Kind:   IssueNotOnVenue,
			Detail: fmt.Sprintf("%s tracked locally but not open on venue, clearing", st.TrackedSymbol()),
		})
		logger.Warnf("recon: %s not found on venue, clearing local position", st.TrackedSymbol())
		st.ClearPosition()
		res.StateUpdated = true
		res.IssuesFound = len(res.Issues)
		e.record(res)
		return res, true
	}

	return e.reconcilePosition(ctx, st, pos, res)
}

func (e *Engine) reconcilePosition(ctx context.Context, st *state.TradingState, pos venue.Position, res Result) (Result, bool) {
	e.checkEntry(st, pos, &res)
	e.checkSize(st, pos, &res)
	e.checkStop(st, &res)
	e.checkUnrealizedPnl(st, pos, &res)
	e.inferTakeProfits(st, pos, &res)

	res.IssuesFound = len(res.Issues)
	e.record(res)
	if res.IssuesFound > 0 {
		logger.Infof("recon: %s pass found %d issue(s), state_updated=%v",
			res.Symbol, res.IssuesFound, res.StateUpdated)
	}
	return res, res.StateUpdated
}

// checkEntry overwrites the local entry price with the venue's when they
// drift more than 1% apart, recomputing the risk distance from the stored
// stop so downstream R-multiples stay coherent.
func (e *Engine) checkEntry(st *state.TradingState, pos venue.Position, res *Result) {
	if pos.EntryPrice <= 0 || st.Entry == nil {
		return
	}
	drift := math.Abs(*st.Entry-pos.EntryPrice) / pos.EntryPrice
	if drift <= entryDriftTolerance {
		return
	}
	res.Issues = append(res.Issues, Issue{
		Kind:   IssueEntryMismatch,
		Detail: fmt.Sprintf("local entry %.6f vs venue %.6f (%.2f%%)", *st.Entry, pos.EntryPrice, drift*100),
	})
	venueEntry := pos.EntryPrice
	st.Entry = &venueEntry
	if st.StopLoss != nil {
		risk := venueEntry - *st.StopLoss
		if *st.Direction == venue.Short {
			risk = *st.StopLoss - venueEntry
		}
		st.RiskDistance = &risk
	}
	res.StateUpdated = true
}

// checkSize compares the live position size against the quantity of the
// tracked stop order. Report only; sizing is owned by the venue and order
// surgery belongs to ForceResyncStops.
func (e *Engine) checkSize(st *state.TradingState, pos venue.Position, res *Result) {
	if e.stops == nil {
		return
	}
	active := e.stops.ActiveStops(st.TrackedSymbol())
	if len(active) == 0 || pos.Size() == 0 {
		return
	}
	if math.Abs(active[0].Quantity-pos.Size())/pos.Size() <= stopDriftTolerance {
		return
	}
	res.Issues = append(res.Issues, Issue{
		Kind:   IssueSizeMismatch,
		Detail: fmt.Sprintf("venue size %.6f vs stop order qty %.6f", pos.Size(), active[0].Quantity),
	})
}

// checkStop overwrites the stored stop-loss with the tracked venue stop when
// one exists and drifts more than 0.5% from it, recomputing the risk distance.
// The protective order on the venue is the one that actually fires; order
// surgery itself stays with ForceResyncStops.
func (e *Engine) checkStop(st *state.TradingState, res *Result) {
	if st.StopLoss == nil || e.stops == nil {
		return
	}
	active := e.stops.ActiveStops(st.TrackedSymbol())
	if len(active) == 0 {
		return
	}
	venueStop := active[0].StopPrice
	if venueStop <= 0 || *st.StopLoss <= 0 {
		return
	}
	drift := math.Abs(*st.StopLoss-venueStop) / *st.StopLoss
	if drift <= stopDriftTolerance {
		return
	}
	res.Issues = append(res.Issues, Issue{
		Kind:   IssueStopMismatch,
		Detail: fmt.Sprintf("local sl %.6f vs venue stop %.6f (%.2f%%), adopting venue stop", *st.StopLoss, venueStop, drift*100),
	})
	st.StopLoss = &venueStop
	if st.Entry != nil {
		risk := *st.Entry - venueStop
		if *st.Direction == venue.Short {
			risk = venueStop - *st.Entry
		}
		st.RiskDistance = &risk
	}
	res.StateUpdated = true
}

// checkUnrealizedPnl adopts the venue's unrealized PnL when it drifts from
// the recorded value. Comparing against the recorded venue figure (when one
// exists) makes the check converge: the pass that adopts the venue value also
// makes the next pass clean.
func (e *Engine) checkUnrealizedPnl(st *state.TradingState, pos venue.Position, res *Result) {
	if st.Entry == nil || *st.Entry <= 0 {
		return
	}
	var expected float64
	if st.VenueUnrealizedPnl != nil {
		expected = *st.VenueUnrealizedPnl
	} else {
		if pos.MarkPrice <= 0 {
			// No recorded figure and no mark price to imply one from.
			return
		}
		expected = (pos.MarkPrice - *st.Entry) * pos.Size()
		if *st.Direction == venue.Short {
			expected = -expected
		}
	}
	tolerance := pnlDriftTolerance * *st.Entry * pos.Size()
	if tolerance <= 0 {
		tolerance = pnlDriftTolerance * *st.Entry
	}
	if math.Abs(pos.UnrealizedPnl-expected) <= tolerance {
		return
	}
	res.Issues = append(res.Issues, Issue{
		Kind:   IssuePnlMismatch,
		Detail: fmt.Sprintf("expected pnl %.6f vs venue %.6f", expected, pos.UnrealizedPnl),
	})
	st.VenueUnrealizedPnl = state.Float(pos.UnrealizedPnl)
	res.StateUpdated = true
}

// inferTakeProfits marks TP1/TP2 done when the venue's unrealized PnL shows
// the position has already travelled at least 90% of 1R/2R, covering fills
// that happened while the engine was down.
func (e *Engine) inferTakeProfits(st *state.TradingState, pos venue.Position, res *Result) {
	if st.RiskDistance == nil || *st.RiskDistance <= 0 || pos.Size() == 0 {
		return
	}
	oneR := *st.RiskDistance * pos.Size()
	if !st.TP1Done && pos.UnrealizedPnl >= tpInferFraction*oneR {
		st.TP1Done = true
		res.StateUpdated = true
		res.Issues = append(res.Issues, Issue{
			Kind:   IssueTP1Inferred,
			Detail: fmt.Sprintf("pnl %.6f >= %.0f%% of 1R (%.6f)", pos.UnrealizedPnl, tpInferFraction*100, oneR),
		})
	}
	if !st.TP2Done && pos.UnrealizedPnl >= tpInferFraction*2*oneR {
		st.TP2Done = true
		st.TP1Done = true
		res.StateUpdated = true
		res.Issues = append(res.Issues, Issue{
			Kind:   IssueTP2Inferred,
			Detail: fmt.Sprintf("pnl %.6f >= %.0f%% of 2R (%.6f)", pos.UnrealizedPnl, tpInferFraction*100, 2*oneR),
		})
	}
}

// VerifyStopsSynchronized reports whether the tracked venue stop sits within
// tolerance of the stored stop-loss. A state without a position or without a
// stored stop is trivially synchronized.
func (e *Engine) VerifyStopsSynchronized(st *state.TradingState) bool {
	if !st.InPosition() || st.StopLoss == nil || e.stops == nil {
		return true
	}
	active := e.stops.ActiveStops(st.TrackedSymbol())
	if len(active) == 0 {
		return true
	}
	drift := math.Abs(*st.StopLoss-active[0].StopPrice) / *st.StopLoss
	return drift <= stopDriftTolerance
}

// ForceResyncStops cancels every venue stop for the tracked symbol and
// re-places one at the stored stop-loss, sized to the live position.
func (e *Engine) ForceResyncStops(ctx context.Context, st *state.TradingState) error {
	if !st.InPosition() || st.StopLoss == nil {
		return nil
	}
	positions, err := e.gw.FetchOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("recon: resync stops: %w", err)
	}
	pos, ok := venue.FindPosition(positions, st.TrackedSymbol())
	if !ok {
		logger.Warnf("recon: resync stops: %s no longer open, cancelling only", st.TrackedSymbol())
		e.stops.CancelAll(ctx, st.TrackedSymbol())
		return nil
	}
	_, err = e.stops.Place(ctx, st.TrackedSymbol(), *st.Direction, *st.StopLoss, pos.Size())
	return err
}

// Status returns the aggregate reconciliation summary.
func (e *Engine) Status() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Summary{TotalRuns: e.runs}
	for i := range e.recent {
		if e.recent[i].IssuesFound > 0 {
			s.RunsWith++
			s.RecentIssue = append(s.RecentIssue, e.recent[i])
		}
	}
	if len(e.recent) > 0 {
		last := e.recent[len(e.recent)-1]
		s.LastRun = &last
	}
	return s
}

func (e *Engine) record(res Result) {
	e.mu.Lock()
	e.runs++
	e.recent = append(e.recent, res)
	if len(e.recent) > statusRecentN {
		e.recent = e.recent[len(e.recent)-statusRecentN:]
	}
	e.mu.Unlock()
	e.journal.Append(res)
}

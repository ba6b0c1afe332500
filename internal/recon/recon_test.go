package recon

import (
	"context"
	"path/filepath"
	"testing"

	"vigil/internal/state"
	"vigil/internal/stops"
	"vigil/internal/venue"
	"vigil/internal/venue/venuetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, fake *venuetest.Fake) (*Engine, *stops.Sync) {
	t.Helper()
	sync := stops.NewSync(fake)
	return New(fake, sync, filepath.Join(t.TempDir(), "recon.json")), sync
}

func longState(symbol string, entry, sl float64) state.TradingState {
	st := state.Default()
	st.SetPosition(symbol, venue.Long, entry, sl)
	return st
}

func TestReconcileAll_CleanPositionProducesNoIssues(t *testing.T) {
	fake := &venuetest.Fake{}
	fake.SetPosition("BTCUSDT", 0.5, 94000, 0)
	fake.SetMark("BTCUSDT", 94000)
	e, _ := newTestEngine(t, fake)

	st := longState("BTCUSDT", 94000, 92000)
	res, updated := e.ReconcileAll(context.Background(), &st)
	assert.False(t, updated)
	assert.Zero(t, res.IssuesFound)
}

func TestReconcileAll_EntryDriftAdoptsVenuePrice(t *testing.T) {
	fake := &venuetest.Fake{}
	fake.SetPosition("BTCUSDT", 0.5, 95000, 0)
	fake.SetMark("BTCUSDT", 95000)
	e, _ := newTestEngine(t, fake)

	st := longState("BTCUSDT", 93000, 91000)
	st.VenueUnrealizedPnl = state.Float(0)

	res, updated := e.ReconcileAll(context.Background(), &st)
	require.True(t, updated)
	assert.Equal(t, 95000.0, *st.Entry)
	// Risk distance recomputed from the adopted entry.
	assert.Equal(t, 4000.0, *st.RiskDistance)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, IssueEntryMismatch, res.Issues[0].Kind)
}

func TestReconcileAll_SmallEntryDriftIgnored(t *testing.T) {
	fake := &venuetest.Fake{}
	fake.SetPosition("BTCUSDT", 0.5, 94500, 0)
	fake.SetMark("BTCUSDT", 94500)
	e, _ := newTestEngine(t, fake)

	st := longState("BTCUSDT", 94000, 92000)
	st.VenueUnrealizedPnl = state.Float(0)

	_, updated := e.ReconcileAll(context.Background(), &st)
	assert.False(t, updated)
	assert.Equal(t, 94000.0, *st.Entry)
}

func TestReconcileAll_PositionGoneClearsState(t *testing.T) {
	e, _ := newTestEngine(t, &venuetest.Fake{})

	st := longState("BTCUSDT", 94000, 92000)
	res, updated := e.ReconcileAll(context.Background(), &st)
	require.True(t, updated)
	assert.False(t, st.InPosition())
	require.Len(t, res.Issues, 1)
	assert.Equal(t, IssueNotOnVenue, res.Issues[0].Kind)
}

func TestReconcileAll_FetchFailureLeavesStateAlone(t *testing.T) {
	fake := &venuetest.Fake{PositionsErr: venue.ErrTransport}
	e, _ := newTestEngine(t, fake)

	st := longState("BTCUSDT", 94000, 92000)
	res, updated := e.ReconcileAll(context.Background(), &st)
	assert.False(t, updated)
	assert.Zero(t, res.IssuesFound)
	assert.True(t, st.InPosition())
}

func TestReconcileAll_PnlDriftAdoptsVenueValueOnce(t *testing.T) {
	fake := &venuetest.Fake{}
	fake.SetPosition("BTCUSDT", 0.5, 94000, 600)
	fake.SetMark("BTCUSDT", 94000)
	e, _ := newTestEngine(t, fake)

	st := longState("BTCUSDT", 94000, 93000)
	st.VenueUnrealizedPnl = state.Float(0)

	res, updated := e.ReconcileAll(context.Background(), &st)
	require.True(t, updated)
	assert.Equal(t, 600.0, *st.VenueUnrealizedPnl)
	found := false
	for _, is := range res.Issues {
		if is.Kind == IssuePnlMismatch {
			found = true
		}
	}
	assert.True(t, found)

	// Second pass against unchanged venue data must be clean.
	res2, updated2 := e.ReconcileAll(context.Background(), &st)
	assert.False(t, updated2)
	for _, is := range res2.Issues {
		assert.NotEqual(t, IssuePnlMismatch, is.Kind)
	}
}

func TestReconcileAll_InfersTP1FromUnrealizedPnl(t *testing.T) {
	fake := &venuetest.Fake{}
	// 1R = 1000 * 0.5 = 500; pnl 480 >= 90% of 1R but < 90% of 2R.
	fake.SetPosition("BTCUSDT", 0.5, 94000, 480)
	fake.SetMark("BTCUSDT", 94960)
	e, _ := newTestEngine(t, fake)

	st := longState("BTCUSDT", 94000, 93000)
	st.VenueUnrealizedPnl = state.Float(480)

	_, updated := e.ReconcileAll(context.Background(), &st)
	require.True(t, updated)
	assert.True(t, st.TP1Done)
	assert.False(t, st.TP2Done)
}

func TestReconcileAll_InfersTP2AndTP1Together(t *testing.T) {
	fake := &venuetest.Fake{}
	// pnl 950 >= 90% of 2R (900).
	fake.SetPosition("BTCUSDT", 0.5, 94000, 950)
	e, _ := newTestEngine(t, fake)

	st := longState("BTCUSDT", 94000, 93000)
	st.VenueUnrealizedPnl = state.Float(950)

	_, updated := e.ReconcileAll(context.Background(), &st)
	require.True(t, updated)
	assert.True(t, st.TP1Done)
	assert.True(t, st.TP2Done)
}

func TestReconcileAll_TPInferenceIsSticky(t *testing.T) {
	fake := &venuetest.Fake{}
	fake.SetPosition("BTCUSDT", 0.5, 94000, 480)
	e, _ := newTestEngine(t, fake)

	st := longState("BTCUSDT", 94000, 93000)
	st.VenueUnrealizedPnl = state.Float(480)
	st.TP1Done = true

	res, updated := e.ReconcileAll(context.Background(), &st)
	assert.False(t, updated)
	assert.Zero(t, res.IssuesFound)
}

func TestReconcileAll_StopDriftAdoptsVenueStop(t *testing.T) {
	fake := &venuetest.Fake{}
	fake.SetPosition("BTCUSDT", 0.5, 94000, 0)
	fake.SetMark("BTCUSDT", 94000)
	e, sync := newTestEngine(t, fake)

	_, err := sync.Place(context.Background(), "BTCUSDT", venue.Long, 91000, 0.5)
	require.NoError(t, err)

	st := longState("BTCUSDT", 94000, 92000)
	st.VenueUnrealizedPnl = state.Float(0)

	res, updated := e.ReconcileAll(context.Background(), &st)
	require.True(t, updated)
	found := false
	for _, is := range res.Issues {
		if is.Kind == IssueStopMismatch {
			found = true
		}
	}
	assert.True(t, found)
	// The venue's protective order is the one that fires: adopt it.
	assert.Equal(t, 91000.0, *st.StopLoss)
	assert.Equal(t, 3000.0, *st.RiskDistance)
	assert.True(t, e.VerifyStopsSynchronized(&st))
}

func TestReconcileAll_SmallStopDriftLeavesLocalStop(t *testing.T) {
	fake := &venuetest.Fake{}
	fake.SetPosition("BTCUSDT", 0.5, 94000, 0)
	fake.SetMark("BTCUSDT", 94000)
	e, sync := newTestEngine(t, fake)

	_, err := sync.Place(context.Background(), "BTCUSDT", venue.Long, 91985, 0.5)
	require.NoError(t, err)

	st := longState("BTCUSDT", 94000, 92000)
	st.VenueUnrealizedPnl = state.Float(0)

	_, updated := e.ReconcileAll(context.Background(), &st)
	assert.False(t, updated)
	assert.Equal(t, 92000.0, *st.StopLoss)
}

func TestForceResyncStops_ReplacesAtStoredStop(t *testing.T) {
	fake := &venuetest.Fake{}
	fake.SetPosition("BTCUSDT", 0.5, 94000, 0)
	e, sync := newTestEngine(t, fake)

	_, err := sync.Place(context.Background(), "BTCUSDT", venue.Long, 91000, 0.5)
	require.NoError(t, err)

	st := longState("BTCUSDT", 94000, 92000)
	require.NoError(t, e.ForceResyncStops(context.Background(), &st))

	tracked := sync.ActiveStops("BTCUSDT")
	require.Len(t, tracked, 1)
	assert.Equal(t, 92000.0, tracked[0].StopPrice)
	assert.True(t, e.VerifyStopsSynchronized(&st))
}

func TestReconcileAll_CleanRunStillJournaled(t *testing.T) {
	fake := &venuetest.Fake{}
	fake.SetPosition("BTCUSDT", 0.5, 94000, 0)
	fake.SetMark("BTCUSDT", 94000)
	e, _ := newTestEngine(t, fake)

	st := longState("BTCUSDT", 94000, 92000)
	res, _ := e.ReconcileAll(context.Background(), &st)
	assert.Zero(t, res.IssuesFound)
	assert.Equal(t, 1, e.journal.Len())
}

func TestReconcileAll_MissingMarkPriceSkipsPnlCheck(t *testing.T) {
	fake := &venuetest.Fake{}
	// Venue reports pnl but no mark price, and no figure was recorded yet.
	fake.SetPosition("BTCUSDT", 0.5, 94000, 600)
	e, _ := newTestEngine(t, fake)

	st := longState("BTCUSDT", 94000, 93000)
	st.TP1Done = true
	st.TP2Done = true

	res, updated := e.ReconcileAll(context.Background(), &st)
	assert.False(t, updated)
	for _, is := range res.Issues {
		assert.NotEqual(t, IssuePnlMismatch, is.Kind)
	}
	assert.Nil(t, st.VenueUnrealizedPnl)
}

func TestStatus_TracksRunsAndRecentIssues(t *testing.T) {
	fake := &venuetest.Fake{}
	e, _ := newTestEngine(t, fake)

	st := longState("BTCUSDT", 94000, 92000)
	e.ReconcileAll(context.Background(), &st) // clears position, 1 issue
	flat := state.Default()
	e.ReconcileAll(context.Background(), &flat)

	s := e.Status()
	assert.Equal(t, 2, s.TotalRuns)
	assert.Equal(t, 1, s.RunsWith)
	require.NotNil(t, s.LastRun)
	assert.Zero(t, s.LastRun.IssuesFound)
}

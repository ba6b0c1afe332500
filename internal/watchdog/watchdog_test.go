package watchdog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vigil/internal/lifecycle"
	"vigil/internal/recon"
	"vigil/internal/state"
	"vigil/internal/stops"
	"vigil/internal/venue"
	"vigil/internal/venue/venuetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureNotifier) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *captureNotifier) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type fixture struct {
	dog    *Watchdog
	fake   *venuetest.Fake
	mgr    *state.Manager
	stops  *stops.Sync
	notify *captureNotifier
	dir    string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	fake := &venuetest.Fake{}
	store := state.NewStore(dir, 0)
	mgr := state.NewManager(store)
	sync := stops.NewSync(fake)
	engine := recon.New(fake, sync, filepath.Join(dir, "recon.json"))
	tracker := lifecycle.NewTracker(filepath.Join(dir, "lifecycle.json"), nil)
	notify := &captureNotifier{}
	dog := New(cfg, mgr, fake, engine, sync, tracker, notify, nil, filepath.Join(dir, "watchdog.json"))
	return &fixture{dog: dog, fake: fake, mgr: mgr, stops: sync, notify: notify, dir: dir}
}

func TestRunOnce_HealthySystemIsClean(t *testing.T) {
	f := newFixture(t, Config{})
	rep := f.dog.RunOnce(context.Background())
	assert.Empty(t, rep.Issues)
	assert.Equal(t, Healthy, rep.Health)
	assert.False(t, rep.OrphanFound)
}

func TestRunOnce_StateIntegrityFlagsMissingStop(t *testing.T) {
	f := newFixture(t, Config{})
	f.fake.SetPosition("BTCUSDT", 0.5, 94000, 0)
	f.fake.SetMark("BTCUSDT", 94000)
	f.mgr.Update(func(st *state.TradingState) bool {
		st.SetPosition("BTCUSDT", venue.Long, 94000, 93000)
		st.VenueUnrealizedPnl = state.Float(0)
		st.StopLoss = nil
		st.RiskDistance = nil
		return true
	})

	rep := f.dog.RunOnce(context.Background())
	checks := make(map[string]int)
	for _, is := range rep.Issues {
		checks[is.Check]++
	}
	assert.Equal(t, 2, checks["state_integrity"])
}

func TestRunOnce_DetectsOrphanPositionAndAlerts(t *testing.T) {
	f := newFixture(t, Config{})
	f.fake.SetPosition("BTCUSDT", 0.5, 94000, 0)

	rep := f.dog.RunOnce(context.Background())
	assert.True(t, rep.OrphanFound)

	orphanIssues := 0
	for _, is := range rep.Issues {
		if is.Check == "orphan_position" {
			orphanIssues++
			assert.Equal(t, SeverityCritical, is.Severity)
		}
	}
	assert.Equal(t, 1, orphanIssues)
	require.Len(t, f.notify.messages(), 1)
	assert.Contains(t, f.notify.messages()[0], "BTCUSDT")
}

func TestRunOnce_DetectsOrphanBesideTrackedPosition(t *testing.T) {
	f := newFixture(t, Config{})
	f.fake.SetPosition("ETHUSDT", 2, 3200, 0)
	f.fake.SetMark("ETHUSDT", 3200)
	f.fake.SetPosition("BTCUSDT", 0.5, 94000, 0)
	f.mgr.Update(func(st *state.TradingState) bool {
		st.SetPosition("ETHUSDT", venue.Long, 3200, 3100)
		st.VenueUnrealizedPnl = state.Float(0)
		return true
	})

	rep := f.dog.RunOnce(context.Background())
	assert.True(t, rep.OrphanFound)

	orphanIssues := 0
	for _, is := range rep.Issues {
		if is.Check == "orphan_position" {
			orphanIssues++
			assert.Contains(t, is.Detail, "BTCUSDT")
			assert.NotContains(t, is.Detail, "ETHUSDT")
		}
	}
	assert.Equal(t, 1, orphanIssues)
}

func TestRunOnce_DriftedStopAdoptedIntoState(t *testing.T) {
	f := newFixture(t, Config{})
	f.fake.SetPosition("BTCUSDT", 0.5, 94000, 0)
	f.fake.SetMark("BTCUSDT", 94000)
	f.mgr.Update(func(st *state.TradingState) bool {
		st.SetPosition("BTCUSDT", venue.Long, 94000, 92000)
		st.VenueUnrealizedPnl = state.Float(0)
		return true
	})
	_, err := f.stops.Place(context.Background(), "BTCUSDT", venue.Long, 90000, 0.5)
	require.NoError(t, err)

	rep := f.dog.RunOnce(context.Background())
	assert.GreaterOrEqual(t, rep.AutoFixes, 1)

	// The venue's live protective order wins: the stored stop follows it and
	// the order itself is left alone.
	st := f.mgr.Snapshot()
	require.NotNil(t, st.StopLoss)
	assert.Equal(t, 90000.0, *st.StopLoss)
	tracked := f.stops.ActiveStops("BTCUSDT")
	require.Len(t, tracked, 1)
	assert.Equal(t, 90000.0, tracked[0].StopPrice)
}

func TestRunOnce_MissingStopIsReportedNotPlaced(t *testing.T) {
	f := newFixture(t, Config{})
	f.fake.SetPosition("BTCUSDT", 0.5, 94000, 0)
	f.fake.SetMark("BTCUSDT", 94000)
	f.mgr.Update(func(st *state.TradingState) bool {
		st.SetPosition("BTCUSDT", venue.Long, 94000, 92000)
		st.VenueUnrealizedPnl = state.Float(0)
		return true
	})

	rep := f.dog.RunOnce(context.Background())
	found := false
	for _, is := range rep.Issues {
		if is.Check == "stop_sync" {
			found = true
			assert.Equal(t, SeverityWarning, is.Severity)
		}
	}
	assert.True(t, found)
	assert.Empty(t, f.fake.Placed)
}

func TestRunOnce_RemovesStaleCheckpoint(t *testing.T) {
	f := newFixture(t, Config{CheckpointMaxAge: time.Minute})
	require.True(t, f.mgr.Checkpoint())

	path := f.mgr.Store().CheckpointPath()
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	rep := f.dog.RunOnce(context.Background())
	assert.GreaterOrEqual(t, rep.AutoFixes, 1)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRunOnce_FreshCheckpointKept(t *testing.T) {
	f := newFixture(t, Config{CheckpointMaxAge: time.Hour})
	require.True(t, f.mgr.Checkpoint())

	f.dog.RunOnce(context.Background())
	_, err := os.Stat(f.mgr.Store().CheckpointPath())
	assert.NoError(t, err)
}

func TestRunOnce_EmergencyFlagTriggersCriticalAlert(t *testing.T) {
	dir := t.TempDir()
	flag := filepath.Join(dir, "EMERGENCY_STOP")
	f := newFixture(t, Config{EmergencyFlagPath: flag})
	require.NoError(t, os.WriteFile(flag, nil, 0o644))

	rep := f.dog.RunOnce(context.Background())
	found := false
	for _, is := range rep.Issues {
		if is.Check == "emergency_flag" {
			found = true
			assert.Equal(t, SeverityCritical, is.Severity)
		}
	}
	assert.True(t, found)
	assert.NotEmpty(t, f.notify.messages())
}

func TestHealth_DegradesAndGoesCritical(t *testing.T) {
	f := newFixture(t, Config{})
	// Orphan position produces one critical issue per tick.
	f.fake.SetPosition("BTCUSDT", 0.5, 94000, 0)

	for i := 0; i < 5; i++ {
		f.dog.RunOnce(context.Background())
	}
	assert.Equal(t, Healthy, f.dog.Health())

	f.dog.RunOnce(context.Background())
	assert.Equal(t, Critical, f.dog.Health())

	s := f.dog.Status()
	assert.Equal(t, 6, s.Ticks)
	assert.Equal(t, 6, s.CriticalIssues)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t, Config{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.dog.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop on cancel")
	}
	assert.Greater(t, f.dog.Status().Ticks, 0)
}

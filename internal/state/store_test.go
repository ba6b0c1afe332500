package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vigil/internal/venue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveThenLoadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir(), 0)

	st := Default()
	st.SetPosition("BTCUSDT", venue.Long, 100, 95)
	require.True(t, s.Save(&st))
	assert.Equal(t, 1, st.SaveCount)
	assert.False(t, st.LastSave.IsZero())

	loaded := s.Load()
	require.True(t, loaded.InPosition())
	assert.Equal(t, "BTCUSDT", loaded.TrackedSymbol())
	assert.Equal(t, 100.0, *loaded.Entry)
	assert.Equal(t, 95.0, *loaded.StopLoss)
	assert.Equal(t, 5.0, *loaded.RiskDistance)
	assert.Equal(t, venue.Long, *loaded.Direction)
}

func TestStore_SaveIsAtomicAgainstPartialWrites(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 0)

	st := Default()
	st.Peak = 12345
	require.True(t, s.Save(&st))

	// A crash mid-write leaves a truncated temp file behind; the primary must
	// be untouched and the stray temp ignored by Load.
	stray := filepath.Join(dir, "state_crashed.json")
	require.NoError(t, os.WriteFile(stray, []byte(`{"peak": 99`), 0o644))

	loaded := s.Load()
	assert.Equal(t, 12345.0, loaded.Peak)
}

func TestStore_LoadFallsBackToCheckpointAndConsumesIt(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 0)

	st := Default()
	st.Peak = 777
	require.True(t, s.CheckpointNow(st))

	// Corrupt primary forces the fallback chain past step one.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engine_state.json"), []byte("not json"), 0o644))

	loaded := s.Load()
	assert.Equal(t, 777.0, loaded.Peak)

	// Checkpoint is single-use.
	assert.False(t, s.RecoveryStatus().CheckpointExists)
	again := s.Load()
	assert.Equal(t, DefaultPeak, again.Peak)
}

func TestStore_LoadFallsBackToNewestValidBackup(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 0)

	old := Default()
	old.Peak = 111
	require.True(t, s.Backup(old))
	time.Sleep(2 * time.Millisecond)
	newer := Default()
	newer.Peak = 222
	require.True(t, s.Backup(newer))

	// Corrupt primary and checkpoint.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engine_state.json"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "recovery_checkpoint.json"), []byte("x"), 0o644))

	loaded := s.Load()
	assert.Equal(t, 222.0, loaded.Peak)
}

func TestStore_LoadSkipsUnparseableBackups(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 0)

	good := Default()
	good.Peak = 333
	require.True(t, s.Backup(good))

	// A newer but corrupt backup must be skipped, not trusted.
	backupDir := filepath.Join(dir, "state_backups")
	corrupt := filepath.Join(backupDir, "state_backup_99999999_999999.999999999.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{broken"), 0o644))

	loaded := s.Load()
	assert.Equal(t, 333.0, loaded.Peak)
}

func TestStore_LoadReturnsDefaultWhenNothingValid(t *testing.T) {
	s := NewStore(t.TempDir(), 0)
	loaded := s.Load()
	assert.Equal(t, DefaultPeak, loaded.Peak)
	assert.False(t, loaded.InPosition())
}

func TestStore_StructuralValidityRequiresPeak(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 0)

	// Valid JSON but missing the peak field is not a usable record.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engine_state.json"),
		[]byte(`{"entry": 100}`), 0o644))

	loaded := s.Load()
	assert.Equal(t, DefaultPeak, loaded.Peak)
}

func TestStore_BackupPruneKeepsNewestN(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 3)

	for i := 0; i < 6; i++ {
		st := Default()
		st.Peak = float64(i)
		require.True(t, s.Backup(st))
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, 3, s.RecoveryStatus().BackupCount)

	loadedNames, err := os.ReadDir(filepath.Join(dir, "state_backups"))
	require.NoError(t, err)
	newest := loadedNames[len(loadedNames)-1]
	data, err := os.ReadFile(filepath.Join(dir, "state_backups", newest.Name()))
	require.NoError(t, err)
	var st TradingState
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, 5.0, st.Peak)
}

func TestStore_SaveCountIsMonotonic(t *testing.T) {
	s := NewStore(t.TempDir(), 0)
	st := Default()
	for i := 1; i <= 4; i++ {
		require.True(t, s.Save(&st))
		assert.Equal(t, i, st.SaveCount)
	}
	assert.Equal(t, 4, s.Load().SaveCount)
}

func TestTradingState_ClearPositionRestoresFlatShape(t *testing.T) {
	st := Default()
	st.SetPosition("ETHUSDT", venue.Short, 2000, 2100)
	st.TP1Done = true
	st.VenueUnrealizedPnl = Float(12)

	st.ClearPosition()
	assert.False(t, st.InPosition())
	assert.Nil(t, st.StopLoss)
	assert.Nil(t, st.RiskDistance)
	assert.False(t, st.TP1Done)
	assert.Nil(t, st.VenueUnrealizedPnl)
	assert.Equal(t, DefaultPeak, st.Peak)
}

package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"vigil/internal/logger"
)

const (
	stateFileName      = "engine_state.json"
	checkpointFileName = "recovery_checkpoint.json"
	backupDirName      = "state_backups"
	backupPrefix       = "state_backup_"
	backupTimeLayout   = "20060102_150405.000000000"
)

// DefaultKeepBackups is the number of backup snapshots retained.
const DefaultKeepBackups = 10

// Checkpoint is the disposable recovery snapshot written before risky
// operations and on shutdown. It is consumed (deleted) by the next load that
// uses it.
type Checkpoint struct {
	Timestamp time.Time    `json:"timestamp"`
	State     TradingState `json:"state"`
}

// RecoveryStatus summarizes what persistence artifacts currently exist.
type RecoveryStatus struct {
	PrimaryExists    bool `json:"primary_exists"`
	CheckpointExists bool `json:"checkpoint_exists"`
	BackupCount      int  `json:"backup_count"`
}

// Store persists one TradingState with a four-step recovery fallback chain:
// primary file, checkpoint, newest backup, compiled-in default. Load never
// fails; Save/CheckpointNow/Backup report success as a bool and never panic.
type Store struct {
	statePath      string
	checkpointPath string
	backupDir      string
	keepBackups    int
	mu             sync.Mutex
}

// NewStore roots all persistence artifacts under dir, creating the backup
// directory if needed.
func NewStore(dir string, keepBackups int) *Store {
	if keepBackups <= 0 {
		keepBackups = DefaultKeepBackups
	}
	backupDir := filepath.Join(dir, backupDirName)
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		logger.Errorf("state store: backup dir %s: %v", backupDir, err)
	}
	return &Store{
		statePath:      filepath.Join(dir, stateFileName),
		checkpointPath: filepath.Join(dir, checkpointFileName),
		backupDir:      backupDir,
		keepBackups:    keepBackups,
	}
}

// CheckpointPath exposes the checkpoint location for the watchdog's
// stale-checkpoint sweep.
func (s *Store) CheckpointPath() string { return s.checkpointPath }

// Load returns a usable TradingState, trying in order: primary file,
// recovery checkpoint (deleted on successful use), backups newest to oldest,
// and finally the compiled-in default. Every I/O or parse failure is absorbed
// as "try the next fallback".
func (s *Store) Load() TradingState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := decodeStateFile(s.statePath); ok {
		return st
	}

	if st, ok := s.consumeCheckpointLocked(); ok {
		logger.Warnf("state store: primary unusable, recovered from checkpoint")
		return st
	}

	for _, name := range s.backupNamesLocked() {
		if st, ok := decodeStateFile(filepath.Join(s.backupDir, name)); ok {
			logger.Warnf("state store: recovered from backup %s", name)
			return st
		}
	}

	logger.Warnf("state store: no usable persisted state, using defaults")
	return Default()
}

// Save atomically replaces the primary state file: the record is written to a
// temp file in the same directory and renamed over the primary, so a crash
// mid-write leaves the old file intact. SaveCount and LastSave are stamped
// before writing.
func (s *Store) Save(st *TradingState) bool {
	if st == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st.SaveCount++
	st.LastSave = time.Now()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		logger.Errorf("state store: marshal failed: %v", err)
		return false
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.statePath), "state_*.json")
	if err != nil {
		logger.Errorf("state store: temp file: %v", err)
		return false
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		logger.Errorf("state store: write failed: %v", err)
		return false
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return false
	}
	if err := os.Rename(tmpPath, s.statePath); err != nil {
		os.Remove(tmpPath)
		logger.Errorf("state store: rename failed: %v", err)
		return false
	}
	return true
}

// CheckpointNow writes the disposable recovery checkpoint. It is a best-effort
// plain write: the checkpoint is a hint, not the durable record, so it does
// not get the atomic-rename treatment.
func (s *Store) CheckpointNow(st TradingState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := Checkpoint{Timestamp: time.Now(), State: st}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return false
	}
	if err := os.WriteFile(s.checkpointPath, data, 0o644); err != nil {
		logger.Errorf("state store: checkpoint write failed: %v", err)
		return false
	}
	return true
}

// Backup writes an immutable timestamp-named snapshot and prunes the backup
// directory to the newest keepBackups files.
func (s *Store) Backup(st TradingState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := backupPrefix + time.Now().UTC().Format(backupTimeLayout) + ".json"
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return false
	}
	if err := os.WriteFile(filepath.Join(s.backupDir, name), data, 0o644); err != nil {
		logger.Errorf("state store: backup write failed: %v", err)
		return false
	}
	s.pruneBackupsLocked()
	return true
}

// RecoveryStatus reports which persistence artifacts exist right now.
func (s *Store) RecoveryStatus() RecoveryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RecoveryStatus{
		PrimaryExists:    fileExists(s.statePath),
		CheckpointExists: fileExists(s.checkpointPath),
		BackupCount:      len(s.backupNamesLocked()),
	}
}

func (s *Store) consumeCheckpointLocked() (TradingState, bool) {
	data, err := os.ReadFile(s.checkpointPath)
	if err != nil {
		return TradingState{}, false
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil || !structurallyValid(data, true) {
		return TradingState{}, false
	}
	// Single-use: a checkpoint that fed a successful load must not feed two.
	if err := os.Remove(s.checkpointPath); err != nil {
		logger.Warnf("state store: could not remove consumed checkpoint: %v", err)
	}
	return cp.State, true
}

// backupNamesLocked lists backup files newest first.
func (s *Store) backupNamesLocked() []string {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names
}

func (s *Store) pruneBackupsLocked() {
	names := s.backupNamesLocked()
	for i := s.keepBackups; i < len(names); i++ {
		if err := os.Remove(filepath.Join(s.backupDir, names[i])); err != nil {
			logger.Warnf("state store: prune %s: %v", names[i], err)
		}
	}
}

// decodeStateFile loads a TradingState if the file holds a structurally valid
// record: a JSON object carrying at least a peak field.
func decodeStateFile(path string) (TradingState, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TradingState{}, false
	}
	if !structurallyValid(data, false) {
		return TradingState{}, false
	}
	var st TradingState
	if err := json.Unmarshal(data, &st); err != nil {
		return TradingState{}, false
	}
	return st, true
}

// structurallyValid checks the minimum shape contract: a mapping containing a
// peak field, either top-level or (for checkpoints) under "state".
func structurallyValid(data []byte, nested bool) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	if nested {
		inner, ok := m["state"]
		if !ok {
			return false
		}
		return structurallyValid(inner, false)
	}
	_, ok := m["peak"]
	return ok
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

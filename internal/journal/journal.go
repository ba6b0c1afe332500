// Package journal implements the capped append-only diagnostic logs used by
// the resilience core: a JSON array on disk, rewritten in full on each append
// and trimmed to the newest N entries. These logs are diagnostic, not
// recovery-critical, so appends are best-effort and report success as a bool.
package journal

import (
	"encoding/json"
	"os"
	"sync"

	"vigil/internal/logger"
)

type Journal struct {
	path string
	cap  int
	mu   sync.Mutex
}

// New creates a journal at path retaining the newest cap entries.
func New(path string, cap int) *Journal {
	if cap <= 0 {
		cap = 100
	}
	return &Journal{path: path, cap: cap}
}

// Append marshals entry and appends it to the journal, trimming to capacity.
// A corrupt existing file is discarded and restarted rather than surfaced.
func (j *Journal) Append(entry any) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	raw, err := json.Marshal(entry)
	if err != nil {
		logger.Warnf("journal %s: marshal failed: %v", j.path, err)
		return false
	}
	entries := j.readLocked()
	entries = append(entries, raw)
	if len(entries) > j.cap {
		entries = entries[len(entries)-j.cap:]
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return false
	}
	if err := os.WriteFile(j.path, data, 0o644); err != nil {
		logger.Warnf("journal %s: write failed: %v", j.path, err)
		return false
	}
	return true
}

// Tail returns the newest n entries, oldest first. n <= 0 returns everything.
func (j *Journal) Tail(n int) []json.RawMessage {
	j.mu.Lock()
	defer j.mu.Unlock()
	entries := j.readLocked()
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries
}

// Len reports the number of stored entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.readLocked())
}

func (j *Journal) readLocked() []json.RawMessage {
	data, err := os.ReadFile(j.path)
	if err != nil {
		return nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil
	}
	return entries
}

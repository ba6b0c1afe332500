package state

import "sync"

// Manager holds the live in-memory TradingState and writes every accepted
// mutation through the Store. It is the single owner of the current state;
// everything else works on snapshots or inside Update closures.
type Manager struct {
	store *Store

	mu  sync.Mutex
	cur TradingState
}

// NewManager loads the current state through the store's fallback chain.
func NewManager(store *Store) *Manager {
	return &Manager{store: store, cur: store.Load()}
}

func (m *Manager) Store() *Store { return m.store }

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() TradingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Update runs fn on the live state under the lock. When fn reports a change
// the state is persisted; a failed persist does not roll the memory copy
// back, the next save retries.
func (m *Manager) Update(fn func(*TradingState) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !fn(&m.cur) {
		return false
	}
	m.store.Save(&m.cur)
	return true
}

// Replace installs st as the current state and persists it.
func (m *Manager) Replace(st TradingState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cur = st
	m.store.Save(&m.cur)
}

// Save persists the current state unconditionally.
func (m *Manager) Save() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Save(&m.cur)
}

// Checkpoint writes a best-effort recovery checkpoint of the current state.
func (m *Manager) Checkpoint() bool {
	m.mu.Lock()
	st := m.cur
	m.mu.Unlock()
	return m.store.CheckpointNow(st)
}

// Backup writes a timestamped backup of the current state.
func (m *Manager) Backup() bool {
	m.mu.Lock()
	st := m.cur
	m.mu.Unlock()
	return m.store.Backup(st)
}

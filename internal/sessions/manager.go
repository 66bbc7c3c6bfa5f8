// Package sessions tracks the agent session id for each workspace so a
// respawned container resumes the same conversation. The database row
// is the durable copy; an in-memory map keeps invocation setup off the
// database.
package sessions

import (
	"sync"

	"github.com/nextlevelbuilder/pynchy/internal/store"
)

// Manager is a write-through cache over a store.SessionStore. It
// implements the same interface, so wiring swaps it into the Stores
// aggregate and every consumer shares one cache.
type Manager struct {
	store store.SessionStore

	mu    sync.RWMutex
	cache map[string]string // folder -> session id, "" means known absent
}

func NewManager(st store.SessionStore) *Manager {
	return &Manager{store: st, cache: make(map[string]string)}
}

// Session returns the session id to resume for folder, or "" when the
// next spawn should start a fresh context.
func (m *Manager) Session(folder string) (string, error) {
	m.mu.RLock()
	id, ok := m.cache[folder]
	m.mu.RUnlock()
	if ok {
		return id, nil
	}

	id, err := m.store.Session(folder)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.cache[folder] = id
	m.mu.Unlock()
	return id, nil
}

// SetSession records the session id the container reported in its
// result event.
func (m *Manager) SetSession(folder, sessionID string) error {
	if err := m.store.SetSession(folder, sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	m.cache[folder] = sessionID
	m.mu.Unlock()
	return nil
}

// ClearSession wipes the mapping; the next spawn gets a fresh context.
func (m *Manager) ClearSession(folder string) error {
	if err := m.store.ClearSession(folder); err != nil {
		return err
	}
	m.mu.Lock()
	m.cache[folder] = ""
	m.mu.Unlock()
	return nil
}

var _ store.SessionStore = (*Manager)(nil)

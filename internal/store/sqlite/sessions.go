package sqlite

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/pynchy/internal/store"
)

type sessionStore struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]string // folder -> session id
}

func newSessionStore(db *sql.DB) *sessionStore {
	return &sessionStore{db: db, cache: make(map[string]string)}
}

func (s *sessionStore) Session(folder string) (string, error) {
	s.mu.RLock()
	if id, ok := s.cache[folder]; ok {
		s.mu.RUnlock()
		return id, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.cache[folder]; ok {
		return id, nil
	}

	var id string
	err := s.db.QueryRow(`SELECT session_id FROM sessions WHERE folder = ?`, folder).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load session for %s: %w", folder, err)
	}
	s.cache[folder] = id
	return id, nil
}

func (s *sessionStore) SetSession(folder, sessionID string) error {
	_, err := s.db.Exec(`INSERT INTO sessions (folder, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (folder) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		folder, sessionID, store.Now())
	if err != nil {
		return fmt.Errorf("save session for %s: %w", folder, err)
	}
	s.mu.Lock()
	s.cache[folder] = sessionID
	s.mu.Unlock()
	return nil
}

func (s *sessionStore) ClearSession(folder string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE folder = ?`, folder); err != nil {
		return fmt.Errorf("clear session for %s: %w", folder, err)
	}
	s.mu.Lock()
	delete(s.cache, folder)
	s.mu.Unlock()
	return nil
}

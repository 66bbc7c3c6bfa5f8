package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/pynchy/internal/store"
)

type groupStore struct {
	db *sql.DB

	mu       sync.RWMutex
	byJID    map[string]store.WorkspaceProfile
	byFolder map[string]string // folder -> jid
	loaded   bool
}

func newGroupStore(db *sql.DB) *groupStore {
	return &groupStore{
		db:       db,
		byJID:    make(map[string]store.WorkspaceProfile),
		byFolder: make(map[string]string),
	}
}

// load fills the cache once; registrations are few and read on every
// inbound message, so the whole table lives in memory.
func (s *groupStore) load() error {
	s.mu.RLock()
	if s.loaded {
		s.mu.RUnlock()
		return nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	rows, err := s.db.Query(`SELECT jid, folder, name, is_admin, periodic, require_tag, trigger_pattern, container_config, added_at
		FROM registered_groups`)
	if err != nil {
		return fmt.Errorf("load registered groups: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return err
		}
		s.byJID[p.JID] = p
		s.byFolder[p.Folder] = p.JID
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load registered groups: %w", err)
	}
	s.loaded = true
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(r rowScanner) (store.WorkspaceProfile, error) {
	var p store.WorkspaceProfile
	var cfg string
	if err := r.Scan(&p.JID, &p.Folder, &p.Name, &p.IsAdmin, &p.Periodic, &p.RequireTag, &p.TriggerPattern, &cfg, &p.AddedAt); err != nil {
		return p, fmt.Errorf("scan registered group: %w", err)
	}
	if cfg != "" && cfg != "{}" {
		if err := json.Unmarshal([]byte(cfg), &p.Overrides); err != nil {
			return p, fmt.Errorf("decode container config for %s: %w", p.Folder, err)
		}
	}
	return p, nil
}

func (s *groupStore) Register(p store.WorkspaceProfile) error {
	if err := s.load(); err != nil {
		return err
	}
	cfg, err := json.Marshal(p.Overrides)
	if err != nil {
		return fmt.Errorf("encode container config: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO registered_groups (jid, folder, name, is_admin, periodic, require_tag, trigger_pattern, container_config, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (jid) DO UPDATE SET
			folder = excluded.folder,
			name = excluded.name,
			is_admin = excluded.is_admin,
			periodic = excluded.periodic,
			require_tag = excluded.require_tag,
			trigger_pattern = excluded.trigger_pattern,
			container_config = excluded.container_config`,
		p.JID, p.Folder, p.Name, p.IsAdmin, p.Periodic, p.RequireTag, p.TriggerPattern, string(cfg), p.AddedAt)
	if err != nil {
		return fmt.Errorf("register group %s: %w", p.JID, err)
	}

	s.mu.Lock()
	if old, ok := s.byJID[p.JID]; ok && old.Folder != p.Folder {
		delete(s.byFolder, old.Folder)
	}
	s.byJID[p.JID] = p
	s.byFolder[p.Folder] = p.JID
	s.mu.Unlock()
	return nil
}

func (s *groupStore) Get(jid string) (*store.WorkspaceProfile, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.byJID[jid]; ok {
		cp := p
		return &cp, nil
	}
	return nil, nil
}

func (s *groupStore) GetByFolder(folder string) (*store.WorkspaceProfile, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if jid, ok := s.byFolder[folder]; ok {
		cp := s.byJID[jid]
		return &cp, nil
	}
	return nil, nil
}

func (s *groupStore) List() ([]store.WorkspaceProfile, error) {
	rows, err := s.db.Query(`SELECT jid, folder, name, is_admin, periodic, require_tag, trigger_pattern, container_config, added_at
		FROM registered_groups ORDER BY folder`)
	if err != nil {
		return nil, fmt.Errorf("list registered groups: %w", err)
	}
	defer rows.Close()

	var out []store.WorkspaceProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *groupStore) Unregister(jid string) error {
	if _, err := s.db.Exec(`DELETE FROM registered_groups WHERE jid = ?`, jid); err != nil {
		return fmt.Errorf("unregister group %s: %w", jid, err)
	}
	s.mu.Lock()
	if old, ok := s.byJID[jid]; ok {
		delete(s.byFolder, old.Folder)
		delete(s.byJID, jid)
	}
	s.mu.Unlock()
	return nil
}

package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/pynchy/internal/store"
)

type stateStore struct {
	db *sql.DB
}

func newStateStore(db *sql.DB) *stateStore {
	return &stateStore{db: db}
}

func (s *stateStore) Get(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM router_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load state %s: %w", key, err)
	}
	return v, nil
}

func (s *stateStore) Set(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO router_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	return nil
}

func (s *stateStore) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM router_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}

type memoryStore struct {
	db *sql.DB
}

func newMemoryStore(db *sql.DB) *memoryStore {
	return &memoryStore{db: db}
}

func (s *memoryStore) Add(folder, content, createdAt string) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO memories (folder, content, created_at) VALUES (?, ?, ?)`,
		folder, content, createdAt)
	if err != nil {
		return 0, fmt.Errorf("add memory for %s: %w", folder, err)
	}
	return res.LastInsertId()
}

func (s *memoryStore) List(folder string) ([]store.MemoryEntry, error) {
	rows, err := s.db.Query(`SELECT id, folder, content, created_at FROM memories
		WHERE folder = ? ORDER BY id`, folder)
	if err != nil {
		return nil, fmt.Errorf("list memories for %s: %w", folder, err)
	}
	defer rows.Close()

	var out []store.MemoryEntry
	for rows.Next() {
		var m store.MemoryEntry
		if err := rows.Scan(&m.ID, &m.Folder, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *memoryStore) Remove(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove memory %d: %w", id, err)
	}
	return nil
}

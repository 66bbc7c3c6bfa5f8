package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/pynchy/internal/store"
)

type aliasStore struct {
	db *sql.DB
}

func newAliasStore(db *sql.DB) *aliasStore {
	return &aliasStore{db: db}
}

func (s *aliasStore) Set(a store.Alias) error {
	_, err := s.db.Exec(`INSERT INTO jid_aliases (channel, local_jid, canonical_jid) VALUES (?, ?, ?)
		ON CONFLICT (channel, local_jid) DO UPDATE SET canonical_jid = excluded.canonical_jid`,
		a.Channel, a.LocalJID, a.Canonical)
	if err != nil {
		return fmt.Errorf("set alias %s/%s: %w", a.Channel, a.LocalJID, err)
	}
	return nil
}

func (s *aliasStore) Canonical(channel, localJID string) (string, error) {
	var canonical string
	err := s.db.QueryRow(`SELECT canonical_jid FROM jid_aliases WHERE channel = ? AND local_jid = ?`,
		channel, localJID).Scan(&canonical)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve alias %s/%s: %w", channel, localJID, err)
	}
	return canonical, nil
}

func (s *aliasStore) Local(channel, canonical string) (string, error) {
	var local string
	err := s.db.QueryRow(`SELECT local_jid FROM jid_aliases WHERE channel = ? AND canonical_jid = ?`,
		channel, canonical).Scan(&local)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve local jid %s/%s: %w", channel, canonical, err)
	}
	return local, nil
}

func (s *aliasStore) ForCanonical(canonical string) ([]store.Alias, error) {
	rows, err := s.db.Query(`SELECT channel, local_jid, canonical_jid FROM jid_aliases
		WHERE canonical_jid = ? ORDER BY channel`, canonical)
	if err != nil {
		return nil, fmt.Errorf("aliases for %s: %w", canonical, err)
	}
	defer rows.Close()

	var out []store.Alias
	for rows.Next() {
		var a store.Alias
		if err := rows.Scan(&a.Channel, &a.LocalJID, &a.Canonical); err != nil {
			return nil, fmt.Errorf("scan alias: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *aliasStore) Delete(channel, localJID string) error {
	if _, err := s.db.Exec(`DELETE FROM jid_aliases WHERE channel = ? AND local_jid = ?`,
		channel, localJID); err != nil {
		return fmt.Errorf("delete alias %s/%s: %w", channel, localJID, err)
	}
	return nil
}

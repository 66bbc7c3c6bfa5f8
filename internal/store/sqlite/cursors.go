package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/pynchy/internal/store"
)

type cursorStore struct {
	db *sql.DB
}

func newCursorStore(db *sql.DB) *cursorStore {
	return &cursorStore{db: db}
}

func (s *cursorStore) Cursor(channel, chatJID, direction string) (string, error) {
	var cur string
	err := s.db.QueryRow(`SELECT cursor FROM channel_cursors
		WHERE channel = ? AND chat_jid = ? AND direction = ?`,
		channel, chatJID, direction).Scan(&cur)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load cursor %s/%s/%s: %w", channel, chatJID, direction, err)
	}
	return cur, nil
}

// advanceStmt only moves the cursor forward; equal or older values are
// no-ops so a replayed batch can never rewind the watermark.
const advanceStmt = `INSERT INTO channel_cursors (channel, chat_jid, direction, cursor, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (channel, chat_jid, direction) DO UPDATE SET
		cursor = excluded.cursor,
		updated_at = excluded.updated_at
	WHERE excluded.cursor > channel_cursors.cursor`

func (s *cursorStore) Advance(channel, chatJID, direction, ts string) (bool, error) {
	res, err := s.db.Exec(advanceStmt, channel, chatJID, direction, ts, store.Now())
	if err != nil {
		return false, fmt.Errorf("advance cursor %s/%s/%s: %w", channel, chatJID, direction, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance cursor %s/%s/%s: %w", channel, chatJID, direction, err)
	}
	return n > 0, nil
}

func (s *cursorStore) CommitPair(channel, chatJID, inbound, outbound string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin cursor commit: %w", err)
	}
	defer tx.Rollback()

	now := store.Now()
	if inbound != "" {
		if _, err := tx.Exec(advanceStmt, channel, chatJID, store.DirectionInbound, inbound, now); err != nil {
			return fmt.Errorf("commit inbound cursor %s/%s: %w", channel, chatJID, err)
		}
	}
	if outbound != "" {
		if _, err := tx.Exec(advanceStmt, channel, chatJID, store.DirectionOutbound, outbound, now); err != nil {
			return fmt.Errorf("commit outbound cursor %s/%s: %w", channel, chatJID, err)
		}
	}
	return tx.Commit()
}

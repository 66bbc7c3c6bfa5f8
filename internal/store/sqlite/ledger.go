package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/pynchy/internal/store"
)

type ledgerStore struct {
	db *sql.DB
}

func newLedgerStore(db *sql.DB) *ledgerStore {
	return &ledgerStore{db: db}
}

func (s *ledgerStore) CreateBroadcast(chatJID, kind, content string, channels []string) (string, error) {
	id := uuid.NewString()
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin broadcast: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO outbound_ledger (id, chat_jid, kind, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, chatJID, kind, content, store.Now()); err != nil {
		return "", fmt.Errorf("insert ledger entry: %w", err)
	}
	for _, ch := range channels {
		if _, err := tx.Exec(`INSERT INTO outbound_deliveries (ledger_id, channel) VALUES (?, ?)`,
			id, ch); err != nil {
			return "", fmt.Errorf("insert delivery for %s: %w", ch, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit broadcast: %w", err)
	}
	return id, nil
}

func (s *ledgerStore) Pending(channel, chatJID string) ([]store.PendingDelivery, error) {
	rows, err := s.db.Query(`SELECT l.id, d.channel, l.chat_jid, l.kind, l.content, d.attempts, l.created_at
		FROM outbound_deliveries d
		JOIN outbound_ledger l ON l.id = d.ledger_id
		WHERE d.channel = ? AND l.chat_jid = ? AND d.delivered_at IS NULL
		ORDER BY l.created_at, l.rowid`, channel, chatJID)
	if err != nil {
		return nil, fmt.Errorf("pending deliveries %s/%s: %w", channel, chatJID, err)
	}
	defer rows.Close()

	var out []store.PendingDelivery
	for rows.Next() {
		var p store.PendingDelivery
		if err := rows.Scan(&p.LedgerID, &p.Channel, &p.ChatJID, &p.Kind, &p.Content, &p.Attempts, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending delivery: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *ledgerStore) MarkDelivered(ledgerID, channel, deliveredAt string) error {
	_, err := s.db.Exec(`UPDATE outbound_deliveries
		SET delivered_at = ?, error_message = ''
		WHERE ledger_id = ? AND channel = ?`, deliveredAt, ledgerID, channel)
	if err != nil {
		return fmt.Errorf("mark delivered %s/%s: %w", ledgerID, channel, err)
	}
	return nil
}

func (s *ledgerStore) MarkFailed(ledgerID, channel, errMsg string) error {
	_, err := s.db.Exec(`UPDATE outbound_deliveries
		SET attempts = attempts + 1, error_message = ?
		WHERE ledger_id = ? AND channel = ?`, errMsg, ledgerID, channel)
	if err != nil {
		return fmt.Errorf("mark failed %s/%s: %w", ledgerID, channel, err)
	}
	return nil
}

func (s *ledgerStore) GC(olderThan string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM outbound_ledger
		WHERE created_at < ? AND NOT EXISTS (
			SELECT 1 FROM outbound_deliveries d
			WHERE d.ledger_id = outbound_ledger.id AND d.delivered_at IS NULL)`,
		olderThan)
	if err != nil {
		return 0, fmt.Errorf("gc ledger: %w", err)
	}
	return res.RowsAffected()
}

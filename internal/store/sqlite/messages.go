package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/pynchy/internal/store"
)

type messageStore struct {
	db *sql.DB
}

func newMessageStore(db *sql.DB) *messageStore {
	return &messageStore{db: db}
}

const messageColumns = `id, chat_jid, sender, sender_name, is_from_me, message_type, content, metadata, timestamp`

func (s *messageStore) Put(m store.Message) (bool, error) {
	res, err := s.db.Exec(`INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, chat_jid) DO NOTHING`,
		m.ID, m.ChatJID, m.Sender, m.SenderName, m.IsFromMe, m.Type, m.Content, m.Metadata, m.Timestamp)
	if err != nil {
		return false, fmt.Errorf("store message %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store message %s: %w", m.ID, err)
	}
	return n > 0, nil
}

func scanMessages(rows *sql.Rows) ([]store.Message, error) {
	defer rows.Close()
	var out []store.Message
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Sender, &m.SenderName, &m.IsFromMe, &m.Type, &m.Content, &m.Metadata, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// reverse puts a newest-first page back into chronological order.
func reverse(ms []store.Message) []store.Message {
	for i, j := 0, len(ms)-1; i < j; i, j = i+1, j-1 {
		ms[i], ms[j] = ms[j], ms[i]
	}
	return ms
}

func (s *messageStore) History(jid string, limit int) ([]store.Message, error) {
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages
		WHERE chat_jid = ? AND message_type != ?
		ORDER BY timestamp DESC, id DESC LIMIT ?`,
		jid, store.MessageHost, limit)
	if err != nil {
		return nil, fmt.Errorf("message history for %s: %w", jid, err)
	}
	ms, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	return reverse(ms), nil
}

func (s *messageStore) Recent(jid string, limit int) ([]store.Message, error) {
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages
		WHERE chat_jid = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?`, jid, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages for %s: %w", jid, err)
	}
	ms, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	return reverse(ms), nil
}

func (s *messageStore) Since(jid, ts string) ([]store.Message, error) {
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages
		WHERE chat_jid = ? AND timestamp > ? AND message_type != ?
		ORDER BY timestamp, id`, jid, ts, store.MessageHost)
	if err != nil {
		return nil, fmt.Errorf("messages since %s for %s: %w", ts, jid, err)
	}
	return scanMessages(rows)
}

func (s *messageStore) UpsertChat(jid, name, lastSeen string) error {
	_, err := s.db.Exec(`INSERT INTO chats (jid, name, last_seen) VALUES (?, ?, ?)
		ON CONFLICT (jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			last_seen = MAX(chats.last_seen, excluded.last_seen)`,
		jid, name, lastSeen)
	if err != nil {
		return fmt.Errorf("upsert chat %s: %w", jid, err)
	}
	return nil
}

func (s *messageStore) Chats(limit int) ([]store.ChatInfo, error) {
	rows, err := s.db.Query(`SELECT jid, name, last_seen FROM chats
		ORDER BY last_seen DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []store.ChatInfo
	for rows.Next() {
		var c store.ChatInfo
		if err := rows.Scan(&c.JID, &c.Name, &c.LastSeen); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Package channels fans outbound messages across the connected chat
// surfaces and funnels every inbound message through one ingest path.
// Delivery is ledger-backed: a broadcast writes the ledger before the
// first send attempt, and the reconciler retries whatever has not
// landed, in insertion order per (channel, chat).
package channels

import (
	"context"
	"strings"
)

// Inbound is one message received from a channel. ChatJID is the
// channel-local chat id until Ingest remaps it to the canonical
// workspace jid. Timestamp uses store.FormatTime.
type Inbound struct {
	ID         string
	ChatJID    string
	ChatName   string
	SenderID   string
	SenderName string
	Content    string
	Timestamp  string
	FromMe     bool
}

// Channel is one connected chat surface.
type Channel interface {
	// Name is the registry key ("webchat", "whatsapp", ...).
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// SendMessage posts content to a channel-local chat id and returns
	// the platform's message id when it assigns one.
	SendMessage(ctx context.Context, chatID, content string) (string, error)
	// Owns reports whether jid belongs to this channel's namespace.
	// Consulted when no alias maps the canonical jid to a local id.
	Owns(jid string) bool
	Connected() bool
}

// Editor is a channel that can rewrite a sent message in place, which
// is what makes streamed previews possible.
type Editor interface {
	Channel
	UpdateMessage(ctx context.Context, chatID, messageID, content string) error
}

// HistoryFetcher is a channel that can page messages after a cursor,
// so the reconciler can backfill whatever arrived while the host was
// down.
type HistoryFetcher interface {
	Channel
	// FetchInboundSince returns messages in chatID newer than cursor,
	// oldest first, plus the page's high-water timestamp. The high
	// water covers bot-authored traffic too, so a page with no user
	// messages still advances the cursor.
	FetchInboundSince(ctx context.Context, chatID, cursor string) ([]Inbound, string, error)
}

// Ingestor accepts inbound messages from channel implementations.
// Satisfied by *Manager; split out so channels don't hold the concrete
// manager.
type Ingestor interface {
	Ingest(ctx context.Context, channel string, msg Inbound) (bool, error)
}

// senderAllowed matches senderID against an allowlist. Both sides may
// use the compound "id|username" form; either half matches, and a
// leading "@" on an entry is ignored. An empty list allows everyone.
func senderAllowed(allow []string, senderID string) bool {
	if len(allow) == 0 {
		return true
	}
	idPart, userPart, _ := strings.Cut(senderID, "|")
	for _, entry := range allow {
		entry = strings.TrimPrefix(entry, "@")
		allowedID, allowedUser, _ := strings.Cut(entry, "|")
		if senderID == entry || idPart == entry || idPart == allowedID {
			return true
		}
		if userPart != "" && (userPart == entry || userPart == allowedUser) {
			return true
		}
		if allowedUser != "" && senderID == allowedUser {
			return true
		}
	}
	return false
}

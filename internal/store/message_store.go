package store

// Message type tags. Host messages are operational notices shown to
// humans but excluded from agent history.
const (
	MessageUser       = "user"
	MessageAssistant  = "assistant"
	MessageSystem     = "system"
	MessageHost       = "host"
	MessageToolResult = "tool_result"
	MessageSecurity   = "security"
)

// Message is one chat message as stored by the router. (ID, ChatJID)
// is the dedupe key across channels.
type Message struct {
	ID         string
	ChatJID    string
	Sender     string
	SenderName string
	IsFromMe   bool
	Type       string
	Content    string
	Metadata   string
	Timestamp  string
}

// MessageStore persists chat transcripts and the chat directory.
type MessageStore interface {
	// Put inserts m. Rows whose (ID, ChatJID) already exists are
	// ignored; Put reports whether the row was inserted.
	Put(m Message) (bool, error)
	// History returns up to limit agent-visible messages for jid in
	// chronological order. Host messages are never included.
	History(jid string, limit int) ([]Message, error)
	// Recent returns up to limit messages of every type for jid in
	// chronological order, for human-facing views.
	Recent(jid string, limit int) ([]Message, error)
	// Since returns messages for jid newer than ts, oldest first,
	// host messages excluded.
	Since(jid, ts string) ([]Message, error)
	// UpsertChat records that a chat exists and when it was last seen.
	UpsertChat(jid, name, lastSeen string) error
	// Chats lists known chats, most recently seen first.
	Chats(limit int) ([]ChatInfo, error)
}

package store

// LedgerEntry is one outbound broadcast. Each entry fans out into one
// Delivery per target channel.
type LedgerEntry struct {
	ID        string
	ChatJID   string
	Kind      string
	Content   string
	CreatedAt string
}

// Delivery is the per-channel delivery state of a ledger entry. A nil
// DeliveredAt means the row is still pending.
type Delivery struct {
	LedgerID     string
	Channel      string
	Attempts     int
	DeliveredAt  string
	ErrorMessage string
}

// PendingDelivery joins a pending delivery row with its ledger payload
// for the reconciler's send loop.
type PendingDelivery struct {
	LedgerID  string
	Channel   string
	ChatJID   string
	Kind      string
	Content   string
	Attempts  int
	CreatedAt string
}

// LedgerStore persists the outbound ledger and its delivery rows.
type LedgerStore interface {
	// CreateBroadcast inserts one ledger entry plus one pending
	// delivery row per channel, all in a single transaction, and
	// returns the ledger id.
	CreateBroadcast(chatJID, kind, content string, channels []string) (string, error)
	// Pending returns undelivered rows for (channel, chatJID) in
	// insertion order.
	Pending(channel, chatJID string) ([]PendingDelivery, error)
	// MarkDelivered stamps delivered_at and clears any prior error.
	MarkDelivered(ledgerID, channel, deliveredAt string) error
	// MarkFailed records errMsg and bumps the attempt count; the row
	// stays pending.
	MarkFailed(ledgerID, channel, errMsg string) error
	// GC deletes ledger entries created before olderThan whose
	// deliveries have all been delivered, and returns the count.
	GC(olderThan string) (int64, error)
}

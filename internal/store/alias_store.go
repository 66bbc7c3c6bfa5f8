package store

// Alias maps a channel-native chat id to the canonical workspace jid so
// one workspace is reachable from several channels.
type Alias struct {
	Channel   string
	LocalJID  string
	Canonical string
}

// AliasStore persists jid aliases. Inbound traffic normalizes local ids
// to canonical, outbound traffic resolves canonical back to the
// channel-specific address.
type AliasStore interface {
	// Set inserts or replaces the alias for (channel, localJID).
	Set(a Alias) error
	// Canonical returns the canonical jid for a channel-local id, or
	// "" when no alias exists.
	Canonical(channel, localJID string) (string, error)
	// Local returns the channel-local id for a canonical jid, or ""
	// when the channel has no alias for it.
	Local(channel, canonical string) (string, error)
	// ForCanonical lists every alias pointing at canonical.
	ForCanonical(canonical string) ([]Alias, error)
	// Delete removes the alias for (channel, localJID).
	Delete(channel, localJID string) error
}

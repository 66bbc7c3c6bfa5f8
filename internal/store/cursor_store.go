package store

// Cursor directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// CursorStore persists per-(channel, chat, direction) high-watermarks.
// Cursors are FormatTime strings, so lexicographic comparison matches
// chronological order; a cursor never moves backward.
type CursorStore interface {
	// Cursor returns the stored watermark, or "" when none exists.
	Cursor(channel, chatJID, direction string) (string, error)
	// Advance raises the watermark to ts if ts is greater. It
	// reports whether the cursor moved.
	Advance(channel, chatJID, direction, ts string) (bool, error)
	// CommitPair advances both directions in a single transaction.
	// Either watermark may be "" to leave that direction untouched.
	// Each direction individually keeps its monotonic guarantee.
	CommitPair(channel, chatJID, inbound, outbound string) error
}

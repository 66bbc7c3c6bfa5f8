// Package store defines the persistence contracts for the gateway.
//
// Every store handles one concern. Implementations live in subpackages
// (sqlite is the only one today); factories there assemble the Stores
// container that the orchestrator threads through its components.
package store

import "time"

// TimeLayout renders timestamps with fixed-width millisecond precision.
// UTC values compare lexicographically in timestamp order, which the
// cursor and ledger queries rely on.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Now returns the current time rendered with FormatTime.
func Now() string {
	return FormatTime(time.Now())
}

// ParseTime parses a timestamp previously written by FormatTime. It
// also accepts plain RFC 3339 for rows imported from older data.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// Stores aggregates every store the gateway needs.
type Stores struct {
	Groups   GroupStore
	Messages MessageStore
	Tasks    TaskStore
	Sessions SessionStore
	Cursors  CursorStore
	Ledger   LedgerStore
	Aliases  AliasStore
	State    RouterStateStore
	Memories MemoryStore
}

// Close releases the underlying database handle.
type Closer interface {
	Close() error
}

package store

// SessionStore maps workspace folders to agent session identifiers so
// a respawned container resumes the same conversation.
type SessionStore interface {
	// Session returns the stored session id for folder, or "".
	Session(folder string) (string, error)
	// SetSession stores or replaces the session id for folder.
	SetSession(folder, sessionID string) error
	// ClearSession removes the mapping, forcing a fresh context on
	// the next spawn.
	ClearSession(folder string) error
}

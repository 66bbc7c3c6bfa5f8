package store

// RouterStateStore is a small key/value bucket for router bookkeeping
// such as per-(channel, jid) reconcile stamps and the startup marker.
type RouterStateStore interface {
	// Get returns the value for key, or "" when unset.
	Get(key string) (string, error)
	// Set stores value under key, replacing any prior value.
	Set(key, value string) error
	// Delete removes key.
	Delete(key string) error
}

// MemoryEntry is one durable note a workspace asked the host to keep.
type MemoryEntry struct {
	ID        int64
	Folder    string
	Content   string
	CreatedAt string
}

// MemoryStore persists per-workspace memories.
type MemoryStore interface {
	// Add appends a memory for folder and returns its id.
	Add(folder, content, createdAt string) (int64, error)
	// List returns memories for folder, oldest first.
	List(folder string) ([]MemoryEntry, error)
	// Remove deletes one memory by id.
	Remove(id int64) error
}

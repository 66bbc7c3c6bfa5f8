package security

import (
	"log/slog"
	"sync"
)

type gateKey struct {
	folder       string
	invocationTS string
}

// Registry holds the live gates. Gates are keyed by (folder, invocation
// timestamp) so concurrent invocations never share taint state; the latest
// gate per folder is tracked for lookups that only know the workspace.
type Registry struct {
	inspector Inspector

	mu     sync.RWMutex
	gates  map[gateKey]*Gate
	latest map[string]string
}

// NewRegistry builds an empty gate registry.
func NewRegistry(inspector Inspector) *Registry {
	return &Registry{
		inspector: inspector,
		gates:     make(map[gateKey]*Gate),
		latest:    make(map[string]string),
	}
}

// Create opens a clean gate for a new invocation and makes it the folder's
// latest.
func (r *Registry) Create(folder, invocationTS string, policy *WorkspaceSecurity) *Gate {
	g := NewGate(folder, invocationTS, policy, r.inspector)
	r.mu.Lock()
	r.gates[gateKey{folder, invocationTS}] = g
	r.latest[folder] = invocationTS
	r.mu.Unlock()
	slog.Debug("security.gate.created", "folder", folder, "invocation_ts", invocationTS)
	return g
}

// Get returns the gate for an exact (folder, invocation) pair, or nil.
func (r *Registry) Get(folder, invocationTS string) *Gate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gates[gateKey{folder, invocationTS}]
}

// ForGroup returns the folder's most recently created gate, or nil when the
// workspace has no live invocation.
func (r *Registry) ForGroup(folder string) *Gate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.latest[folder]
	if !ok {
		return nil
	}
	return r.gates[gateKey{folder, ts}]
}

// Destroy drops a gate. The folder's latest pointer is cleared only when it
// still points at the destroyed invocation.
func (r *Registry) Destroy(folder, invocationTS string) {
	r.mu.Lock()
	delete(r.gates, gateKey{folder, invocationTS})
	if r.latest[folder] == invocationTS {
		delete(r.latest, folder)
	}
	r.mu.Unlock()
	slog.Debug("security.gate.destroyed", "folder", folder, "invocation_ts", invocationTS)
}

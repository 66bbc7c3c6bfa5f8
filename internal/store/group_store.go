package store

// MountSpec is an extra bind mount granted to one workspace.
type MountSpec struct {
	Host      string `json:"host"`
	Container string `json:"container"`
	ReadOnly  bool   `json:"read_only,omitempty"`
}

// MCPServerRef names a catalog server the workspace uses, with the kwargs
// that parameterize its instance. Workspaces whose refs hash to the same
// (server, kwargs) share one instance.
type MCPServerRef struct {
	Server string            `json:"server"`
	Kwargs map[string]string `json:"kwargs,omitempty"`
}

// ContainerOverrides is the per-workspace container_config payload. A
// zero value means the workspace runs with global defaults.
type ContainerOverrides struct {
	Sandbox          string         `json:"sandbox,omitempty"`
	Image            string         `json:"image,omitempty"`
	MergePolicy      string         `json:"merge_policy,omitempty"`
	ProjectAccess    *bool          `json:"project_access,omitempty"`
	AdditionalMounts []MountSpec    `json:"additional_mounts,omitempty"`
	MCPServers       []MCPServerRef `json:"mcp_servers,omitempty"`
}

// WorkspaceProfile is a registered chat-to-workspace binding. Folder is
// the workspace identity used for filesystem layout, container naming
// and trust lookups; JID is the chat the workspace is bound to.
type WorkspaceProfile struct {
	JID      string
	Folder   string
	Name     string
	IsAdmin  bool
	Periodic bool
	// RequireTag gates waking on the trigger appearing in the message.
	// TriggerPattern overrides the deployment-wide trigger for this
	// workspace; empty means use the default.
	RequireTag     bool
	TriggerPattern string
	Overrides      ContainerOverrides
	AddedAt        string
}

// GroupStore persists workspace registrations.
type GroupStore interface {
	// Register inserts or replaces the binding for p.JID.
	Register(p WorkspaceProfile) error
	// Get returns the profile bound to jid, or nil when unregistered.
	Get(jid string) (*WorkspaceProfile, error)
	// GetByFolder returns the profile owning folder, or nil.
	GetByFolder(folder string) (*WorkspaceProfile, error)
	// List returns every registration ordered by folder.
	List() ([]WorkspaceProfile, error)
	// Unregister removes the binding for jid.
	Unregister(jid string) error
}

// ChatInfo is a chat the router has seen, registered or not.
type ChatInfo struct {
	JID      string
	Name     string
	LastSeen string
}

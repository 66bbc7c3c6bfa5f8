package config

import (
	"strings"

	"github.com/nextlevelbuilder/pynchy/internal/security"
)

// ResolveWorkspaceSecurity folds the security cascade for one chat:
// [workspace_defaults] → [connection.<ch>.security] →
// [connection.<ch>.chat.<jid>.security] → [sandbox.<name>.security].
// Later layers override earlier ones field by field; service records are
// merged per service, per field.
func (c *Config) ResolveWorkspaceSecurity(channel, jid, sandbox string) *security.WorkspaceSecurity {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := &security.WorkspaceSecurity{Services: make(map[string]security.TrustRecord)}
	applyLayer(out, &c.WorkspaceDefaults)

	if conn, ok := c.Connections[channel]; ok {
		applyLayer(out, conn.Security)
		if chat, ok := conn.Chats[jid]; ok {
			applyLayer(out, chat.Security)
		}
	}
	if sandbox != "" {
		if sb, ok := c.Sandboxes[sandbox]; ok {
			applyLayer(out, sb.Security)
		}
	}
	return out
}

func applyLayer(dst *security.WorkspaceSecurity, layer *SecurityLayer) {
	if layer == nil {
		return
	}
	if layer.ContainsSecrets != nil {
		dst.ContainsSecrets = *layer.ContainsSecrets
	}
	if layer.AllowedSenders != nil {
		dst.AllowedSenders = append([]string(nil), layer.AllowedSenders...)
	}
	for name, rec := range layer.Services {
		dst.Services[name] = dst.Services[name].Overlay(rec)
	}
}

// ProjectAccess reports whether the chat's cascade grants project access.
func (c *Config) ProjectAccess(channel, jid, sandbox string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	access := false
	collect := func(layer *SecurityLayer) {
		if layer != nil && layer.ProjectAccess != nil {
			access = *layer.ProjectAccess
		}
	}
	collect(&c.WorkspaceDefaults)
	if conn, ok := c.Connections[channel]; ok {
		collect(conn.Security)
		if chat, ok := conn.Chats[jid]; ok {
			collect(chat.Security)
		}
	}
	if sandbox != "" {
		if sb, ok := c.Sandboxes[sandbox]; ok {
			collect(sb.Security)
		}
	}
	return access
}

// ChannelForJID extracts the channel name from a channel-namespaced jid
// such as "slack:C123". JIDs without a prefix (e.g. "123@g.us") belong to
// whichever channel claims them via jid_aliases; "" is returned here.
func ChannelForJID(jid string) string {
	if ch, _, ok := strings.Cut(jid, ":"); ok && !strings.Contains(ch, "@") {
		return ch
	}
	return ""
}

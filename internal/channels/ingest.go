package channels

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/pynchy/internal/bus"
	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

// Ingest runs one inbound message through the shared pipeline: alias
// remap to the canonical jid, (id, jid) dedupe, sender allowlist,
// store, enqueue. Live channel pushes and reconciler backfills both
// land here, so a message fetched twice or seen on two channels is
// ingested once. Reports whether the message was new.
func (m *Manager) Ingest(ctx context.Context, channel string, msg Inbound) (bool, error) {
	if msg.FromMe {
		// Own traffic only moves cursors; the broadcast path already
		// recorded the content under our ids.
		return false, nil
	}

	canonical, err := m.stores.Aliases.Canonical(channel, msg.ChatJID)
	if err != nil {
		return false, err
	}
	if canonical == "" {
		canonical = msg.ChatJID
	}

	profile, err := m.stores.Groups.Get(canonical)
	if err != nil {
		return false, err
	}
	if profile != nil && !profile.IsAdmin && m.policy != nil {
		sec := m.policy.ResolveWorkspaceSecurity(channel, canonical, profile.Overrides.Sandbox)
		if !senderAllowed(sec.AllowedSenders, msg.SenderID) {
			slog.Warn("channels.sender_rejected",
				"channel", channel, "jid", canonical, "sender", msg.SenderID)
			return false, nil
		}
	}

	ts := msg.Timestamp
	if ts == "" {
		ts = store.Now()
	}
	inserted, err := m.stores.Messages.Put(store.Message{
		ID:         msg.ID,
		ChatJID:    canonical,
		Sender:     msg.SenderID,
		SenderName: msg.SenderName,
		Type:       store.MessageUser,
		Content:    msg.Content,
		Timestamp:  ts,
	})
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	if err := m.stores.Messages.UpsertChat(canonical, msg.ChatName, ts); err != nil {
		slog.Error("channels.chat_upsert_failed", "jid", canonical, "error", err)
	}

	m.events.Broadcast(bus.Event{Name: protocol.EventMessageReceived, Payload: map[string]string{
		"jid":     canonical,
		"channel": channel,
		"sender":  msg.SenderID,
	}})

	if profile != nil && m.shouldWake(profile, msg.Content) {
		m.queue.EnqueueMessageCheck(canonical)
	}
	return true, nil
}

// shouldWake decides whether an accepted message starts a drain cycle.
// Tag-gated workspaces only wake when the trigger appears; a workspace
// trigger_pattern overrides the deployment default.
func (m *Manager) shouldWake(p *store.WorkspaceProfile, content string) bool {
	if !p.RequireTag {
		return true
	}
	trigger := p.TriggerPattern
	if trigger == "" {
		trigger = m.trigger
	}
	return strings.Contains(strings.ToLower(content), strings.ToLower(trigger))
}

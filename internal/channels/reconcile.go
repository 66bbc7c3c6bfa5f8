package channels

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/internal/telemetry"
)

// Reconcile sweeps every (connected channel, registered workspace)
// pair past its cooldown: backfill inbound messages from the channel's
// history, then retry pending outbound deliveries in order. The loop
// calls it every interval; tests call it directly.
func (m *Manager) Reconcile(ctx context.Context) {
	profiles, err := m.stores.Groups.List()
	if err != nil {
		slog.Error("channels.reconcile_list_failed", "error", err)
		return
	}
	now := time.Now()
	for _, ch := range m.snapshot() {
		if !ch.Connected() {
			continue
		}
		for _, p := range profiles {
			if ctx.Err() != nil {
				return
			}
			key := ch.Name() + "\x00" + p.JID
			m.reconMu.Lock()
			last := m.reconciled[key]
			due := now.Sub(last) >= m.cooldown
			if due {
				m.reconciled[key] = now
			}
			m.reconMu.Unlock()
			if !due {
				continue
			}
			m.reconcilePair(ctx, ch, p.JID)
		}
	}
}

// reconcilePair runs both directions for one channel and chat, then
// commits the two cursors together.
func (m *Manager) reconcilePair(ctx context.Context, ch Channel, chatJID string) {
	name := ch.Name()
	addr, err := m.stores.Aliases.Local(name, chatJID)
	if err != nil {
		slog.Error("channels.alias_lookup_failed", "channel", name, "jid", chatJID, "error", err)
		return
	}
	if addr == "" {
		if !ch.Owns(chatJID) {
			return
		}
		addr = chatJID
	}

	ctx, span := m.tracer.Start(ctx, telemetry.SpanChannelReconcile,
		trace.WithAttributes(
			attribute.String(telemetry.AttrChannel, name),
			attribute.String(telemetry.AttrChatJID, chatJID),
		))
	defer span.End()

	inCursor := m.reconcileInbound(ctx, ch, chatJID, addr)

	if err := m.drainOutbound(ctx, ch, chatJID, addr); err != nil {
		slog.Error("channels.reconcile_outbound_failed", "channel", name, "jid", chatJID, "error", err)
	}

	if inCursor != "" {
		if err := m.stores.Cursors.CommitPair(name, chatJID, inCursor, ""); err != nil {
			slog.Error("channels.cursor_commit_failed", "channel", name, "jid", chatJID, "error", err)
		}
	}
}

// reconcileInbound pages messages newer than the stored cursor through
// Ingest and returns the new watermark, or "" when nothing moved. The
// watermark takes the page's high-water mark even when every message
// was ours, so bot-only traffic still makes progress.
func (m *Manager) reconcileInbound(ctx context.Context, ch Channel, chatJID, addr string) string {
	hf, ok := ch.(HistoryFetcher)
	if !ok {
		return ""
	}
	name := ch.Name()
	cursor, err := m.stores.Cursors.Cursor(name, chatJID, store.DirectionInbound)
	if err != nil {
		slog.Error("channels.cursor_read_failed", "channel", name, "jid", chatJID, "error", err)
		return ""
	}
	msgs, highWater, err := hf.FetchInboundSince(ctx, addr, cursor)
	if err != nil {
		slog.Warn("channels.fetch_inbound_failed", "channel", name, "jid", chatJID, "error", err)
		return ""
	}

	watermark := highWater
	for _, msg := range msgs {
		if _, err := m.Ingest(ctx, name, msg); err != nil {
			slog.Error("channels.reconcile_ingest_failed",
				"channel", name, "jid", chatJID, "message_id", msg.ID, "error", err)
			continue
		}
		if msg.Timestamp > watermark {
			watermark = msg.Timestamp
		}
	}
	return watermark
}

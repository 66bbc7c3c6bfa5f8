package channels

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/pynchy/internal/bus"
	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

// stream accumulates one invocation's text output and tracks the
// preview message posted per editing channel.
type stream struct {
	mu      sync.Mutex
	buf     strings.Builder
	limiter *rate.Limiter
	msgIDs  map[string]string
}

// StreamDelta appends a text chunk to the chat's live stream and,
// subject to the edit throttle, pushes the rendered preview to every
// channel that can edit in place. The first push posts the message;
// later pushes rewrite it.
func (m *Manager) StreamDelta(ctx context.Context, chatJID, delta string) {
	if delta == "" {
		return
	}
	s := m.streamFor(chatJID)
	s.mu.Lock()
	s.buf.WriteString(delta)
	push := s.limiter.Allow()
	text := s.buf.String()
	s.mu.Unlock()

	m.events.Broadcast(bus.Event{Name: protocol.EventStreamChunk, Payload: map[string]string{
		"jid":  chatJID,
		"text": delta,
	}})

	if push {
		m.pushPreview(ctx, chatJID, s, renderStreamText(text))
	}
}

// FinishStream closes the chat's stream: host blocks become
// operational notices, the visible remainder is broadcast through the
// ledger, and channels that already hold a preview get a final edit
// instead of a duplicate message.
func (m *Manager) FinishStream(ctx context.Context, chatJID string) error {
	s := m.popStream(chatJID)
	if s == nil {
		return nil
	}
	visible, hostNotes := finalizeStreamText(s.buf.String())

	var firstErr error
	for _, note := range hostNotes {
		if err := m.BroadcastHost(ctx, chatJID, note); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if visible == "" {
		return firstErr
	}
	if err := m.broadcast(ctx, chatJID, store.MessageAssistant, visible, s.msgIDs); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// DiscardStream drops the chat's stream state without a final
// broadcast. Previews stay as they are; the caller decides what to
// tell the user about the failed run.
func (m *Manager) DiscardStream(chatJID string) {
	m.popStream(chatJID)
}

// pushPreview sends or edits the in-flight preview on every editing
// channel that reaches the chat. Preview traffic is best-effort:
// errors are logged and the final broadcast still goes through the
// ledger.
func (m *Manager) pushPreview(ctx context.Context, chatJID string, s *stream, text string) {
	if text == "" {
		return
	}
	for _, t := range m.targets(chatJID) {
		ed, ok := t.ch.(Editor)
		if !ok {
			continue
		}
		name := t.ch.Name()
		s.mu.Lock()
		id, posted := s.msgIDs[name]
		s.mu.Unlock()

		if !posted {
			newID, err := ed.SendMessage(ctx, t.addr, text)
			if err != nil {
				slog.Debug("channels.preview_post_failed", "channel", name, "jid", chatJID, "error", err)
				continue
			}
			s.mu.Lock()
			s.msgIDs[name] = newID
			s.mu.Unlock()
			continue
		}
		if err := ed.UpdateMessage(ctx, t.addr, id, text); err != nil {
			slog.Debug("channels.preview_edit_failed", "channel", name, "jid", chatJID, "error", err)
		}
	}
}

func (m *Manager) streamFor(chatJID string) *stream {
	m.streamMu.Lock()
	defer m.streamMu.Unlock()
	s, ok := m.streams[chatJID]
	if !ok {
		limit := rate.Inf
		if m.editEvery > 0 {
			limit = rate.Every(m.editEvery)
		}
		s = &stream{
			limiter: rate.NewLimiter(limit, 1),
			msgIDs:  make(map[string]string),
		}
		m.streams[chatJID] = s
	}
	return s
}

func (m *Manager) popStream(chatJID string) *stream {
	m.streamMu.Lock()
	defer m.streamMu.Unlock()
	s := m.streams[chatJID]
	delete(m.streams, chatJID)
	return s
}

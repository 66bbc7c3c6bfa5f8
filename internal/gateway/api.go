package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/pynchy/internal/bus"
	"github.com/nextlevelbuilder/pynchy/internal/channels"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500
	sseHeartbeat        = 30 * time.Second
)

type groupView struct {
	JID        string `json:"jid"`
	Folder     string `json:"folder"`
	Name       string `json:"name"`
	IsAdmin    bool   `json:"is_admin,omitempty"`
	Periodic   bool   `json:"periodic,omitempty"`
	RequireTag bool   `json:"require_tag,omitempty"`
	AddedAt    string `json:"added_at,omitempty"`
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.stores.Groups.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list groups"})
		return
	}
	groups := make([]groupView, 0, len(profiles))
	for _, p := range profiles {
		groups = append(groups, groupView{
			JID:        p.JID,
			Folder:     p.Folder,
			Name:       p.Name,
			IsAdmin:    p.IsAdmin,
			Periodic:   p.Periodic,
			RequireTag: p.RequireTag,
			AddedAt:    p.AddedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

type messageView struct {
	ID         string `json:"id"`
	Sender     string `json:"sender"`
	SenderName string `json:"sender_name,omitempty"`
	Type       string `json:"type"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	jid := r.URL.Query().Get("jid")
	if jid == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "jid is required"})
		return
	}
	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = min(n, maxMessageLimit)
	}

	rows, err := s.stores.Messages.Recent(jid, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load messages"})
		return
	}
	msgs := make([]messageView, 0, len(rows))
	for _, m := range rows {
		msgs = append(msgs, messageView{
			ID:         m.ID,
			Sender:     m.Sender,
			SenderName: m.SenderName,
			Type:       m.Type,
			Content:    m.Content,
			Timestamp:  m.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jid": jid, "messages": msgs})
}

type sendRequest struct {
	JID     string `json:"jid"`
	Content string `json:"content"`
	Sender  string `json:"sender,omitempty"`
}

// handleSend injects a message as if it arrived on a channel named
// "api": same alias remap, allowlist, dedupe and wake rules.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow(clientKey(r)) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.JID == "" || strings.TrimSpace(req.Content) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "jid and content are required"})
		return
	}
	sender := req.Sender
	if sender == "" {
		sender = "operator"
	}

	stored, err := s.channels.Ingest(r.Context(), "api", channels.Inbound{
		ID:         "api-" + uuid.NewString(),
		ChatJID:    req.JID,
		SenderID:   sender,
		SenderName: sender,
		Content:    req.Content,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store message"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "stored": stored})
}

// handleEvents streams bus events as Server-Sent Events. Slow clients
// drop events rather than stalling the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	id := "sse-" + uuid.NewString()
	ch := make(chan bus.Event, 64)
	s.events.Subscribe(id, func(ev bus.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	defer s.events.Unsubscribe(id)

	// Subscribed before the headers flush, so a client that has seen
	// the response cannot publish past us.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

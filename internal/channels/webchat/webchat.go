// Package webchat is the built-in browser channel. Clients connect to
// the gateway's /ws endpoint, join one chat each, and exchange JSON
// text frames; inbound frames run through the shared ingest path like
// any external channel.
package webchat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/pynchy/internal/channels"
)

// JIDPrefix marks chat jids owned by this channel.
const JIDPrefix = "webchat:"

const (
	defaultWriteTimeout = 5 * time.Second
	maxFrameBytes       = 1 << 20
)

// frame is the wire format in both directions. Clients send
// type "message"; the server pushes "hello", "message" and "edit".
type frame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Chat    string `json:"chat,omitempty"`
	Sender  string `json:"sender,omitempty"`
	Content string `json:"content,omitempty"`
}

type client struct {
	id     string
	chat   string
	sender string
	conn   *websocket.Conn

	mu sync.Mutex // guards writes
}

func (c *client) write(ctx context.Context, timeout time.Duration, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(wctx, websocket.MessageText, data)
}

// Channel serves websocket clients and fans pushed messages out to
// whoever is attached to the chat. Delivery is fire-and-forget: a chat
// with no attached client still counts as delivered, since transcripts
// live in the store and the UI backfills over the REST API.
type Channel struct {
	ingest       channels.Ingestor
	writeTimeout time.Duration

	mu      sync.RWMutex
	clients map[string]*client
	running bool
}

var _ channels.Editor = (*Channel)(nil)

// New builds the channel. ingest is the shared inbound path, normally
// the channel manager.
func New(ingest channels.Ingestor) *Channel {
	return &Channel{
		ingest:       ingest,
		writeTimeout: defaultWriteTimeout,
		clients:      make(map[string]*client),
	}
}

func (ch *Channel) Name() string { return "webchat" }

func (ch *Channel) Owns(jid string) bool { return strings.HasPrefix(jid, JIDPrefix) }

func (ch *Channel) Start(ctx context.Context) error {
	ch.mu.Lock()
	ch.running = true
	ch.mu.Unlock()
	return nil
}

// Stop disconnects every client and stops accepting new ones.
func (ch *Channel) Stop(ctx context.Context) error {
	ch.mu.Lock()
	ch.running = false
	conns := make([]*client, 0, len(ch.clients))
	for _, c := range ch.clients {
		conns = append(conns, c)
	}
	ch.clients = make(map[string]*client)
	ch.mu.Unlock()

	for _, c := range conns {
		c.conn.Close(websocket.StatusGoingAway, "shutting down")
	}
	return nil
}

func (ch *Channel) Connected() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.running
}

// SendMessage pushes a new message frame to every client attached to
// chatID and returns the assigned message id.
func (ch *Channel) SendMessage(ctx context.Context, chatID, content string) (string, error) {
	if !ch.Connected() {
		return "", errors.New("webchat: channel not started")
	}
	id := "wc-" + uuid.NewString()
	ch.push(ctx, chatID, "", frame{Type: "message", ID: id, Chat: chatID, Content: content})
	return id, nil
}

// UpdateMessage pushes an edit frame rewriting messageID in place.
func (ch *Channel) UpdateMessage(ctx context.Context, chatID, messageID, content string) error {
	if !ch.Connected() {
		return errors.New("webchat: channel not started")
	}
	ch.push(ctx, chatID, "", frame{Type: "edit", ID: messageID, Chat: chatID, Content: content})
	return nil
}

// Handler returns the websocket upgrade endpoint for the gateway mux.
// Clients pass ?chat=<name> (the jid suffix) and optionally ?sender=.
func (ch *Channel) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ch.Connected() {
			http.Error(w, "webchat channel not started", http.StatusServiceUnavailable)
			return
		}
		chat := r.URL.Query().Get("chat")
		if chat == "" {
			http.Error(w, "chat query parameter required", http.StatusBadRequest)
			return
		}
		if !strings.HasPrefix(chat, JIDPrefix) {
			chat = JIDPrefix + chat
		}
		sender := r.URL.Query().Get("sender")
		if sender == "" {
			sender = "web"
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// The gateway serves its own UI; cross-origin pages
			// have nothing to connect here for.
			InsecureSkipVerify: true,
		})
		if err != nil {
			slog.Warn("webchat.accept_failed", "error", err)
			return
		}
		conn.SetReadLimit(maxFrameBytes)
		ch.handleConn(r.Context(), conn, chat, sender)
	})
}

// handleConn owns one client connection: register, hello, read loop.
// Blocks until the peer disconnects or the request context ends.
func (ch *Channel) handleConn(ctx context.Context, conn *websocket.Conn, chat, sender string) {
	defer conn.CloseNow()

	c := &client{id: uuid.NewString(), chat: chat, sender: sender, conn: conn}
	ch.mu.Lock()
	ch.clients[c.id] = c
	ch.mu.Unlock()
	defer func() {
		ch.mu.Lock()
		delete(ch.clients, c.id)
		ch.mu.Unlock()
	}()
	slog.Debug("webchat.client_joined", "chat", chat, "sender", sender)

	if err := c.write(ctx, ch.writeTimeout, frame{Type: "hello", Chat: chat}); err != nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Debug("webchat.read_failed", "chat", chat, "error", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("webchat.bad_frame", "chat", chat, "error", err)
			continue
		}
		if f.Type != "message" || strings.TrimSpace(f.Content) == "" {
			continue
		}
		ch.handleInbound(ctx, c, f)
	}
}

func (ch *Channel) handleInbound(ctx context.Context, c *client, f frame) {
	id := f.ID
	if id == "" {
		id = "wc-" + uuid.NewString()
	}
	inserted, err := ch.ingest.Ingest(ctx, ch.Name(), channels.Inbound{
		ID:         id,
		ChatJID:    c.chat,
		SenderID:   c.sender,
		SenderName: c.sender,
		Content:    f.Content,
	})
	if err != nil {
		slog.Error("webchat.ingest_failed", "chat", c.chat, "error", err)
		return
	}
	if !inserted {
		return
	}
	// Mirror the message to the chat's other clients so every open
	// tab shows the same transcript.
	ch.push(ctx, c.chat, c.id, frame{Type: "message", ID: id, Chat: c.chat, Sender: c.sender, Content: f.Content})
}

// push writes f to every client attached to chat except skipID. Dead
// connections are dropped.
func (ch *Channel) push(ctx context.Context, chat, skipID string, f frame) {
	ch.mu.RLock()
	targets := make([]*client, 0, len(ch.clients))
	for _, c := range ch.clients {
		if c.chat == chat && c.id != skipID {
			targets = append(targets, c)
		}
	}
	ch.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(ctx, ch.writeTimeout, f); err != nil {
			slog.Debug("webchat.push_failed", "chat", chat, "error", err)
			c.conn.Close(websocket.StatusAbnormalClosure, "write failed")
			ch.mu.Lock()
			delete(ch.clients, c.id)
			ch.mu.Unlock()
		}
	}
}

// ClientCount reports how many clients are attached, for /health.
func (ch *Channel) ClientCount() int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.clients)
}

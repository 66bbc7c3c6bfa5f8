package channels

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/pynchy/internal/bus"
	"github.com/nextlevelbuilder/pynchy/internal/security"
	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/internal/telemetry"
	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

const (
	// DefaultTrigger wakes tag-gated workspaces when it appears in a
	// message.
	DefaultTrigger = "@pynchy"

	// DefaultReconcileInterval is how often the reconcile sweep runs.
	DefaultReconcileInterval = 30 * time.Second

	// DefaultReconcileCooldown spaces reconciles of one (channel, chat)
	// pair.
	DefaultReconcileCooldown = 60 * time.Second

	// DefaultEditInterval throttles streamed preview edits.
	DefaultEditInterval = 500 * time.Millisecond

	// DefaultLedgerRetention is how long fully-delivered ledger entries
	// are kept before the sweep collects them.
	DefaultLedgerRetention = 7 * 24 * time.Hour
)

// Enqueuer wakes a workspace's drain cycle. Satisfied by
// *queue.GroupQueue.
type Enqueuer interface {
	EnqueueMessageCheck(jid string)
}

// SenderPolicy resolves the security cascade for a chat; the manager
// only reads AllowedSenders from it. Satisfied by *config.Config.
type SenderPolicy interface {
	ResolveWorkspaceSecurity(channel, jid, sandbox string) *security.WorkspaceSecurity
}

// Manager owns the channel registry, the outbound ledger flow and the
// inbound ingest path. One instance serves the whole gateway.
type Manager struct {
	stores *store.Stores
	policy SenderPolicy
	queue  Enqueuer
	events bus.Publisher
	tracer trace.Tracer

	trigger   string
	interval  time.Duration
	cooldown  time.Duration
	editEvery time.Duration
	retention time.Duration

	mu       sync.RWMutex
	channels map[string]Channel

	streamMu sync.Mutex
	streams  map[string]*stream

	reconMu    sync.Mutex
	reconciled map[string]time.Time

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option adjusts manager behavior.
type Option func(*Manager)

// WithTrigger sets the wake tag for require_tag workspaces.
func WithTrigger(tag string) Option {
	return func(m *Manager) {
		if tag != "" {
			m.trigger = tag
		}
	}
}

// WithReconcilePolicy sets the sweep interval and the per-pair
// cooldown.
func WithReconcilePolicy(interval, cooldown time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.interval = interval
		}
		if cooldown > 0 {
			m.cooldown = cooldown
		}
	}
}

// WithEditInterval sets the minimum gap between streamed preview
// edits. Zero or negative removes the throttle.
func WithEditInterval(d time.Duration) Option {
	return func(m *Manager) { m.editEvery = d }
}

// WithLedgerRetention sets how long delivered ledger entries survive.
func WithLedgerRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// NewManager builds a channel manager over the stores. policy may be
// nil to disable sender allowlists; events may be nil when nothing
// subscribes.
func NewManager(stores *store.Stores, policy SenderPolicy, q Enqueuer, events bus.Publisher, opts ...Option) *Manager {
	m := &Manager{
		stores:     stores,
		policy:     policy,
		queue:      q,
		events:     events,
		tracer:     otel.Tracer("pynchy"),
		trigger:    DefaultTrigger,
		interval:   DefaultReconcileInterval,
		cooldown:   DefaultReconcileCooldown,
		editEvery:  DefaultEditInterval,
		retention:  DefaultLedgerRetention,
		channels:   make(map[string]Channel),
		streams:    make(map[string]*stream),
		reconciled: make(map[string]time.Time),
	}
	if events == nil {
		m.events = bus.Nop{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a channel under its name, replacing any previous
// registration.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	m.channels[ch.Name()] = ch
	m.mu.Unlock()
}

// Unregister removes the named channel.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	delete(m.channels, name)
	m.mu.Unlock()
}

// Channel returns the named channel.
func (m *Manager) Channel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Status reports each registered channel's connected state.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.Connected()
	}
	return out
}

// ConnectedCount returns how many channels are currently connected.
func (m *Manager) ConnectedCount() int {
	n := 0
	for _, up := range m.Status() {
		if up {
			n++
		}
	}
	return n
}

// StartAll starts every registered channel. A channel that fails to
// start is logged and skipped; the rest come up.
func (m *Manager) StartAll(ctx context.Context) {
	for _, ch := range m.snapshot() {
		slog.Info("channels.starting", "channel", ch.Name())
		if err := ch.Start(ctx); err != nil {
			slog.Error("channels.start_failed", "channel", ch.Name(), "error", err)
		}
	}
}

// StopAll stops every registered channel.
func (m *Manager) StopAll(ctx context.Context) {
	for _, ch := range m.snapshot() {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("channels.stop_failed", "channel", ch.Name(), "error", err)
		}
	}
}

// Start launches the reconcile loop. The first sweep runs immediately
// so pending deliveries from before a restart go out without waiting a
// full interval.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(ctx)
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.Reconcile(ctx)
		m.gcLedger()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// gcLedger drops fully-delivered ledger entries past the retention
// window. Entries with undelivered rows are never collected; they stay
// until the reconciler gets them out.
func (m *Manager) gcLedger() {
	cutoff := store.FormatTime(time.Now().Add(-m.retention))
	n, err := m.stores.Ledger.GC(cutoff)
	if err != nil {
		slog.Error("channels.ledger_gc_failed", "error", err)
		return
	}
	if n > 0 {
		slog.Debug("channels.ledger_gc", "removed", n)
	}
}

// Close stops the reconcile loop.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
	})
}

// BroadcastAgent sends agent-authored content to a chat. The content
// joins the LLM-visible history.
func (m *Manager) BroadcastAgent(ctx context.Context, chatJID, content string) error {
	return m.broadcast(ctx, chatJID, store.MessageAssistant, content, nil)
}

// BroadcastHost sends an operational notice. It is stored with sender
// "host" and never appears in the LLM-visible history.
func (m *Manager) BroadcastHost(ctx context.Context, chatJID, content string) error {
	return m.broadcast(ctx, chatJID, store.MessageHost, content, nil)
}

// BroadcastTrace sends ephemeral status text (tool notices, progress).
// No ledger row, no message row; failures are logged and dropped.
func (m *Manager) BroadcastTrace(ctx context.Context, chatJID, content string) {
	for _, t := range m.targets(chatJID) {
		if _, err := t.ch.SendMessage(ctx, t.addr, content); err != nil {
			slog.Debug("channels.trace_failed", "channel", t.ch.Name(), "jid", chatJID, "error", err)
		}
	}
}

// broadcast records the message, writes the ledger entry with one
// delivery row per target channel, then drains each channel's pending
// queue so insertion order survives earlier failures. editIDs maps
// channel name to an already-streamed message id; those channels get
// an in-place edit instead of a fresh send.
func (m *Manager) broadcast(ctx context.Context, chatJID, kind, content string, editIDs map[string]string) error {
	sender := "pynchy"
	if kind == store.MessageHost {
		sender = "host"
	}
	now := store.Now()
	if _, err := m.stores.Messages.Put(store.Message{
		ID:        "out-" + uuid.NewString(),
		ChatJID:   chatJID,
		Sender:    sender,
		IsFromMe:  true,
		Type:      kind,
		Content:   content,
		Timestamp: now,
	}); err != nil {
		return err
	}

	targets := m.targets(chatJID)
	if len(targets) == 0 {
		slog.Warn("channels.no_targets", "jid", chatJID, "kind", kind)
		return nil
	}
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.ch.Name()
	}
	ledgerID, err := m.stores.Ledger.CreateBroadcast(chatJID, kind, content, names)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		g.Go(func() error {
			if id, ok := editIDs[t.ch.Name()]; ok {
				if done, err := m.finalizeEdit(gctx, t, chatJID, ledgerID, id, content); err != nil {
					return err
				} else if done {
					return nil
				}
			}
			return m.drainOutbound(gctx, t.ch, chatJID, t.addr)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.events.Broadcast(bus.Event{Name: protocol.EventMessageSent, Payload: map[string]string{
		"jid":  chatJID,
		"kind": kind,
	}})
	return nil
}

// finalizeEdit rewrites a streamed preview with the final content and
// marks that broadcast's row delivered; the bytes are already on
// screen, so no fresh send goes out. Reports false when the channel
// cannot edit, so the caller falls back to the ordinary drain.
func (m *Manager) finalizeEdit(ctx context.Context, t target, chatJID, ledgerID, messageID, content string) (bool, error) {
	ed, ok := t.ch.(Editor)
	if !ok {
		return false, nil
	}
	if err := ed.UpdateMessage(ctx, t.addr, messageID, content); err != nil {
		slog.Warn("channels.finalize_edit_failed", "channel", t.ch.Name(), "jid", chatJID, "error", err)
		return false, nil
	}
	now := store.Now()
	if err := m.stores.Ledger.MarkDelivered(ledgerID, t.ch.Name(), now); err != nil {
		return false, err
	}
	telemetry.LedgerDeliveries.WithLabelValues(t.ch.Name(), "delivered").Inc()
	return true, m.stores.Cursors.CommitPair(t.ch.Name(), chatJID, "", now)
}

// drainOutbound sends the channel's pending deliveries for one chat in
// insertion order, stopping at the first send failure so order is
// preserved, then commits the outbound cursor. Send failures stay in
// the ledger for the next reconcile; only store errors propagate.
func (m *Manager) drainOutbound(ctx context.Context, ch Channel, chatJID, addr string) error {
	name := ch.Name()
	ctx, span := m.tracer.Start(ctx, telemetry.SpanLedgerDeliver,
		trace.WithAttributes(
			attribute.String(telemetry.AttrChannel, name),
			attribute.String(telemetry.AttrChatJID, chatJID),
		))
	defer span.End()

	pending, err := m.stores.Ledger.Pending(name, chatJID)
	if err != nil {
		return err
	}
	cursor := ""
	for _, row := range pending {
		if _, err := ch.SendMessage(ctx, addr, row.Content); err != nil {
			telemetry.LedgerDeliveries.WithLabelValues(name, "failed").Inc()
			slog.Warn("channels.delivery_failed",
				"channel", name, "jid", chatJID, "ledger_id", row.LedgerID, "error", err)
			if markErr := m.stores.Ledger.MarkFailed(row.LedgerID, name, err.Error()); markErr != nil {
				return markErr
			}
			break
		}
		telemetry.LedgerDeliveries.WithLabelValues(name, "delivered").Inc()
		if err := m.stores.Ledger.MarkDelivered(row.LedgerID, name, store.Now()); err != nil {
			return err
		}
		if row.CreatedAt > cursor {
			cursor = row.CreatedAt
		}
	}
	if cursor == "" {
		return nil
	}
	return m.stores.Cursors.CommitPair(name, chatJID, "", cursor)
}

type target struct {
	ch   Channel
	addr string
}

// targets resolves which connected channels can reach a canonical jid
// and at what local address: an alias when one exists, the canonical
// jid when the channel owns the namespace.
func (m *Manager) targets(chatJID string) []target {
	var out []target
	for _, ch := range m.snapshot() {
		if !ch.Connected() {
			continue
		}
		addr, err := m.stores.Aliases.Local(ch.Name(), chatJID)
		if err != nil {
			slog.Error("channels.alias_lookup_failed", "channel", ch.Name(), "jid", chatJID, "error", err)
			continue
		}
		if addr == "" {
			if !ch.Owns(chatJID) {
				continue
			}
			addr = chatJID
		}
		out = append(out, target{ch: ch, addr: addr})
	}
	return out
}

// snapshot returns the registered channels sorted by name.
func (m *Manager) snapshot() []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Package approval implements the human-in-the-loop file protocol. A
// needs-human verdict parks the original request in pending_approvals/,
// posts a card to the chat, and leaves the container blocked on its
// response file. A human decision re-dispatches the request with the
// approved flag or answers it with a denial response. Pending files are
// the canonical "awaiting human" state; only this package deletes them.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/pynchy/internal/bus"
	"github.com/nextlevelbuilder/pynchy/internal/ipc"
	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

const (
	// DefaultApprovalTimeout expires unanswered approval cards. Short on
	// purpose: the container is blocked while one is pending.
	DefaultApprovalTimeout = 5 * time.Minute

	// DefaultQuestionTimeout expires unanswered agent questions.
	DefaultQuestionTimeout = 30 * time.Minute
)

// Broadcaster posts host-authored messages to a chat across its channels.
type Broadcaster interface {
	BroadcastHost(ctx context.Context, chatJID, content string) error
}

// RedispatchFunc re-enters a stored request into the dispatcher.
type RedispatchFunc func(folder, name string, data []byte)

// Pending is the parked request written to pending_approvals/<id>.json.
// Request holds the original body so a decision can re-dispatch it intact.
type Pending struct {
	RequestID string          `json:"request_id"`
	Folder    string          `json:"folder"`
	ChatJID   string          `json:"chat_jid"`
	Tool      string          `json:"tool"`
	Reason    string          `json:"reason"`
	Request   json.RawMessage `json:"request"`
	CreatedAt string          `json:"created_at"`
}

// PendingQuestion is the parked ask_user request.
type PendingQuestion struct {
	RequestID string                   `json:"request_id"`
	Folder    string                   `json:"folder"`
	ChatJID   string                   `json:"chat_jid"`
	Blocks    []protocol.QuestionBlock `json:"blocks"`
	CreatedAt string                   `json:"created_at"`
}

// Manager owns the pending/decision lifecycle for every workspace.
type Manager struct {
	root            string
	broadcaster     Broadcaster
	redispatch      RedispatchFunc
	events          bus.Publisher
	approvalTimeout time.Duration
	questionTimeout time.Duration
	now             func() time.Time
}

// Option adjusts a Manager.
type Option func(*Manager)

// WithTimeouts overrides the expiry windows. Zero keeps the default.
func WithTimeouts(approval, question time.Duration) Option {
	return func(m *Manager) {
		if approval > 0 {
			m.approvalTimeout = approval
		}
		if question > 0 {
			m.questionTimeout = question
		}
	}
}

// WithClock injects a time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds the approval manager over the IPC root directory.
func NewManager(root string, broadcaster Broadcaster, redispatch RedispatchFunc, events bus.Publisher, opts ...Option) *Manager {
	m := &Manager{
		root:            root,
		broadcaster:     broadcaster,
		redispatch:      redispatch,
		events:          events,
		approvalTimeout: DefaultApprovalTimeout,
		questionTimeout: DefaultQuestionTimeout,
		now:             time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// RequestApproval parks a request and posts the approval card. No IPC
// response is written; the container stays blocked until a decision or
// expiry resolves it.
func (m *Manager) RequestApproval(ctx context.Context, folder, chatJID, requestID, tool, reason string, request json.RawMessage) error {
	p := Pending{
		RequestID: requestID,
		Folder:    folder,
		ChatJID:   chatJID,
		Tool:      tool,
		Reason:    reason,
		Request:   request,
		CreatedAt: store.FormatTime(m.now()),
	}
	path := filepath.Join(m.root, folder, protocol.DirPendingApprovals, requestID+".json")
	if err := ipc.WriteAtomicJSON(path, p); err != nil {
		return fmt.Errorf("park approval %s: %w", requestID, err)
	}

	short := protocol.ShortID(requestID)
	card := fmt.Sprintf("🔐 Approval required [%s]\nTool: %s\nReason: %s\nReply with `approve %s` or `deny %s`.",
		short, tool, reason, short, short)
	if err := m.broadcaster.BroadcastHost(ctx, chatJID, card); err != nil {
		slog.Error("approval.card.failed", "folder", folder, "request_id", requestID, "error", err)
	}
	m.events.Broadcast(bus.Event{Name: protocol.EventApprovalPending, Payload: p})
	slog.Info("approval.pending", "folder", folder, "request_id", requestID, "tool", tool)
	return nil
}

// AskQuestion parks an ask_user request and posts the question blocks.
func (m *Manager) AskQuestion(ctx context.Context, folder, chatJID, requestID string, blocks []protocol.QuestionBlock) error {
	q := PendingQuestion{
		RequestID: requestID,
		Folder:    folder,
		ChatJID:   chatJID,
		Blocks:    blocks,
		CreatedAt: store.FormatTime(m.now()),
	}
	path := filepath.Join(m.root, folder, protocol.DirPendingQuestions, requestID+".json")
	if err := ipc.WriteAtomicJSON(path, q); err != nil {
		return fmt.Errorf("park question %s: %w", requestID, err)
	}

	if err := m.broadcaster.BroadcastHost(ctx, chatJID, formatQuestion(requestID, blocks)); err != nil {
		slog.Error("question.card.failed", "folder", folder, "request_id", requestID, "error", err)
	}
	slog.Info("question.pending", "folder", folder, "request_id", requestID, "blocks", len(blocks))
	return nil
}

func formatQuestion(requestID string, blocks []protocol.QuestionBlock) string {
	var b strings.Builder
	fmt.Fprintf(&b, "❓ The agent needs input [%s]\n", protocol.ShortID(requestID))
	for i, blk := range blocks {
		fmt.Fprintf(&b, "%d. %s\n", i+1, blk.Question)
		for j, opt := range blk.Options {
			fmt.Fprintf(&b, "   %d) %s\n", j+1, opt)
		}
	}
	fmt.Fprintf(&b, "Reply with `answer %s <your answer>`.", protocol.ShortID(requestID))
	return b.String()
}

// HandleDecision consumes one approval_decisions file. Wired as the IPC
// watcher's decision callback; the decision file itself is already deleted.
func (m *Manager) HandleDecision(folder, requestID string, data []byte) {
	var decision protocol.ApprovalDecision
	if err := json.Unmarshal(data, &decision); err != nil {
		slog.Error("approval.decision.malformed", "folder", folder, "request_id", requestID, "error", err)
		return
	}

	pendingPath := filepath.Join(m.root, folder, protocol.DirPendingApprovals, requestID+".json")
	raw, err := os.ReadFile(pendingPath)
	if err != nil {
		// Decision with nothing pending: duplicate reply or expired card.
		slog.Warn("approval.decision.orphaned", "folder", folder, "request_id", requestID)
		return
	}
	var p Pending
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Error("approval.pending.corrupt", "folder", folder, "request_id", requestID, "error", err)
		os.Remove(pendingPath)
		return
	}

	if decision.Approved {
		body, err := withApprovedFlag(p.Request)
		if err != nil {
			slog.Error("approval.redispatch.failed", "folder", folder, "request_id", requestID, "error", err)
			m.respondError(folder, requestID, "internal error re-dispatching approved request")
		} else {
			m.redispatch(folder, requestID+".json", body)
		}
	} else {
		m.respondError(folder, requestID, "Denied by user")
	}

	os.Remove(pendingPath)
	m.events.Broadcast(bus.Event{Name: protocol.EventApprovalResolved, Payload: map[string]any{
		"folder":     folder,
		"request_id": requestID,
		"approved":   decision.Approved,
		"decided_by": decision.DecidedBy,
	}})
	slog.Info("approval.resolved",
		"folder", folder, "request_id", requestID,
		"approved", decision.Approved, "decided_by", decision.DecidedBy)
}

// withApprovedFlag injects _cop_approved into the stored request body so
// downstream gates do not re-trigger on the second pass.
func withApprovedFlag(request json.RawMessage) ([]byte, error) {
	var body map[string]any
	if err := json.Unmarshal(request, &body); err != nil {
		return nil, err
	}
	body["_cop_approved"] = true
	return json.Marshal(body)
}

func (m *Manager) respondError(folder, requestID, msg string) {
	if err := ipc.WriteResponse(m.root, folder, requestID, protocol.ErrorResponse(msg)); err != nil {
		slog.Error("approval.response.failed", "folder", folder, "request_id", requestID, "error", err)
	}
}

// FindByShortID locates a pending approval by card short id across all
// workspace directories. Returns the owning folder and full request id.
func (m *Manager) FindByShortID(shortID string) (folder, requestID string, ok bool) {
	return m.findPending(protocol.DirPendingApprovals, shortID)
}

// FindQuestionByShortID locates a pending question by card short id.
func (m *Manager) FindQuestionByShortID(shortID string) (folder, requestID string, ok bool) {
	return m.findPending(protocol.DirPendingQuestions, shortID)
}

func (m *Manager) findPending(dir, shortID string) (folder, requestID string, ok bool) {
	if shortID == "" {
		return "", "", false
	}
	folders, err := os.ReadDir(m.root)
	if err != nil {
		return "", "", false
	}
	for _, f := range folders {
		if !f.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(m.root, f.Name(), dir))
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := strings.TrimSuffix(e.Name(), ".json")
			if name != e.Name() && strings.HasPrefix(name, shortID) {
				return f.Name(), name, true
			}
		}
	}
	return "", "", false
}

// AnswerQuestion resolves a pending question: the reply becomes the IPC
// response the container is blocked on, and the pending file is removed.
func (m *Manager) AnswerQuestion(folder, requestID, answer, answeredBy string) error {
	pendingPath := filepath.Join(m.root, folder, protocol.DirPendingQuestions, requestID+".json")
	if _, err := os.Stat(pendingPath); err != nil {
		return fmt.Errorf("no pending question %s", requestID)
	}
	resp, err := protocol.OkResponse(map[string]string{"answer": answer, "answered_by": answeredBy})
	if err != nil {
		return err
	}
	if err := ipc.WriteResponse(m.root, folder, requestID, resp); err != nil {
		return fmt.Errorf("answer question %s: %w", requestID, err)
	}
	os.Remove(pendingPath)
	m.events.Broadcast(bus.Event{Name: protocol.EventApprovalResolved, Payload: map[string]any{
		"folder":     folder,
		"request_id": requestID,
		"kind":       "question",
		"decided_by": answeredBy,
	}})
	slog.Info("question.answered", "folder", folder, "request_id", requestID, "answered_by", answeredBy)
	return nil
}

// WriteDecision records a human verdict. The IPC watcher picks the file up
// and routes it through HandleDecision, so callers need no further wiring.
func (m *Manager) WriteDecision(folder, requestID string, approved bool, decidedBy string) error {
	d := protocol.ApprovalDecision{
		Approved:  approved,
		DecidedBy: decidedBy,
		TS:        store.FormatTime(m.now()),
	}
	path := filepath.Join(m.root, folder, protocol.DirApprovalDecisions, requestID+".json")
	return ipc.WriteAtomicJSON(path, d)
}

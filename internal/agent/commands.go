package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

// Approvals resolves pending approval cards and agent questions from
// chat replies. Satisfied by *approval.Manager.
type Approvals interface {
	FindByShortID(shortID string) (folder, requestID string, ok bool)
	WriteDecision(folder, requestID string, approved bool, decidedBy string) error
	FindQuestionByShortID(shortID string) (folder, requestID string, ok bool)
	AnswerQuestion(folder, requestID, answer, answeredBy string) error
}

// consumeCommands resolves approval and question replies in the fresh
// batch and returns the rows that remain agent input. A matched
// command is operator traffic, not conversation, so it never reaches
// the prompt.
func (r *Router) consumeCommands(ctx context.Context, jid string, fresh []store.Message) []store.Message {
	if r.approvals == nil {
		return fresh
	}
	var rest []store.Message
	for _, m := range fresh {
		if m.Type == store.MessageSystem || !r.runCommand(ctx, jid, m) {
			rest = append(rest, m)
		}
	}
	return rest
}

// runCommand handles one candidate reply. It reports true when the
// message was a command, whether or not it resolved anything.
func (r *Router) runCommand(ctx context.Context, jid string, m store.Message) bool {
	verb, rest, _ := strings.Cut(strings.TrimSpace(m.Content), " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(verb) {
	case "approve", "deny":
		if !isShortID(rest) {
			return false
		}
		approved := strings.EqualFold(verb, "approve")
		folder, requestID, ok := r.approvals.FindByShortID(rest)
		if !ok {
			r.commandNotice(ctx, jid, fmt.Sprintf("No pending approval matching %s.", rest))
			return true
		}
		if err := r.approvals.WriteDecision(folder, requestID, approved, decidedBy(m)); err != nil {
			slog.Error("agent.decision_write_failed", "jid", jid, "request_id", requestID, "error", err)
			r.commandNotice(ctx, jid, "Could not record the decision, try again.")
			return true
		}
		if approved {
			r.commandNotice(ctx, jid, fmt.Sprintf("✅ Approved %s.", protocol.ShortID(requestID)))
		} else {
			r.commandNotice(ctx, jid, fmt.Sprintf("🚫 Denied %s.", protocol.ShortID(requestID)))
		}
		return true

	case "answer":
		short, answer, _ := strings.Cut(rest, " ")
		answer = strings.TrimSpace(answer)
		if !isShortID(short) || answer == "" {
			return false
		}
		folder, requestID, ok := r.approvals.FindQuestionByShortID(short)
		if !ok {
			r.commandNotice(ctx, jid, fmt.Sprintf("No pending question matching %s.", short))
			return true
		}
		if err := r.approvals.AnswerQuestion(folder, requestID, answer, decidedBy(m)); err != nil {
			slog.Error("agent.answer_failed", "jid", jid, "request_id", requestID, "error", err)
			r.commandNotice(ctx, jid, "Could not record the answer, try again.")
			return true
		}
		r.commandNotice(ctx, jid, fmt.Sprintf("Answer recorded for %s.", protocol.ShortID(requestID)))
		return true
	}
	return false
}

func (r *Router) commandNotice(ctx context.Context, jid, content string) {
	if err := r.channels.BroadcastHost(ctx, jid, content); err != nil {
		slog.Error("agent.notice_failed", "jid", jid, "error", err)
	}
}

func decidedBy(m store.Message) string {
	if m.SenderName != "" {
		return m.SenderName
	}
	return m.Sender
}

// isShortID reports whether s looks like an approval card id: the
// first 8 hex characters of a request id. Anything else is treated as
// ordinary conversation.
func isShortID(s string) bool {
	if len(s) != 8 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

package agent

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/pynchy/internal/store"
)

// messagesPrompt renders the container prompt for a message check. A
// workspace resuming a session gets only the new rows; a fresh session
// is fronted with recent conversation so the agent has context.
func (r *Router) messagesPrompt(p *store.WorkspaceProfile, fresh []store.Message) (string, error) {
	sessionID, err := r.stores.Sessions.Session(p.Folder)
	if err != nil {
		return "", err
	}
	var history []store.Message
	if sessionID == "" {
		all, err := r.stores.Messages.History(p.JID, r.historyLimit)
		if err != nil {
			return "", err
		}
		// Rows at or past the first fresh message render in the new
		// block, not twice.
		cutoff := fresh[0].Timestamp
		for _, m := range all {
			if m.Timestamp < cutoff {
				history = append(history, m)
			}
		}
	}
	return renderPrompt(history, fresh), nil
}

func renderPrompt(history, fresh []store.Message) string {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, m := range history {
			b.WriteString(renderMessage(m))
		}
		b.WriteString("\n")
	}
	b.WriteString("New messages:\n")
	for _, m := range fresh {
		b.WriteString(renderMessage(m))
	}
	return b.String()
}

// renderMessage is one transcript line. System rows keep their tag so
// the agent can tell operational notices from people.
func renderMessage(m store.Message) string {
	if m.Type == store.MessageSystem {
		return fmt.Sprintf("[system] %s\n", m.Content)
	}
	name := m.SenderName
	if name == "" {
		name = m.Sender
	}
	return fmt.Sprintf("[%s] %s\n", name, m.Content)
}

// taskPrompt frames a scheduled task for the agent.
func taskPrompt(t store.ScheduledTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scheduled task %q is due.\n\n%s\n", t.ID, t.Prompt)
	b.WriteString("\nReport the outcome with the finished_work tool when done.")
	return b.String()
}

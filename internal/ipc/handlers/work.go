package handlers

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/nextlevelbuilder/pynchy/internal/bus"
	"github.com/nextlevelbuilder/pynchy/internal/ipc"
	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

// WorkMethods handles agent work-lifecycle requests: task results, git
// sync and human questions.
type WorkMethods struct {
	root      string
	git       GitSync
	approvals Approver
	results   ResultSink
	events    bus.Publisher
}

// NewWorkMethods builds the work handler group.
func NewWorkMethods(deps Deps) *WorkMethods {
	return &WorkMethods{
		root:      deps.Root,
		git:       deps.Git,
		approvals: deps.Approvals,
		results:   deps.Results,
		events:    deps.Events,
	}
}

// Register wires the work request types.
func (m *WorkMethods) Register(d *ipc.Dispatcher) {
	d.Handle(protocol.TypeFinishedWork, m.handleFinishedWork)
	d.Handle(protocol.TypeSyncWorktree, m.handleSyncWorktree)
	d.Handle(protocol.TypeAskUser, m.handleAskUser)
}

func (m *WorkMethods) handleFinishedWork(ctx context.Context, w *ipc.ResponseWriter, req *ipc.Request) {
	var params struct {
		TaskID string `json:"task_id"`
		Result string `json:"result"`
	}
	if err := req.Decode(&params); err != nil {
		w.Fail("malformed finished_work request")
		return
	}

	if m.results != nil && params.TaskID != "" {
		m.results.Report(req.Folder, params.TaskID, params.Result)
	}
	slog.Info("work.finished", "folder", req.Folder, "task_id", params.TaskID)
	w.OK(map[string]any{"recorded": true})
}

// handleSyncWorktree runs the merge and reports through merge_results/,
// not responses/; the container blocks on the git result sink.
func (m *WorkMethods) handleSyncWorktree(ctx context.Context, w *ipc.ResponseWriter, req *ipc.Request) {
	if req.RequestID == "" {
		slog.Warn("git.sync.no_request_id", "folder", req.Folder)
		return
	}

	var outcome protocol.MergeOutcome
	switch {
	case m.git == nil:
		outcome = protocol.MergeOutcome{Status: protocol.MergeStatusError, Detail: "git sync is not configured"}
	default:
		var err error
		outcome, err = m.git.MergeWorktreeToMain(ctx, req.Folder)
		if err != nil {
			slog.Error("git.sync.failed", "folder", req.Folder, "error", err)
			outcome = protocol.MergeOutcome{Status: protocol.MergeStatusError, Detail: err.Error()}
		}
	}

	path := filepath.Join(m.root, req.Folder, protocol.DirMergeResults, req.RequestID+".json")
	if err := ipc.WriteAtomicJSON(path, outcome); err != nil {
		slog.Error("git.sync.result_write_failed", "folder", req.Folder, "request_id", req.RequestID, "error", err)
		return
	}

	if outcome.Status == protocol.MergeStatusMerged {
		m.events.Broadcast(bus.Event{Name: protocol.EventWorktreeMerged, Payload: map[string]any{
			"folder":  req.Folder,
			"commits": outcome.Commits,
		}})
	}
	slog.Info("git.sync.done", "folder", req.Folder, "status", outcome.Status, "commits", outcome.Commits)
}

// handleAskUser parks the question; the chat router writes the user's
// answer as the IPC response, so no response is produced here.
func (m *WorkMethods) handleAskUser(ctx context.Context, w *ipc.ResponseWriter, req *ipc.Request) {
	var params struct {
		Questions []protocol.QuestionBlock `json:"questions"`
	}
	if err := req.Decode(&params); err != nil {
		w.Fail("malformed ask_user request")
		return
	}
	if len(params.Questions) == 0 {
		w.Fail("ask_user requires at least one question")
		return
	}
	if req.RequestID == "" {
		w.Fail("ask_user requires a request_id")
		return
	}

	if err := m.approvals.AskQuestion(ctx, req.Folder, req.ChatJID, req.RequestID, params.Questions); err != nil {
		slog.Error("question.park.failed", "folder", req.Folder, "request_id", req.RequestID, "error", err)
		w.Fail("failed to record question")
		return
	}
}

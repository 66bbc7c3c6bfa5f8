package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// IPC directory names under <data>/ipc/<folder>/. The host creates all of
// them before spawning a container; the container sees them mounted at
// /workspace/ipc.
const (
	DirMessages          = "messages"
	DirTasks             = "tasks"
	DirInput             = "input"
	DirResponses         = "responses"
	DirPendingApprovals  = "pending_approvals"
	DirApprovalDecisions = "approval_decisions"
	DirPendingQuestions  = "pending_questions"
	DirMergeResults      = "merge_results"
)

// IPCDirs lists every per-workspace IPC subdirectory, in creation order.
var IPCDirs = []string{
	DirMessages, DirTasks, DirInput, DirResponses,
	DirPendingApprovals, DirApprovalDecisions, DirPendingQuestions,
	DirMergeResults,
}

const (
	// InitialInputFile is the host→container startup payload, written
	// before spawn and deleted by the container after first read.
	InitialInputFile = "initial.json"

	// CloseSentinel asks the container to shut down gracefully.
	CloseSentinel = "_close"
)

// Tier-1 signal names. Signals are idempotent hints with no payload.
const (
	SignalRefreshGroups = "refresh_groups"
)

// Tier-2 request types handled by the host dispatcher.
const (
	TypeRegisterGroup       = "register_group"
	TypeCreatePeriodicAgent = "create_periodic_agent"
	TypeScheduleTask        = "schedule_task"
	TypeScheduleHostJob     = "schedule_host_job"
	TypePauseTask           = "pause_task"
	TypeResumeTask          = "resume_task"
	TypeCancelTask          = "cancel_task"
	TypeResetContext        = "reset_context"
	TypeFinishedWork        = "finished_work"
	TypeSyncWorktree        = "sync_worktree_to_main"
	TypeAskUser             = "ask_user"

	// Prefix-routed families. The suffix names the tool or check.
	PrefixService  = "service:"
	PrefixSecurity = "security:"

	TypeBashCheck = "security:bash_check"
)

// Signal is the tier-1 envelope: {"signal": "<name>"} with an optional
// timestamp and nothing else. Extra keys are a protocol violation.
type Signal struct {
	Signal string `json:"signal"`
	TS     string `json:"ts,omitempty"`
}

// Request is the tier-2 envelope. Payload fields beyond Type and RequestID
// are handler-specific and decoded from the raw map.
type Request struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Response is written to responses/<request_id>.json.
type Response struct {
	Status string          `json:"status"` // "ok" or "error"
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// OkResponse builds a success response carrying v as the result.
func OkResponse(v any) (Response, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Response{}, fmt.Errorf("marshal response result: %w", err)
	}
	return Response{Status: StatusOK, Result: raw}, nil
}

// ErrorResponse builds a failure response with the given message.
func ErrorResponse(msg string) Response {
	return Response{Status: StatusError, Error: msg}
}

// ApprovalDecision is the human verdict file written to
// approval_decisions/<request_id>.json by the chat router.
type ApprovalDecision struct {
	Approved  bool   `json:"approved"`
	DecidedBy string `json:"decided_by"`
	TS        string `json:"ts,omitempty"`
}

// QuestionBlock is one entry of an ask_user request: either free text
// (Options empty) or a fixed set of option buttons.
type QuestionBlock struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// MergeOutcome statuses.
const (
	MergeStatusMerged   = "merged"
	MergeStatusUpToDate = "up_to_date"
	MergeStatusPR       = "pr"
	MergeStatusConflict = "conflict"
	MergeStatusError    = "error"
)

// MergeOutcome is the sync_worktree_to_main result written to
// merge_results/<request_id>.json. Git operations report here instead of
// responses/ so the container can block on git results separately.
type MergeOutcome struct {
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
	Commits int    `json:"commits,omitempty"`
}

// ContainerMessage is an outbound chat message dropped by the container
// into messages/. The host broadcasts it through the channel fan-out.
type ContainerMessage struct {
	Content string `json:"content"`
}

// InitialInput is the startup payload at input/<InitialInputFile>.
type InitialInput struct {
	Prompt       string `json:"prompt"`
	SessionID    string `json:"session_id,omitempty"`
	Folder       string `json:"folder"`
	ChatJID      string `json:"chat_jid"`
	IsAdmin      bool   `json:"is_admin,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	MCPProxyBase string `json:"mcp_proxy_base,omitempty"`
}

// UserMessage is a follow-up host→container message under input/.
type UserMessage struct {
	Content    string `json:"content"`
	SenderName string `json:"sender_name,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// NewRequestID returns a cryptographically random 16-hex-char id.
func NewRequestID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to
		// the monotonic counter rather than returning an error.
		return fmt.Sprintf("%016x", nextEventSeq())
	}
	return hex.EncodeToString(b[:])
}

// ShortID returns the 8-char prefix used in approval cards and chat replies.
func ShortID(requestID string) string {
	if len(requestID) < 8 {
		return requestID
	}
	return requestID[:8]
}

var eventSeq atomic.Int64

func nextEventSeq() int64 {
	for {
		prev := eventSeq.Load()
		next := time.Now().UnixNano()
		if next <= prev {
			next = prev + 1
		}
		if eventSeq.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// NextEventFilename returns the next container-event filename: the hex of a
// monotonic nanosecond counter, so lexicographic order equals emit order.
func NextEventFilename() string {
	return fmt.Sprintf("%016x.json", nextEventSeq())
}

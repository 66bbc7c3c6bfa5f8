// Package protocol defines the wire types shared between the pynchy host
// and the sandboxed agent containers: the stdout event stream, the file
// IPC envelopes, and the event names pushed to gateway clients.
package protocol

import "encoding/json"

// Container stream event types. The agent runner emits one JSON object per
// stdout line; Type selects which fields are populated.
const (
	StreamText       = "text"
	StreamThinking   = "thinking"
	StreamToolUse    = "tool_use"
	StreamToolResult = "tool_result"
	StreamSystem     = "system"
	StreamResult     = "result"
)

// StreamEvent is a single decoded line of the container's stdout stream.
// A Result event marks end-of-stream; after it the container is exiting.
type StreamEvent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolID    string          `json:"tool_id,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Subtype   string          `json:"subtype,omitempty"`

	// Result fields.
	SessionID  string  `json:"session_id,omitempty"`
	IsError    bool    `json:"is_error,omitempty"`
	Error      string  `json:"error,omitempty"`
	CostUSD    float64 `json:"total_cost_usd,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
}

// Gateway event names pushed to SSE / websocket clients.
const (
	EventMessageReceived  = "message.received"
	EventMessageSent      = "message.sent"
	EventContainerStarted = "container.started"
	EventContainerExited  = "container.exited"
	EventStreamChunk      = "stream.chunk"
	EventApprovalPending  = "approval.requested"
	EventApprovalResolved = "approval.resolved"
	EventSecurityDenied   = "security.denied"
	EventDeployStarted    = "deploy.started"
	EventDeployFinished   = "deploy.finished"
	EventTaskRun          = "task.run"
	EventWorktreeMerged   = "worktree.merged"
	EventShutdown         = "shutdown"
)

package ipc

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/pynchy/internal/telemetry"
	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

// Source identifies the workspace a request came from. Resolved by the
// dispatcher before any handler runs; requests from unregistered folders
// are dropped.
type Source struct {
	Folder  string
	ChatJID string
	IsAdmin bool
}

// SourceResolver maps a workspace folder to its registration.
type SourceResolver func(folder string) (Source, bool)

// Request is one decoded tier-2 request. Raw holds the full JSON object so
// handlers decode their own parameter shapes.
type Request struct {
	Source
	Type      string
	RequestID string

	// CopApproved is set when a human approved this request and it is
	// being re-dispatched; downstream gates must not trigger again.
	CopApproved bool

	Raw json.RawMessage
}

// Decode unmarshals the request body into v.
func (r *Request) Decode(v any) error {
	return json.Unmarshal(r.Raw, v)
}

// HandlerFunc processes one request on its own goroutine.
type HandlerFunc func(ctx context.Context, w *ResponseWriter, req *Request)

// SignalFunc handles one tier-1 signal from the given workspace.
type SignalFunc func(folder string)

type prefixHandler struct {
	prefix string
	fn     HandlerFunc
}

// Dispatcher routes consumed task files to registered handlers. Exact type
// matches win over prefix matches; prefixes are tried in registration order.
// Dispatch never blocks: every handler runs on its own goroutine.
type Dispatcher struct {
	ctx    context.Context
	root   string
	source SourceResolver
	tracer trace.Tracer

	mu       sync.RWMutex
	exact    map[string]HandlerFunc
	prefixes []prefixHandler
	signals  map[string]SignalFunc
}

// NewDispatcher builds an empty registry. ctx is the base context handed to
// every handler; root is the IPC root directory used for response files.
func NewDispatcher(ctx context.Context, root string, source SourceResolver) *Dispatcher {
	return &Dispatcher{
		ctx:    ctx,
		root:   root,
		source: source,
		tracer: otel.Tracer("pynchy"),
		exact:  make(map[string]HandlerFunc),
		signals: map[string]SignalFunc{
			protocol.SignalRefreshGroups: func(string) {},
		},
	}
}

// Handle registers a handler for an exact request type.
func (d *Dispatcher) Handle(reqType string, fn HandlerFunc) {
	d.mu.Lock()
	d.exact[reqType] = fn
	d.mu.Unlock()
}

// HandlePrefix registers a handler for a request-type family such as
// "service:". The handler parses the suffix itself.
func (d *Dispatcher) HandlePrefix(prefix string, fn HandlerFunc) {
	d.mu.Lock()
	d.prefixes = append(d.prefixes, prefixHandler{prefix: prefix, fn: fn})
	d.mu.Unlock()
}

// OnSignal registers the callback for a known tier-1 signal name.
func (d *Dispatcher) OnSignal(name string, fn SignalFunc) {
	d.mu.Lock()
	d.signals[name] = fn
	d.mu.Unlock()
}

var requestIDRe = regexp.MustCompile(`^[0-9a-f]{16}$`)

// Dispatch consumes one task file. Malformed envelopes, unknown signal
// names, and unknown types are logged and dropped; the watcher has already
// deleted the file so processing always continues.
func (d *Dispatcher) Dispatch(folder, name string, data []byte) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("ipc.request.malformed", "folder", folder, "file", name, "error", err)
		telemetry.IPCRejected.WithLabelValues("malformed").Inc()
		return
	}

	if _, ok := env["signal"]; ok {
		d.dispatchSignal(folder, name, env)
		return
	}

	var head struct {
		Type        string `json:"type"`
		RequestID   string `json:"request_id"`
		CopApproved bool   `json:"_cop_approved"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
		slog.Warn("ipc.request.malformed", "folder", folder, "file", name, "error", err)
		telemetry.IPCRejected.WithLabelValues("malformed").Inc()
		return
	}
	if head.RequestID != "" && !requestIDRe.MatchString(head.RequestID) {
		slog.Warn("ipc.request.bad_id", "folder", folder, "file", name, "request_id", head.RequestID)
		telemetry.IPCRejected.WithLabelValues("bad_id").Inc()
		return
	}

	src, ok := d.source(folder)
	if !ok {
		slog.Warn("ipc.source.unknown", "folder", folder, "type", head.Type)
		telemetry.IPCRejected.WithLabelValues("unknown_source").Inc()
		return
	}

	fn := d.lookup(head.Type)
	if fn == nil {
		slog.Warn("ipc.unknown_type", "folder", folder, "type", head.Type)
		telemetry.IPCRejected.WithLabelValues("unknown_type").Inc()
		return
	}

	req := &Request{
		Source:      src,
		Type:        head.Type,
		RequestID:   head.RequestID,
		CopApproved: head.CopApproved,
		Raw:         json.RawMessage(data),
	}
	w := &ResponseWriter{
		path:   ResponsePath(d.root, folder, head.RequestID),
		folder: folder,
	}
	telemetry.IPCRequests.WithLabelValues(head.Type).Inc()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("ipc.handler.panic",
					"type", req.Type, "folder", folder,
					"panic", r, "stack", string(debug.Stack()))
			}
		}()
		ctx, span := d.tracer.Start(d.ctx, telemetry.SpanIPCDispatch,
			trace.WithAttributes(
				attribute.String(telemetry.AttrIPCType, req.Type),
				attribute.String(telemetry.AttrFolder, folder),
			))
		defer span.End()
		fn(ctx, w, req)
	}()
}

func (d *Dispatcher) lookup(reqType string) HandlerFunc {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if fn, ok := d.exact[reqType]; ok {
		return fn
	}
	for _, p := range d.prefixes {
		if strings.HasPrefix(reqType, p.prefix) {
			return p.fn
		}
	}
	return nil
}

// dispatchSignal enforces the strict tier-1 shape: only "signal" and "ts"
// keys, signal value a known name.
func (d *Dispatcher) dispatchSignal(folder, name string, env map[string]json.RawMessage) {
	for key := range env {
		if key != "signal" && key != "ts" {
			slog.Warn("ipc.signal.invalid", "folder", folder, "file", name, "extra_key", key)
			telemetry.IPCRejected.WithLabelValues("signal_shape").Inc()
			return
		}
	}
	var sigName string
	if err := json.Unmarshal(env["signal"], &sigName); err != nil {
		slog.Warn("ipc.signal.invalid", "folder", folder, "file", name, "error", err)
		telemetry.IPCRejected.WithLabelValues("signal_shape").Inc()
		return
	}

	d.mu.RLock()
	fn, known := d.signals[sigName]
	d.mu.RUnlock()
	if !known {
		slog.Warn("ipc.signal.unknown", "folder", folder, "signal", sigName)
		telemetry.IPCRejected.WithLabelValues("signal_unknown").Inc()
		return
	}
	telemetry.IPCRequests.WithLabelValues(sigName).Inc()
	go fn(folder)
}

// ResponsePath returns the response file location for a request id.
func ResponsePath(root, folder, requestID string) string {
	return filepath.Join(root, folder, protocol.DirResponses, requestID+".json")
}

// ResponseWriter delivers the reply for one request. Requests without a
// request_id are fire-and-forget; writes on their writer are dropped.
type ResponseWriter struct {
	path   string
	folder string
}

// OK writes a success response carrying v.
func (w *ResponseWriter) OK(v any) {
	resp, err := protocol.OkResponse(v)
	if err != nil {
		slog.Error("ipc.response.marshal_failed", "folder", w.folder, "error", err)
		resp = protocol.ErrorResponse("internal error")
	}
	w.Write(resp)
}

// Fail writes an error response with the given message.
func (w *ResponseWriter) Fail(msg string) {
	w.Write(protocol.ErrorResponse(msg))
}

// Write delivers a prebuilt response atomically.
func (w *ResponseWriter) Write(resp protocol.Response) {
	if filepath.Base(w.path) == ".json" {
		// No request_id; nowhere to deliver.
		return
	}
	if err := WriteAtomicJSON(w.path, resp); err != nil {
		slog.Error("ipc.response.write_failed", "folder", w.folder, "path", w.path, "error", err)
	}
}

// WriteResponse writes a response file for a request id directly. Used by
// the approval processor, which replies outside a live handler call.
func WriteResponse(root, folder, requestID string, resp protocol.Response) error {
	return WriteAtomicJSON(ResponsePath(root, folder, requestID), resp)
}

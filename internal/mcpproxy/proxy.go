// Package mcpproxy is the reverse proxy every agent MCP client is pointed
// at. Tool calls arrive as POST /mcp/<workspace>/<invocation_ts>/<instance>
// and are forwarded to the instance's backend; responses from public
// sources are taint-recorded, inspected, and fenced before the agent sees
// them. The agent is never trusted to apply its own policy.
package mcpproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/pynchy/internal/mcp"
	"github.com/nextlevelbuilder/pynchy/internal/security"
	"github.com/nextlevelbuilder/pynchy/internal/telemetry"
)

// InboundInspector classifies content read from an external source.
// Implementations fail open: not-flagged on internal error.
type InboundInspector interface {
	InspectInbound(ctx context.Context, source, content string) (flagged bool, reason string)
}

type route struct {
	backend string
	trust   mcp.InstanceTrust
}

// Proxy holds the instance routing table and applies the security gate to
// every proxied call. It implements mcp.RoutePublisher, so the instance
// manager pushes table changes straight into it.
type Proxy struct {
	gates     *security.Registry
	inspector InboundInspector
	client    *http.Client
	tracer    trace.Tracer

	mu     sync.RWMutex
	routes map[string]route

	srv      *http.Server
	listener net.Listener
}

// NewProxy builds a proxy over the gate registry. inspector must not be
// nil; pass cop.Disabled when inspection is off.
func NewProxy(gates *security.Registry, inspector InboundInspector) *Proxy {
	return &Proxy{
		gates:     gates,
		inspector: inspector,
		client:    &http.Client{},
		tracer:    otel.Tracer("pynchy"),
		routes:    make(map[string]route),
	}
}

// UpdateRoutes swaps in the current instance table. In-flight requests
// finish against the table they resolved; new requests see the update.
func (p *Proxy) UpdateRoutes(urls map[string]string, trust map[string]mcp.InstanceTrust) {
	routes := make(map[string]route, len(urls))
	for id, u := range urls {
		routes[id] = route{backend: u, trust: trust[id]}
	}
	p.mu.Lock()
	p.routes = routes
	p.mu.Unlock()
	slog.Debug("mcp.proxy.routes_updated", "instances", len(routes))
}

var _ mcp.RoutePublisher = (*Proxy)(nil)

// Start binds the listener and serves in the background. An empty addr
// takes an OS-assigned localhost port.
func (p *Proxy) Start(addr string) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mcp proxy listen: %w", err)
	}
	p.listener = ln
	p.srv = &http.Server{Handler: p}
	go func() {
		if err := p.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp.proxy.serve_failed", "error", err)
		}
	}()
	slog.Info("mcp.proxy.listening", "addr", ln.Addr().String())
	return nil
}

// Close shuts the server down, draining in-flight requests.
func (p *Proxy) Close(ctx context.Context) error {
	if p.srv == nil {
		return nil
	}
	return p.srv.Shutdown(ctx)
}

// Port returns the bound port, or 0 before Start.
func (p *Proxy) Port() int {
	if p.listener == nil {
		return 0
	}
	return p.listener.Addr().(*net.TCPAddr).Port
}

// BaseURL renders the per-invocation URL prefix injected into agent
// settings. The container's runner appends /<instance_id> per tool call;
// host is how containers reach this process.
func (p *Proxy) BaseURL(host, folder, invocationTS string) string {
	return fmt.Sprintf("http://%s/mcp/%s/%s",
		net.JoinHostPort(host, strconv.Itoa(p.Port())), folder, invocationTS)
}

// hopHeaders are dropped on both legs per RFC 7230 section 6.1.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	folder, invocationTS, instanceID, ok := splitProxyPath(r.URL.Path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	ctx, span := p.tracer.Start(r.Context(), telemetry.SpanProxyForward,
		trace.WithAttributes(
			attribute.String(telemetry.AttrFolder, folder),
			attribute.String(telemetry.AttrInstance, instanceID),
		))
	defer span.End()

	// No live gate means no live invocation; nothing may call through.
	gate := p.gates.Get(folder, invocationTS)
	if gate == nil {
		telemetry.ProxyRequests.WithLabelValues("no_gate").Inc()
		http.Error(w, "no active invocation", http.StatusForbidden)
		return
	}

	p.mu.RLock()
	rt, ok := p.routes[instanceID]
	p.mu.RUnlock()
	if !ok {
		telemetry.ProxyRequests.WithLabelValues("no_route").Inc()
		http.Error(w, "unknown instance", http.StatusNotFound)
		return
	}

	resp, err := p.forward(ctx, rt, r)
	if err != nil {
		telemetry.ProxyRequests.WithLabelValues("backend_error").Inc()
		slog.Error("mcp.proxy.backend_failed",
			"folder", folder, "instance", instanceID, "error", err)
		http.Error(w, "backend unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if !rt.trust.PublicSource {
		telemetry.ProxyRequests.WithLabelValues("forwarded").Inc()
		writeHeader(w, resp)
		if _, err := io.Copy(w, resp.Body); err != nil {
			slog.Debug("mcp.proxy.copy_failed", "instance", instanceID, "error", err)
		}
		return
	}

	// Public source: record taints against the workspace's own trust
	// record, then inspect and fence whatever the agent will read.
	verdict := gate.EvaluateRead(ctx, rt.trust.Server)
	if !verdict.Allowed() {
		telemetry.ProxyRequests.WithLabelValues("denied").Inc()
		http.Error(w, verdict.Reason, http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		telemetry.ProxyRequests.WithLabelValues("backend_error").Inc()
		http.Error(w, "backend read failed", http.StatusBadGateway)
		return
	}
	if verdict.NeedsFencing {
		body = p.fenceBody(ctx, "mcp:"+instanceID, resp.Header.Get("Content-Type"), body)
		telemetry.ProxyRequests.WithLabelValues("fenced").Inc()
	} else {
		telemetry.ProxyRequests.WithLabelValues("forwarded").Inc()
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	writeHeader(w, resp)
	if _, err := w.Write(body); err != nil {
		slog.Debug("mcp.proxy.write_failed", "instance", instanceID, "error", err)
	}
}

// forward re-issues the request to the instance backend, minus hop-by-hop
// headers and the proxy's Host, plus the instance's own headers.
func (p *Proxy) forward(ctx context.Context, rt route, r *http.Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rt.backend, r.Body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength
	copyHeader(req.Header, r.Header)
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	for k, v := range rt.trust.Headers {
		req.Header.Set(k, v)
	}
	return p.client.Do(req)
}

func splitProxyPath(path string) (folder, invocationTS, instanceID string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 4 || parts[0] != "mcp" ||
		parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return "", "", "", false
	}
	return parts[1], parts[2], parts[3], true
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// writeHeader relays the backend's response headers and status, minus
// hop-by-hop entries. A Content-Length set by the caller survives.
func writeHeader(w http.ResponseWriter, resp *http.Response) {
	keep := w.Header().Get("Content-Length")
	copyHeader(w.Header(), resp.Header)
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
	if keep != "" {
		w.Header().Set("Content-Length", keep)
	}
	w.WriteHeader(resp.StatusCode)
}

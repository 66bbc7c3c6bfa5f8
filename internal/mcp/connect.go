package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// startInstance resolves the spec, launches the server process when the
// spec declares a command, and waits for the MCP initialize handshake to
// succeed before handing the instance to the health loop.
func (m *Manager) startInstance(ctx context.Context, inst *instance, spec ServerSpec, kwargs map[string]string) error {
	vars := make(map[string]string, len(kwargs)+1)
	for k, v := range kwargs {
		vars[k] = v
	}
	if spec.Command != "" {
		port, err := freePort()
		if err != nil {
			return fmt.Errorf("allocate port: %w", err)
		}
		vars["PORT"] = strconv.Itoa(port)
	}
	resolved := spec.resolve(vars)
	if strings.Contains(resolved.URL, "${") {
		return fmt.Errorf("unresolved placeholder in url %q; missing kwarg", resolved.URL)
	}
	inst.spec = resolved
	inst.url = resolved.URL

	if resolved.Command != "" {
		cmd := exec.Command(resolved.Command, resolved.Args...)
		cmd.Env = append(os.Environ(), mapToEnvSlice(resolved.Env)...)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("launch %s: %w", resolved.Command, err)
		}
		inst.cmd = cmd
		go func() {
			if err := cmd.Wait(); err != nil {
				slog.Debug("mcp.instance.process_exited",
					"server", inst.key.server, "instance", inst.id, "error", err)
			}
		}()
	}

	client, err := m.waitReady(ctx, resolved)
	if err != nil {
		if inst.cmd != nil && inst.cmd.Process != nil {
			_ = inst.cmd.Process.Kill()
		}
		return err
	}
	inst.client = client
	inst.connected.Store(true)

	hctx, hcancel := context.WithCancel(context.Background())
	inst.cancel = hcancel
	go m.healthLoop(hctx, inst)
	return nil
}

// waitReady retries the handshake until the server answers or the spec's
// readiness timeout lapses. Local commands need the retries; the process
// has to bind its port and come up first.
func (m *Manager) waitReady(ctx context.Context, spec ServerSpec) (*mcpclient.Client, error) {
	timeout := time.Duration(spec.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		client, err := newClient(spec.Transport, spec.URL, spec.Headers)
		if err != nil {
			return nil, err
		}
		if err = initialize(ctx, client); err == nil {
			return client, nil
		}
		_ = client.Close()

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("not ready after %s: %w", timeout, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.backoffInitial):
		}
	}
}

// newClient builds the MCP client for a backend endpoint.
func newClient(transportType, url string, headers map[string]string) (*mcpclient.Client, error) {
	switch transportType {
	case "sse":
		var opts []transport.ClientOption
		if len(headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(headers))
		}
		return mcpclient.NewSSEMCPClient(url, opts...)
	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(headers))
		}
		return mcpclient.NewStreamableHttpClient(url, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport %q", transportType)
	}
}

// initialize starts the transport and runs the MCP handshake.
func initialize(ctx context.Context, client *mcpclient.Client) error {
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "pynchy",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

// healthLoop pings the instance on a ticker and reconnects on failure.
// When reconnect attempts run out the instance is removed entirely; a
// later EnsureInstance starts a fresh one.
func (m *Manager) healthLoop(ctx context.Context, inst *instance) {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := inst.client.Ping(ctx)
			if err == nil || isMethodNotFound(err) {
				// Servers that don't implement "ping" are still alive.
				inst.markHealthy()
				continue
			}
			inst.connected.Store(false)
			inst.mu.Lock()
			inst.lastErr = err.Error()
			inst.mu.Unlock()

			slog.Warn("mcp.instance.health_failed",
				"server", inst.key.server, "instance", inst.id, "error", err)
			if !m.tryReconnect(ctx, inst) {
				m.removeInstance(inst, fmt.Sprintf("unreachable after %d reconnect attempts", m.maxReconnects))
				return
			}
		}
	}
}

// tryReconnect backs off and pings again; the transport may have
// recovered on its own. Returns false once attempts are exhausted.
func (m *Manager) tryReconnect(ctx context.Context, inst *instance) bool {
	inst.mu.Lock()
	if inst.reconnAttempts >= m.maxReconnects {
		inst.mu.Unlock()
		return false
	}
	inst.reconnAttempts++
	attempt := inst.reconnAttempts
	inst.mu.Unlock()

	backoff := m.backoffInitial * time.Duration(1<<(attempt-1))
	if backoff > m.backoffMax {
		backoff = m.backoffMax
	}
	slog.Info("mcp.instance.reconnecting",
		"server", inst.key.server, "instance", inst.id, "attempt", attempt, "backoff", backoff)

	select {
	case <-ctx.Done():
		return true
	case <-time.After(backoff):
	}

	if err := inst.client.Ping(ctx); err == nil {
		inst.markHealthy()
		slog.Info("mcp.instance.reconnected", "server", inst.key.server, "instance", inst.id)
	}
	return true
}

// Package mcp runs the MCP server instances that workspaces declare and
// feeds the proxy's routing table. Instances are keyed by (server, kwargs)
// so workspaces with identical parameterizations share one process; each
// instance carries a fresh id, is health-checked over its own MCP client,
// and leaves the routes when it dies.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"

	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/internal/telemetry"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
	defaultReadyTimeout  = 30 * time.Second
)

// InstanceTrust describes one routable instance to the proxy: the catalog
// server it belongs to, whether that server reads the public internet,
// and headers to re-issue on proxied requests.
type InstanceTrust struct {
	Server       string
	PublicSource bool
	Headers      map[string]string
}

// RoutePublisher receives the live instance table whenever it changes.
// The MCP proxy implements it.
type RoutePublisher interface {
	UpdateRoutes(urls map[string]string, trust map[string]InstanceTrust)
}

// InstanceInfo is the caller-visible projection of a live instance.
type InstanceInfo struct {
	ID     string
	Server string
	URL    string
}

// InstanceStatus reports one instance for health surfaces.
type InstanceStatus struct {
	ID         string `json:"id"`
	Server     string `json:"server"`
	URL        string `json:"url"`
	Connected  bool   `json:"connected"`
	Workspaces int    `json:"workspaces"`
	Error      string `json:"error,omitempty"`
}

type instanceKey struct {
	server string
	hash   string
}

// instance is one live server connection, shared by every workspace whose
// ref hashes to the same key. ready closes once startup finishes; startErr
// is written before the close, as are spec, url, client, cmd, and cancel.
type instance struct {
	id        string
	key       instanceKey
	spec      ServerSpec // resolved copy, kwargs and port expanded
	url       string
	client    *mcpclient.Client
	cmd       *exec.Cmd // nil for remote servers
	cancel    context.CancelFunc
	ready     chan struct{}
	startErr  error
	connected atomic.Bool

	mu             sync.Mutex
	refs           map[string]struct{}
	reconnAttempts int
	lastErr        string
}

func (inst *instance) info() InstanceInfo {
	return InstanceInfo{ID: inst.id, Server: inst.key.server, URL: inst.url}
}

func (inst *instance) addRef(folder string) {
	inst.mu.Lock()
	inst.refs[folder] = struct{}{}
	inst.mu.Unlock()
}

// dropRef removes folder and reports whether no workspace remains.
func (inst *instance) dropRef(folder string) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if _, ok := inst.refs[folder]; !ok {
		return false
	}
	delete(inst.refs, folder)
	return len(inst.refs) == 0
}

func (inst *instance) isReady() bool {
	select {
	case <-inst.ready:
		return inst.startErr == nil
	default:
		return false
	}
}

func (inst *instance) markHealthy() {
	inst.connected.Store(true)
	inst.mu.Lock()
	inst.reconnAttempts = 0
	inst.lastErr = ""
	inst.mu.Unlock()
}

// Manager owns the live instance set. One manager serves the whole host.
type Manager struct {
	catalog Catalog
	routes  RoutePublisher

	healthInterval time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	maxReconnects  int

	mu        sync.Mutex
	instances map[instanceKey]*instance
	byID      map[string]*instance
	closed    bool
}

// Option configures the Manager.
type Option func(*Manager)

// WithHealthCheckInterval sets the ping cadence for live instances.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(m *Manager) { m.healthInterval = d }
}

// WithReconnectPolicy sets the backoff window and attempt cap applied
// before a failing instance is dropped.
func WithReconnectPolicy(initial, max time.Duration, attempts int) Option {
	return func(m *Manager) {
		m.backoffInitial = initial
		m.backoffMax = max
		m.maxReconnects = attempts
	}
}

// NewManager builds a manager over the catalog. routes may be nil in
// tests; every instance change is pushed to it otherwise.
func NewManager(catalog Catalog, routes RoutePublisher, opts ...Option) *Manager {
	m := &Manager{
		catalog:        catalog,
		routes:         routes,
		healthInterval: healthCheckInterval,
		backoffInitial: initialBackoff,
		backoffMax:     maxBackoff,
		maxReconnects:  maxReconnectAttempts,
		instances:      make(map[instanceKey]*instance),
		byID:           make(map[string]*instance),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureInstance returns the live instance for ref, starting one when no
// workspace holds it yet. Concurrent callers for the same key share a
// single startup; the losers block until it settles.
func (m *Manager) EnsureInstance(ctx context.Context, folder string, ref store.MCPServerRef) (InstanceInfo, error) {
	spec, ok := m.catalog.Get(ref.Server)
	if !ok {
		return InstanceInfo{}, fmt.Errorf("unknown mcp server %q", ref.Server)
	}
	key := instanceKey{server: ref.Server, hash: hashKwargs(ref.Kwargs)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return InstanceInfo{}, errors.New("mcp manager stopped")
	}
	if inst, ok := m.instances[key]; ok {
		inst.addRef(folder)
		m.mu.Unlock()
		select {
		case <-inst.ready:
		case <-ctx.Done():
			return InstanceInfo{}, ctx.Err()
		}
		if inst.startErr != nil {
			return InstanceInfo{}, inst.startErr
		}
		return inst.info(), nil
	}

	inst := &instance{
		id:    uuid.NewString(),
		key:   key,
		refs:  map[string]struct{}{folder: {}},
		ready: make(chan struct{}),
	}
	m.instances[key] = inst
	m.byID[inst.id] = inst
	m.mu.Unlock()

	err := m.startInstance(ctx, inst, spec, ref.Kwargs)
	inst.startErr = err
	close(inst.ready)
	if err != nil {
		m.mu.Lock()
		delete(m.instances, key)
		delete(m.byID, inst.id)
		m.mu.Unlock()
		return InstanceInfo{}, fmt.Errorf("start mcp server %q: %w", ref.Server, err)
	}

	m.publishRoutes()
	slog.Info("mcp.instance.started",
		"server", ref.Server, "instance", inst.id, "url", inst.url)
	return inst.info(), nil
}

// ReleaseWorkspace drops folder's claim on every instance. Instances keep
// running between invocations; this is for workspace unregistration, after
// which claim-free instances stop.
func (m *Manager) ReleaseWorkspace(folder string) {
	m.mu.Lock()
	var idle []*instance
	for key, inst := range m.instances {
		if !inst.dropRef(folder) {
			continue
		}
		delete(m.instances, key)
		delete(m.byID, inst.id)
		idle = append(idle, inst)
	}
	m.mu.Unlock()

	for _, inst := range idle {
		m.stopInstance(inst)
		slog.Info("mcp.instance.stopped",
			"server", inst.key.server, "instance", inst.id, "cause", "no remaining workspaces")
	}
	if len(idle) > 0 {
		m.publishRoutes()
	}
}

// Stop tears down every instance and empties the routes.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.closed = true
	insts := make([]*instance, 0, len(m.byID))
	for _, inst := range m.byID {
		insts = append(insts, inst)
	}
	m.instances = make(map[instanceKey]*instance)
	m.byID = make(map[string]*instance)
	m.mu.Unlock()

	for _, inst := range insts {
		m.stopInstance(inst)
	}
	m.publishRoutes()
}

// Statuses returns every instance sorted by server then id.
func (m *Manager) Statuses() []InstanceStatus {
	m.mu.Lock()
	insts := make([]*instance, 0, len(m.byID))
	for _, inst := range m.byID {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	statuses := make([]InstanceStatus, 0, len(insts))
	for _, inst := range insts {
		inst.mu.Lock()
		s := InstanceStatus{
			ID:         inst.id,
			Server:     inst.key.server,
			URL:        inst.url,
			Connected:  inst.connected.Load(),
			Workspaces: len(inst.refs),
			Error:      inst.lastErr,
		}
		inst.mu.Unlock()
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Server != statuses[j].Server {
			return statuses[i].Server < statuses[j].Server
		}
		return statuses[i].ID < statuses[j].ID
	})
	return statuses
}

// removeInstance is the health loop's exit for a dead instance.
func (m *Manager) removeInstance(inst *instance, reason string) {
	m.mu.Lock()
	delete(m.instances, inst.key)
	delete(m.byID, inst.id)
	m.mu.Unlock()
	m.stopInstance(inst)
	m.publishRoutes()
	slog.Error("mcp.instance.removed",
		"server", inst.key.server, "instance", inst.id, "reason", reason)
}

func (m *Manager) stopInstance(inst *instance) {
	if inst.cancel != nil {
		inst.cancel()
	}
	if inst.client != nil {
		_ = inst.client.Close()
	}
	if inst.cmd != nil && inst.cmd.Process != nil {
		_ = inst.cmd.Process.Kill()
	}
}

// publishRoutes pushes the current instance table to the proxy and keeps
// the instance gauge in step.
func (m *Manager) publishRoutes() {
	m.mu.Lock()
	urls := make(map[string]string, len(m.byID))
	trust := make(map[string]InstanceTrust, len(m.byID))
	for id, inst := range m.byID {
		if !inst.isReady() {
			continue
		}
		rec := inst.spec.EffectiveTrust()
		urls[id] = inst.url
		trust[id] = InstanceTrust{
			Server:       inst.key.server,
			PublicSource: rec.PublicSource.Bool(),
			Headers:      inst.spec.Headers,
		}
	}
	m.mu.Unlock()

	telemetry.MCPInstances.Set(float64(len(urls)))
	if m.routes != nil {
		m.routes.UpdateRoutes(urls, trust)
	}
}

package container

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/pynchy/internal/bus"
	"github.com/nextlevelbuilder/pynchy/internal/config"
	"github.com/nextlevelbuilder/pynchy/internal/ipc"
	"github.com/nextlevelbuilder/pynchy/internal/runtime"
	"github.com/nextlevelbuilder/pynchy/internal/security"
	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/internal/telemetry"
	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

// ErrAgentTerminated marks a container that died without a clean
// result event. The router turns it into a host message and the queue
// retries with backoff.
var ErrAgentTerminated = errors.New("agent terminated unexpectedly")

// Invocation is one container run for a workspace.
type Invocation struct {
	Folder       string
	ChatJID      string
	Prompt       string
	SessionID    string
	IsAdmin      bool
	Timezone     string
	MCPProxyBase string
	// MCPInstances maps server name to the live instance id the runner
	// appends to MCPProxyBase per tool call.
	MCPInstances map[string]string
	WorktreeDir  string
	Security     *security.WorkspaceSecurity
	Overrides    store.ContainerOverrides
	Plugins      []Plugin
	OnEvent      func(protocol.StreamEvent)
}

// Result is the outcome of a finished invocation.
type Result struct {
	SessionID    string
	CostUSD      float64
	DurationMS   int64
	NumTurns     int
	IsError      bool
	ErrorMessage string
}

type active struct {
	name   string
	handle *runtime.Handle
	done   chan struct{}
}

// Orchestrator spawns one container per workspace invocation and
// streams its events.
type Orchestrator struct {
	cfg            *config.Config
	rt             runtime.Runtime
	events         bus.Publisher
	paths          Paths
	hostConfigPath string

	mu      sync.Mutex
	actives map[string]*active // folder -> running container
}

// New builds an orchestrator. hostConfigPath is the loaded config file,
// mounted read-only into admin workspaces.
func New(cfg *config.Config, rt runtime.Runtime, events bus.Publisher, hostConfigPath string) *Orchestrator {
	if events == nil {
		events = bus.Nop{}
	}
	return &Orchestrator{
		cfg:            cfg,
		rt:             rt,
		events:         events,
		paths:          Paths{DataDir: config.ExpandHome(cfg.DataDir)},
		hostConfigPath: hostConfigPath,
		actives:        make(map[string]*active),
	}
}

// Paths exposes the workspace layout for components that share it.
func (o *Orchestrator) Paths() Paths {
	return o.paths
}

// resolveSpec folds per-workspace overrides and named sandboxes over
// the global container defaults.
func (o *Orchestrator) resolveSpec(ov store.ContainerOverrides) (image string, memMB int, cpus float64) {
	image = o.cfg.Container.Image
	memMB = o.cfg.Container.MemoryMB
	cpus = o.cfg.Container.CPUs
	if ov.Sandbox != "" {
		if sb, ok := o.cfg.Sandboxes[ov.Sandbox]; ok {
			if sb.Image != "" {
				image = sb.Image
			}
			if sb.MemoryMB > 0 {
				memMB = sb.MemoryMB
			}
			if sb.CPUs > 0 {
				cpus = sb.CPUs
			}
		} else {
			slog.Warn("container.sandbox.unknown", "sandbox", ov.Sandbox)
		}
	}
	if ov.Image != "" {
		image = ov.Image
	}
	return image, memMB, cpus
}

// filterSecrets applies least privilege to the credentials env file:
// non-admin workspaces never see host-scoped keys.
func filterSecrets(secrets map[string]string, isAdmin bool) map[string]string {
	out := make(map[string]string, len(secrets))
	for k, v := range secrets {
		if !isAdmin && isHostSecret(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func isHostSecret(key string) bool {
	for _, prefix := range []string{"host_", "cop_", "gateway_"} {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// Invoke runs one container to completion, dispatching each streamed
// event to inv.OnEvent. It returns ErrAgentTerminated when the
// container exits abnormally or never produces a result event.
func (o *Orchestrator) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	name := fmt.Sprintf("%s-%s-%d", o.cfg.Container.Prefix, inv.Folder, time.Now().UnixMilli())

	mounts, err := PrepareMounts(MountInputs{
		Paths:          o.paths,
		Folder:         inv.Folder,
		ChatJID:        inv.ChatJID,
		IsAdmin:        inv.IsAdmin,
		Timezone:       inv.Timezone,
		MCPProxyBase:   inv.MCPProxyBase,
		MCPInstances:   inv.MCPInstances,
		WorktreeDir:    inv.WorktreeDir,
		Security:       inv.Security,
		Secrets:        filterSecrets(o.cfg.Secrets, inv.IsAdmin),
		HostConfigPath: o.hostConfigPath,
		HooksDir:       config.ExpandHome(o.cfg.Container.HooksDir),
		RunnerDir:      config.ExpandHome(o.cfg.Container.RunnerDir),
		Plugins:        inv.Plugins,
		Additional:     inv.Overrides.AdditionalMounts,
		MountAllowlist: o.cfg.Container.MountAllowlist,
	})
	if err != nil {
		return nil, err
	}

	initial := protocol.InitialInput{
		Prompt:       inv.Prompt,
		SessionID:    inv.SessionID,
		Folder:       inv.Folder,
		ChatJID:      inv.ChatJID,
		IsAdmin:      inv.IsAdmin,
		Timezone:     inv.Timezone,
		MCPProxyBase: inv.MCPProxyBase,
	}
	// A stale close sentinel or unread input from a dead run would
	// derail the fresh container.
	inputDir := o.paths.IPCSubdir(inv.Folder, protocol.DirInput)
	if err := clearDir(inputDir); err != nil {
		return nil, err
	}
	if err := ipc.WriteAtomicJSON(filepath.Join(inputDir, protocol.InitialInputFile), initial); err != nil {
		return nil, err
	}

	image, memMB, cpus := o.resolveSpec(inv.Overrides)
	handle, err := o.rt.Spawn(ctx, runtime.SpawnSpec{
		Name:     name,
		Image:    image,
		Mounts:   mounts,
		MemoryMB: memMB,
		CPUs:     cpus,
		Env: map[string]string{
			"PYNCHY_FOLDER": inv.Folder,
			"TZ":            inv.Timezone,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("spawn for %s: %w", inv.Folder, err)
	}
	o.events.Broadcast(bus.Event{Name: protocol.EventContainerStarted, Payload: map[string]string{
		"folder": inv.Folder, "container": name,
	}})
	telemetry.ContainersStarted.Inc()
	telemetry.ContainersActive.Inc()
	started := time.Now()

	act := &active{name: name, handle: handle, done: make(chan struct{})}
	o.mu.Lock()
	o.actives[inv.Folder] = act
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		if o.actives[inv.Folder] == act {
			delete(o.actives, inv.Folder)
		}
		o.mu.Unlock()
		close(act.done)
		telemetry.ContainersActive.Dec()
		telemetry.ContainerDuration.Observe(time.Since(started).Seconds())
	}()

	var stdinOnce sync.Once
	closeStdin := func() {
		stdinOnce.Do(func() {
			handle.Stdin.Close()
		})
	}

	idleTimeout := o.cfg.IdleTimeout()
	idle := time.AfterFunc(idleTimeout, func() {
		slog.Info("container.idle", "folder", inv.Folder, "container", name, "timeout", idleTimeout)
		closeStdin()
	})
	defer idle.Stop()

	// Cancellation asks the agent to finish via the close sentinel and
	// escalates to a runtime stop after the grace period.
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			o.requestStop(inv.Folder, act)
		case <-stopWatch:
		}
	}()
	defer close(stopWatch)

	res, sawResult := o.readEvents(handle, idle, idleTimeout, inv.OnEvent)

	closeStdin()
	waitErr := handle.Wait()
	o.events.Broadcast(bus.Event{Name: protocol.EventContainerExited, Payload: map[string]any{
		"folder": inv.Folder, "container": name, "clean": waitErr == nil && sawResult,
	}})

	if waitErr != nil || !sawResult {
		slog.Error("container.terminated", "folder", inv.Folder, "container", name,
			"saw_result", sawResult, "error", waitErr)
		if waitErr != nil {
			return res, fmt.Errorf("%w: %v", ErrAgentTerminated, waitErr)
		}
		return res, ErrAgentTerminated
	}
	return res, nil
}

// readEvents consumes NDJSON lines from the container's stdout until
// EOF, resetting the idle timer on every event.
func (o *Orchestrator) readEvents(handle *runtime.Handle, idle *time.Timer, idleTimeout time.Duration, onEvent func(protocol.StreamEvent)) (*Result, bool) {
	res := &Result{}
	sawResult := false

	scanner := bufio.NewScanner(handle.Stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev protocol.StreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("container.event.unparsable", "container", handle.Name, "error", err)
			continue
		}
		idle.Reset(idleTimeout)

		if ev.SessionID != "" {
			res.SessionID = ev.SessionID
		}
		if ev.Type == protocol.StreamResult {
			sawResult = true
			res.CostUSD = ev.CostUSD
			res.DurationMS = ev.DurationMS
			res.NumTurns = ev.NumTurns
			res.IsError = ev.IsError
			res.ErrorMessage = ev.Error
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("container.stream.error", "container", handle.Name, "error", err)
	}
	return res, sawResult
}

// requestStop drops the close sentinel and escalates to a runtime stop
// if the container is still alive after the grace period.
func (o *Orchestrator) requestStop(folder string, act *active) {
	inputDir := o.paths.IPCSubdir(folder, protocol.DirInput)
	if err := ipc.WriteAtomic(filepath.Join(inputDir, protocol.CloseSentinel), nil); err != nil {
		slog.Warn("container.close_sentinel.failed", "folder", folder, "error", err)
	}

	grace := o.cfg.StopGrace()
	select {
	case <-act.done:
		return
	case <-time.After(grace):
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), grace+10*time.Second)
	defer cancel()
	if err := o.rt.Stop(stopCtx, act.name, grace); err != nil {
		slog.Error("container.stop.failed", "container", act.name, "error", err)
	}
}

// Stop gracefully stops the active container for folder, if any.
func (o *Orchestrator) Stop(folder string) {
	o.mu.Lock()
	act := o.actives[folder]
	o.mu.Unlock()
	if act == nil {
		return
	}
	o.requestStop(folder, act)
}

// ActiveFolders lists workspaces with a running container.
func (o *Orchestrator) ActiveFolders() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.actives))
	for folder := range o.actives {
		out = append(out, folder)
	}
	return out
}

// SendUserMessage drops a follow-up user message into the running
// container's input directory.
func (o *Orchestrator) SendUserMessage(folder string, msg protocol.UserMessage) error {
	inputDir := o.paths.IPCSubdir(folder, protocol.DirInput)
	return ipc.WriteAtomicJSON(filepath.Join(inputDir, protocol.NextEventFilename()), msg)
}

// IsActive reports whether folder has a running container.
func (o *Orchestrator) IsActive(folder string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.actives[folder]
	return ok
}

// KillOrphans removes containers left behind by a previous process.
// Runs once at startup before any new spawn.
func (o *Orchestrator) KillOrphans(ctx context.Context) error {
	names, err := o.rt.List(ctx, o.cfg.Container.Prefix+"-")
	if err != nil {
		return fmt.Errorf("list orphans: %w", err)
	}
	o.mu.Lock()
	running := make(map[string]bool, len(o.actives))
	for _, act := range o.actives {
		running[act.name] = true
	}
	o.mu.Unlock()

	for _, name := range names {
		if running[name] {
			continue
		}
		slog.Warn("container.orphan.kill", "container", name)
		if err := o.rt.Kill(ctx, name); err != nil {
			slog.Error("container.orphan.kill_failed", "container", name, "error", err)
		}
	}
	return nil
}

package container

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/pynchy/internal/ipc"
	"github.com/nextlevelbuilder/pynchy/internal/runtime"
	"github.com/nextlevelbuilder/pynchy/internal/security"
	"github.com/nextlevelbuilder/pynchy/internal/store"
)

// Plugin is one MCP plugin source directory mounted into the agent.
type Plugin struct {
	Name string
	Dir  string
}

// AgentSettings is the generated settings file the runner reads from
// the session directory.
type AgentSettings struct {
	Folder       string            `json:"folder"`
	ChatJID      string            `json:"chat_jid"`
	IsAdmin      bool              `json:"is_admin"`
	Timezone     string            `json:"timezone"`
	MCPProxyBase string            `json:"mcp_proxy_base,omitempty"`
	MCPInstances map[string]string `json:"mcp_instances,omitempty"`
	Skills       []string          `json:"skills,omitempty"`
}

// MountInputs carries everything the mount builder needs. Keeping it a
// plain struct lets tests exercise the builder without an engine.
type MountInputs struct {
	Paths          Paths
	Folder         string
	ChatJID        string
	IsAdmin        bool
	Timezone       string
	MCPProxyBase   string
	MCPInstances   map[string]string
	WorktreeDir    string // empty when the workspace has no project access
	Security       *security.WorkspaceSecurity
	Secrets        map[string]string
	HostConfigPath string // admin workspaces get the host config read-only
	HooksDir       string
	RunnerDir      string
	Plugins        []Plugin
	Additional     []store.MountSpec
	MountAllowlist []string
}

// reservedTargets are container paths extra mounts may not shadow.
var reservedTargets = []string{
	ProjectMount, GroupMount, SessionMount, IPCMount,
	HooksMount, RunnerMount, PluginMount, "/workspace/env",
}

// PrepareMounts provisions the per-workspace directories (session dir
// with filtered skills and generated settings, credentials env file)
// and returns the mount set in its fixed order: project worktree,
// group dir, session dir, IPC namespace, hooks, credentials, runner,
// plugins, then validated extra mounts.
func PrepareMounts(in MountInputs) ([]runtime.Mount, error) {
	if err := in.Paths.EnsureWorkspaceDirs(in.Folder); err != nil {
		return nil, err
	}

	sessionDir := in.Paths.SessionDir(in.Folder)
	skills, err := copySkills(in.Paths.SkillsDir(), filepath.Join(sessionDir, "skills"), in.IsAdmin, in.Security)
	if err != nil {
		return nil, err
	}
	settings := AgentSettings{
		Folder:       in.Folder,
		ChatJID:      in.ChatJID,
		IsAdmin:      in.IsAdmin,
		Timezone:     in.Timezone,
		MCPProxyBase: in.MCPProxyBase,
		MCPInstances: in.MCPInstances,
		Skills:       skills,
	}
	if err := ipc.WriteAtomicJSON(filepath.Join(sessionDir, "settings.json"), settings); err != nil {
		return nil, err
	}

	envFile := in.Paths.EnvFile(in.Folder)
	if err := writeEnvFile(envFile, in.Secrets); err != nil {
		return nil, err
	}

	var mounts []runtime.Mount
	if in.WorktreeDir != "" {
		mounts = append(mounts, runtime.Mount{Host: in.WorktreeDir, Container: ProjectMount})
	}
	mounts = append(mounts,
		runtime.Mount{Host: in.Paths.GroupDir(in.Folder), Container: GroupMount},
		runtime.Mount{Host: sessionDir, Container: SessionMount},
		runtime.Mount{Host: in.Paths.IPCDir(in.Folder), Container: IPCMount},
	)
	if in.HooksDir != "" {
		mounts = append(mounts, runtime.Mount{Host: in.HooksDir, Container: HooksMount, ReadOnly: true})
	}
	mounts = append(mounts, runtime.Mount{Host: envFile, Container: EnvFileMount, ReadOnly: true})
	if in.IsAdmin && in.HostConfigPath != "" {
		mounts = append(mounts, runtime.Mount{Host: in.HostConfigPath, Container: HostCfgMount, ReadOnly: true})
	}
	if in.RunnerDir != "" {
		mounts = append(mounts, runtime.Mount{Host: in.RunnerDir, Container: RunnerMount, ReadOnly: true})
	}
	for _, p := range in.Plugins {
		mounts = append(mounts, runtime.Mount{
			Host:      p.Dir,
			Container: filepath.Join(PluginMount, p.Name),
			ReadOnly:  true,
		})
	}
	for _, extra := range in.Additional {
		if !extraMountAllowed(extra, in.MountAllowlist) {
			slog.Warn("container.mount.rejected", "folder", in.Folder, "host", extra.Host, "target", extra.Container)
			continue
		}
		mounts = append(mounts, runtime.Mount{Host: extra.Host, Container: extra.Container, ReadOnly: extra.ReadOnly})
	}
	return mounts, nil
}

// extraMountAllowed applies the host-side allowlist: the host path must
// be absolute, clean and under an allowlisted prefix, and the target
// must not shadow a reserved mount point.
func extraMountAllowed(m store.MountSpec, allowlist []string) bool {
	if !filepath.IsAbs(m.Host) || filepath.Clean(m.Host) != m.Host {
		return false
	}
	if !filepath.IsAbs(m.Container) || filepath.Clean(m.Container) != m.Container {
		return false
	}
	for _, reserved := range reservedTargets {
		if m.Container == reserved || strings.HasPrefix(m.Container, reserved+"/") {
			return false
		}
	}
	for _, prefix := range allowlist {
		prefix = filepath.Clean(prefix)
		if m.Host == prefix || strings.HasPrefix(m.Host, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// writeEnvFile renders secrets as KEY=VALUE lines with a restrictive
// mode; keys are uppercased for the container environment.
func writeEnvFile(path string, secrets map[string]string) error {
	keys := make([]string, 0, len(secrets))
	for k := range secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", strings.ToUpper(k), secrets[k])
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create env dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	return nil
}

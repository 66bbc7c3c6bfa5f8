// Package container assembles workspace mounts, spawns agent
// containers through the runtime, streams their events and manages
// their lifecycle (idle timeout, graceful stop, orphan cleanup).
package container

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

// Container-side mount points. The agent runner relies on these paths
// being stable across workspaces.
const (
	ProjectMount = "/workspace/project"
	GroupMount   = "/workspace/group"
	SessionMount = "/workspace/session"
	IPCMount     = "/workspace/ipc"
	HooksMount   = "/workspace/hooks"
	EnvFileMount = "/workspace/env/agent.env"
	HostCfgMount = "/workspace/env/host-config.toml"
	RunnerMount  = "/workspace/runner"
	PluginMount  = "/workspace/plugins" // one subdir per plugin
)

// Paths resolves the host-side directory layout for workspaces under
// the data dir.
type Paths struct {
	DataDir string
}

func (p Paths) GroupDir(folder string) string {
	return filepath.Join(p.DataDir, "groups", folder)
}

func (p Paths) SessionDir(folder string) string {
	return filepath.Join(p.DataDir, "sessions", folder)
}

func (p Paths) IPCDir(folder string) string {
	return filepath.Join(p.DataDir, "ipc", folder)
}

func (p Paths) IPCSubdir(folder, sub string) string {
	return filepath.Join(p.IPCDir(folder), sub)
}

func (p Paths) EnvFile(folder string) string {
	return filepath.Join(p.DataDir, "env", folder+".env")
}

func (p Paths) SkillsDir() string {
	return filepath.Join(p.DataDir, "skills")
}

// clearDir removes every regular file directly under dir.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("clear %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureWorkspaceDirs creates the per-workspace directory tree,
// including every IPC subdirectory.
func (p Paths) EnsureWorkspaceDirs(folder string) error {
	dirs := []string{
		p.GroupDir(folder),
		p.SessionDir(folder),
		filepath.Join(p.DataDir, "env"),
	}
	for _, sub := range protocol.IPCDirs {
		dirs = append(dirs, p.IPCSubdir(folder, sub))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create workspace dir %s: %w", dir, err)
		}
	}
	return nil
}

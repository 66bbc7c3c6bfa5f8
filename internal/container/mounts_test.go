package container

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/pynchy/internal/security"
	"github.com/nextlevelbuilder/pynchy/internal/store"
)

func TestMountOrderIsDeterministic(t *testing.T) {
	dataDir := t.TempDir()
	hostDirs := t.TempDir()
	for _, d := range []string{"worktree", "hooks", "runner", "plugin-a", "extra"} {
		if err := os.MkdirAll(filepath.Join(hostDirs, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	mounts, err := PrepareMounts(MountInputs{
		Paths:          Paths{DataDir: dataDir},
		Folder:         "dev",
		ChatJID:        "chat@g.us",
		IsAdmin:        true,
		WorktreeDir:    filepath.Join(hostDirs, "worktree"),
		Security:       &security.WorkspaceSecurity{},
		Secrets:        map[string]string{"api_key": "k"},
		HostConfigPath: filepath.Join(hostDirs, "pynchy.toml"),
		HooksDir:       filepath.Join(hostDirs, "hooks"),
		RunnerDir:      filepath.Join(hostDirs, "runner"),
		Plugins:        []Plugin{{Name: "search", Dir: filepath.Join(hostDirs, "plugin-a")}},
		Additional: []store.MountSpec{
			{Host: filepath.Join(hostDirs, "extra"), Container: "/workspace/extra", ReadOnly: true},
		},
		MountAllowlist: []string{hostDirs},
	})
	if err != nil {
		t.Fatalf("prepare mounts: %v", err)
	}

	wantTargets := []string{
		ProjectMount,
		GroupMount,
		SessionMount,
		IPCMount,
		HooksMount,
		EnvFileMount,
		HostCfgMount,
		RunnerMount,
		PluginMount + "/search",
		"/workspace/extra",
	}
	if len(mounts) != len(wantTargets) {
		t.Fatalf("mounts = %d, want %d: %+v", len(mounts), len(wantTargets), mounts)
	}
	for i, want := range wantTargets {
		if mounts[i].Container != want {
			t.Errorf("mount[%d] = %s, want %s", i, mounts[i].Container, want)
		}
	}

	// Read-only flags on the static read-only set.
	roTargets := map[string]bool{
		HooksMount: true, EnvFileMount: true, HostCfgMount: true,
		RunnerMount: true, PluginMount + "/search": true, "/workspace/extra": true,
	}
	for _, m := range mounts {
		if roTargets[m.Container] && !m.ReadOnly {
			t.Errorf("mount %s not read-only", m.Container)
		}
		if !roTargets[m.Container] && m.ReadOnly {
			t.Errorf("mount %s unexpectedly read-only", m.Container)
		}
	}
}

func TestNoProjectMountWithoutAccess(t *testing.T) {
	mounts, err := PrepareMounts(MountInputs{
		Paths:    Paths{DataDir: t.TempDir()},
		Folder:   "dev",
		Security: &security.WorkspaceSecurity{},
	})
	if err != nil {
		t.Fatalf("prepare mounts: %v", err)
	}
	for _, m := range mounts {
		if m.Container == ProjectMount {
			t.Error("project mounted without project access")
		}
	}
	if mounts[0].Container != GroupMount {
		t.Errorf("first mount = %s, want %s", mounts[0].Container, GroupMount)
	}
}

func TestExtraMountValidation(t *testing.T) {
	allow := []string{"/srv/shared"}
	tests := []struct {
		name string
		m    store.MountSpec
		want bool
	}{
		{"allowed", store.MountSpec{Host: "/srv/shared/data", Container: "/workspace/extra"}, true},
		{"allowlist root itself", store.MountSpec{Host: "/srv/shared", Container: "/workspace/extra"}, true},
		{"outside allowlist", store.MountSpec{Host: "/etc", Container: "/workspace/extra"}, false},
		{"prefix trick", store.MountSpec{Host: "/srv/shared-evil", Container: "/workspace/extra"}, false},
		{"traversal", store.MountSpec{Host: "/srv/shared/../../etc", Container: "/workspace/extra"}, false},
		{"relative host", store.MountSpec{Host: "srv/shared", Container: "/workspace/extra"}, false},
		{"shadows ipc", store.MountSpec{Host: "/srv/shared/data", Container: IPCMount}, false},
		{"shadows ipc subdir", store.MountSpec{Host: "/srv/shared/data", Container: IPCMount + "/input"}, false},
		{"relative target", store.MountSpec{Host: "/srv/shared/data", Container: "extra"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extraMountAllowed(tt.m, allow); got != tt.want {
				t.Errorf("extraMountAllowed(%+v) = %v, want %v", tt.m, got, tt.want)
			}
		})
	}
}

func TestEnvFileLeastPrivilege(t *testing.T) {
	secrets := map[string]string{
		"anthropic_api_key": "sk-1",
		"host_deploy_token": "dt-1",
		"cop_api_key":       "ck-1",
		"gateway_secret":    "gw-1",
	}

	nonAdmin := filterSecrets(secrets, false)
	if _, ok := nonAdmin["anthropic_api_key"]; !ok {
		t.Error("agent secret missing for non-admin")
	}
	for _, k := range []string{"host_deploy_token", "cop_api_key", "gateway_secret"} {
		if _, ok := nonAdmin[k]; ok {
			t.Errorf("host secret %s leaked to non-admin workspace", k)
		}
	}

	admin := filterSecrets(secrets, true)
	if len(admin) != len(secrets) {
		t.Errorf("admin secrets = %d, want %d", len(admin), len(secrets))
	}
}

func TestEnvFileFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dev.env")
	if err := writeEnvFile(path, map[string]string{"api_key": "abc", "zeta": "z"}); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("env file mode = %v, want 0600", info.Mode().Perm())
	}

	raw, _ := os.ReadFile(path)
	got := string(raw)
	if got != "API_KEY=abc\nZETA=z\n" {
		t.Errorf("env file = %q", got)
	}
	if !strings.Contains(got, "API_KEY=") {
		t.Error("keys not uppercased")
	}
}

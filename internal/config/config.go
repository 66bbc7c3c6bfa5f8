package config

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/pynchy/internal/security"
	"github.com/nextlevelbuilder/pynchy/internal/telemetry"
)

// Config is the root configuration for the pynchy host.
type Config struct {
	DataDir  string `toml:"data_dir"`
	Timezone string `toml:"timezone,omitempty"`

	Gateway   GatewayConfig   `toml:"gateway"`
	Container ContainerConfig `toml:"container"`
	Queue     QueueConfig     `toml:"queue"`
	Cop       CopConfig       `toml:"cop"`
	Git       GitConfig       `toml:"git"`
	MCP       MCPConfig       `toml:"mcp"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Approval  ApprovalConfig  `toml:"approval"`
	Telemetry TelemetryConfig `toml:"telemetry,omitempty"`
	Tailscale TailscaleConfig `toml:"tailscale,omitempty"`

	// WorkspaceDefaults is the base layer of the security cascade.
	WorkspaceDefaults SecurityLayer `toml:"workspace_defaults"`

	// Connections configure one entry per channel plugin; each carries an
	// optional security layer and per-chat security layers.
	Connections map[string]ConnectionConfig `toml:"connection"`

	// Sandboxes are named top layers of the cascade, selected by a
	// workspace's container_config.
	Sandboxes map[string]SandboxConfig `toml:"sandbox"`

	// Secrets holds credential material keyed by name. Overridden by
	// AGENT__* env vars; never written back to disk.
	Secrets map[string]string `toml:"secrets,omitempty"`

	mu sync.RWMutex
}

// GatewayConfig configures the embedded HTTP surface.
type GatewayConfig struct {
	Host       string `toml:"host"`
	DeployPort int    `toml:"deploy_port"`
	// MasterKey authorizes POST /deploy. From env GATEWAY__MASTER_KEY only.
	MasterKey string `toml:"-"`
	// RepoDir is the deployment checkout /deploy and /health report on.
	RepoDir      string `toml:"repo_dir,omitempty"`
	RateLimitRPM int    `toml:"rate_limit_rpm,omitempty"`
}

// ContainerConfig configures the container runtime and orchestrator.
type ContainerConfig struct {
	Image          string  `toml:"image"`
	Prefix         string  `toml:"prefix,omitempty"`
	Runtime        string  `toml:"runtime,omitempty"` // "docker" (default) or "podman"
	MaxConcurrent  int     `toml:"max_concurrent"`
	IdleTimeoutSec int     `toml:"idle_timeout_seconds,omitempty"`
	StopGraceSec   int     `toml:"stop_grace_seconds,omitempty"`
	MemoryMB       int     `toml:"memory_mb,omitempty"`
	CPUs           float64 `toml:"cpus,omitempty"`

	// RunnerDir is the agent runner source mounted read-only.
	RunnerDir string `toml:"runner_dir,omitempty"`
	// HooksDir holds the hook scripts mounted read-only.
	HooksDir string `toml:"hooks_dir,omitempty"`
	// MountAllowlist are host path prefixes permitted in a workspace's
	// additional_mounts.
	MountAllowlist []string `toml:"mount_allowlist,omitempty"`
}

// QueueConfig configures the group queue retry behaviour.
type QueueConfig struct {
	BaseRetrySec int `toml:"base_retry_seconds,omitempty"`
	MaxAttempts  int `toml:"max_attempts,omitempty"`
}

// CopConfig configures the LLM inspector.
type CopConfig struct {
	APIBase string `toml:"api_base,omitempty"`
	// APIKey from [secrets] cop_api_key or env AGENT__COP_API_KEY.
	APIKey          string `toml:"-"`
	Model           string `toml:"model,omitempty"`
	MaxContentChars int    `toml:"max_content_chars,omitempty"`
	TimeoutSec      int    `toml:"timeout_seconds,omitempty"`
}

// GitConfig configures the worktree manager.
type GitConfig struct {
	ProjectDir   string `toml:"project_dir,omitempty"`
	WorktreesDir string `toml:"worktrees_dir,omitempty"`
	MainBranch   string `toml:"main_branch,omitempty"`
	// MergePolicy is "merge" (default) or "pull-request"; workspaces may
	// override via container_config.
	MergePolicy string `toml:"merge_policy,omitempty"`
	Remote      string `toml:"remote,omitempty"`
}

// MCPConfig configures MCP instance management and the proxy.
type MCPConfig struct {
	// CatalogPath is the mcp_servers.json5 declaring available servers.
	CatalogPath string `toml:"catalog_path,omitempty"`
	// PluginDirs are MCP source directories mounted read-only into
	// containers, one per plugin.
	PluginDirs []string `toml:"plugin_dirs,omitempty"`
	// ProxyAddr is the proxy listen address. Port 0 takes an OS-assigned
	// port. Defaults to "127.0.0.1:0"; sandboxed runtimes on a bridge
	// network need a bind the bridge can reach, such as "0.0.0.0:0".
	ProxyAddr string `toml:"proxy_addr,omitempty"`
	// ProxyHost is the hostname containers use to reach the proxy,
	// defaulting to "host.docker.internal".
	ProxyHost string `toml:"proxy_host,omitempty"`
}

// SchedulerConfig configures the due-task poll loop.
type SchedulerConfig struct {
	PollIntervalSec   int `toml:"poll_interval_seconds,omitempty"`
	HostJobTimeoutSec int `toml:"host_job_timeout_seconds,omitempty"`
	ReconcileMinSec   int `toml:"reconcile_min_seconds,omitempty"`
	ReconcileMaxSec   int `toml:"reconcile_max_seconds,omitempty"`
}

// ApprovalConfig configures human-in-the-loop expiry.
type ApprovalConfig struct {
	ApprovalTimeoutMin int `toml:"approval_timeout_minutes,omitempty"`
	QuestionTimeoutMin int `toml:"question_timeout_minutes,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export for traces.
// Defined in internal/telemetry so that package does not depend on config.
type TelemetryConfig = telemetry.TelemetryConfig

// TailscaleConfig configures the optional tsnet listener.
// Requires building with -tags tsnet. Auth key from env only.
type TailscaleConfig struct {
	Hostname  string `toml:"hostname"`
	StateDir  string `toml:"state_dir,omitempty"`
	AuthKey   string `toml:"-"` // from env PYNCHY_TSNET_AUTH_KEY only
	Ephemeral bool   `toml:"ephemeral,omitempty"`
	EnableTLS bool   `toml:"enable_tls,omitempty"`
}

// SecurityLayer is one layer of the security cascade. Unset fields fall
// through to the layer below.
type SecurityLayer struct {
	ContainsSecrets *bool                           `toml:"contains_secrets,omitempty"`
	AllowedSenders  []string                        `toml:"allowed_senders,omitempty"`
	ProjectAccess   *bool                           `toml:"project_access,omitempty"`
	Services        map[string]security.TrustRecord `toml:"services,omitempty"`
}

// ConnectionConfig is the per-channel entry: plugin settings plus the
// channel-level and per-chat security layers.
type ConnectionConfig struct {
	Enabled  bool                  `toml:"enabled,omitempty"`
	Security *SecurityLayer        `toml:"security,omitempty"`
	Chats    map[string]ChatConfig `toml:"chat,omitempty"`
	Settings map[string]string     `toml:"settings,omitempty"`
}

// ChatConfig carries the per-chat security layer.
type ChatConfig struct {
	Security *SecurityLayer `toml:"security,omitempty"`
}

// SandboxConfig is a named top layer: container overrides plus a security
// layer applied above the per-chat layer.
type SandboxConfig struct {
	Image    string         `toml:"image,omitempty"`
	MemoryMB int            `toml:"memory_mb,omitempty"`
	CPUs     float64        `toml:"cpus,omitempty"`
	Security *SecurityLayer `toml:"security,omitempty"`
}

// IdleTimeout returns the container idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Container.IdleTimeoutSec <= 0 {
		return 3 * time.Minute
	}
	return time.Duration(c.Container.IdleTimeoutSec) * time.Second
}

// StopGrace returns the grace period between the close sentinel and a
// forced runtime stop.
func (c *Config) StopGrace() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Container.StopGraceSec <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.Container.StopGraceSec) * time.Second
}

// Location returns the configured IANA timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	c.mu.RLock()
	tz := c.Timezone
	c.mu.RUnlock()
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Secret returns the named secret, or "" when absent.
func (c *Config) Secret(name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Secrets[name]
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DataDir = src.DataDir
	c.Timezone = src.Timezone
	c.Gateway = src.Gateway
	c.Container = src.Container
	c.Queue = src.Queue
	c.Cop = src.Cop
	c.Git = src.Git
	c.MCP = src.MCP
	c.Scheduler = src.Scheduler
	c.Approval = src.Approval
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
	c.WorkspaceDefaults = src.WorkspaceDefaults
	c.Connections = src.Connections
	c.Sandboxes = src.Sandboxes
	c.Secrets = src.Secrets
}

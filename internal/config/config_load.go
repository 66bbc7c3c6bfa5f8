package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DataDir:  "~/.pynchy",
		Timezone: "UTC",
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			DeployPort:   18800,
			RepoDir:      ".",
			RateLimitRPM: 30,
		},
		Container: ContainerConfig{
			Image:          "pynchy-agent:latest",
			Prefix:         "pynchy",
			Runtime:        "docker",
			MaxConcurrent:  3,
			IdleTimeoutSec: 180,
			StopGraceSec:   20,
		},
		Queue: QueueConfig{
			BaseRetrySec: 60,
			MaxAttempts:  5,
		},
		Cop: CopConfig{
			APIBase:         "https://api.anthropic.com",
			Model:           "claude-haiku-4-5",
			MaxContentChars: 4000,
			TimeoutSec:      30,
		},
		Git: GitConfig{
			MainBranch:  "main",
			MergePolicy: "merge",
			Remote:      "origin",
		},
		MCP: MCPConfig{
			ProxyAddr: "127.0.0.1:0",
			ProxyHost: "host.docker.internal",
		},
		Scheduler: SchedulerConfig{
			PollIntervalSec:   30,
			HostJobTimeoutSec: 300,
			ReconcileMinSec:   30,
			ReconcileMaxSec:   90,
		},
		Approval: ApprovalConfig{
			ApprovalTimeoutMin: 5,
			QuestionTimeoutMin: 30,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "pynchy",
			SampleRate:  1.0,
		},
	}
}

// Load reads config from a TOML file, then overlays env vars.
// A missing file yields the defaults (env overrides still apply).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("GATEWAY__MASTER_KEY", &c.Gateway.MasterKey)
	envStr("PYNCHY_DATA_DIR", &c.DataDir)
	envStr("PYNCHY_CONTAINER_IMAGE", &c.Container.Image)

	// Tailscale (tsnet)
	envStr("PYNCHY_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("PYNCHY_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("PYNCHY_TSNET_DIR", &c.Tailscale.StateDir)

	// Telemetry
	envStr("PYNCHY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	if v := os.Getenv("PYNCHY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}

	// AGENT__FOO_BAR populates secrets["foo_bar"]; these become the
	// per-workspace credentials env file and the Cop key.
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		if rest, found := strings.CutPrefix(name, "AGENT__"); found && rest != "" {
			if c.Secrets == nil {
				c.Secrets = make(map[string]string)
			}
			c.Secrets[strings.ToLower(rest)] = value
		}
	}
	if v := c.Secrets["cop_api_key"]; v != "" {
		c.Cop.APIKey = v
	}
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.Container.MaxConcurrent < 1 {
		return fmt.Errorf("config: container.max_concurrent must be >= 1")
	}
	if c.Gateway.DeployPort <= 0 || c.Gateway.DeployPort > 65535 {
		return fmt.Errorf("config: gateway.deploy_port %d out of range", c.Gateway.DeployPort)
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
		}
	}
	return nil
}

// Save writes the config to a TOML file. Secrets are never persisted.
func Save(path string, cfg *Config) error {
	cp := Default()
	cfg.mu.RLock()
	cp.ReplaceFrom(cfg)
	cfg.mu.RUnlock()
	cp.Secrets = nil
	cp.Gateway.MasterKey = ""
	cp.Cop.APIKey = ""
	cp.Tailscale.AuthKey = ""

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cp); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

const secretMask = "***"

// MaskedCopy returns a copy of the config with all secret fields masked,
// safe for dumping to logs or API clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cp := Default()
	cp.ReplaceFrom(c)

	maskNonEmpty(&cp.Gateway.MasterKey)
	maskNonEmpty(&cp.Cop.APIKey)
	maskNonEmpty(&cp.Tailscale.AuthKey)
	if len(cp.Secrets) > 0 {
		masked := make(map[string]string, len(cp.Secrets))
		for k := range cp.Secrets {
			masked[k] = secretMask
		}
		cp.Secrets = masked
	}
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// DataPath returns the expanded data directory joined with parts.
func (c *Config) DataPath(parts ...string) string {
	c.mu.RLock()
	base := ExpandHome(c.DataDir)
	c.mu.RUnlock()
	return filepath.Join(append([]string{base}, parts...)...)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

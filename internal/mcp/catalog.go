package mcp

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/pynchy/internal/security"
	"github.com/nextlevelbuilder/pynchy/internal/store"
)

// ServerSpec declares one MCP server available to workspaces. Servers with
// a Command are launched by the manager, which assigns a port and expands
// ${PORT} in args, env, and url; servers without a Command are remote and
// url must be literal. Kwargs from a workspace's server ref expand the same
// way, so one catalog entry can serve many parameterizations.
type ServerSpec struct {
	// Transport is "streamable-http" (default) or "sse".
	Transport string `json:"transport,omitempty"`
	// Command, when set, is the executable the manager runs to serve
	// this server locally.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// URL is the backend endpoint tool calls are proxied to.
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	// TimeoutSec bounds how long the manager waits for a new instance to
	// answer the MCP initialize handshake. Defaults to 30.
	TimeoutSec int `json:"timeout_sec,omitempty"`
	// Trust is the server-level trust record. Unset fields resolve to the
	// cautious default; workspace policy still overrides per service.
	Trust security.TrustRecord `json:"trust,omitempty"`
}

// EffectiveTrust resolves the spec's trust record against the default.
func (s ServerSpec) EffectiveTrust() security.TrustRecord {
	return security.DefaultTrustRecord().Overlay(s.Trust)
}

// expand substitutes ${key} references from vars, leaving unknown
// references intact so a missing kwarg is visible downstream.
func expand(s string, vars map[string]string) string {
	return os.Expand(s, func(k string) string {
		if v, ok := vars[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}

// resolve returns a copy of the spec with vars expanded everywhere a
// kwarg or the assigned port may appear.
func (s ServerSpec) resolve(vars map[string]string) ServerSpec {
	out := s
	out.Command = expand(s.Command, vars)
	out.URL = expand(s.URL, vars)
	if len(s.Args) > 0 {
		out.Args = make([]string, len(s.Args))
		for i, a := range s.Args {
			out.Args[i] = expand(a, vars)
		}
	}
	if len(s.Env) > 0 {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = expand(v, vars)
		}
	}
	if len(s.Headers) > 0 {
		out.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			out.Headers[k] = expand(v, vars)
		}
	}
	return out
}

// Catalog is the declared MCP server set, loaded from mcp_servers.json5.
type Catalog struct {
	servers map[string]ServerSpec
}

var serverNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// LoadCatalog parses the json5 catalog at path. A missing file yields an
// empty catalog, matching config loading: declaring servers is optional.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Catalog{}, nil
		}
		return Catalog{}, fmt.Errorf("read mcp catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog bytes.
func ParseCatalog(data []byte) (Catalog, error) {
	raw := make(map[string]ServerSpec)
	if err := json5.Unmarshal(data, &raw); err != nil {
		return Catalog{}, fmt.Errorf("parse mcp catalog: %w", err)
	}
	for name, spec := range raw {
		if !serverNameRe.MatchString(name) {
			return Catalog{}, fmt.Errorf("mcp server name %q: want lowercase slug", name)
		}
		switch spec.Transport {
		case "":
			spec.Transport = "streamable-http"
			raw[name] = spec
		case "streamable-http", "sse":
		case "stdio":
			return Catalog{}, fmt.Errorf("mcp server %q: stdio has no routable endpoint; serve HTTP and declare url with ${PORT}", name)
		default:
			return Catalog{}, fmt.Errorf("mcp server %q: unsupported transport %q", name, spec.Transport)
		}
		if !strings.HasPrefix(spec.URL, "http://") && !strings.HasPrefix(spec.URL, "https://") {
			return Catalog{}, fmt.Errorf("mcp server %q: url must be http(s), got %q", name, spec.URL)
		}
		if spec.Command == "" && strings.Contains(spec.URL, "${PORT}") {
			return Catalog{}, fmt.Errorf("mcp server %q: ${PORT} requires a command for the manager to launch", name)
		}
	}
	return Catalog{servers: raw}, nil
}

// Get returns the named server spec.
func (c Catalog) Get(name string) (ServerSpec, bool) {
	spec, ok := c.servers[name]
	return spec, ok
}

// Has reports whether the catalog declares name.
func (c Catalog) Has(name string) bool {
	_, ok := c.servers[name]
	return ok
}

// Names returns the declared server names, sorted.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of declared servers.
func (c Catalog) Len() int { return len(c.servers) }

// ServiceNames returns the unique server names referenced, sorted. Used
// for trust resolution and the admin clean-room check.
func ServiceNames(refs []store.MCPServerRef) []string {
	seen := make(map[string]struct{}, len(refs))
	var names []string
	for _, ref := range refs {
		if _, ok := seen[ref.Server]; ok {
			continue
		}
		seen[ref.Server] = struct{}{}
		names = append(names, ref.Server)
	}
	sort.Strings(names)
	return names
}

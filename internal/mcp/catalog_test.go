package mcp

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/pynchy/internal/store"
)

const sampleCatalog = `{
	// Remote server with a per-workspace token kwarg.
	github: {
		url: "https://mcp.example.com/github",
		headers: { Authorization: "Bearer ${token}" },
		trust: { public_source: false, secret_data: true, public_sink: true },
	},
	// Local process; the manager assigns the port.
	browser: {
		transport: "sse",
		command: "browser-mcp",
		args: ["--port", "${PORT}"],
		url: "http://127.0.0.1:${PORT}/sse",
		timeout_sec: 45,
	},
}`

func TestParseCatalog(t *testing.T) {
	cat, err := ParseCatalog([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	if got, want := cat.Names(), []string{"browser", "github"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}

	github, ok := cat.Get("github")
	if !ok {
		t.Fatal("github missing from catalog")
	}
	if github.Transport != "streamable-http" {
		t.Errorf("default transport = %q, want streamable-http", github.Transport)
	}
	trust := github.EffectiveTrust()
	if trust.PublicSource.Bool() {
		t.Error("github public_source should resolve false")
	}
	if !trust.SecretData.Bool() {
		t.Error("github secret_data should resolve true")
	}
	// dangerous_writes was left unset and inherits the cautious default.
	if !trust.DangerousWrites.Bool() {
		t.Error("unset dangerous_writes should default true")
	}

	browser, _ := cat.Get("browser")
	if browser.Transport != "sse" {
		t.Errorf("browser transport = %q, want sse", browser.Transport)
	}
	if browser.TimeoutSec != 45 {
		t.Errorf("browser timeout_sec = %d, want 45", browser.TimeoutSec)
	}
	if !cat.Has("browser") || cat.Has("nope") {
		t.Error("Has() misreports catalog membership")
	}
}

func TestParseCatalogErrors(t *testing.T) {
	tests := []struct {
		name    string
		catalog string
		wantErr string
	}{
		{
			name:    "bad server name",
			catalog: `{ "Bad Name": { url: "http://x" } }`,
			wantErr: "lowercase slug",
		},
		{
			name:    "stdio transport",
			catalog: `{ tool: { transport: "stdio", command: "x", url: "http://x" } }`,
			wantErr: "no routable endpoint",
		},
		{
			name:    "unknown transport",
			catalog: `{ tool: { transport: "carrier-pigeon", url: "http://x" } }`,
			wantErr: "unsupported transport",
		},
		{
			name:    "non-http url",
			catalog: `{ tool: { url: "ftp://files" } }`,
			wantErr: "url must be http(s)",
		},
		{
			name:    "port placeholder without command",
			catalog: `{ tool: { url: "http://127.0.0.1:${PORT}/mcp" } }`,
			wantErr: "requires a command",
		},
		{
			name:    "syntax error",
			catalog: `{ tool: `,
			wantErr: "parse mcp catalog",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.catalog))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadCatalogMissingFile(t *testing.T) {
	cat, err := LoadCatalog(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("LoadCatalog on missing file: %v", err)
	}
	if cat.Len() != 0 {
		t.Fatalf("catalog len = %d, want 0", cat.Len())
	}
}

func TestLoadCatalogReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp_servers.json5")
	if err := os.WriteFile(path, []byte(sampleCatalog), 0o644); err != nil {
		t.Fatal(err)
	}
	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if cat.Len() != 2 {
		t.Fatalf("catalog len = %d, want 2", cat.Len())
	}
}

func TestResolveExpansion(t *testing.T) {
	spec := ServerSpec{
		Command: "serve-${flavor}",
		Args:    []string{"--port", "${PORT}", "--keep", "${unknown}"},
		Env:     map[string]string{"TOKEN": "${token}"},
		URL:     "http://127.0.0.1:${PORT}/mcp",
		Headers: map[string]string{"Authorization": "Bearer ${token}"},
	}
	got := spec.resolve(map[string]string{
		"PORT":   "4815",
		"token":  "s3cr3t",
		"flavor": "fast",
	})

	if got.Command != "serve-fast" {
		t.Errorf("command = %q", got.Command)
	}
	if want := []string{"--port", "4815", "--keep", "${unknown}"}; !reflect.DeepEqual(got.Args, want) {
		t.Errorf("args = %v, want %v", got.Args, want)
	}
	if got.Env["TOKEN"] != "s3cr3t" {
		t.Errorf("env TOKEN = %q", got.Env["TOKEN"])
	}
	if got.URL != "http://127.0.0.1:4815/mcp" {
		t.Errorf("url = %q", got.URL)
	}
	if got.Headers["Authorization"] != "Bearer s3cr3t" {
		t.Errorf("header = %q", got.Headers["Authorization"])
	}
	// The original spec must stay untouched for the next parameterization.
	if spec.Args[1] != "${PORT}" || spec.URL != "http://127.0.0.1:${PORT}/mcp" {
		t.Error("resolve mutated the source spec")
	}
}

func TestHashKwargsStable(t *testing.T) {
	a := hashKwargs(map[string]string{"account": "ops", "region": "eu"})
	b := hashKwargs(map[string]string{"region": "eu", "account": "ops"})
	if a != b {
		t.Fatalf("same kwargs hashed differently: %s vs %s", a, b)
	}
	c := hashKwargs(map[string]string{"account": "dev", "region": "eu"})
	if a == c {
		t.Fatal("different kwargs share a hash")
	}
	if hashKwargs(nil) != hashKwargs(map[string]string{}) {
		t.Fatal("nil and empty kwargs should hash alike")
	}
}

func TestServiceNames(t *testing.T) {
	refs := []store.MCPServerRef{
		{Server: "github", Kwargs: map[string]string{"token": "a"}},
		{Server: "browser"},
		{Server: "github", Kwargs: map[string]string{"token": "b"}},
	}
	got := ServiceNames(refs)
	if want := []string{"browser", "github"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ServiceNames = %v, want %v", got, want)
	}
}

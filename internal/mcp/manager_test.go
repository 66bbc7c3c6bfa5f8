package mcp

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/pynchy/internal/store"
)

// newBackend serves a real MCP server over streamable HTTP.
func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := server.NewMCPServer("backend", "1.0.0")
	ts := httptest.NewServer(server.NewStreamableHTTPServer(srv))
	t.Cleanup(ts.Close)
	return ts
}

func catalogFor(t *testing.T, name, url string) Catalog {
	t.Helper()
	cat, err := ParseCatalog([]byte(fmt.Sprintf(`{ %s: { url: %q } }`, name, url)))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	return cat
}

// recordingRoutes captures every UpdateRoutes push.
type recordingRoutes struct {
	mu    sync.Mutex
	urls  map[string]string
	trust map[string]InstanceTrust
	calls int
}

func (r *recordingRoutes) UpdateRoutes(urls map[string]string, trust map[string]InstanceTrust) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = urls
	r.trust = trust
	r.calls++
}

func (r *recordingRoutes) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.urls)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEnsureInstanceSharesByKwargs(t *testing.T) {
	backend := newBackend(t)
	routes := &recordingRoutes{}
	m := NewManager(catalogFor(t, "notes", backend.URL), routes)
	defer m.Stop()

	ctx := context.Background()
	kwargs := map[string]string{"account": "ops"}

	first, err := m.EnsureInstance(ctx, "alpha", store.MCPServerRef{Server: "notes", Kwargs: kwargs})
	if err != nil {
		t.Fatalf("EnsureInstance: %v", err)
	}
	second, err := m.EnsureInstance(ctx, "beta", store.MCPServerRef{Server: "notes", Kwargs: kwargs})
	if err != nil {
		t.Fatalf("EnsureInstance: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("same kwargs produced two instances: %s vs %s", first.ID, second.ID)
	}

	other, err := m.EnsureInstance(ctx, "alpha", store.MCPServerRef{Server: "notes", Kwargs: map[string]string{"account": "dev"}})
	if err != nil {
		t.Fatalf("EnsureInstance: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("different kwargs shared an instance")
	}

	routes.mu.Lock()
	defer routes.mu.Unlock()
	if len(routes.urls) != 2 {
		t.Fatalf("routes carry %d instances, want 2", len(routes.urls))
	}
	if routes.urls[first.ID] != backend.URL {
		t.Errorf("route url = %q, want %q", routes.urls[first.ID], backend.URL)
	}
	tr, ok := routes.trust[first.ID]
	if !ok {
		t.Fatal("trust entry missing for instance")
	}
	if tr.Server != "notes" {
		t.Errorf("trust server = %q, want notes", tr.Server)
	}
	// No trust block in the catalog: the cautious default is public.
	if !tr.PublicSource {
		t.Error("undeclared trust should default to public source")
	}
}

func TestEnsureInstanceConcurrentStart(t *testing.T) {
	backend := newBackend(t)
	m := NewManager(catalogFor(t, "notes", backend.URL), nil)
	defer m.Stop()

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := m.EnsureInstance(context.Background(), fmt.Sprintf("ws-%d", i), store.MCPServerRef{Server: "notes"})
			if err != nil {
				t.Errorf("EnsureInstance: %v", err)
				return
			}
			ids[i] = info.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent EnsureInstance diverged: %q vs %q", ids[i], ids[0])
		}
	}
	if got := len(m.Statuses()); got != 1 {
		t.Fatalf("Statuses() = %d instances, want 1", got)
	}
}

func TestEnsureInstanceUnknownServer(t *testing.T) {
	m := NewManager(Catalog{}, nil)
	defer m.Stop()

	_, err := m.EnsureInstance(context.Background(), "alpha", store.MCPServerRef{Server: "ghost"})
	if err == nil || !strings.Contains(err.Error(), "unknown mcp server") {
		t.Fatalf("err = %v, want unknown mcp server", err)
	}
}

func TestEnsureInstanceBackendDown(t *testing.T) {
	port, err := freePort()
	if err != nil {
		t.Fatal(err)
	}
	cat, err := ParseCatalog([]byte(fmt.Sprintf(
		`{ notes: { url: "http://127.0.0.1:%d/mcp", timeout_sec: 1 } }`, port)))
	if err != nil {
		t.Fatal(err)
	}
	routes := &recordingRoutes{}
	m := NewManager(cat, routes, WithReconnectPolicy(10*time.Millisecond, 20*time.Millisecond, 2))
	defer m.Stop()

	_, err = m.EnsureInstance(context.Background(), "alpha", store.MCPServerRef{Server: "notes"})
	if err == nil || !strings.Contains(err.Error(), "not ready after") {
		t.Fatalf("err = %v, want readiness timeout", err)
	}
	if got := len(m.Statuses()); got != 0 {
		t.Fatalf("failed start left %d instances", got)
	}
	if routes.size() != 0 {
		t.Fatal("failed start published routes")
	}
}

func TestReleaseWorkspaceStopsIdleInstances(t *testing.T) {
	backend := newBackend(t)
	routes := &recordingRoutes{}
	m := NewManager(catalogFor(t, "notes", backend.URL), routes)
	defer m.Stop()

	ctx := context.Background()
	if _, err := m.EnsureInstance(ctx, "alpha", store.MCPServerRef{Server: "notes"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.EnsureInstance(ctx, "beta", store.MCPServerRef{Server: "notes"}); err != nil {
		t.Fatal(err)
	}

	m.ReleaseWorkspace("alpha")
	if routes.size() != 1 {
		t.Fatalf("instance dropped while beta still holds it; routes = %d", routes.size())
	}
	m.ReleaseWorkspace("beta")
	if routes.size() != 0 {
		t.Fatalf("routes = %d after last release, want 0", routes.size())
	}
	if got := len(m.Statuses()); got != 0 {
		t.Fatalf("Statuses() = %d, want 0", got)
	}
}

func TestStopClearsRoutes(t *testing.T) {
	backend := newBackend(t)
	routes := &recordingRoutes{}
	m := NewManager(catalogFor(t, "notes", backend.URL), routes)

	if _, err := m.EnsureInstance(context.Background(), "alpha", store.MCPServerRef{Server: "notes"}); err != nil {
		t.Fatal(err)
	}
	m.Stop()

	if routes.size() != 0 {
		t.Fatal("Stop left routes behind")
	}
	if _, err := m.EnsureInstance(context.Background(), "alpha", store.MCPServerRef{Server: "notes"}); err == nil {
		t.Fatal("EnsureInstance after Stop should fail")
	}
}

func TestUnhealthyInstanceRemoved(t *testing.T) {
	backend := newBackend(t)
	routes := &recordingRoutes{}
	m := NewManager(catalogFor(t, "notes", backend.URL), routes,
		WithHealthCheckInterval(20*time.Millisecond),
		WithReconnectPolicy(10*time.Millisecond, 20*time.Millisecond, 2),
	)
	defer m.Stop()

	if _, err := m.EnsureInstance(context.Background(), "alpha", store.MCPServerRef{Server: "notes"}); err != nil {
		t.Fatal(err)
	}
	if routes.size() != 1 {
		t.Fatal("instance not routed")
	}

	backend.Close()

	waitFor(t, func() bool { return routes.size() == 0 },
		"dead backend never left the route table")
	waitFor(t, func() bool { return len(m.Statuses()) == 0 },
		"dead instance never removed")
}

func TestEnsureInstanceLaunchesCommand(t *testing.T) {
	backend := newBackend(t)
	cat, err := ParseCatalog([]byte(fmt.Sprintf(
		`{ notes: { command: "sleep", args: ["30"], url: %q } }`, backend.URL)))
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(cat, nil)
	defer m.Stop()

	info, err := m.EnsureInstance(context.Background(), "alpha", store.MCPServerRef{Server: "notes"})
	if err != nil {
		t.Fatalf("EnsureInstance: %v", err)
	}
	if info.URL != backend.URL {
		t.Fatalf("info.URL = %q, want %q", info.URL, backend.URL)
	}

	statuses := m.Statuses()
	if len(statuses) != 1 || !statuses[0].Connected {
		t.Fatalf("statuses = %+v, want one connected instance", statuses)
	}
}

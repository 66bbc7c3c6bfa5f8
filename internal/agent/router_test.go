package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/pynchy/internal/config"
	"github.com/nextlevelbuilder/pynchy/internal/container"
	"github.com/nextlevelbuilder/pynchy/internal/mcp"
	"github.com/nextlevelbuilder/pynchy/internal/security"
	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/internal/store/sqlite"
	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

type nopInspector struct{}

func (nopInspector) InspectOutbound(context.Context, string, string) (bool, string) {
	return false, ""
}

type fakeOrchestrator struct {
	mu       sync.Mutex
	invs     []container.Invocation
	result   *container.Result
	err      error
	onInvoke func(inv container.Invocation)
}

func (f *fakeOrchestrator) Invoke(_ context.Context, inv container.Invocation) (*container.Result, error) {
	f.mu.Lock()
	f.invs = append(f.invs, inv)
	f.mu.Unlock()
	if f.onInvoke != nil {
		f.onInvoke(inv)
	}
	if f.err != nil {
		return &container.Result{}, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &container.Result{SessionID: "sess-1"}, nil
}

func (f *fakeOrchestrator) calls() []container.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]container.Invocation(nil), f.invs...)
}

type fakeMessenger struct {
	mu        sync.Mutex
	deltas    []string
	finished  []string
	discarded []string
	host      []string
	traces    []string
}

func (f *fakeMessenger) StreamDelta(_ context.Context, _ string, delta string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, delta)
}

func (f *fakeMessenger) FinishStream(_ context.Context, jid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, jid)
	return nil
}

func (f *fakeMessenger) DiscardStream(jid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, jid)
}

func (f *fakeMessenger) BroadcastHost(_ context.Context, _ string, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.host = append(f.host, content)
	return nil
}

func (f *fakeMessenger) BroadcastTrace(_ context.Context, _ string, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.traces = append(f.traces, content)
}

func (f *fakeMessenger) hostNotices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.host...)
}

type fakeWorktrees struct {
	dir   string
	err   error
	calls int
}

func (f *fakeWorktrees) EnsureWorktree(_ context.Context, folder string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return filepath.Join(f.dir, folder), nil
}

type fakeToolServers struct {
	fail map[string]bool
	next int
}

func (f *fakeToolServers) EnsureInstance(_ context.Context, _ string, ref store.MCPServerRef) (mcp.InstanceInfo, error) {
	if f.fail[ref.Server] {
		return mcp.InstanceInfo{}, errors.New("spawn failed")
	}
	f.next++
	return mcp.InstanceInfo{
		ID:     fmt.Sprintf("inst-%d", f.next),
		Server: ref.Server,
		URL:    "http://127.0.0.1:9",
	}, nil
}

type fakeProxy struct{}

func (fakeProxy) BaseURL(host, folder, invocationTS string) string {
	return fmt.Sprintf("http://%s:7777/mcp/%s/%s", host, folder, invocationTS)
}

type env struct {
	router *Router
	stores *store.Stores
	orch   *fakeOrchestrator
	msgr   *fakeMessenger
	gates  *security.Registry
}

func newTestEnv(t *testing.T, mods ...func(*Deps)) *env {
	t.Helper()
	stores, closeStores, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open stores: %v", err)
	}
	t.Cleanup(func() { closeStores() })

	orch := &fakeOrchestrator{}
	msgr := &fakeMessenger{}
	gates := security.NewRegistry(nopInspector{})
	deps := Deps{
		Config:     &config.Config{Timezone: "UTC"},
		Stores:     stores,
		Containers: orch,
		Channels:   msgr,
		Gates:      gates,
	}
	for _, mod := range mods {
		mod(&deps)
	}
	return &env{
		router: New(deps),
		stores: stores,
		orch:   orch,
		msgr:   msgr,
		gates:  gates,
	}
}

func registerWorkspace(t *testing.T, stores *store.Stores, jid, folder string, mods ...func(*store.WorkspaceProfile)) {
	t.Helper()
	p := store.WorkspaceProfile{
		JID:     jid,
		Folder:  folder,
		Name:    folder,
		AddedAt: store.Now(),
	}
	for _, mod := range mods {
		mod(&p)
	}
	if err := stores.Groups.Register(p); err != nil {
		t.Fatalf("register workspace: %v", err)
	}
}

func putUser(t *testing.T, stores *store.Stores, jid, id, sender, content string, ts time.Time) {
	t.Helper()
	if _, err := stores.Messages.Put(store.Message{
		ID:         id,
		ChatJID:    jid,
		Sender:     sender,
		SenderName: sender,
		Type:       store.MessageUser,
		Content:    content,
		Timestamp:  store.FormatTime(ts),
	}); err != nil {
		t.Fatalf("put message: %v", err)
	}
}

func marker(t *testing.T, stores *store.Stores, jid string) string {
	t.Helper()
	v, err := stores.State.Get(processedKey(jid))
	if err != nil {
		t.Fatalf("read marker: %v", err)
	}
	return v
}

func TestProcessMessagesUnregisteredChat(t *testing.T) {
	e := newTestEnv(t)

	ok, err := e.router.ProcessMessages(context.Background(), "tg:900")
	if err != nil || !ok {
		t.Fatalf("ProcessMessages = (%v, %v), want (true, nil)", ok, err)
	}
	if got := len(e.orch.calls()); got != 0 {
		t.Fatalf("got %d invocations for an unregistered chat", got)
	}
}

func TestProcessMessagesNothingPending(t *testing.T) {
	e := newTestEnv(t)
	registerWorkspace(t, e.stores, "tg:100", "alpha")

	ok, err := e.router.ProcessMessages(context.Background(), "tg:100")
	if err != nil || !ok {
		t.Fatalf("ProcessMessages = (%v, %v), want (true, nil)", ok, err)
	}
	if got := len(e.orch.calls()); got != 0 {
		t.Fatalf("got %d invocations with nothing pending", got)
	}
}

func TestProcessMessagesInvokesAndAdvancesMarker(t *testing.T) {
	e := newTestEnv(t)
	registerWorkspace(t, e.stores, "tg:100", "alpha")
	base := time.Now().Add(-time.Minute)
	putUser(t, e.stores, "tg:100", "m1", "ann", "first question", base)
	putUser(t, e.stores, "tg:100", "m2", "bob", "second question", base.Add(time.Second))

	ok, err := e.router.ProcessMessages(context.Background(), "tg:100")
	if err != nil || !ok {
		t.Fatalf("ProcessMessages = (%v, %v), want (true, nil)", ok, err)
	}
	calls := e.orch.calls()
	if len(calls) != 1 {
		t.Fatalf("got %d invocations, want 1", len(calls))
	}
	inv := calls[0]
	if inv.Folder != "alpha" || inv.ChatJID != "tg:100" {
		t.Errorf("invocation target = (%q, %q), want (alpha, tg:100)", inv.Folder, inv.ChatJID)
	}
	for _, want := range []string{"New messages:", "[ann] first question", "[bob] second question"} {
		if !strings.Contains(inv.Prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, inv.Prompt)
		}
	}
	if got, want := marker(t, e.stores, "tg:100"), store.FormatTime(base.Add(time.Second)); got != want {
		t.Errorf("marker = %q, want %q", got, want)
	}

	// Same rows again: nothing new, no second container.
	ok, err = e.router.ProcessMessages(context.Background(), "tg:100")
	if err != nil || !ok {
		t.Fatalf("second ProcessMessages = (%v, %v), want (true, nil)", ok, err)
	}
	if got := len(e.orch.calls()); got != 1 {
		t.Fatalf("got %d invocations after idle re-check, want 1", got)
	}
}

func TestProcessMessagesAdvancesPastOwnOutput(t *testing.T) {
	e := newTestEnv(t)
	registerWorkspace(t, e.stores, "tg:100", "alpha")
	ts := store.Now()
	if _, err := e.stores.Messages.Put(store.Message{
		ID: "a1", ChatJID: "tg:100", Sender: "pynchy", IsFromMe: true,
		Type: store.MessageAssistant, Content: "done", Timestamp: ts,
	}); err != nil {
		t.Fatalf("put assistant row: %v", err)
	}

	ok, err := e.router.ProcessMessages(context.Background(), "tg:100")
	if err != nil || !ok {
		t.Fatalf("ProcessMessages = (%v, %v), want (true, nil)", ok, err)
	}
	if got := len(e.orch.calls()); got != 0 {
		t.Fatalf("own output woke the agent: %d invocations", got)
	}
	if got := marker(t, e.stores, "tg:100"); got != ts {
		t.Errorf("marker = %q, want %q", got, ts)
	}
}

func TestFreshSessionIncludesHistory(t *testing.T) {
	e := newTestEnv(t)
	e.orch.result = &container.Result{} // no session id reported
	registerWorkspace(t, e.stores, "tg:100", "alpha")
	base := time.Now().Add(-time.Minute)

	putUser(t, e.stores, "tg:100", "m1", "ann", "hello there", base)
	if _, err := e.router.ProcessMessages(context.Background(), "tg:100"); err != nil {
		t.Fatalf("first check: %v", err)
	}

	putUser(t, e.stores, "tg:100", "m2", "ann", "are you awake", base.Add(2*time.Second))
	if _, err := e.router.ProcessMessages(context.Background(), "tg:100"); err != nil {
		t.Fatalf("second check: %v", err)
	}

	calls := e.orch.calls()
	if len(calls) != 2 {
		t.Fatalf("got %d invocations, want 2", len(calls))
	}
	first, second := calls[0].Prompt, calls[1].Prompt
	if strings.Contains(first, "Recent conversation:") {
		t.Errorf("first prompt has a history block with no prior rows:\n%s", first)
	}
	if !strings.Contains(second, "Recent conversation:") || !strings.Contains(second, "[ann] hello there") {
		t.Errorf("second prompt missing history block:\n%s", second)
	}
	if n := strings.Count(second, "are you awake"); n != 1 {
		t.Errorf("fresh row rendered %d times, want once:\n%s", n, second)
	}

	// A live session carries its own context; only new rows go in.
	if err := e.stores.Sessions.SetSession("alpha", "sess-live"); err != nil {
		t.Fatalf("set session: %v", err)
	}
	putUser(t, e.stores, "tg:100", "m3", "ann", "third message", base.Add(4*time.Second))
	if _, err := e.router.ProcessMessages(context.Background(), "tg:100"); err != nil {
		t.Fatalf("third check: %v", err)
	}
	calls = e.orch.calls()
	third := calls[2]
	if strings.Contains(third.Prompt, "Recent conversation:") {
		t.Errorf("resumed session got a history block:\n%s", third.Prompt)
	}
	if third.SessionID != "sess-live" {
		t.Errorf("SessionID = %q, want sess-live", third.SessionID)
	}
}

func TestGateOpenForInvocationOnly(t *testing.T) {
	e := newTestEnv(t)
	registerWorkspace(t, e.stores, "tg:100", "alpha")
	putUser(t, e.stores, "tg:100", "m1", "ann", "hi", time.Now())

	e.orch.onInvoke = func(inv container.Invocation) {
		if e.gates.ForGroup("alpha") == nil {
			t.Error("no gate open during the invocation")
		}
		if inv.Security == nil {
			t.Error("invocation carries no security policy")
		}
	}
	if _, err := e.router.ProcessMessages(context.Background(), "tg:100"); err != nil {
		t.Fatalf("ProcessMessages: %v", err)
	}
	if e.gates.ForGroup("alpha") != nil {
		t.Fatal("gate survived the invocation")
	}
}

func TestStreamEventsFanOut(t *testing.T) {
	e := newTestEnv(t)
	registerWorkspace(t, e.stores, "tg:100", "alpha")
	putUser(t, e.stores, "tg:100", "m1", "ann", "hi", time.Now())

	e.orch.onInvoke = func(inv container.Invocation) {
		inv.OnEvent(protocol.StreamEvent{Type: protocol.StreamText, Text: "Hello "})
		inv.OnEvent(protocol.StreamEvent{Type: protocol.StreamText, Text: "world"})
		inv.OnEvent(protocol.StreamEvent{Type: protocol.StreamToolUse, ToolName: "bash"})
		inv.OnEvent(protocol.StreamEvent{Type: protocol.StreamResult, SessionID: "sess-1"})
	}
	if _, err := e.router.ProcessMessages(context.Background(), "tg:100"); err != nil {
		t.Fatalf("ProcessMessages: %v", err)
	}

	e.msgr.mu.Lock()
	defer e.msgr.mu.Unlock()
	if got, want := strings.Join(e.msgr.deltas, ""), "Hello world"; got != want {
		t.Errorf("streamed text = %q, want %q", got, want)
	}
	if len(e.msgr.traces) != 1 || e.msgr.traces[0] != "🔧 bash" {
		t.Errorf("traces = %v, want [🔧 bash]", e.msgr.traces)
	}
	if len(e.msgr.finished) != 1 || e.msgr.finished[0] != "tg:100" {
		t.Errorf("finished = %v, want [tg:100]", e.msgr.finished)
	}
}

func TestTerminatedRunNotifiesAndRetries(t *testing.T) {
	e := newTestEnv(t)
	registerWorkspace(t, e.stores, "tg:100", "alpha")
	putUser(t, e.stores, "tg:100", "m1", "ann", "hi", time.Now())
	e.orch.err = container.ErrAgentTerminated

	ok, err := e.router.ProcessMessages(context.Background(), "tg:100")
	if ok || err == nil {
		t.Fatalf("ProcessMessages = (%v, %v), want failure for the queue to retry", ok, err)
	}
	notices := e.msgr.hostNotices()
	if len(notices) != 1 || !strings.Contains(notices[0], "terminated unexpectedly") {
		t.Errorf("host notices = %v, want termination notice", notices)
	}
	e.msgr.mu.Lock()
	discarded := len(e.msgr.discarded)
	e.msgr.mu.Unlock()
	if discarded != 1 {
		t.Errorf("stream discarded %d times, want 1", discarded)
	}
	if got := marker(t, e.stores, "tg:100"); got != "" {
		t.Errorf("marker advanced to %q on a failed run", got)
	}
}

func TestErrorResultPostsNotice(t *testing.T) {
	e := newTestEnv(t)
	registerWorkspace(t, e.stores, "tg:100", "alpha")
	putUser(t, e.stores, "tg:100", "m1", "ann", "hi", time.Now())
	e.orch.result = &container.Result{SessionID: "sess-1", IsError: true, ErrorMessage: "rate limited"}

	ok, err := e.router.ProcessMessages(context.Background(), "tg:100")
	if err != nil || !ok {
		t.Fatalf("ProcessMessages = (%v, %v), want (true, nil): an error result is not a retry", ok, err)
	}
	notices := e.msgr.hostNotices()
	if len(notices) != 1 || !strings.Contains(notices[0], "rate limited") {
		t.Errorf("host notices = %v, want agent error notice", notices)
	}
	if got := marker(t, e.stores, "tg:100"); got == "" {
		t.Error("marker not advanced after a completed run")
	}
}

func TestSessionSavedFromResult(t *testing.T) {
	e := newTestEnv(t)
	registerWorkspace(t, e.stores, "tg:100", "alpha")
	putUser(t, e.stores, "tg:100", "m1", "ann", "hi", time.Now())
	e.orch.result = &container.Result{SessionID: "sess-42"}

	if _, err := e.router.ProcessMessages(context.Background(), "tg:100"); err != nil {
		t.Fatalf("ProcessMessages: %v", err)
	}
	got, err := e.stores.Sessions.Session("alpha")
	if err != nil {
		t.Fatalf("read session: %v", err)
	}
	if got != "sess-42" {
		t.Errorf("session = %q, want sess-42", got)
	}
}

func TestNotifyWorkspace(t *testing.T) {
	e := newTestEnv(t)
	registerWorkspace(t, e.stores, "tg:100", "alpha")
	ctx := context.Background()

	t.Run("no session goes to chat", func(t *testing.T) {
		e.router.NotifyWorkspace(ctx, "alpha", "✅ merged 3 commits to main")
		notices := e.msgr.hostNotices()
		if len(notices) != 1 || notices[0] != "✅ merged 3 commits to main" {
			t.Fatalf("host notices = %v", notices)
		}
	})

	t.Run("live session gets a system row", func(t *testing.T) {
		if err := e.stores.Sessions.SetSession("alpha", "sess-1"); err != nil {
			t.Fatalf("set session: %v", err)
		}
		e.router.NotifyWorkspace(ctx, "alpha", "⚠️ merge needs a rebase")
		if got := len(e.msgr.hostNotices()); got != 1 {
			t.Fatalf("expected no new host notice, have %d", got)
		}
		history, err := e.stores.Messages.History("tg:100", 10)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		found := false
		for _, m := range history {
			if m.Type == store.MessageSystem && m.Content == "⚠️ merge needs a rebase" {
				found = true
			}
		}
		if !found {
			t.Fatalf("system notice missing from history: %+v", history)
		}
	})

	t.Run("unknown folder is dropped", func(t *testing.T) {
		before := len(e.msgr.hostNotices())
		e.router.NotifyWorkspace(ctx, "ghost", "lost notice")
		if got := len(e.msgr.hostNotices()); got != before {
			t.Fatalf("notice for unknown folder was delivered")
		}
	})
}

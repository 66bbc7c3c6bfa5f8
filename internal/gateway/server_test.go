package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/pynchy/internal/bus"
	"github.com/nextlevelbuilder/pynchy/internal/channels"
	"github.com/nextlevelbuilder/pynchy/internal/config"
	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/internal/store/sqlite"
)

type fakeRepo struct {
	mu       sync.Mutex
	sha      string
	subject  string
	pullSHA  string
	pulled   bool
	pullErr  error
	headErrs bool
}

func (f *fakeRepo) HeadSHA(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErrs {
		return "", errors.New("not a repo")
	}
	return f.sha, nil
}

func (f *fakeRepo) HeadSubject(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subject, nil
}

func (f *fakeRepo) PullMain(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return f.pullErr
	}
	f.pulled = true
	if f.pullSHA != "" {
		f.sha = f.pullSHA
	}
	return nil
}

type nopQueue struct {
	mu   sync.Mutex
	jids []string
}

func (q *nopQueue) EnqueueMessageCheck(jid string) {
	q.mu.Lock()
	q.jids = append(q.jids, jid)
	q.mu.Unlock()
}

// stubChannel is a permanently connected channel owning web: jids.
type stubChannel struct{}

func (stubChannel) Name() string                    { return "stub" }
func (stubChannel) Start(context.Context) error     { return nil }
func (stubChannel) Stop(context.Context) error      { return nil }
func (stubChannel) Owns(jid string) bool            { return strings.HasPrefix(jid, "web:") }
func (stubChannel) Connected() bool                 { return true }
func (stubChannel) SendMessage(ctx context.Context, chatID, content string) (string, error) {
	return "stub-1", nil
}

type env struct {
	server *Server
	stores *store.Stores
	queue  *nopQueue
	events *bus.EventBus
	http   *httptest.Server
}

func newTestServer(t *testing.T, cfg config.GatewayConfig, opts ...Option) *env {
	t.Helper()
	stores, closeFn, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open stores: %v", err)
	}
	t.Cleanup(func() { closeFn() })

	events := bus.New()
	q := &nopQueue{}
	ch := channels.NewManager(stores, nil, q, events)
	ch.Register(stubChannel{})

	s := NewServer(cfg, stores, ch, events, opts...)
	ts := httptest.NewServer(s.BuildMux())
	t.Cleanup(ts.Close)
	return &env{server: s, stores: stores, queue: q, events: events, http: ts}
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func postJSON(t *testing.T, url, bearer string, body any, out any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestHealth(t *testing.T) {
	repo := &fakeRepo{sha: "abc123", subject: "ship it"}
	e := newTestServer(t, config.GatewayConfig{}, WithRepo(repo))

	var v healthView
	resp := getJSON(t, e.http.URL+"/health", &v)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if v.Status != "ok" {
		t.Errorf("status field = %q", v.Status)
	}
	if v.HeadSHA != "abc123" || v.HeadCommit != "ship it" {
		t.Errorf("head = (%q, %q)", v.HeadSHA, v.HeadCommit)
	}
	if v.ChannelsConnected != 1 {
		t.Errorf("channels_connected = %d, want 1", v.ChannelsConnected)
	}
	if v.UptimeSeconds < 0 {
		t.Errorf("uptime_seconds = %d", v.UptimeSeconds)
	}
}

func TestHealthWithoutRepo(t *testing.T) {
	e := newTestServer(t, config.GatewayConfig{})

	var v healthView
	resp := getJSON(t, e.http.URL+"/health", &v)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if v.HeadSHA != "" || v.HeadCommit != "" {
		t.Errorf("head = (%q, %q), want empty without a repo", v.HeadSHA, v.HeadCommit)
	}
}

func TestDeploy(t *testing.T) {
	repo := &fakeRepo{sha: "oldsha", subject: "new feature", pullSHA: "newsha"}
	restarted := make(chan struct{}, 1)
	e := newTestServer(t, config.GatewayConfig{MasterKey: "s3cret"},
		WithRepo(repo), WithRestart(func() { restarted <- struct{}{} }))

	if resp := postJSON(t, e.http.URL+"/deploy", "", nil, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated deploy status = %d, want 401", resp.StatusCode)
	}
	if resp := postJSON(t, e.http.URL+"/deploy", "wrong", nil, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key deploy status = %d, want 401", resp.StatusCode)
	}

	var v deployView
	resp := postJSON(t, e.http.URL+"/deploy", "s3cret", nil, &v)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deploy status = %d", resp.StatusCode)
	}
	if v.Status != "ok" || v.SHA != "newsha" || v.PreviousSHA != "oldsha" || v.Commit != "new feature" {
		t.Errorf("deploy response = %+v", v)
	}
	repo.mu.Lock()
	pulled := repo.pulled
	repo.mu.Unlock()
	if !pulled {
		t.Error("deploy did not pull")
	}

	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Error("restart hook never fired")
	}

	stashed, err := e.stores.State.Get(PreviousSHAKey)
	if err != nil {
		t.Fatalf("state get: %v", err)
	}
	if stashed != "oldsha" {
		t.Errorf("stashed previous sha = %q, want oldsha", stashed)
	}
}

func TestDeployNotConfigured(t *testing.T) {
	e := newTestServer(t, config.GatewayConfig{}) // no key, no repo
	if resp := postJSON(t, e.http.URL+"/deploy", "anything", nil, nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestDeployPullFailure(t *testing.T) {
	repo := &fakeRepo{sha: "oldsha", pullErr: errors.New("remote hung up")}
	e := newTestServer(t, config.GatewayConfig{MasterKey: "k"}, WithRepo(repo))

	if resp := postJSON(t, e.http.URL+"/deploy", "k", nil, nil); resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestGroups(t *testing.T) {
	e := newTestServer(t, config.GatewayConfig{})
	for _, p := range []store.WorkspaceProfile{
		{JID: "web:ops", Folder: "ops", Name: "Ops", IsAdmin: true, AddedAt: store.Now()},
		{JID: "web:dev", Folder: "dev", Name: "Dev", RequireTag: true, AddedAt: store.Now()},
	} {
		if err := e.stores.Groups.Register(p); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	var v struct {
		Groups []groupView `json:"groups"`
	}
	resp := getJSON(t, e.http.URL+"/api/groups", &v)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(v.Groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(v.Groups))
	}
	if v.Groups[0].Folder != "dev" || !v.Groups[0].RequireTag {
		t.Errorf("first group = %+v", v.Groups[0])
	}
	if v.Groups[1].Folder != "ops" || !v.Groups[1].IsAdmin {
		t.Errorf("second group = %+v", v.Groups[1])
	}
}

func TestMessages(t *testing.T) {
	e := newTestServer(t, config.GatewayConfig{})
	base := time.Now()
	for i, content := range []string{"one", "two"} {
		_, err := e.stores.Messages.Put(store.Message{
			ID: fmt.Sprintf("m%d", i), ChatJID: "web:room", Sender: "42",
			Type: store.MessageUser, Content: content,
			Timestamp: store.FormatTime(base.Add(time.Duration(i) * time.Second)),
		})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	var v struct {
		JID      string        `json:"jid"`
		Messages []messageView `json:"messages"`
	}
	resp := getJSON(t, e.http.URL+"/api/messages?jid=web:room&limit=10", &v)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(v.Messages) != 2 || v.Messages[0].Content != "one" {
		t.Errorf("messages = %+v", v.Messages)
	}

	if resp := getJSON(t, e.http.URL+"/api/messages", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing jid status = %d, want 400", resp.StatusCode)
	}
	if resp := getJSON(t, e.http.URL+"/api/messages?jid=x&limit=bogus", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp.StatusCode)
	}
}

func TestSend(t *testing.T) {
	e := newTestServer(t, config.GatewayConfig{})
	if err := e.stores.Groups.Register(store.WorkspaceProfile{
		JID: "web:room", Folder: "room", Name: "room", AddedAt: store.Now(),
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	var v struct {
		Status string `json:"status"`
		Stored bool   `json:"stored"`
	}
	resp := postJSON(t, e.http.URL+"/api/send", "", sendRequest{JID: "web:room", Content: "run the report"}, &v)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !v.Stored {
		t.Error("message not stored")
	}

	rows, err := e.stores.Messages.Recent("web:room", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 1 || rows[0].Sender != "operator" {
		t.Errorf("rows = %+v", rows)
	}
	e.queue.mu.Lock()
	woken := len(e.queue.jids)
	e.queue.mu.Unlock()
	if woken != 1 {
		t.Errorf("enqueues = %d, want 1", woken)
	}

	if resp := postJSON(t, e.http.URL+"/api/send", "", sendRequest{JID: "web:room"}, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty content status = %d, want 400", resp.StatusCode)
	}
}

func TestSendRateLimited(t *testing.T) {
	e := newTestServer(t, config.GatewayConfig{RateLimitRPM: 1})

	body := sendRequest{JID: "web:room", Content: "hello"}
	if resp := postJSON(t, e.http.URL+"/api/send", "", body, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("first send status = %d", resp.StatusCode)
	}
	if resp := postJSON(t, e.http.URL+"/api/send", "", body, nil); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second send status = %d, want 429", resp.StatusCode)
	}
}

func TestEventsSSE(t *testing.T) {
	e := newTestServer(t, config.GatewayConfig{})

	resp, err := http.Get(e.http.URL + "/api/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	e.events.Broadcast(bus.Event{Name: "message_received", Payload: map[string]string{"jid": "web:room"}})

	lines := make(chan string, 4)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				lines <- line
			}
		}
	}()

	want := []string{"event: message_received", `data: {"jid":"web:room"}`}
	for _, w := range want {
		select {
		case got := <-lines:
			if got != w {
				t.Errorf("line = %q, want %q", got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
}

func TestMetricsServed(t *testing.T) {
	e := newTestServer(t, config.GatewayConfig{})
	resp, err := http.Get(e.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Contains(body, []byte("# HELP")) {
		t.Error("metrics body has no HELP lines")
	}
}

func TestWebchatMount(t *testing.T) {
	mounted := newTestServer(t, config.GatewayConfig{}, WithWebchat(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })))
	if resp := getJSON(t, mounted.http.URL+"/ws", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("mounted /ws status = %d", resp.StatusCode)
	}

	bare := newTestServer(t, config.GatewayConfig{})
	if resp := getJSON(t, bare.http.URL+"/ws", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unmounted /ws status = %d, want 404", resp.StatusCode)
	}
}

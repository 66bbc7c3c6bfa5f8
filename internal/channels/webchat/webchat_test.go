package webchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/pynchy/internal/channels"
)

type fakeIngest struct {
	mu       sync.Mutex
	msgs     []channels.Inbound
	chans    []string
	rejectAs bool
}

func (f *fakeIngest) Ingest(ctx context.Context, channel string, msg channels.Inbound) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	f.chans = append(f.chans, channel)
	return !f.rejectAs, nil
}

func (f *fakeIngest) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func newTestChannel(t *testing.T) (*Channel, *fakeIngest, *httptest.Server) {
	t.Helper()
	fi := &fakeIngest{}
	ch := New(fi)
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	server := httptest.NewServer(ch.Handler())
	t.Cleanup(func() {
		server.Close()
		ch.Stop(context.Background())
	})
	return ch, fi, server
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):] + "?" + query
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, f frame) {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHelloAndInboundIngest(t *testing.T) {
	_, fi, server := newTestChannel(t)
	conn := dial(t, server, "chat=room&sender=alice")

	hello := readFrame(t, conn)
	if hello.Type != "hello" || hello.Chat != "webchat:room" {
		t.Fatalf("hello = %+v, want hello for webchat:room", hello)
	}

	writeFrame(t, conn, frame{Type: "message", Content: "hi there"})
	waitFor(t, "ingest", func() bool { return fi.count() == 1 })

	fi.mu.Lock()
	got, channel := fi.msgs[0], fi.chans[0]
	fi.mu.Unlock()
	if channel != "webchat" {
		t.Errorf("ingest channel = %q, want webchat", channel)
	}
	if got.ChatJID != "webchat:room" || got.SenderID != "alice" || got.Content != "hi there" {
		t.Errorf("ingested = %+v", got)
	}
	if got.ID == "" {
		t.Error("ingested message has no id")
	}
}

func TestInboundMirroredToOtherClients(t *testing.T) {
	_, _, server := newTestChannel(t)
	alice := dial(t, server, "chat=room&sender=alice")
	bob := dial(t, server, "chat=room&sender=bob")
	readFrame(t, alice)
	readFrame(t, bob)

	writeFrame(t, alice, frame{Type: "message", Content: "anyone here?"})

	got := readFrame(t, bob)
	if got.Type != "message" || got.Sender != "alice" || got.Content != "anyone here?" {
		t.Errorf("mirrored frame = %+v", got)
	}
}

func TestDuplicateInboundNotMirrored(t *testing.T) {
	_, fi, server := newTestChannel(t)
	fi.rejectAs = true
	alice := dial(t, server, "chat=room&sender=alice")
	bob := dial(t, server, "chat=room&sender=bob")
	readFrame(t, alice)
	readFrame(t, bob)

	writeFrame(t, alice, frame{Type: "message", Content: "replayed"})
	waitFor(t, "ingest", func() bool { return fi.count() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, _, err := bob.Read(ctx); err == nil {
		t.Error("duplicate message was mirrored")
	}
}

func TestSendAndEdit(t *testing.T) {
	ch, _, server := newTestChannel(t)
	conn := dial(t, server, "chat=room")
	readFrame(t, conn)
	ctx := context.Background()

	id, err := ch.SendMessage(ctx, "webchat:room", "draft answer")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id == "" {
		t.Fatal("send returned empty id")
	}
	got := readFrame(t, conn)
	if got.Type != "message" || got.ID != id || got.Content != "draft answer" {
		t.Errorf("pushed frame = %+v", got)
	}

	if err := ch.UpdateMessage(ctx, "webchat:room", id, "final answer"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got = readFrame(t, conn)
	if got.Type != "edit" || got.ID != id || got.Content != "final answer" {
		t.Errorf("edit frame = %+v", got)
	}
}

func TestSendSkipsOtherChats(t *testing.T) {
	ch, _, server := newTestChannel(t)
	other := dial(t, server, "chat=elsewhere")
	readFrame(t, other)

	if _, err := ch.SendMessage(context.Background(), "webchat:room", "targeted"); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, _, err := other.Read(ctx); err == nil {
		t.Error("message leaked into another chat")
	}
}

func TestRequiresChatParam(t *testing.T) {
	_, _, server := newTestChannel(t)
	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestOwns(t *testing.T) {
	ch := New(&fakeIngest{})
	if !ch.Owns("webchat:room") {
		t.Error("does not own webchat jid")
	}
	if ch.Owns("tg:room") {
		t.Error("claims foreign jid")
	}
}

func TestStoppedChannelRejects(t *testing.T) {
	ch, _, server := newTestChannel(t)
	if err := ch.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := ch.SendMessage(context.Background(), "webchat:room", "x"); err == nil {
		t.Error("send on stopped channel succeeded")
	}
	resp, err := http.Get(server.URL + "?chat=room")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

package ipc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

func testResolver(folder string) (Source, bool) {
	switch folder {
	case "alpha":
		return Source{Folder: "alpha", ChatJID: "123@g.us", IsAdmin: false}, true
	case "admin":
		return Source{Folder: "admin", ChatJID: "999@g.us", IsAdmin: true}, true
	}
	return Source{}, false
}

func waitReq(t *testing.T, ch <-chan *Request) *Request {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler")
	}
	return nil
}

func assertNoReq(t *testing.T, ch <-chan *Request) {
	t.Helper()
	time.Sleep(20 * time.Millisecond)
	select {
	case r := <-ch:
		t.Fatalf("unexpected handler call for type %s", r.Type)
	default:
	}
}

func TestDispatchExactType(t *testing.T) {
	d := NewDispatcher(context.Background(), t.TempDir(), testResolver)
	got := make(chan *Request, 1)
	d.Handle(protocol.TypeScheduleTask, func(ctx context.Context, w *ResponseWriter, req *Request) {
		got <- req
	})

	d.Dispatch("alpha", "0001.json", []byte(`{"type":"schedule_task","request_id":"0123456789abcdef","prompt":"daily summary"}`))

	req := waitReq(t, got)
	if req.Folder != "alpha" || req.ChatJID != "123@g.us" || req.IsAdmin {
		t.Errorf("source = %+v, want alpha/123@g.us/non-admin", req.Source)
	}
	if req.RequestID != "0123456789abcdef" {
		t.Errorf("RequestID = %q", req.RequestID)
	}
	var params struct {
		Prompt string `json:"prompt"`
	}
	if err := req.Decode(&params); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if params.Prompt != "daily summary" {
		t.Errorf("prompt = %q, want %q", params.Prompt, "daily summary")
	}
}

func TestDispatchPrefixAndPrecedence(t *testing.T) {
	d := NewDispatcher(context.Background(), t.TempDir(), testResolver)
	exact := make(chan *Request, 1)
	prefixed := make(chan *Request, 1)
	d.Handle("service:special", func(ctx context.Context, w *ResponseWriter, req *Request) {
		exact <- req
	})
	d.HandlePrefix(protocol.PrefixService, func(ctx context.Context, w *ResponseWriter, req *Request) {
		prefixed <- req
	})

	d.Dispatch("alpha", "a.json", []byte(`{"type":"service:send_message","request_id":"00000000000000aa"}`))
	req := waitReq(t, prefixed)
	if req.Type != "service:send_message" {
		t.Errorf("prefix handler got type %q", req.Type)
	}

	d.Dispatch("alpha", "b.json", []byte(`{"type":"service:special","request_id":"00000000000000ab"}`))
	req = waitReq(t, exact)
	if req.Type != "service:special" {
		t.Errorf("exact handler got type %q", req.Type)
	}
	assertNoReq(t, prefixed)
}

func TestDispatchDrops(t *testing.T) {
	d := NewDispatcher(context.Background(), t.TempDir(), testResolver)
	got := make(chan *Request, 1)
	d.Handle(protocol.TypeResetContext, func(ctx context.Context, w *ResponseWriter, req *Request) {
		got <- req
	})

	cases := []struct {
		name string
		src  string
		data string
	}{
		{"malformed json", "alpha", `{"type":`},
		{"missing type", "alpha", `{"request_id":"0123456789abcdef"}`},
		{"bad request id", "alpha", `{"type":"reset_context","request_id":"NOPE"}`},
		{"short request id", "alpha", `{"type":"reset_context","request_id":"abc123"}`},
		{"unknown source", "ghost", `{"type":"reset_context","request_id":"0123456789abcdef"}`},
		{"unknown type", "alpha", `{"type":"warp_core_eject","request_id":"0123456789abcdef"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d.Dispatch(tc.src, "f.json", []byte(tc.data))
			assertNoReq(t, got)
		})
	}

	// Sanity: the handler still fires for a valid request.
	d.Dispatch("alpha", "ok.json", []byte(`{"type":"reset_context","request_id":"0123456789abcdef"}`))
	waitReq(t, got)
}

func TestDispatchCopApprovedFlag(t *testing.T) {
	d := NewDispatcher(context.Background(), t.TempDir(), testResolver)
	got := make(chan *Request, 1)
	d.HandlePrefix(protocol.PrefixService, func(ctx context.Context, w *ResponseWriter, req *Request) {
		got <- req
	})

	d.Dispatch("alpha", "a.json", []byte(`{"type":"service:send_message","request_id":"00000000000000aa","_cop_approved":true}`))
	if req := waitReq(t, got); !req.CopApproved {
		t.Error("CopApproved = false, want true after re-dispatch flag")
	}
}

func TestSignalValidation(t *testing.T) {
	d := NewDispatcher(context.Background(), t.TempDir(), testResolver)
	got := make(chan string, 1)
	d.OnSignal(protocol.SignalRefreshGroups, func(folder string) {
		got <- folder
	})

	recv := func() string {
		select {
		case f := <-got:
			return f
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for signal")
			return ""
		}
	}
	none := func() {
		t.Helper()
		time.Sleep(20 * time.Millisecond)
		select {
		case f := <-got:
			t.Fatalf("unexpected signal callback for folder %q", f)
		default:
		}
	}

	d.Dispatch("alpha", "s.json", []byte(`{"signal":"refresh_groups"}`))
	if f := recv(); f != "alpha" {
		t.Errorf("folder = %q, want alpha", f)
	}

	d.Dispatch("admin", "s.json", []byte(`{"signal":"refresh_groups","ts":"2026-03-01T00:00:00Z"}`))
	if f := recv(); f != "admin" {
		t.Errorf("folder = %q, want admin", f)
	}

	t.Run("extra key rejected", func(t *testing.T) {
		d.Dispatch("alpha", "s.json", []byte(`{"signal":"refresh_groups","payload":1}`))
		none()
	})
	t.Run("unknown name rejected", func(t *testing.T) {
		d.Dispatch("alpha", "s.json", []byte(`{"signal":"reboot_everything"}`))
		none()
	})
	t.Run("non-string name rejected", func(t *testing.T) {
		d.Dispatch("alpha", "s.json", []byte(`{"signal":42}`))
		none()
	})
}

func TestResponseWriter(t *testing.T) {
	root := t.TempDir()
	d := NewDispatcher(context.Background(), root, testResolver)
	d.Handle(protocol.TypeScheduleTask, func(ctx context.Context, w *ResponseWriter, req *Request) {
		w.OK(map[string]string{"task_id": "t-1"})
	})
	d.Handle(protocol.TypeCancelTask, func(ctx context.Context, w *ResponseWriter, req *Request) {
		w.Fail("no such task")
	})

	d.Dispatch("alpha", "a.json", []byte(`{"type":"schedule_task","request_id":"00000000000000aa"}`))
	resp := readResponse(t, root, "alpha", "00000000000000aa")
	if resp.Status != "ok" {
		t.Fatalf("status = %q, want ok (error %q)", resp.Status, resp.Error)
	}
	var result struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.TaskID != "t-1" {
		t.Errorf("result = %s (err %v), want task_id t-1", resp.Result, err)
	}

	d.Dispatch("alpha", "b.json", []byte(`{"type":"cancel_task","request_id":"00000000000000ab"}`))
	resp = readResponse(t, root, "alpha", "00000000000000ab")
	if resp.Status != "error" || resp.Error != "no such task" {
		t.Errorf("resp = %+v, want error/no such task", resp)
	}
}

func TestResponseWriterNoRequestID(t *testing.T) {
	root := t.TempDir()
	d := NewDispatcher(context.Background(), root, testResolver)
	done := make(chan struct{})
	d.Handle(protocol.TypeFinishedWork, func(ctx context.Context, w *ResponseWriter, req *Request) {
		w.OK(map[string]string{"ignored": "yes"})
		close(done)
	})

	d.Dispatch("alpha", "a.json", []byte(`{"type":"finished_work"}`))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run")
	}

	entries, err := os.ReadDir(filepath.Join(root, "alpha", protocol.DirResponses))
	if err == nil && len(entries) > 0 {
		t.Errorf("response files written for fire-and-forget request: %d", len(entries))
	}
}

func readResponse(t *testing.T, root, folder, requestID string) protocol.Response {
	t.Helper()
	path := ResponsePath(root, folder, requestID)
	deadline := time.Now().Add(2 * time.Second)
	for {
		data, err := os.ReadFile(path)
		if err == nil {
			var resp protocol.Response
			if err := json.Unmarshal(data, &resp); err != nil {
				t.Fatalf("unmarshal response: %v", err)
			}
			return resp
		}
		if time.Now().After(deadline) {
			t.Fatalf("response %s never appeared", path)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

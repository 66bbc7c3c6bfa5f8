package mcpproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// marshalNoEscape marshals without HTML-escaping <, > and & so fence
// markers survive as literal text in the emitted JSON.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// blockedText replaces any text block the inspector flags. The agent sees
// that something was removed, not what.
const blockedText = "[blocked by security policy]"

// fenceBody rewrites the text blocks of a tool result so the agent reads
// them as quoted foreign data. Bodies that don't parse pass through
// unchanged; the read taint is already on the gate either way.
func (p *Proxy) fenceBody(ctx context.Context, source, contentType string, body []byte) []byte {
	if strings.HasPrefix(contentType, "text/event-stream") {
		return p.fenceSSE(ctx, source, body)
	}
	out, err := p.fenceEnvelope(ctx, source, body)
	if err != nil {
		slog.Debug("mcp.proxy.fence_skipped", "source", source, "error", err)
		return body
	}
	return out
}

// fenceEnvelope splices fenced text back into the JSON-RPC envelope. Only
// result.content[i] entries with type "text" are touched; every other
// field round-trips as raw bytes.
func (p *Proxy) fenceEnvelope(ctx context.Context, source string, body []byte) ([]byte, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	rawResult, ok := env["result"]
	if !ok {
		return body, nil
	}
	var result map[string]json.RawMessage
	if err := json.Unmarshal(rawResult, &result); err != nil {
		return nil, err
	}
	rawContent, ok := result["content"]
	if !ok {
		return body, nil
	}
	var blocks []json.RawMessage
	if err := json.Unmarshal(rawContent, &blocks); err != nil {
		return nil, err
	}

	for i, raw := range blocks {
		var tc mcpgo.TextContent
		if err := json.Unmarshal(raw, &tc); err != nil || tc.Type != "text" {
			continue
		}
		tc.Text = p.screenText(ctx, source, tc.Text)
		fenced, err := marshalNoEscape(tc)
		if err != nil {
			return nil, err
		}
		blocks[i] = fenced
	}

	rawContent, err := marshalNoEscape(blocks)
	if err != nil {
		return nil, err
	}
	result["content"] = rawContent
	if rawResult, err = marshalNoEscape(result); err != nil {
		return nil, err
	}
	env["result"] = rawResult
	return marshalNoEscape(env)
}

// screenText runs the inspector over one text block and wraps survivors
// in fence markers naming where the bytes came from.
func (p *Proxy) screenText(ctx context.Context, source, text string) string {
	if flagged, reason := p.inspector.InspectInbound(ctx, source, text); flagged {
		slog.Warn("mcp.proxy.content_blocked", "source", source, "reason", reason)
		return blockedText
	}
	return fmt.Sprintf("<EXTERNAL_UNTRUSTED_CONTENT source=%s>%s</EXTERNAL_UNTRUSTED_CONTENT>", source, text)
}

// fenceSSE fences each data: payload of an event stream individually,
// leaving event framing intact.
func (p *Proxy) fenceSSE(ctx context.Context, source string, body []byte) []byte {
	lines := strings.Split(string(body), "\n")
	for i, line := range lines {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		fenced, err := p.fenceEnvelope(ctx, source, []byte(payload))
		if err != nil {
			continue
		}
		lines[i] = "data: " + string(fenced)
	}
	return []byte(strings.Join(lines, "\n"))
}

package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/y-oga-819/claude-session/claude"
	"github.com/y-oga-819/claude-session/internal/event"
	"github.com/y-oga-819/claude-session/internal/transport"
)

const waitTimeout = 2 * time.Second

// fakeAgent はエージェントCLIの代わりのTransport
// initialize、interrupt、rewind_filesには自動で成功を返す
type fakeAgent struct {
	mu      sync.Mutex
	closed  bool
	msgChan chan transport.RawMessage
	errChan chan error
	written chan map[string]any

	controls   chan string
	rewindFail string // 空でなければrewind_filesをこのエラーで失敗させる
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		msgChan:  make(chan transport.RawMessage, 100),
		errChan:  make(chan error, 10),
		written:  make(chan map[string]any, 100),
		controls: make(chan string, 10),
	}
}

func (f *fakeAgent) Connect(ctx context.Context) error { return nil }

func (f *fakeAgent) Write(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if m["type"] == "control_request" {
		req, _ := m["request"].(map[string]any)
		subtype, _ := req["subtype"].(string)
		resp := map[string]any{"subtype": "success", "request_id": m["request_id"]}
		switch subtype {
		case "initialize":
			resp["response"] = map[string]any{"session_id": "sess-init"}
		case "rewind_files":
			f.mu.Lock()
			fail := f.rewindFail
			f.mu.Unlock()
			if fail != "" {
				resp = map[string]any{"subtype": "error", "request_id": m["request_id"], "error": fail}
			}
		}
		if subtype != "initialize" {
			f.controls <- subtype
		}
		f.push(map[string]any{"type": "control_response", "response": resp})
		return nil
	}
	f.written <- m
	return nil
}

func (f *fakeAgent) push(data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	typ, _ := data["type"].(string)
	f.msgChan <- transport.RawMessage{Type: typ, Data: data}
}

func (f *fakeAgent) failRewind(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rewindFail = msg
}

func (f *fakeAgent) Messages() <-chan transport.RawMessage { return f.msgChan }
func (f *fakeAgent) Errors() <-chan error                  { return f.errChan }
func (f *fakeAgent) EndInput() error                       { return nil }
func (f *fakeAgent) IsConnected() bool                     { return true }

func (f *fakeAgent) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.msgChan)
		close(f.errChan)
	}
	return nil
}

// next はエージェントに書き込まれた次のメッセージを返す
func (f *fakeAgent) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m := <-f.written:
		return m
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for write")
		return nil
	}
}

// nextUser は次に送られたユーザーメッセージの内容を返す
func (f *fakeAgent) nextUser(t *testing.T) any {
	t.Helper()
	m := f.next(t)
	require.Equal(t, "user", m["type"], "written: %v", m)
	msg, _ := m["message"].(map[string]any)
	return msg["content"]
}

// nextResponse は次のcontrol_responseの中身を返す
func (f *fakeAgent) nextResponse(t *testing.T, requestID string) map[string]any {
	t.Helper()
	m := f.next(t)
	require.Equal(t, "control_response", m["type"], "written: %v", m)
	resp, _ := m["response"].(map[string]any)
	require.Equal(t, requestID, resp["request_id"])
	body, _ := resp["response"].(map[string]any)
	return body
}

func (f *fakeAgent) control(t *testing.T) string {
	t.Helper()
	select {
	case s := <-f.controls:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for control request")
		return ""
	}
}

func (f *fakeAgent) init(sessionID string) {
	f.push(map[string]any{
		"type": "system", "subtype": "init", "session_id": sessionID,
		"model": "claude-test", "tools": []any{"Bash", "Read"},
		"mcp_servers": []any{map[string]any{"name": "docs", "status": "connected"}},
	})
}

func (f *fakeAgent) echo(uuid, text string) {
	f.push(map[string]any{
		"type": "user", "uuid": uuid,
		"message": map[string]any{"role": "user", "content": text},
	})
}

func (f *fakeAgent) textDelta(messageID, text string) {
	f.push(map[string]any{"type": "stream_event", "event": map[string]any{
		"type": "message_start", "message": map[string]any{"id": messageID, "model": "claude-test"},
	}})
	f.push(map[string]any{"type": "stream_event", "event": map[string]any{
		"type": "content_block_delta", "delta": map[string]any{"type": "text_delta", "text": text},
	}})
}

func (f *fakeAgent) assistant(messageID string, blocks ...map[string]any) {
	content := make([]any, len(blocks))
	for i, b := range blocks {
		content[i] = b
	}
	f.push(map[string]any{"type": "assistant", "message": map[string]any{
		"id": messageID, "role": "assistant", "model": "claude-test", "content": content,
	}})
}

func (f *fakeAgent) usage(messageID string, inputTokens int) {
	f.push(map[string]any{"type": "assistant", "message": map[string]any{
		"id": messageID, "role": "assistant", "model": "claude-test", "content": []any{},
		"usage": map[string]any{"input_tokens": inputTokens, "output_tokens": 10},
	}})
}

func (f *fakeAgent) toolResult(toolUseID string, isError bool) {
	f.push(map[string]any{"type": "user", "message": map[string]any{
		"role": "user",
		"content": []any{map[string]any{
			"type": "tool_result", "tool_use_id": toolUseID, "content": "ok", "is_error": isError,
		}},
	}})
}

func (f *fakeAgent) canUseTool(requestID, toolName, toolUseID string) {
	f.push(map[string]any{
		"type": "control_request", "request_id": requestID,
		"request": map[string]any{
			"subtype": "can_use_tool", "tool_name": toolName, "tool_use_id": toolUseID,
			"input": map[string]any{"command": "ls"},
		},
	})
}

func (f *fakeAgent) postToolUse(requestID, toolName, toolUseID string) {
	f.push(map[string]any{
		"type": "control_request", "request_id": requestID,
		"request": map[string]any{
			"subtype": "hook_callback", "callback_id": "hook_PostToolUse", "tool_use_id": toolUseID,
			"input": map[string]any{
				"hook_event_name": "PostToolUse", "tool_name": toolName, "tool_use_id": toolUseID,
			},
		},
	})
}

func (f *fakeAgent) result(sessionID, subtype string, cost float64) {
	f.push(map[string]any{
		"type": "result", "subtype": subtype, "session_id": sessionID,
		"is_error": subtype != "success", "num_turns": 1, "duration_ms": 1200,
		"total_cost_usd": cost,
		"usage":          map[string]any{"input_tokens": 100, "output_tokens": 20},
	})
}

func textBlock(text string) map[string]any {
	return map[string]any{"type": "text", "text": text}
}

func toolUseBlock(id, name string) map[string]any {
	return map[string]any{"type": "tool_use", "id": id, "name": name, "input": map[string]any{"command": "ls"}}
}

// harness はfakeAgentにつながるOrchestrator
type harness struct {
	t      *testing.T
	o      *Orchestrator
	agents chan *fakeAgent
	events chan event.Event

	mu    sync.Mutex
	dials []DialOptions
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		agents: make(chan *fakeAgent, 10),
		events: make(chan event.Event, 1000),
	}

	opts := Options{
		Name: "test",
		Dialer: DialFunc(func(ctx context.Context, do DialOptions) (Channel, error) {
			agent := newFakeAgent()
			c := claude.NewClient(&claude.Options{Transport: agent, HookEvents: do.HookEvents})
			if err := c.Connect(ctx); err != nil {
				return nil, err
			}
			h.mu.Lock()
			h.dials = append(h.dials, do)
			h.mu.Unlock()
			h.agents <- agent
			return c, nil
		}),
		Sink: event.SinkFunc(func(e event.Event) { h.events <- e }),
	}
	if configure != nil {
		configure(&opts)
	}

	o, err := New(opts)
	require.NoError(t, err)
	h.o = o
	t.Cleanup(func() { o.Close() })
	return h
}

func (h *harness) agent() *fakeAgent {
	h.t.Helper()
	select {
	case a := <-h.agents:
		return a
	case <-time.After(waitTimeout):
		h.t.Fatal("timeout waiting for dial")
		return nil
	}
}

func (h *harness) lastDial() DialOptions {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(h.t, h.dials)
	return h.dials[len(h.dials)-1]
}

func (h *harness) dialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.dials)
}

// agentAfterSend はターンを始め、つながったエージェントを返す
func (h *harness) agentAfterSend(text string) *fakeAgent {
	h.t.Helper()
	_, err := h.o.Send(context.Background(), text, "")
	require.NoError(h.t, err)
	a := h.agent()
	require.Equal(h.t, text, a.nextUser(h.t))
	return a
}

// send はターンを始め、エージェントに届いた内容を返す
func (h *harness) send(a *fakeAgent, text string) any {
	h.t.Helper()
	_, err := h.o.Send(context.Background(), text, "")
	require.NoError(h.t, err)
	return a.nextUser(h.t)
}

// waitFor はkindの通知が来るまで読み進める
func (h *harness) waitFor(kind event.Kind) event.Event {
	h.t.Helper()
	_, e := h.collectUntil(kind)
	return e
}

// collectUntil はkindの通知までに来た通知の種類も返す
func (h *harness) collectUntil(kind event.Kind) ([]event.Kind, event.Event) {
	h.t.Helper()
	var kinds []event.Kind
	deadline := time.After(waitTimeout)
	for {
		select {
		case e := <-h.events:
			kinds = append(kinds, e.Kind)
			if e.Kind == kind {
				return kinds, e
			}
		case <-deadline:
			h.t.Fatalf("timeout waiting for %s (saw %v)", kind, kinds)
			return kinds, event.Event{}
		}
	}
}

// idle はターンが終わるまで待つ
func (h *harness) idle() {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return !h.o.Processing() }, waitTimeout, 5*time.Millisecond)
}

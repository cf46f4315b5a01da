package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y-oga-819/claude-session/internal/event"
	"github.com/y-oga-819/claude-session/internal/metrics"
	"github.com/y-oga-819/claude-session/internal/protocol"
	"github.com/y-oga-819/claude-session/session"
)

// stubChannel は送信を受け付けるだけのチャネル
type stubChannel struct {
	once sync.Once
	msgs chan protocol.Message
	errs chan error
	sent chan any
}

func newStubChannel() *stubChannel {
	return &stubChannel{
		msgs: make(chan protocol.Message),
		errs: make(chan error),
		sent: make(chan any, 10),
	}
}

func (c *stubChannel) Send(ctx context.Context, content any) error {
	c.sent <- content
	return nil
}

func (c *stubChannel) Interrupt(ctx context.Context) error              { return nil }
func (c *stubChannel) RewindFiles(ctx context.Context, id string) error { return nil }
func (c *stubChannel) Messages() <-chan protocol.Message                { return c.msgs }
func (c *stubChannel) Errors() <-chan error                             { return c.errs }

func (c *stubChannel) Close() error {
	c.once.Do(func() {
		close(c.msgs)
		close(c.errs)
	})
	return nil
}

func setupTestServer(t *testing.T) (*Server, *event.Bus) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	bus := event.NewBus()

	srv := New(Config{
		Bus:      bus,
		Gatherer: reg,
		Factory: func(name, resume string) (*session.Orchestrator, error) {
			return session.New(session.Options{
				Name:    name,
				Resume:  resume,
				Sink:    bus,
				Metrics: m,
				Dialer: session.DialFunc(func(ctx context.Context, opts session.DialOptions) (session.Channel, error) {
					return newStubChannel(), nil
				}),
			})
		},
	})
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		bus.Close()
	})
	return srv, bus
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, srv *Server) string {
	t.Helper()
	w := do(t, srv.Router(), "POST", "/sessions", CreateSessionRequest{})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var st SessionStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	require.NotEmpty(t, st.Name)
	return st.Name
}

func TestSessions_CreateListDelete(t *testing.T) {
	srv, _ := setupTestServer(t)
	name := createSession(t, srv)

	w := do(t, srv.Router(), "GET", "/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []SessionStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, name, list[0].Name)
	assert.False(t, list[0].Connected)

	w = do(t, srv.Router(), "GET", "/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, srv.Router(), "DELETE", "/sessions/"+name, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, srv.Router(), "GET", "/sessions/"+name, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessions_MessageConflicts(t *testing.T) {
	srv, _ := setupTestServer(t)
	name := createSession(t, srv)
	base := "/sessions/" + name

	// チャネルがないのでキューは拒否
	w := do(t, srv.Router(), "POST", base+"/queue", map[string]any{"content": "later"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, srv.Router(), "POST", base+"/messages", map[string]any{"content": "hello"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var sent map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&sent))
	assert.NotEmpty(t, sent["turnId"])

	w = do(t, srv.Router(), "POST", base+"/messages", map[string]any{"content": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, srv.Router(), "POST", base+"/queue", map[string]any{"content": "later", "localId": "q1"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var queued map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&queued))
	assert.Equal(t, "q1", queued["id"])

	w = do(t, srv.Router(), "POST", base+"/rewind", RewindRequest{UserMessageID: "u1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, srv.Router(), "POST", base+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cancelled map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&cancelled))
	assert.Equal(t, "hello", cancelled["prompt"])

	w = do(t, srv.Router(), "GET", base, nil)
	var st SessionStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.False(t, st.Processing)
	assert.False(t, st.Connected)
}

func TestSessions_BadRequests(t *testing.T) {
	srv, _ := setupTestServer(t)
	base := "/sessions/" + createSession(t, srv)

	w := do(t, srv.Router(), "POST", base+"/messages", map[string]any{"content": 42})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv.Router(), "POST", base+"/messages", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv.Router(), "POST", base+"/rewind", RewindRequest{UserMessageID: "u1", Option: "everything"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv.Router(), "POST", base+"/rewind", RewindRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv.Router(), "POST", base+"/permissions/req-1", PermissionResponse{Behavior: "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv.Router(), "POST", base+"/permissions/req-1", PermissionResponse{Behavior: "allow"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, srv.Router(), "POST", base+"/resume-previous", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecodeContent(t *testing.T) {
	v, err := decodeContent(json.RawMessage(`"hello"`))
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	v, err = decodeContent(json.RawMessage(`[{"type":"text","text":"hi"}]`))
	require.NoError(t, err)
	assert.Equal(t, []protocol.ContentBlock{{Type: "text", Text: "hi"}}, v)

	_, err = decodeContent(nil)
	assert.Error(t, err)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t)
	createSession(t, srv)

	w := do(t, srv.Router(), "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "claude_session_active_sessions 1")
}

func TestSessionEvents_RejectsForeignOrigin(t *testing.T) {
	srv, _ := setupTestServer(t)
	name := createSession(t, srv)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sessions/" + name + "/events"
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": {"https://attacker.example"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// ローカルの別ポートのページは許す
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": {"http://localhost:5173"}},
	})
	require.NoError(t, err)
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestSessionEvents_WebSocket(t *testing.T) {
	srv, _ := setupTestServer(t)
	name := createSession(t, srv)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sessions/" + name + "/events"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	w := do(t, srv.Router(), "POST", "/sessions/"+name+"/messages", map[string]any{"content": "hello", "localId": "l1"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var e event.Event
	require.NoError(t, wsjson.Read(ctx, conn, &e))
	assert.Equal(t, event.KindUserMessage, e.Kind)
	assert.Equal(t, name, e.Session)
	data, ok := e.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", data["text"])
	assert.Equal(t, "l1", data["localId"])

	do(t, srv.Router(), "POST", "/sessions/"+name+"/cancel", nil)
	require.NoError(t, wsjson.Read(ctx, conn, &e))
	assert.Equal(t, event.KindSessionCancelled, e.Kind)

	conn.Close(websocket.StatusNormalClosure, "")
}

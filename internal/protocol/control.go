package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/y-oga-819/claude-session/internal/transport"
)

const (
	DefaultControlTimeout = 30 * time.Second
)

var (
	// ErrHandlerClosed はクローズ済みのハンドラを使った場合のエラー
	ErrHandlerClosed = errors.New("protocol handler closed")
	// ErrAlreadyResponded は同じ制御リクエストに2回応答した場合のエラー
	ErrAlreadyResponded = errors.New("control request already answered")
)

// ProtocolHandler は制御プロトコルを管理する
//
// エージェントからの can_use_tool / hook_callback は PermissionRequest / HookRequest として
// 通常のメッセージと同じ順序付きチャネルに流す。直前に流れた tool_use より先に
// 許可確認が処理されることはない。
type ProtocolHandler struct {
	transport transport.Transport

	// SDK → CLI のリクエスト管理
	pendingRequests map[string]chan *ControlResponse
	requestCounter  uint64

	// CLI → SDK の処理中リクエスト（control_cancel_requestで取り消す）
	inflight map[string]context.CancelFunc

	mu        sync.Mutex
	closed    bool
	closeChan chan struct{}
	finish    sync.Once

	msgChan chan Message
}

// InitializeRequest は初期化リクエスト
type InitializeRequest struct {
	Subtype string                   `json:"subtype"` // "initialize"
	Hooks   map[string][]HookMatcher `json:"hooks,omitempty"`
}

// HookMatcher はinitializeで登録するフックのコールバックID
type HookMatcher struct {
	Matcher         *string  `json:"matcher"`
	HookCallbackIDs []string `json:"hookCallbackIds"`
}

// InterruptRequest は中断リクエスト
type InterruptRequest struct {
	Subtype string `json:"subtype"` // "interrupt"
}

// RewindFilesRequest はファイル巻き戻しリクエスト
type RewindFilesRequest struct {
	Subtype       string `json:"subtype"`         // "rewind_files"
	UserMessageID string `json:"user_message_id"` // 巻き戻し先のユーザーメッセージID
}

// NewProtocolHandler は新しいProtocolHandlerを作成する
func NewProtocolHandler(t transport.Transport) *ProtocolHandler {
	return &ProtocolHandler{
		transport:       t,
		pendingRequests: make(map[string]chan *ControlResponse),
		inflight:        make(map[string]context.CancelFunc),
		closeChan:       make(chan struct{}),
		msgChan:         make(chan Message, 100),
	}
}

// Messages はメッセージチャネルを返す（Finish後にクローズされる）
func (h *ProtocolHandler) Messages() <-chan Message {
	return h.msgChan
}

// SendControlRequest は制御リクエストを送信し、レスポンスを待つ
func (h *ProtocolHandler) SendControlRequest(ctx context.Context, req any) (*ControlResponse, error) {
	return h.SendControlRequestWithTimeout(ctx, req, DefaultControlTimeout)
}

// SendControlRequestWithTimeout はタイムアウト付きで制御リクエストを送信する
func (h *ProtocolHandler) SendControlRequestWithTimeout(ctx context.Context, req any, timeout time.Duration) (*ControlResponse, error) {
	id := h.generateRequestID()
	respChan := make(chan *ControlResponse, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHandlerClosed
	}
	h.pendingRequests[id] = respChan
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pendingRequests, id)
		h.mu.Unlock()
	}()

	data, err := json.Marshal(ControlRequest{Type: "control_request", RequestID: id, Request: req})
	if err != nil {
		return nil, fmt.Errorf("marshal control request: %w", err)
	}
	if err := h.transport.Write(data); err != nil {
		return nil, fmt.Errorf("write control request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case resp := <-respChan:
		return resp, nil
	case <-h.closeChan:
		return nil, ErrHandlerClosed
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("control request timeout: %w", timeoutCtx.Err())
	}
}

// HandleIncoming は受信したメッセージを処理する
// メッセージチャネルが空くまでブロックする（イベントは捨てない）
func (h *ProtocolHandler) HandleIncoming(ctx context.Context, raw transport.RawMessage) error {
	msg, err := ParseMessage(raw.Data)
	if err != nil {
		return fmt.Errorf("parse message: %w", err)
	}

	switch m := msg.(type) {
	case *ControlRequest:
		return h.handleControlRequest(ctx, m)
	case *ControlResponse:
		h.handleControlResponse(m)
		return nil
	case *ControlCancelRequest:
		h.cancelInflight(m.RequestID)
		return nil
	default:
		return h.deliver(ctx, msg)
	}
}

func (h *ProtocolHandler) deliver(ctx context.Context, msg Message) error {
	select {
	case h.msgChan <- msg:
		return nil
	case <-h.closeChan:
		return ErrHandlerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *ProtocolHandler) handleControlRequest(ctx context.Context, req *ControlRequest) error {
	reqData, ok := req.Request.(map[string]any)
	if !ok {
		return h.sendControlError(req.RequestID, "invalid request format")
	}

	subtype, _ := reqData["subtype"].(string)

	switch subtype {
	case "can_use_tool":
		var body struct {
			ToolName              string           `json:"tool_name"`
			Input                 map[string]any   `json:"input"`
			ToolUseID             string           `json:"tool_use_id"`
			PermissionSuggestions []map[string]any `json:"permission_suggestions"`
			BlockedPath           string           `json:"blocked_path"`
		}
		if err := remarshal(reqData, &body); err != nil {
			return h.sendControlError(req.RequestID, "unmarshal request: "+err.Error())
		}
		pr := &PermissionRequest{
			RequestID:             req.RequestID,
			ToolName:              body.ToolName,
			Input:                 body.Input,
			ToolUseID:             body.ToolUseID,
			PermissionSuggestions: body.PermissionSuggestions,
			BlockedPath:           body.BlockedPath,
		}
		pr.reply = h.newReply(ctx, req.RequestID, &pr.ctx)
		return h.deliver(ctx, pr)

	case "hook_callback":
		var body struct {
			CallbackID string         `json:"callback_id"`
			Input      map[string]any `json:"input"`
			ToolUseID  string         `json:"tool_use_id"`
		}
		if err := remarshal(reqData, &body); err != nil {
			return h.sendControlError(req.RequestID, "unmarshal request: "+err.Error())
		}
		hr := &HookRequest{
			RequestID:  req.RequestID,
			CallbackID: body.CallbackID,
			ToolUseID:  body.ToolUseID,
			Input:      parseHookInput(body.Input),
		}
		if hr.ToolUseID == "" {
			hr.ToolUseID = hr.Input.ToolUseID
		}
		hr.reply = h.newReply(ctx, req.RequestID, &hr.ctx)
		return h.deliver(ctx, hr)

	case "mcp_message":
		// インプロセスMCPサーバーは持たない
		return h.sendControlError(req.RequestID, "SDK MCP servers are not supported")

	default:
		// 未知のリクエストは成功レスポンスを返す
		return h.sendControlSuccess(req.RequestID, nil)
	}
}

// newReply は処理中リクエストを登録し、1回だけ応答できる関数を返す
func (h *ProtocolHandler) newReply(parent context.Context, requestID string, ctxOut *context.Context) *reply {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	*ctxOut = ctx

	h.mu.Lock()
	h.inflight[requestID] = cancel
	h.mu.Unlock()

	return &reply{handler: h, requestID: requestID, cancel: cancel}
}

func (h *ProtocolHandler) cancelInflight(requestID string) {
	h.mu.Lock()
	cancel, ok := h.inflight[requestID]
	delete(h.inflight, requestID)
	h.mu.Unlock()

	if ok {
		cancel()
	}
}

func (h *ProtocolHandler) handleControlResponse(resp *ControlResponse) {
	h.mu.Lock()
	ch, ok := h.pendingRequests[resp.Response.RequestID]
	h.mu.Unlock()

	if !ok {
		// タイムアウト済みなど
		return
	}

	select {
	case ch <- resp:
	default:
	}
}

func (h *ProtocolHandler) sendControlSuccess(requestID string, response any) error {
	return h.writeControlResponse(ControlResponseBody{
		Subtype:   "success",
		RequestID: requestID,
		Response:  response,
	})
}

func (h *ProtocolHandler) sendControlError(requestID string, errMsg string) error {
	return h.writeControlResponse(ControlResponseBody{
		Subtype:   "error",
		RequestID: requestID,
		Error:     errMsg,
	})
}

func (h *ProtocolHandler) writeControlResponse(body ControlResponseBody) error {
	data, err := json.Marshal(ControlResponse{Type: "control_response", Response: body})
	if err != nil {
		return fmt.Errorf("marshal control response: %w", err)
	}
	return h.transport.Write(data)
}

func (h *ProtocolHandler) generateRequestID() string {
	id := atomic.AddUint64(&h.requestCounter, 1)
	return fmt.Sprintf("sdk-%d", id)
}

// Close は待機中のリクエストと処理中のコールバックを解放する
func (h *ProtocolHandler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.closeChan)
	inflight := h.inflight
	h.inflight = make(map[string]context.CancelFunc)
	h.mu.Unlock()

	for _, cancel := range inflight {
		cancel()
	}
}

// Finish は受信ループの終了時に呼ばれ、メッセージチャネルをクローズする
// HandleIncomingと並行して呼んではならない
func (h *ProtocolHandler) Finish() {
	h.finish.Do(func() { close(h.msgChan) })
}

// reply は制御リクエストへの1回限りの応答
type reply struct {
	handler   *ProtocolHandler
	requestID string
	cancel    context.CancelFunc
	once      sync.Once
}

func (r *reply) send(response any, errMsg string) error {
	err := ErrAlreadyResponded
	r.once.Do(func() {
		r.handler.mu.Lock()
		delete(r.handler.inflight, r.requestID)
		r.handler.mu.Unlock()
		r.cancel()

		if errMsg != "" {
			err = r.handler.sendControlError(r.requestID, errMsg)
		} else {
			err = r.handler.sendControlSuccess(r.requestID, response)
		}
	})
	return err
}

func remarshal(in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/y-oga-819/claude-session/internal/hooks"
	"github.com/y-oga-819/claude-session/internal/logging"
	"github.com/y-oga-819/claude-session/internal/permission"
	"github.com/y-oga-819/claude-session/internal/protocol"
	"github.com/y-oga-819/claude-session/internal/transport"
)

var (
	// ErrSessionIDNotReady はセッションIDがまだ取得できていない場合のエラー
	ErrSessionIDNotReady = errors.New("session ID not ready: waiting for first message from CLI")
	// ErrNotConnected は未接続またはクローズ済みのクライアントを使った場合のエラー
	ErrNotConnected = errors.New("client is not connected")
)

// Client はエージェントCLIとの双方向ストリーミングチャネル
//
// メッセージは受信順に Messages() へ流れる。許可確認とフックは
// Options で処理関数を渡さない限り *protocol.PermissionRequest /
// *protocol.HookRequest として同じチャネルに流れる。
type Client struct {
	opts        *Options
	transport   transport.Transport
	protocol    *protocol.ProtocolHandler
	hookManager *hooks.Manager
	log         zerolog.Logger

	// sessionID はatomic.Pointerで管理（ロックフリー）
	sessionID atomic.Pointer[string]

	// プロセスの寿命はConnectに渡したctxではなくこちらで管理する
	ctx    context.Context
	cancel context.CancelFunc

	msgChan chan protocol.Message
	errChan chan error
	loops   sync.WaitGroup

	mu        sync.RWMutex
	connected bool
	closed    bool
}

// NewClient は新しいClientを作成する
func NewClient(opts *Options) *Client {
	if opts == nil {
		opts = &Options{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:        opts,
		hookManager: hooks.NewManager(),
		log:         logging.For("claude"),
		ctx:         ctx,
		cancel:      cancel,
		msgChan:     make(chan protocol.Message, 100),
		errChan:     make(chan error, 10),
	}

	for event, entries := range opts.Hooks {
		for _, entry := range entries {
			c.hookManager.Register(event, entry)
		}
	}

	return c
}

// Connect はCLIに接続し、initializeまで済ませる
// ctxはinitializeの待機にだけ使い、プロセスはCloseまで生き続ける
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &SDKError{Op: "connect", Err: ErrNotConnected, Details: "client is closed"}
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}

	c.transport = c.opts.Transport
	if c.transport == nil {
		c.transport = transport.NewSubprocessTransport(c.opts.transportConfig())
	}

	if err := c.transport.Connect(c.ctx); err != nil {
		c.mu.Unlock()
		return &SDKError{Op: "connect", Err: ErrCLIConnection, Details: err.Error()}
	}

	c.protocol = protocol.NewProtocolHandler(c.transport)
	c.connected = true

	c.loops.Add(3)
	go c.receiveLoop()
	go c.errorLoop()
	go c.dispatchLoop()
	go func() {
		c.loops.Wait()
		close(c.errChan)
	}()
	c.mu.Unlock()

	if err := c.initialize(ctx); err != nil {
		c.Close()
		return err
	}
	return nil
}

func (c *Client) initialize(ctx context.Context) error {
	regs := c.hookManager.Registrations()
	for event, matchers := range hooks.Registrations(c.opts.HookEvents...) {
		if regs == nil {
			regs = make(map[string][]protocol.HookMatcher)
		}
		if _, ok := regs[event]; !ok {
			regs[event] = matchers
		}
	}

	resp, err := c.protocol.SendControlRequest(ctx, &protocol.InitializeRequest{
		Subtype: "initialize",
		Hooks:   regs,
	})
	if err != nil {
		return &SDKError{Op: "initialize", Err: err}
	}
	if resp.Response.Subtype == "error" {
		return &SDKError{Op: "initialize", Err: fmt.Errorf("initialization failed"), Details: resp.Response.Error}
	}

	if data, ok := resp.Response.Response.(map[string]any); ok {
		if sid, ok := data["session_id"].(string); ok && sid != "" {
			c.sessionID.CompareAndSwap(nil, &sid)
		}
	}
	return nil
}

// receiveLoop はtransportからの生メッセージをプロトコルハンドラに渡す
func (c *Client) receiveLoop() {
	defer c.loops.Done()
	defer c.protocol.Finish()

	for raw := range c.transport.Messages() {
		c.captureSessionID(raw)

		if err := c.protocol.HandleIncoming(c.ctx, raw); err != nil {
			if errors.Is(err, protocol.ErrHandlerClosed) || errors.Is(err, context.Canceled) {
				return
			}
			c.sendErr(&SDKError{Op: "receive", Err: ErrMessageParse, Details: err.Error()})
		}
	}
}

func (c *Client) errorLoop() {
	defer c.loops.Done()
	for err := range c.transport.Errors() {
		if perr := c.processError(); perr != nil {
			c.sendErr(perr)
			continue
		}
		c.sendErr(&SDKError{Op: "transport", Err: ErrProcessExited, Details: err.Error()})
	}
}

// processError は終了コードとstderrが取れればそれをエラーにする
func (c *Client) processError() error {
	ps, ok := c.transport.(interface {
		ProcessStatus() *transport.ProcessStatus
	})
	if !ok {
		return nil
	}
	return ErrorFromProcess(ps.ProcessStatus())
}

// dispatchLoop はクライアント自身が応答するリクエストを取り除いて転送する
func (c *Client) dispatchLoop() {
	defer c.loops.Done()
	defer close(c.msgChan)

	for msg := range c.protocol.Messages() {
		switch m := msg.(type) {
		case *protocol.PermissionRequest:
			if c.opts.CanUseTool != nil {
				go c.answerPermission(m)
				continue
			}
		case *protocol.HookRequest:
			event, _ := hooks.EventForCallback(m.CallbackID)
			if len(c.hookManager.GetHooks(event)) > 0 {
				go func() {
					if err := c.hookManager.Handle(m); err != nil {
						c.log.Warn().Err(err).Str("callback", m.CallbackID).Msg("hook response failed")
					}
				}()
				continue
			}
		}

		select {
		case c.msgChan <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) answerPermission(req *protocol.PermissionRequest) {
	result, err := c.opts.CanUseTool(req.Context(), req.ToolName, req.Input, &ToolPermissionContext{
		SessionID:             c.sessionIDString(),
		ToolUseID:             req.ToolUseID,
		PermissionSuggestions: req.PermissionSuggestions,
		BlockedPath:           req.BlockedPath,
	})
	if err != nil {
		err = req.Fail(err.Error())
	} else {
		if result == nil || result.Behavior == permission.BehaviorAsk {
			result = permission.Deny("no permission decision", false)
		}
		err = req.Respond(result.Decision(req.Input))
	}
	if err != nil {
		c.log.Warn().Err(err).Str("tool", req.ToolName).Msg("permission response failed")
	}
}

func (c *Client) sendErr(err error) {
	select {
	case c.errChan <- err:
	default:
		c.log.Warn().Err(err).Msg("client error dropped")
	}
}

// captureSessionID はsystem/resultメッセージからsession_idを取得する
func (c *Client) captureSessionID(raw transport.RawMessage) {
	if raw.Type != "system" && raw.Type != "result" {
		return
	}
	sid, _ := raw.Data["session_id"].(string)
	if sid == "" {
		if data, ok := raw.Data["data"].(map[string]any); ok {
			sid, _ = data["session_id"].(string)
		}
	}
	if sid == "" {
		return
	}
	// resumeやforkで変わり得るので常に最新を保持する
	c.sessionID.Store(&sid)
}

// Send はユーザーメッセージを送信する
// contentは文字列か []protocol.ContentBlock
func (c *Client) Send(ctx context.Context, content any) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected || c.closed {
		return ErrNotConnected
	}

	switch content.(type) {
	case string, []protocol.ContentBlock:
	default:
		return fmt.Errorf("unsupported content type %T", content)
	}

	data, err := json.Marshal(protocol.UserMessage{
		Type:      "user",
		Message:   protocol.UserContent{Role: "user", Content: content},
		SessionID: c.sessionIDString(),
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := c.transport.Write(data); err != nil {
		return &SDKError{Op: "send", Err: ErrCLIConnection, Details: err.Error()}
	}
	return nil
}

// Interrupt は実行中のターンを中断する
func (c *Client) Interrupt(ctx context.Context) error {
	h, err := c.handler()
	if err != nil {
		return err
	}

	resp, err := h.SendControlRequest(ctx, &protocol.InterruptRequest{Subtype: "interrupt"})
	if err != nil {
		return &SDKError{Op: "interrupt", Err: err}
	}
	if resp.Response.Subtype == "error" {
		return &SDKError{Op: "interrupt", Err: ErrInterrupted, Details: resp.Response.Error}
	}
	return nil
}

// RewindFiles はファイルを指定したユーザーメッセージ時点に巻き戻す
func (c *Client) RewindFiles(ctx context.Context, userMessageID string) error {
	h, err := c.handler()
	if err != nil {
		return err
	}

	resp, err := h.SendControlRequest(ctx, &protocol.RewindFilesRequest{
		Subtype:       "rewind_files",
		UserMessageID: userMessageID,
	})
	if err != nil {
		return &SDKError{Op: "rewind_files", Err: err}
	}
	if resp.Response.Subtype == "error" {
		return &SDKError{Op: "rewind_files", Err: fmt.Errorf("rewind failed"), Details: resp.Response.Error}
	}
	return nil
}

func (c *Client) handler() (*protocol.ProtocolHandler, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected || c.closed || c.protocol == nil {
		return nil, ErrNotConnected
	}
	return c.protocol, nil
}

// EndInput はstdinを閉じる（エージェントは残りを処理して終了する）
func (c *Client) EndInput() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.transport == nil {
		return ErrNotConnected
	}
	return c.transport.EndInput()
}

// Messages はメッセージチャネルを返す（プロセス終了かClose後にクローズされる）
func (c *Client) Messages() <-chan protocol.Message {
	return c.msgChan
}

// Errors はエラーチャネルを返す
func (c *Client) Errors() <-chan error {
	return c.errChan
}

// SessionID は現在のセッションIDを返す
// まだ取得できていない場合はErrSessionIDNotReadyを返す
func (c *Client) SessionID() (string, error) {
	sid := c.sessionID.Load()
	if sid == nil {
		return "", ErrSessionIDNotReady
	}
	return *sid, nil
}

func (c *Client) sessionIDString() string {
	if sid := c.sessionID.Load(); sid != nil {
		return *sid
	}
	return ""
}

// HookManager はフックマネージャーを返す
func (c *Client) HookManager() *hooks.Manager {
	return c.hookManager
}

// Close はクライアントをクローズする（冪等）
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancel()

	if c.protocol != nil {
		c.protocol.Close()
	}
	var err error
	if c.transport != nil {
		err = c.transport.Close()
	}
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		close(c.msgChan)
		close(c.errChan)
	}
	return err
}

package protocol

import "context"

// PermissionRequest はエージェントからのツール使用許可確認（can_use_tool）
//
// Allow / Deny / Fail のいずれかで1回だけ応答する。
// エージェントが取り消した場合は Context() がキャンセルされる。
type PermissionRequest struct {
	RequestID             string
	ToolName              string
	Input                 map[string]any
	ToolUseID             string // 古いCLIでは空
	PermissionSuggestions []map[string]any
	BlockedPath           string

	ctx   context.Context
	reply *reply
}

func (r *PermissionRequest) MessageType() string { return "permission_request" }

// Context はリクエストの有効期間を表すcontextを返す
func (r *PermissionRequest) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// PermissionDecision は許可確認への応答
type PermissionDecision struct {
	Behavior     string         `json:"behavior"` // "allow" or "deny"
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
	Interrupt    bool           `json:"interrupt,omitempty"`
}

// Allow はツール実行を許可する（updatedInputがnilなら元の入力のまま）
func (r *PermissionRequest) Allow(updatedInput map[string]any) error {
	if updatedInput == nil {
		updatedInput = r.Input
	}
	if updatedInput == nil {
		updatedInput = map[string]any{}
	}
	return r.Respond(PermissionDecision{Behavior: "allow", UpdatedInput: updatedInput})
}

// Deny はツール実行を拒否する
func (r *PermissionRequest) Deny(message string, interrupt bool) error {
	return r.Respond(PermissionDecision{Behavior: "deny", Message: message, Interrupt: interrupt})
}

// Respond は決定をそのまま送信する
func (r *PermissionRequest) Respond(d PermissionDecision) error {
	if r.reply == nil {
		return ErrHandlerClosed
	}
	return r.reply.send(d, "")
}

// Fail はエラーレスポンスを返す
func (r *PermissionRequest) Fail(message string) error {
	if r.reply == nil {
		return ErrHandlerClosed
	}
	return r.reply.send(nil, message)
}

// HookRequest はエージェントからのフックコールバック（hook_callback）
type HookRequest struct {
	RequestID  string
	CallbackID string
	ToolUseID  string
	Input      HookInput

	ctx   context.Context
	reply *reply
}

func (r *HookRequest) MessageType() string { return "hook_request" }

// Context はリクエストの有効期間を表すcontextを返す
func (r *HookRequest) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// Respond はフックの出力を返す
func (r *HookRequest) Respond(out HookOutput) error {
	if r.reply == nil {
		return ErrHandlerClosed
	}
	return r.reply.send(out, "")
}

// Fail はエラーレスポンスを返す
func (r *HookRequest) Fail(message string) error {
	if r.reply == nil {
		return ErrHandlerClosed
	}
	return r.reply.send(nil, message)
}

// HookInput はフックコールバックの入力
type HookInput struct {
	HookEventName  string
	SessionID      string
	TranscriptPath string
	CWD            string

	// ツール系イベント
	ToolName     string
	ToolInput    map[string]any
	ToolResponse any
	ToolUseID    string
	Error        string

	// その他のイベント
	Prompt         string // UserPromptSubmit
	Message        string // Notification
	Source         string // SessionStart
	Reason         string // SessionEnd
	Trigger        string // PreCompact
	AgentID        string // SubagentStart, SubagentStop
	AgentType      string
	StopHookActive bool

	Raw map[string]any
}

func parseHookInput(m map[string]any) HookInput {
	in := HookInput{
		HookEventName:  stringField(m, "hook_event_name"),
		SessionID:      stringField(m, "session_id"),
		TranscriptPath: stringField(m, "transcript_path"),
		CWD:            stringField(m, "cwd"),
		ToolName:       stringField(m, "tool_name"),
		ToolUseID:      stringField(m, "tool_use_id"),
		Error:          stringField(m, "error"),
		Prompt:         stringField(m, "prompt"),
		Message:        stringField(m, "message"),
		Source:         stringField(m, "source"),
		Reason:         stringField(m, "reason"),
		Trigger:        stringField(m, "trigger"),
		AgentID:        stringField(m, "agent_id"),
		AgentType:      stringField(m, "agent_type"),
		ToolResponse:   m["tool_response"],
		Raw:            m,
	}
	in.ToolInput, _ = m["tool_input"].(map[string]any)
	in.StopHookActive, _ = m["stop_hook_active"].(bool)
	return in
}

// HookOutput はフックコールバックへの応答
type HookOutput struct {
	Continue           *bool               `json:"continue,omitempty"`
	StopReason         string              `json:"stopReason,omitempty"`
	SuppressOutput     bool                `json:"suppressOutput,omitempty"`
	Decision           string              `json:"decision,omitempty"` // "approve" or "block"
	SystemMessage      string              `json:"systemMessage,omitempty"`
	Reason             string              `json:"reason,omitempty"`
	HookSpecificOutput *HookSpecificOutput `json:"hookSpecificOutput,omitempty"`
}

// HookSpecificOutput はイベント固有の出力
type HookSpecificOutput struct {
	HookEventName            string         `json:"hookEventName"`
	AdditionalContext        string         `json:"additionalContext,omitempty"`
	PermissionDecision       string         `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string         `json:"permissionDecisionReason,omitempty"`
	UpdatedInput             map[string]any `json:"updatedInput,omitempty"`
}

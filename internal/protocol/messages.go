package protocol

import "strings"

// Message はエージェントとやり取りするメッセージの共通インターフェース
type Message interface {
	MessageType() string
}

// コンテンツブロックの種類
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
)

// UserMessage はユーザーからのメッセージ（送信、およびエージェントからのエコー）
type UserMessage struct {
	Type            string      `json:"type"` // "user"
	Message         UserContent `json:"message"`
	ParentToolUseID *string     `json:"parent_tool_use_id,omitempty"`
	SessionID       string      `json:"session_id"`
	UUID            string      `json:"uuid,omitempty"`

	// エコー時のみ
	IsReplay         bool `json:"isReplay,omitempty"`
	IsSynthetic      bool `json:"isSynthetic,omitempty"`
	IsCompactSummary bool `json:"isCompactSummary,omitempty"`
}

func (m *UserMessage) MessageType() string { return m.Type }

// UserContent はユーザーメッセージの内容
type UserContent struct {
	Role    string `json:"role"`    // "user"
	Content any    `json:"content"` // string or []ContentBlock
}

// Blocks はContentをブロック列として返す（文字列なら1つのtextブロック）
func (c UserContent) Blocks() []ContentBlock {
	switch v := c.Content.(type) {
	case string:
		return []ContentBlock{{Type: BlockText, Text: v}}
	case []ContentBlock:
		return v
	case []any:
		blocks := make([]ContentBlock, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				blocks = append(blocks, blockFromMap(m))
			}
		}
		return blocks
	}
	return nil
}

// ToolResults はtool_resultブロックだけを返す
func (m *UserMessage) ToolResults() []ContentBlock {
	var results []ContentBlock
	for _, b := range m.Message.Blocks() {
		if b.Type == BlockToolResult {
			results = append(results, b)
		}
	}
	return results
}

// PlainText はtextブロックを連結した文字列を返す
func (m *UserMessage) PlainText() string {
	var parts []string
	for _, b := range m.Message.Blocks() {
		if b.Type == BlockText {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// AssistantMessage はアシスタントからのメッセージ
type AssistantMessage struct {
	Type            string        `json:"type"` // "assistant"
	Message         AssistantBody `json:"message"`
	ParentToolUseID *string       `json:"parent_tool_use_id,omitempty"`
	SessionID       string        `json:"session_id,omitempty"`
	UUID            string        `json:"uuid,omitempty"`
}

func (m *AssistantMessage) MessageType() string { return m.Type }

// AssistantBody はアシスタントメッセージの本体
type AssistantBody struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"` // "assistant"
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason *string        `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
	Error      *string        `json:"error,omitempty"`
}

// ContentBlock はメッセージ内のコンテンツブロック
type ContentBlock struct {
	Type string `json:"type"`

	Text      string         `json:"text,omitempty"`      // text
	Thinking  string         `json:"thinking,omitempty"`  // thinking
	Signature string         `json:"signature,omitempty"` // thinking
	ID        string         `json:"id,omitempty"`        // tool_use
	Name      string         `json:"name,omitempty"`      // tool_use
	Input     map[string]any `json:"input,omitempty"`     // tool_use
	ToolUseID string         `json:"tool_use_id,omitempty"` // tool_result
	Content   any            `json:"content,omitempty"`     // tool_result
	IsError   bool           `json:"is_error,omitempty"`    // tool_result
	Source    *ImageSource   `json:"source,omitempty"`      // image
}

// ImageSource は画像ブロックのソース
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// StreamEventMessage は部分メッセージ（--include-partial-messages）
type StreamEventMessage struct {
	Type            string      `json:"type"` // "stream_event"
	Event           StreamEvent `json:"event"`
	ParentToolUseID *string     `json:"parent_tool_use_id,omitempty"`
	SessionID       string      `json:"session_id,omitempty"`
	UUID            string      `json:"uuid,omitempty"`
}

func (m *StreamEventMessage) MessageType() string { return m.Type }

// ストリームイベントの種類
const (
	EventMessageStart      = "message_start"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"

	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
)

// StreamEvent はAPIのストリーミングイベント
type StreamEvent struct {
	Type         string         `json:"type"`
	Index        int            `json:"index,omitempty"`
	Message      *AssistantBody `json:"message,omitempty"`       // message_start
	ContentBlock *ContentBlock  `json:"content_block,omitempty"` // content_block_start
	Delta        *Delta         `json:"delta,omitempty"`         // content_block_delta
	Usage        *Usage         `json:"usage,omitempty"`         // message_delta
}

// Delta はcontent_block_deltaの中身
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// SystemMessage はシステムメッセージ（init, compact_boundary など）
type SystemMessage struct {
	Type    string `json:"type"` // "system"
	Subtype string `json:"subtype"`
	// type/subtype以外のフィールド
	Data map[string]any `json:"-"`
}

func (m *SystemMessage) MessageType() string { return m.Type }

// システムメッセージのサブタイプ
const (
	SystemInit            = "init"
	SystemCompactBoundary = "compact_boundary"
)

// SystemInitInfo はinitメッセージの中身
type SystemInitInfo struct {
	SessionID      string
	Model          string
	CWD            string
	Tools          []string
	MCPServers     []MCPServerStatus
	PermissionMode string
}

// MCPServerStatus はMCPサーバーの接続状態
type MCPServerStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Init はinitメッセージの中身を取り出す
func (m *SystemMessage) Init() SystemInitInfo {
	info := SystemInitInfo{
		SessionID:      stringField(m.Data, "session_id"),
		Model:          stringField(m.Data, "model"),
		CWD:            stringField(m.Data, "cwd"),
		PermissionMode: stringField(m.Data, "permissionMode"),
	}
	if tools, ok := m.Data["tools"].([]any); ok {
		for _, t := range tools {
			if s, ok := t.(string); ok {
				info.Tools = append(info.Tools, s)
			}
		}
	}
	if servers, ok := m.Data["mcp_servers"].([]any); ok {
		for _, s := range servers {
			if sm, ok := s.(map[string]any); ok {
				info.MCPServers = append(info.MCPServers, MCPServerStatus{
					Name:   stringField(sm, "name"),
					Status: stringField(sm, "status"),
				})
			}
		}
	}
	return info
}

// SessionID はsession_idを返す（古い形式のdata入れ子にも対応）
func (m *SystemMessage) SessionID() string {
	if sid := stringField(m.Data, "session_id"); sid != "" {
		return sid
	}
	if data, ok := m.Data["data"].(map[string]any); ok {
		return stringField(data, "session_id")
	}
	return ""
}

// ResultMessage はターンの終端メッセージ
type ResultMessage struct {
	Type          string   `json:"type"`    // "result"
	Subtype       string   `json:"subtype"` // "success", "error_during_execution", ...
	DurationMs    int64    `json:"duration_ms"`
	DurationAPIMs int64    `json:"duration_api_ms"`
	IsError       bool     `json:"is_error"`
	NumTurns      int      `json:"num_turns"`
	SessionID     string   `json:"session_id"`
	TotalCostUSD  float64  `json:"total_cost_usd"`
	Usage         Usage    `json:"usage"`
	Result        string   `json:"result,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

func (m *ResultMessage) MessageType() string { return m.Type }

// Usage はトークン使用量
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// ContextTokens はコンテキストウィンドウに載っているトークン数
func (u Usage) ContextTokens() int {
	return u.InputTokens + u.CacheCreationTokens + u.CacheReadTokens + u.OutputTokens
}

// ControlRequest は制御リクエスト
type ControlRequest struct {
	Type      string `json:"type"` // "control_request"
	RequestID string `json:"request_id"`
	Request   any    `json:"request"`
}

func (m *ControlRequest) MessageType() string { return m.Type }

// ControlResponse は制御レスポンス
type ControlResponse struct {
	Type     string              `json:"type"` // "control_response"
	Response ControlResponseBody `json:"response"`
}

func (m *ControlResponse) MessageType() string { return m.Type }

// ControlResponseBody は制御レスポンスの本体
type ControlResponseBody struct {
	Subtype   string `json:"subtype"` // "success" or "error"
	RequestID string `json:"request_id"`
	Response  any    `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ControlCancelRequest は処理中の制御リクエストの取り消し
type ControlCancelRequest struct {
	Type      string `json:"type"` // "control_cancel_request"
	RequestID string `json:"request_id"`
}

func (m *ControlCancelRequest) MessageType() string { return m.Type }

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func blockFromMap(m map[string]any) ContentBlock {
	b := ContentBlock{
		Type:      stringField(m, "type"),
		Text:      stringField(m, "text"),
		Thinking:  stringField(m, "thinking"),
		Signature: stringField(m, "signature"),
		ID:        stringField(m, "id"),
		Name:      stringField(m, "name"),
		ToolUseID: stringField(m, "tool_use_id"),
		Content:   m["content"],
	}
	b.Input, _ = m["input"].(map[string]any)
	b.IsError, _ = m["is_error"].(bool)
	if src, ok := m["source"].(map[string]any); ok {
		b.Source = &ImageSource{
			Type:      stringField(src, "type"),
			MediaType: stringField(src, "media_type"),
			Data:      stringField(src, "data"),
		}
	}
	return b
}

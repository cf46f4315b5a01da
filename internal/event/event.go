// Package event はオーケストレーターが表示層へ送る通知を定義する。
//
// 通知は投げっぱなしで、Sinkは受領を返さない。
package event

import (
	"time"

	"github.com/y-oga-819/claude-session/internal/accumulator"
	"github.com/y-oga-819/claude-session/internal/correlation"
	"github.com/y-oga-819/claude-session/internal/protocol"
)

// Kind は通知の種類
type Kind string

// メッセージのライフサイクル
const (
	KindUserMessage Kind = "userMessage"
	KindAssistant   Kind = "assistant"
	KindPartial     Kind = "partial"
	KindDone        Kind = "done"
)

// ツールのライフサイクル
const (
	KindToolStreaming     Kind = "toolStreaming"
	KindToolPending       Kind = "toolPending"
	KindToolCompleted     Kind = "toolCompleted"
	KindToolFailed        Kind = "toolFailed"
	KindToolAbandoned     Kind = "toolAbandoned"
	KindRequestPermission Kind = "requestPermission"
)

// 巻き戻し
const (
	KindRewindComplete Kind = "rewindComplete"
	KindRewindError    Kind = "rewindError"
)

// セッションのライフサイクル
const (
	KindSessionStarted    Kind = "sessionStarted"
	KindSessionCancelled  Kind = "sessionCancelled"
	KindInterruptRecovery Kind = "interruptRecovery"
)

// その他
const (
	KindError               Kind = "error"
	KindUserMessageResolved Kind = "userMessageResolved"
	KindQueueDelivered      Kind = "queueDelivered"
	KindContextWarning      Kind = "contextWarning"
	KindCompactRequested    Kind = "compactRequested"
	KindCompactBoundary     Kind = "compactBoundary"
	KindCostWarning         Kind = "costWarning"
	KindCostExceeded        Kind = "costExceeded"
	KindNotification        Kind = "notification"
)

// Event は表示層への通知
// SessionはオーケストレーターのキーでエージェントのセッションIDとは別
type Event struct {
	Kind    Kind      `json:"kind"`
	Session string    `json:"session,omitempty"`
	TurnID  string    `json:"turnId,omitempty"`
	Time    time.Time `json:"time"`
	Data    any       `json:"data,omitempty"`
}

// New は現在時刻の通知を作る
func New(kind Kind, session, turnID string, data any) Event {
	return Event{Kind: kind, Session: session, TurnID: turnID, Time: time.Now(), Data: data}
}

// UserMessage はユーザー入力の送信
type UserMessage struct {
	LocalID string `json:"localId,omitempty"`
	Text    string `json:"text"`
	Content any    `json:"content,omitempty"`
	Queued  bool   `json:"queued,omitempty"`
}

// Assistant は確定したアシスタントメッセージ
type Assistant struct {
	Message  accumulator.Message `json:"message"`
	Subagent bool                `json:"subagent,omitempty"`
}

// Partial はストリーミング中の差分
type Partial struct {
	MessageID string `json:"messageId,omitempty"`
	BlockType string `json:"blockType"`
	Delta     string `json:"delta"`
	Buffered  string `json:"buffered"`
}

// Done はターンの終了
type Done struct {
	Subtype    string          `json:"subtype"`
	IsError    bool            `json:"isError"`
	Result     string          `json:"result,omitempty"`
	CostUSD    float64         `json:"costUsd"`
	NumTurns   int             `json:"numTurns"`
	DurationMS int             `json:"durationMs"`
	Usage      *protocol.Usage `json:"usage,omitempty"`
}

// Tool はツール呼び出しの状態変化
type Tool struct {
	ToolCallID string             `json:"toolCallId"`
	Name       string             `json:"name"`
	ParentID   string             `json:"parentId,omitempty"`
	MessageID  string             `json:"messageId,omitempty"`
	Input      map[string]any     `json:"input,omitempty"`
	Status     correlation.Status `json:"status"`
	Reason     string             `json:"reason,omitempty"`
	Interrupt  bool               `json:"interrupt,omitempty"`
}

// PermissionRequest は許可確認の依頼
// ToolCallIDは対応する告知が見つからなかった場合は空
type PermissionRequest struct {
	RequestID   string           `json:"requestId"`
	ToolName    string           `json:"toolName"`
	Input       map[string]any   `json:"input"`
	ToolCallID  string           `json:"toolCallId,omitempty"`
	ParentID    string           `json:"parentId,omitempty"`
	Suggestions []map[string]any `json:"suggestions,omitempty"`
	BlockedPath string           `json:"blockedPath,omitempty"`
}

// RewindComplete は巻き戻しの完了
// Warningはファイル復元に失敗したが会話の分岐は成功した場合に入る
type RewindComplete struct {
	UserMessageID string `json:"userMessageId"`
	Option        string `json:"option"`
	Epoch         uint64 `json:"epoch"`
	FilesRestored bool   `json:"filesRestored"`
	ResumeAt      string `json:"resumeAt,omitempty"`
	Cleared       bool   `json:"cleared"`
	Warning       string `json:"warning,omitempty"`
}

// RewindError は巻き戻しの失敗
type RewindError struct {
	UserMessageID string `json:"userMessageId"`
	Option        string `json:"option"`
	Error         string `json:"error"`
}

// SessionStarted はエージェントの初期化完了
type SessionStarted struct {
	SessionID  string   `json:"sessionId"`
	Model      string   `json:"model,omitempty"`
	Tools      []string `json:"tools,omitempty"`
	MCPServers []string `json:"mcpServers,omitempty"`
	Resumed    bool     `json:"resumed"`
}

// SessionCancelled はキャンセルか中断
// Promptは何も確定していない場合に入力欄へ戻す元の入力
// Queuedは配信されずに捨てたキューの入力
type SessionCancelled struct {
	Reason string   `json:"reason"`
	Prompt string   `json:"prompt,omitempty"`
	Queued []string `json:"queued,omitempty"`
}

// InterruptRecovery は中断したターンの記録
type InterruptRecovery struct {
	Prompt        string `json:"prompt"`
	UserMessageID string `json:"userMessageId,omitempty"`
	MarkerID      string `json:"markerId,omitempty"`
}

// Error はユーザーに見せるエラー
type Error struct {
	Message string `json:"message"`
}

// UserMessageResolved は送信したメッセージにエージェントが振ったID
type UserMessageResolved struct {
	UserMessageID string `json:"userMessageId"`
	Text          string `json:"text"`
}

// QueueDelivered はキューに積んだ入力の配信
type QueueDelivered struct {
	Path string   `json:"path"`
	IDs  []string `json:"ids"`
	Text string   `json:"text"`
}

// Context はコンテキスト使用量の警告レベル変化
type Context struct {
	Tokens  int     `json:"tokens"`
	Window  int     `json:"window"`
	Percent float64 `json:"percent"`
	Level   string  `json:"level"`
}

// Cost は金額予算の警告
type Cost struct {
	TotalUSD float64 `json:"totalUsd"`
	MaxUSD   float64 `json:"maxUsd"`
	Percent  float64 `json:"percent"`
}

// CompactBoundary はエージェントが会話を圧縮した境界
type CompactBoundary struct {
	Trigger   string `json:"trigger,omitempty"`
	PreTokens int    `json:"preTokens,omitempty"`
}

// Notification はエージェントのNotificationフック
type Notification struct {
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
}

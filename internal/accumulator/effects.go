package accumulator

import (
	"strings"
	"time"

	"github.com/y-oga-819/claude-session/internal/correlation"
	"github.com/y-oga-819/claude-session/internal/protocol"
)

// Effect はAccumulatorが状態遷移の結果として返す出来事
type Effect interface {
	effect()
}

// Message は確定したアシスタントメッセージ
type Message struct {
	ID               string                  `json:"id"`
	TurnID           string                  `json:"turnId,omitempty"`
	Model            string                  `json:"model,omitempty"`
	Content          []protocol.ContentBlock `json:"content"`
	StopReason       string                  `json:"stopReason,omitempty"`
	ThinkingDuration time.Duration           `json:"thinkingDuration,omitempty"`
	ParentToolUseID  string                  `json:"parentToolUseId,omitempty"` // サブエージェントのメッセージなら親のtool_use ID
}

// Text はtextブロックを連結して返す
func (m *Message) Text() string {
	var parts []string
	for _, b := range m.Content {
		if b.Type == protocol.BlockText {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Partial は差分を受けて更新された途中経過
type Partial struct {
	MessageID string // thinkingフェーズではまだ空
	TurnID    string
	BlockType string // "text" or "thinking"
	Delta     string
	Buffered  string // 未確定ブロックの現在の内容
}

// Finalized はメッセージの確定
type Finalized struct {
	Message Message
}

// Subagent はサブエージェントの完全なメッセージ（開いているメッセージには混ぜない）
type Subagent struct {
	Message Message
}

// ToolStreaming はtool_useブロックの出現
type ToolStreaming struct {
	Invocation correlation.Invocation
}

// ToolAbandoned は許可確認に至らなかったtool_use
type ToolAbandoned struct {
	Invocation correlation.Invocation
}

// ThinkingDone はthinkingフェーズの終了
type ThinkingDone struct {
	MessageID string
	Duration  time.Duration
}

// UsageReport はメッセージに載っていたトークン使用量
type UsageReport struct {
	MessageID string
	Usage     protocol.Usage
}

func (Partial) effect()       {}
func (Finalized) effect()     {}
func (Subagent) effect()      {}
func (ToolStreaming) effect() {}
func (ToolAbandoned) effect() {}
func (ThinkingDone) effect()  {}
func (UsageReport) effect()   {}

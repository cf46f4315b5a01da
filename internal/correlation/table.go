// Package correlation は名前しか持たない許可確認を、先に流れてきた
// tool_useブロックに対応付ける。
//
// エージェントは同じツール名の呼び出しをストリームした順に確認するので、
// ツール名ごとのFIFOで足りる。名前をまたいだ順序は問わない。
package correlation

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/y-oga-819/claude-session/internal/logging"
)

// Ref は対応付けの結果
type Ref struct {
	ToolCallID string
	ParentID   string // サブエージェント内の呼び出しなら親のtool_use ID
}

// Table はツール名ごとのFIFO
type Table struct {
	mu     sync.Mutex
	queues map[string][]Ref
	log    zerolog.Logger
}

// NewTable は空のTableを作成する
func NewTable() *Table {
	return &Table{
		queues: make(map[string][]Ref),
		log:    logging.For("correlation"),
	}
}

// Announce はストリームされたtool_useを登録する
func (t *Table) Announce(toolName string, ref Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queues[toolName] = append(t.queues[toolName], ref)
}

// Correlate はそのツール名で最も古い登録を取り出す
// 見つからなければfalse（プロトコル上の異常としてログに残す）
func (t *Table) Correlate(toolName string) (Ref, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.queues[toolName]
	if len(q) == 0 {
		t.log.Warn().Str("tool", toolName).Msg("permission check without announced tool_use")
		return Ref{}, false
	}

	ref := q[0]
	if len(q) == 1 {
		delete(t.queues, toolName)
	} else {
		t.queues[toolName] = q[1:]
	}
	return ref, true
}

// Withdraw は特定のtool_use IDを取り除く（確認前に放棄された呼び出し用）
func (t *Table) Withdraw(toolCallID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for name, q := range t.queues {
		for i, ref := range q {
			if ref.ToolCallID != toolCallID {
				continue
			}
			q = append(q[:i:i], q[i+1:]...)
			if len(q) == 0 {
				delete(t.queues, name)
			} else {
				t.queues[name] = q
			}
			return true
		}
	}
	return false
}

// Len は未対応の登録数を返す
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, q := range t.queues {
		n += len(q)
	}
	return n
}

// Reset は全ての登録を捨てる
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queues = make(map[string][]Ref)
}

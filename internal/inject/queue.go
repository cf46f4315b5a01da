// Package inject はターンの途中で入力されたユーザー入力を保持し、
// ツール完了フックの追加コンテキストか、ターン終了後の新しいターンとして届ける。
package inject

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/y-oga-819/claude-session/internal/protocol"
)

// Separator はテキストの入力同士をつなぐ区切り
const Separator = "\n\n"

// Entry はキューに積まれた入力
type Entry struct {
	ID     string
	Blocks []protocol.ContentBlock
}

// Multimodal は画像などテキスト以外のブロックを含むかを返す
func (e Entry) Multimodal() bool {
	for _, b := range e.Blocks {
		if b.Type != protocol.BlockText {
			return true
		}
	}
	return false
}

// Text はテキストブロックを連結して返す
func (e Entry) Text() string {
	var parts []string
	for _, b := range e.Blocks {
		if b.Type == protocol.BlockText {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Queue は複数の書き手と、全件取り出しだけを行う読み手を持つキュー
//
// 取り出しは比較交換で丸ごと差し替えるので、フック経路とターン終了経路が
// 同時に取り出しても同じ入力が二度届くことはない。
type Queue struct {
	entries atomic.Pointer[[]Entry]
	open    atomic.Bool
}

// New は空のQueueを作成する
func New() *Queue {
	return &Queue{}
}

// SetOpen はチャネルが開いているかを設定する。閉じていればEnqueueは失敗する
func (q *Queue) SetOpen(open bool) {
	q.open.Store(open)
}

// Enqueue はユーザー入力を積む。contentは文字列か []protocol.ContentBlock
// localIDが空なら採番する。チャネルが閉じていればfalse
func (q *Queue) Enqueue(content any, localID string) (Entry, bool, error) {
	blocks, err := toBlocks(content)
	if err != nil {
		return Entry{}, false, err
	}
	if !q.open.Load() {
		return Entry{}, false, nil
	}
	if localID == "" {
		localID = uuid.NewString()
	}

	e := Entry{ID: localID, Blocks: blocks}
	for {
		old := q.entries.Load()
		var next []Entry
		if old != nil {
			next = make([]Entry, len(*old), len(*old)+1)
			copy(next, *old)
		}
		next = append(next, e)
		if q.entries.CompareAndSwap(old, &next) {
			return e, true, nil
		}
	}
}

// DrainText はフック経路の取り出し
// テキストだけなら全件取り出して連結した文字列を返す。画像を含む入力が
// 1つでもあれば何も取り出さず、ターン終了経路に任せる
func (q *Queue) DrainText() (string, []Entry, bool) {
	for {
		old := q.entries.Load()
		if old == nil || len(*old) == 0 {
			return "", nil, false
		}
		for _, e := range *old {
			if e.Multimodal() {
				return "", nil, false
			}
		}
		if q.entries.CompareAndSwap(old, nil) {
			entries := *old
			texts := make([]string, len(entries))
			for i, e := range entries {
				texts[i] = e.Text()
			}
			return strings.Join(texts, Separator), entries, true
		}
	}
}

// DrainAll はターン終了経路の取り出し
func (q *Queue) DrainAll() []Entry {
	old := q.entries.Swap(nil)
	if old == nil {
		return nil
	}
	return *old
}

// Len は積まれている数を返す
func (q *Queue) Len() int {
	if p := q.entries.Load(); p != nil {
		return len(*p)
	}
	return 0
}

// Clear は全件捨てる
func (q *Queue) Clear() {
	q.entries.Store(nil)
}

// Combine は複数の入力を1つのユーザーターンの内容にまとめる
// 全てテキストなら空行区切りの文字列、画像を含めばブロック列を返す
func Combine(entries []Entry) any {
	multimodal := false
	for _, e := range entries {
		if e.Multimodal() {
			multimodal = true
			break
		}
	}

	if !multimodal {
		texts := make([]string, len(entries))
		for i, e := range entries {
			texts[i] = e.Text()
		}
		return strings.Join(texts, Separator)
	}

	var blocks []protocol.ContentBlock
	for _, e := range entries {
		if len(e.Blocks) == 0 {
			continue
		}
		if n := len(blocks); n > 0 && blocks[n-1].Type == protocol.BlockText && e.Blocks[0].Type == protocol.BlockText {
			blocks = append(blocks, protocol.ContentBlock{Type: protocol.BlockText, Text: Separator})
		}
		blocks = append(blocks, e.Blocks...)
	}
	return blocks
}

// DisplayText は表示用のテキストを返す
func DisplayText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []protocol.ContentBlock:
		var sb strings.Builder
		for _, b := range v {
			if b.Type == protocol.BlockText {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return ""
}

func toBlocks(content any) ([]protocol.ContentBlock, error) {
	switch v := content.(type) {
	case string:
		return []protocol.ContentBlock{{Type: protocol.BlockText, Text: v}}, nil
	case []protocol.ContentBlock:
		out := make([]protocol.ContentBlock, len(v))
		copy(out, v)
		return out, nil
	}
	return nil, fmt.Errorf("unsupported content type %T", content)
}

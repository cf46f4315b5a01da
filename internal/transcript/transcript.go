// Package transcript はエージェントが保存するセッションのトランスクリプト（JSONL）を読む。
//
// 各行はparentUuidで親を指し、全体で木になる。このパッケージは読むだけで書き換えない。
package transcript

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/tidwall/gjson"
)

// ErrNotFound は対象のエントリがない
var ErrNotFound = errors.New("transcript entry not found")

// maxLineSize は1行の最大サイズ（画像を含む行があるため大きめ）
const maxLineSize = 32 * 1024 * 1024

// Entry はトランスクリプトの1行
type Entry struct {
	UUID        string
	ParentUUID  string
	Type        string // "user", "assistant", "system", "summary" ...
	SessionID   string
	IsMeta      bool
	IsSidechain bool
	ToolResult  bool   // tool_resultだけのユーザーエントリ
	Text        string // textブロックを連結したもの
	Timestamp   time.Time
}

// Reader はClaudeのホームディレクトリ配下からトランスクリプトを読む
type Reader struct {
	home string
	cwd  string
}

// NewReader はReaderを作成する
// homeは ~/.claude、cwdはエージェントの作業ディレクトリ
func NewReader(home, cwd string) *Reader {
	return &Reader{home: home, cwd: cwd}
}

// ProjectDir は作業ディレクトリに対応するディレクトリ名を返す
// 英数字以外は全て '-' に置き換わる
func ProjectDir(cwd string) string {
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return '-'
	}, cwd)
}

// Path はセッションのトランスクリプトのパスを返す
func (r *Reader) Path(sessionID string) string {
	return filepath.Join(r.home, "projects", ProjectDir(r.cwd), sessionID+".jsonl")
}

// Entries は全エントリをファイル順に返す。壊れた行は読み飛ばす
func (r *Reader) Entries(ctx context.Context, sessionID string) ([]Entry, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrNotFound)
	}
	f, err := os.Open(r.Path(sessionID))
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Bytes()
		if !gjson.ValidBytes(line) {
			continue
		}
		if e, ok := parseEntry(gjson.ParseBytes(line)); ok {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return entries, nil
}

func parseEntry(v gjson.Result) (Entry, bool) {
	uuid := v.Get("uuid").String()
	if uuid == "" {
		return Entry{}, false
	}

	e := Entry{
		UUID:        uuid,
		ParentUUID:  v.Get("parentUuid").String(),
		Type:        v.Get("type").String(),
		SessionID:   v.Get("sessionId").String(),
		IsMeta:      v.Get("isMeta").Bool(),
		IsSidechain: v.Get("isSidechain").Bool(),
	}
	if ts := v.Get("timestamp").String(); ts != "" {
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	}

	content := v.Get("message.content")
	switch {
	case content.Type == gjson.String:
		e.Text = content.String()
	case content.IsArray():
		var texts []string
		onlyResults := true
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "tool_result":
			case "text":
				texts = append(texts, block.Get("text").String())
				onlyResults = false
			default:
				onlyResults = false
			}
			return true
		})
		e.Text = strings.Join(texts, "\n")
		e.ToolResult = onlyResults && len(content.Array()) > 0
	}
	return e, true
}

// ParentOf はuuidの親を返す。ルートなら空文字
func (r *Reader) ParentOf(ctx context.Context, sessionID, uuid string) (string, error) {
	entries, err := r.Entries(ctx, sessionID)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.UUID == uuid {
			return e.ParentUUID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, uuid)
}

// Lookup は送信したユーザーメッセージの探し方
type Lookup struct {
	Text string
	// Since より前に書かれたエントリは対象外。時刻のないエントリは対象にする
	Since time.Time
	// Skip がtrueを返すuuidは別のターンに結び付いている
	Skip func(uuid string) bool
}

func (q Lookup) accepts(e Entry) bool {
	if !q.Since.IsZero() && !e.Timestamp.IsZero() && e.Timestamp.Before(q.Since.Truncate(time.Millisecond)) {
		return false
	}
	return q.Skip == nil || !q.Skip(e.UUID)
}

// FindUserMessage はqに合う最も古いユーザーエントリを返す
// 同じ文面を繰り返し送った場合も、条件で前のターンのエントリを除ける
// メタ情報、サイドチェーン、tool_resultだけのエントリは対象外
func (r *Reader) FindUserMessage(ctx context.Context, sessionID string, q Lookup) (Entry, error) {
	entries, err := r.Entries(ctx, sessionID)
	if err != nil {
		return Entry{}, err
	}
	want := strings.TrimSpace(q.Text)
	for _, e := range entries {
		if e.Type != "user" || e.IsMeta || e.IsSidechain || e.ToolResult {
			continue
		}
		if strings.TrimSpace(e.Text) == want && q.accepts(e) {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: user message %q", ErrNotFound, truncate(want, 40))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/y-oga-819/claude-session/internal/event"
	"github.com/y-oga-819/claude-session/internal/protocol"
)

// renderer は通知を端末向けに書き出す
// 通知は1本のgoroutineから順に届くのでロックは持たない
type renderer struct {
	out       io.Writer
	streaming bool // テキストの差分を途中まで出している
}

func (r *renderer) endLine() {
	if r.streaming {
		fmt.Fprintln(r.out)
		r.streaming = false
	}
}

func (r *renderer) render(e event.Event) {
	switch d := e.Data.(type) {
	case event.UserMessage:
		if d.Queued {
			fmt.Fprintf(r.out, "  (queued) %s\n", truncate(d.Text, 60))
		}

	case event.Partial:
		if d.BlockType == protocol.BlockText {
			fmt.Fprint(r.out, d.Delta)
			r.streaming = true
		}

	case event.Assistant:
		if d.Subagent {
			for _, b := range d.Message.Content {
				if b.Type == protocol.BlockToolUse {
					fmt.Fprintf(r.out, "  [subagent] %s\n", b.Name)
				}
			}
			return
		}
		if !r.streaming {
			if text := d.Message.Text(); text != "" {
				fmt.Fprintln(r.out, text)
			}
		}
		r.endLine()

	case event.Tool:
		r.endLine()
		r.renderTool(e.Kind, d)

	case event.PermissionRequest:
		r.endLine()
		input, _ := json.Marshal(d.Input)
		fmt.Fprintf(r.out, "? %s を実行しますか %s [y/n]\n", d.ToolName, truncate(string(input), 200))

	case event.Done:
		r.endLine()
		if d.IsError {
			fmt.Fprintf(r.out, "(%s, $%.4f)\n", d.Subtype, d.CostUSD)
		} else {
			fmt.Fprintf(r.out, "($%.4f, %d turns)\n", d.CostUSD, d.NumTurns)
		}

	case event.SessionStarted:
		verb := "started"
		if d.Resumed {
			verb = "resumed"
		}
		fmt.Fprintf(r.out, "-- session %s %s (%s)\n", d.SessionID, verb, d.Model)

	case event.SessionCancelled:
		r.endLine()
		fmt.Fprintf(r.out, "-- %s\n", d.Reason)
		if d.Prompt != "" {
			fmt.Fprintf(r.out, "   入力を戻しました: %s\n", d.Prompt)
		}
		for _, q := range d.Queued {
			fmt.Fprintf(r.out, "   未送信: %s\n", q)
		}

	case event.InterruptRecovery:
		fmt.Fprintf(r.out, "-- 中断を記録しました: %s\n", truncate(d.Prompt, 60))

	case event.Error:
		r.endLine()
		fmt.Fprintf(r.out, "error: %s\n", d.Message)

	case event.Context:
		fmt.Fprintf(r.out, "-- context %.0f%% (%s)\n", d.Percent, d.Level)

	case event.Cost:
		fmt.Fprintf(r.out, "-- cost $%.2f / $%.2f (%s)\n", d.TotalUSD, d.MaxUSD, e.Kind)

	case event.CompactBoundary:
		fmt.Fprintf(r.out, "-- compacted (%s, %d tokens)\n", d.Trigger, d.PreTokens)

	case event.QueueDelivered:
		fmt.Fprintf(r.out, "-- %d件の入力を送りました (%s)\n", len(d.IDs), d.Path)

	case event.RewindComplete:
		switch {
		case d.Cleared:
			fmt.Fprintln(r.out, "-- 最初のメッセージまで戻しました。セッションは空です")
		case d.ResumeAt != "":
			fmt.Fprintf(r.out, "-- %s まで戻しました。次の入力から分岐します\n", d.UserMessageID)
		default:
			fmt.Fprintf(r.out, "-- %s 時点のファイルに戻しました\n", d.UserMessageID)
		}
		if d.Warning != "" {
			fmt.Fprintf(r.out, "   warning: %s\n", d.Warning)
		}

	case event.RewindError:
		fmt.Fprintf(r.out, "rewind error: %s\n", d.Error)

	case event.Notification:
		fmt.Fprintf(r.out, "-- %s\n", d.Message)

	default:
		if e.Kind == event.KindCompactRequested {
			fmt.Fprintln(r.out, "-- コンテキストを圧縮します")
		}
	}
}

func (r *renderer) renderTool(kind event.Kind, t event.Tool) {
	switch kind {
	case event.KindToolStreaming:
		fmt.Fprintf(r.out, "  > %s\n", t.Name)
	case event.KindToolCompleted:
		fmt.Fprintf(r.out, "  ✓ %s\n", t.Name)
	case event.KindToolFailed:
		fmt.Fprintf(r.out, "  ✗ %s: %s\n", t.Name, t.Reason)
	case event.KindToolAbandoned:
		fmt.Fprintf(r.out, "  - %s (%s)\n", t.Name, t.Reason)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

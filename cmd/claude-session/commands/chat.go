package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/y-oga-819/claude-session/internal/checkpoint"
	"github.com/y-oga-819/claude-session/internal/event"
	"github.com/y-oga-819/claude-session/internal/permission"
	"github.com/y-oga-819/claude-session/session"
)

var chatResume string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "対話セッションを開始する",
	Long: `1行ずつ入力を送ります。応答中の入力はキューに積まれ、次のツール完了かターン終了で届きます。

コマンド:
  /cancel                 ターンを止めてチャネルを閉じる
  /interrupt              ターンを止める
  /rewind <id> [option]   code-and-conversation | conversation-only | code-only
  /checkpoints            巻き戻し先の一覧
  /clear                  新しいセッションにする
  /reset                  新しいセッションにする（/resume で戻れる）
  /resume                 直前のセッションに戻る
  /status                 状態を表示
  /quit                   終了`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatResume, "resume", "r", "", "再開するセッションID")
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	out := cmd.OutOrStdout()
	c := &chat{out: out}
	r := &renderer{out: out}
	sink := event.SinkFunc(func(e event.Event) {
		c.observe(e)
		r.render(e)
	})

	o, err := a.newSession(ulid.Make().String(), chatResume, sink, nil)
	if err != nil {
		return err
	}
	defer o.Close()
	c.o = o

	fmt.Fprintln(out, "claude-session chat (/quit で終了)")
	return c.run(cmd.Context(), cmd.InOrStdin())
}

// chat は入力行をセッションの操作に変換する
type chat struct {
	o   *session.Orchestrator
	out io.Writer

	mu      sync.Mutex
	pending []string // 回答待ちの許可確認ID（古い順）
}

func (c *chat) observe(e event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch e.Kind {
	case event.KindRequestPermission:
		if d, ok := e.Data.(event.PermissionRequest); ok {
			c.pending = append(c.pending, d.RequestID)
		}
	case event.KindDone, event.KindSessionCancelled:
		c.pending = nil
	}
}

// nextPermission は最も古い回答待ちの許可確認を取り出す
func (c *chat) nextPermission() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return "", false
	}
	id := c.pending[0]
	c.pending = c.pending[1:]
	return id, true
}

func (c *chat) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		quit, err := c.handle(ctx, line)
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
	return scanner.Err()
}

// handle は1行を処理する。trueなら終了
func (c *chat) handle(ctx context.Context, line string) (bool, error) {
	if answer, ok := permissionAnswer(line); ok {
		if id, ok := c.nextPermission(); ok {
			return false, c.o.ResolvePermission(id, answer)
		}
	}

	if strings.HasPrefix(line, "/") {
		return c.command(ctx, line)
	}

	if c.o.Processing() {
		_, err := c.o.Queue(line, "")
		return false, err
	}
	_, err := c.o.Send(ctx, line, "")
	if errors.Is(err, session.ErrTurnInProgress) {
		// 判定の直後にターンが始まった
		_, err = c.o.Queue(line, "")
	}
	return false, err
}

func (c *chat) command(ctx context.Context, line string) (bool, error) {
	name, args := parseCommand(line)
	switch name {
	case "quit", "exit":
		return true, nil
	case "cancel":
		_, err := c.o.Cancel(ctx)
		return false, err
	case "interrupt":
		_, err := c.o.Interrupt(ctx)
		return false, err
	case "rewind":
		if len(args) == 0 {
			return false, errors.New("usage: /rewind <userMessageId> [option]")
		}
		var option checkpoint.Option
		if len(args) > 1 {
			o, err := checkpoint.ParseOption(args[1])
			if err != nil {
				return false, err
			}
			option = o
		}
		_, err := c.o.Rewind(ctx, args[0], option)
		return false, err
	case "checkpoints":
		for _, cp := range c.o.Checkpoints() {
			fmt.Fprintf(c.out, "  %s  (assistant %s)\n", cp.UserID, cp.AssistantID)
		}
		return false, nil
	case "clear":
		c.o.Clear()
		fmt.Fprintln(c.out, "-- cleared")
		return false, nil
	case "reset":
		c.o.Reset()
		fmt.Fprintln(c.out, "-- reset")
		return false, nil
	case "resume":
		id, err := c.o.ResumePrevious()
		if err == nil {
			fmt.Fprintf(c.out, "-- session %s を再開します\n", id)
		}
		return false, err
	case "status":
		st := c.o.ContextState()
		fmt.Fprintf(c.out, "  session=%s processing=%v connected=%v queued=%d context=%.0f%%\n",
			c.o.SessionID(), c.o.Processing(), c.o.Connected(), c.o.Queued(), st.Percent)
		return false, nil
	}
	return false, fmt.Errorf("unknown command: /%s", name)
}

// parseCommand は "/name arg..." を分解する
func parseCommand(line string) (string, []string) {
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

// permissionAnswer は y/n の回答を許可結果にする
func permissionAnswer(line string) (*permission.Result, bool) {
	switch strings.ToLower(line) {
	case "y", "yes":
		return permission.Allow(nil), true
	case "n", "no":
		return permission.Deny("ユーザーによって拒否されました", false), true
	}
	return nil, false
}

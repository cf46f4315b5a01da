package claude

import (
	"strconv"
	"strings"

	"github.com/y-oga-819/claude-session/internal/hooks"
	"github.com/y-oga-819/claude-session/internal/permission"
	"github.com/y-oga-819/claude-session/internal/transport"
)

// Options はエージェントチャネルの設定を表す
type Options struct {
	// CLI設定
	CLIPath string // CLIのパス（デフォルト: "claude"）
	CWD     string // 作業ディレクトリ
	Env     map[string]string

	// プロンプト設定
	SystemPrompt       string
	AppendSystemPrompt string

	// モデル設定
	Model         string
	FallbackModel string

	// 制限設定
	MaxTurns int

	// 権限設定
	PermissionMode  permission.Mode
	AllowedTools    []string
	DisallowedTools []string

	// セッション設定
	Resume                  string // 再開するセッションID
	ResumeSessionAt         string // 再開時にこのメッセージUUIDまでで履歴を切る
	ForkSession             bool   // trueで新しいセッションIDに分岐
	Continue                bool   // 直前のセッションを継続
	EnableFileCheckpointing bool   // ファイルチェックポイントを有効化
	IncludePartialMessages  bool   // stream_eventを受け取る

	// Hooks はクライアント自身が応答するフック
	Hooks HookConfig
	// HookEvents はinitializeで登録し、*protocol.HookRequest として
	// Messages() に流すイベント
	HookEvents []hooks.Event

	// CanUseTool が設定されていればクライアントが許可確認に応答する。
	// nilなら *protocol.PermissionRequest として Messages() に流す
	CanUseTool CanUseToolFunc

	// Transport はテスト用。設定されていればサブプロセスを起動しない
	Transport transport.Transport
}

// HookConfig はイベントごとのフックエントリ
type HookConfig map[hooks.Event][]hooks.Entry

// CanUseToolFunc はツール使用可否を判定するコールバック関数の型
type CanUseToolFunc = permission.CanUseToolFunc

// ToolPermissionContext はツール権限判定時のコンテキスト情報
type ToolPermissionContext = permission.ToolPermissionContext

// PermissionResult はツール使用許可の結果を表す
type PermissionResult = permission.Result

// cliArgs はサブプロセスに渡す追加引数を組み立てる
func (o *Options) cliArgs() []string {
	var args []string
	add := func(flag, value string) {
		if value != "" {
			args = append(args, flag, value)
		}
	}

	add("--system-prompt", o.SystemPrompt)
	add("--append-system-prompt", o.AppendSystemPrompt)
	add("--model", o.Model)
	add("--fallback-model", o.FallbackModel)
	if o.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(o.MaxTurns))
	}
	if o.PermissionMode != "" {
		args = append(args, "--permission-mode", string(o.PermissionMode))
	}
	if len(o.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(o.AllowedTools, ","))
	}
	if len(o.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(o.DisallowedTools, ","))
	}

	add("--resume", o.Resume)
	if o.Resume != "" {
		add("--resume-session-at", o.ResumeSessionAt)
	}
	if o.ForkSession {
		args = append(args, "--fork-session")
	}
	if o.Continue {
		args = append(args, "--continue")
	}
	return args
}

func (o *Options) transportConfig() transport.Config {
	env := make(map[string]string, len(o.Env)+1)
	for k, v := range o.Env {
		env[k] = v
	}
	if o.EnableFileCheckpointing {
		env["CLAUDE_CODE_ENABLE_SDK_FILE_CHECKPOINTING"] = "true"
	}

	cfg := transport.Config{
		CLIPath:                o.CLIPath,
		CWD:                    o.CWD,
		Args:                   o.cliArgs(),
		Env:                    env,
		IncludePartialMessages: o.IncludePartialMessages,
	}
	// 許可確認は常にstdioの制御プロトコルで受ける
	if o.PermissionMode != permission.ModeBypassPermissions {
		cfg.PermissionPromptToolName = "stdio"
	}
	return cfg
}

package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/y-oga-819/claude-session/internal/logging"
	"github.com/y-oga-819/claude-session/internal/protocol"
)

// Executor はシェルコマンドフックを実行する
type Executor struct {
	shell string
	log   zerolog.Logger
}

// NewExecutor は新しいExecutorを作成する
func NewExecutor() *Executor {
	return &Executor{
		shell: "sh",
		log:   logging.For("hooks.exec"),
	}
}

// CommandInput はコマンドに渡すJSON
type CommandInput struct {
	SessionID      string         `json:"session_id"`
	TranscriptPath string         `json:"transcript_path,omitempty"`
	CWD            string         `json:"cwd,omitempty"`
	HookEventName  string         `json:"hook_event_name"`
	ToolName       string         `json:"tool_name,omitempty"`
	ToolInput      map[string]any `json:"tool_input,omitempty"`
	ToolResponse   any            `json:"tool_response,omitempty"`
	ToolUseID      string         `json:"tool_use_id,omitempty"`
	Prompt         string         `json:"prompt,omitempty"`
	Message        string         `json:"message,omitempty"`
	Trigger        string         `json:"trigger,omitempty"`
}

// Execute はコマンドを実行しOutputを返す
//
// 終了コード0はstdoutのJSON（空なら継続）、2はブロック、それ以外は継続して
// stderrをSystemMessageに載せる。
func (e *Executor) Execute(ctx context.Context, command string, input *Input, timeout time.Duration) (*Output, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.shell, "-c", command)
	cmd.Env = append(os.Environ(), "CLAUDE_SESSION_ID="+input.SessionID)
	if input.CWD != "" {
		cmd.Env = append(cmd.Env, "CLAUDE_PROJECT_DIR="+input.CWD)
		cmd.Dir = input.CWD
	}

	inputJSON, err := json.Marshal(CommandInput{
		SessionID:      input.SessionID,
		TranscriptPath: input.TranscriptPath,
		CWD:            input.CWD,
		HookEventName:  input.HookEventName,
		ToolName:       input.ToolName,
		ToolInput:      input.ToolInput,
		ToolResponse:   input.ToolResponse,
		ToolUseID:      input.ToolUseID,
		Prompt:         input.Prompt,
		Message:        input.Message,
		Trigger:        input.Trigger,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}

	cmd.Stdin = bytes.NewReader(inputJSON)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()

	// コンテキストエラーを先にチェック
	if ctx.Err() != nil {
		return nil, fmt.Errorf("execute command: %w", ctx.Err())
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("execute command: %w", err)
		}
		exitCode = exitErr.ExitCode()
		// シグナルで終了した場合（-1）はエラーとして扱う
		if exitCode == -1 {
			return nil, fmt.Errorf("execute command: process killed")
		}
	}

	e.log.Debug().Str("event", input.HookEventName).Int("exit", exitCode).Msg("hook command finished")

	switch exitCode {
	case 0:
		return e.parseSuccessOutput(stdout.Bytes()), nil
	case 2:
		return &Output{
			Continue: false,
			Decision: "block",
			Reason:   stderr.String(),
		}, nil
	default:
		return &Output{
			Continue:      true,
			SystemMessage: stderr.String(),
		}, nil
	}
}

// parseSuccessOutput はexit 0時のstdoutをパースする
// continueが省略されていれば継続とみなす
func (e *Executor) parseSuccessOutput(data []byte) *Output {
	if len(bytes.TrimSpace(data)) == 0 {
		return &Output{Continue: true}
	}

	var wire protocol.HookOutput
	if err := json.Unmarshal(data, &wire); err != nil {
		e.log.Debug().Err(err).Msg("hook stdout is not JSON")
		return &Output{Continue: true}
	}

	output := &Output{
		Continue:       wire.Continue == nil || *wire.Continue,
		StopReason:     wire.StopReason,
		SuppressOutput: wire.SuppressOutput,
		Decision:       wire.Decision,
		SystemMessage:  wire.SystemMessage,
		Reason:         wire.Reason,
	}
	if s := wire.HookSpecificOutput; s != nil {
		output.HookSpecificOutput = &SpecificOutput{
			HookEventName:            s.HookEventName,
			PermissionDecision:       s.PermissionDecision,
			PermissionDecisionReason: s.PermissionDecisionReason,
			UpdatedInput:             s.UpdatedInput,
			AdditionalContext:        s.AdditionalContext,
		}
	}
	return output
}

package claude

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/y-oga-819/claude-session/internal/protocol"
	"github.com/y-oga-819/claude-session/internal/transport"
)

var (
	// CLIエラー
	ErrCLINotFound   = errors.New("claude CLI not found")
	ErrCLIConnection = errors.New("CLI connection error")
	ErrProcessExited = errors.New("CLI process exited unexpectedly")

	// プロトコルエラー
	ErrMessageParse   = errors.New("message parse error")
	ErrControlTimeout = errors.New("control request timeout")

	// API制限エラー
	ErrRateLimit      = errors.New("rate limit exceeded")
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrTurnsExceeded  = errors.New("max turns exceeded")

	// 認証エラー
	ErrAuthentication = errors.New("authentication failed")

	// 中断エラー
	ErrInterrupted = errors.New("operation interrupted")

	// 設定エラー
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ExitCode はCLI終了コードを表す
type ExitCode int

const (
	ExitCodeSuccess        ExitCode = 0
	ExitCodeError          ExitCode = 1
	ExitCodeAuthFailure    ExitCode = 2
	ExitCodeConfigError    ExitCode = 3
	ExitCodeRateLimit      ExitCode = 4
	ExitCodeBudgetExceeded ExitCode = 5
	ExitCodeInterrupted    ExitCode = 130 // SIGINT
)

// SDKError はエラーの詳細情報を含む
type SDKError struct {
	Op         string        // 操作名
	Err        error         // 元エラー
	Details    string        // 追加情報
	ExitCode   ExitCode      // CLI終了コード
	Retryable  bool          // リトライ可能か
	RetryAfter time.Duration // リトライまでの待ち時間
}

func (e *SDKError) Error() string {
	msg := e.Op + ": " + e.Err.Error()
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" [exit code: %d]", e.ExitCode)
	}
	return msg
}

func (e *SDKError) Unwrap() error {
	return e.Err
}

// ResultError はエラー終了したターンの情報
type ResultError struct {
	Subtype string   // "error_during_execution" など
	Errors  []string // CLIが報告したエラー
}

func (e *ResultError) Error() string {
	if len(e.Errors) == 0 {
		return e.Subtype
	}
	return e.Subtype + ": " + strings.Join(e.Errors, "; ")
}

// NewRetryableError はリトライ可能なエラーを作成する
func NewRetryableError(op string, err error, retryAfter time.Duration) *SDKError {
	return &SDKError{
		Op:         op,
		Err:        err,
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// IsRetryable はエラーがリトライ可能かを判定する
func IsRetryable(err error) bool {
	var sdkErr *SDKError
	if errors.As(err, &sdkErr) && sdkErr.Retryable {
		return true
	}
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrControlTimeout)
}

// GetRetryAfter はリトライまでの待ち時間を取得する
func GetRetryAfter(err error) time.Duration {
	var sdkErr *SDKError
	if errors.As(err, &sdkErr) {
		return sdkErr.RetryAfter
	}
	return 0
}

// ErrorFromResult はエラー終了したresultメッセージをエラーに変換する（成功ならnil）
func ErrorFromResult(m *protocol.ResultMessage) error {
	if m == nil || (!m.IsError && !strings.HasPrefix(m.Subtype, "error")) {
		return nil
	}

	re := &ResultError{Subtype: m.Subtype, Errors: m.Errors}
	switch m.Subtype {
	case "error_max_turns":
		return &SDKError{Op: "turn", Err: ErrTurnsExceeded, Details: re.Error()}
	case "error_max_budget_usd":
		return &SDKError{Op: "turn", Err: ErrBudgetExceeded, Details: re.Error()}
	}
	return &SDKError{Op: "turn", Err: re}
}

// ErrorFromProcess はプロセスの終了状態をエラーに変換する（正常終了ならnil）
func ErrorFromProcess(status *transport.ProcessStatus) error {
	if status == nil || status.ExitCode == 0 {
		return nil
	}
	return &SDKError{
		Op:       "process",
		Err:      ErrorFromExitCode(status.ExitCode),
		Details:  strings.TrimSpace(status.Stderr),
		ExitCode: ExitCode(status.ExitCode),
	}
}

// ErrorFromExitCode は終了コードからエラーを生成する
func ErrorFromExitCode(code int) error {
	switch ExitCode(code) {
	case ExitCodeSuccess:
		return nil
	case ExitCodeAuthFailure:
		return ErrAuthentication
	case ExitCodeConfigError:
		return ErrInvalidConfig
	case ExitCodeRateLimit:
		return ErrRateLimit
	case ExitCodeBudgetExceeded:
		return ErrBudgetExceeded
	case ExitCodeInterrupted:
		return ErrInterrupted
	default:
		return fmt.Errorf("%w: exit code %d", ErrProcessExited, code)
	}
}

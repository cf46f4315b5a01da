package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/y-oga-819/claude-session/internal/logging"
)

const (
	DefaultMaxBufferSize = 10 * 1024 * 1024 // 10MB
	DefaultCLIPath       = "claude"

	// stderrの保持上限（終了状態の診断用）
	maxStderrKeep = 64 * 1024
)

// ErrNotConnected は未接続でWriteした場合のエラー
var ErrNotConnected = errors.New("transport not connected")

// SubprocessTransport はエージェントCLIをサブプロセスとして起動するTransport実装
type SubprocessTransport struct {
	config Config
	log    zerolog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	msgChan   chan RawMessage
	errChan   chan error
	closeChan chan struct{}
	readers   sync.WaitGroup

	mu            sync.RWMutex
	writeMu       sync.Mutex
	connected     bool
	closed        bool
	processStatus *ProcessStatus
	stderrBuf     strings.Builder
}

// NewSubprocessTransport は新しいSubprocessTransportを作成する
func NewSubprocessTransport(config Config) *SubprocessTransport {
	if config.CLIPath == "" {
		config.CLIPath = DefaultCLIPath
	}
	if config.MaxBufferSize == 0 {
		config.MaxBufferSize = DefaultMaxBufferSize
	}

	return &SubprocessTransport{
		config:    config,
		log:       logging.For("transport"),
		msgChan:   make(chan RawMessage, 100),
		errChan:   make(chan error, 10),
		closeChan: make(chan struct{}),
	}
}

// Connect はCLIプロセスを起動して接続する
func (t *SubprocessTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transport is closed")
	}
	if t.connected {
		return nil
	}

	t.cmd = exec.CommandContext(ctx, t.config.CLIPath, t.buildArgs()...)
	t.cmd.Env = t.buildEnv()
	t.cmd.Dir = t.config.CWD

	var err error
	if t.stdin, err = t.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	if t.stdout, err = t.cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if t.stderr, err = t.cmd.StderrPipe(); err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := t.cmd.Start(); err != nil {
		return fmt.Errorf("start CLI: %w", err)
	}

	t.connected = true
	t.log.Debug().Str("cli", t.config.CLIPath).Int("pid", t.cmd.Process.Pid).Msg("agent process started")

	t.readers.Add(2)
	go t.readLoop()
	go t.readStderr()
	go t.waitProcess()

	return nil
}

func (t *SubprocessTransport) buildArgs() []string {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}

	if t.config.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}
	if t.config.PermissionPromptToolName != "" {
		args = append(args, "--permission-prompt-tool", t.config.PermissionPromptToolName)
	}

	return append(args, t.config.Args...)
}

func (t *SubprocessTransport) buildEnv() []string {
	env := os.Environ()

	sdkEnv := map[string]string{
		"CLAUDE_CODE_ENTRYPOINT":   "sdk-go",
		"CLAUDE_AGENT_SDK_VERSION": "0.2.0",
	}
	for k, v := range t.config.Env {
		sdkEnv[k] = v
	}
	for k, v := range sdkEnv {
		env = append(env, k+"="+v)
	}

	return env
}

func (t *SubprocessTransport) readLoop() {
	defer t.readers.Done()
	defer close(t.msgChan)

	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), t.config.MaxBufferSize)

	// 1つのJSONが複数行に分割されて届く場合がある
	var jsonBuffer strings.Builder

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		jsonBuffer.WriteString(line)
		raw := jsonBuffer.String()

		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			if jsonBuffer.Len() > t.config.MaxBufferSize {
				t.sendErr(fmt.Errorf("JSON buffer overflow: %d bytes", jsonBuffer.Len()))
				jsonBuffer.Reset()
			}
			continue
		}
		jsonBuffer.Reset()

		msgType, _ := data["type"].(string)
		select {
		case t.msgChan <- RawMessage{Type: msgType, Data: data, Raw: []byte(raw)}:
		case <-t.closeChan:
			return
		}
	}

	if err := scanner.Err(); err != nil {
		t.sendErr(fmt.Errorf("stdout read: %w", err))
	}
}

func (t *SubprocessTransport) readStderr() {
	defer t.readers.Done()

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		t.log.Debug().Str("stderr", line).Msg("agent stderr")

		t.mu.Lock()
		if t.stderrBuf.Len() < maxStderrKeep {
			t.stderrBuf.WriteString(line)
			t.stderrBuf.WriteString("\n")
		}
		t.mu.Unlock()
	}
}

func (t *SubprocessTransport) waitProcess() {
	// パイプを読み切ってからWaitする（os/execの要件）
	t.readers.Wait()
	err := t.cmd.Wait()

	t.mu.Lock()
	t.connected = false
	status := &ProcessStatus{Stderr: t.stderrBuf.String()}
	if t.cmd.ProcessState != nil {
		status.ExitCode = t.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status.ExitCode = exitErr.ExitCode()
	}
	t.processStatus = status
	closed := t.closed
	t.mu.Unlock()

	// Close()による終了はエラーとして扱わない
	if err != nil && !closed {
		t.sendErr(fmt.Errorf("CLI process exited: %w", err))
	}
	close(t.errChan)
}

// sendErr はエラーを送る。バッファが満杯なら捨ててログに残す
func (t *SubprocessTransport) sendErr(err error) {
	select {
	case t.errChan <- err:
	default:
		t.log.Warn().Err(err).Msg("transport error dropped")
	}
}

// Write はCLIのstdinにデータを書き込む（JSON Lines形式）
func (t *SubprocessTransport) Write(data []byte) error {
	t.mu.RLock()
	connected := t.connected && !t.closed
	stdin := t.stdin
	t.mu.RUnlock()

	if !connected || stdin == nil {
		return ErrNotConnected
	}

	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}

	// 複数goroutineからの書き込みで行が混ざらないようにする
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := stdin.Write(data)
	return err
}

// Messages は受信メッセージのチャネルを返す
func (t *SubprocessTransport) Messages() <-chan RawMessage {
	return t.msgChan
}

// Errors はエラーのチャネルを返す
func (t *SubprocessTransport) Errors() <-chan error {
	return t.errChan
}

// EndInput はstdinをクローズする
func (t *SubprocessTransport) EndInput() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stdin == nil {
		return nil
	}
	err := t.stdin.Close()
	t.stdin = nil
	return err
}

// Close はプロセスを終了する（冪等）
func (t *SubprocessTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.closeChan)

	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}
	if t.cmd != nil && t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}

	return nil
}

// IsConnected は接続状態を返す
func (t *SubprocessTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && !t.closed
}

// ProcessStatus はプロセスの終了状態を返す（終了前はnil）
func (t *SubprocessTransport) ProcessStatus() *ProcessStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.processStatus
}

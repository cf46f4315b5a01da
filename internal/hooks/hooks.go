package hooks

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/y-oga-819/claude-session/internal/logging"
	"github.com/y-oga-819/claude-session/internal/protocol"
)

// HookType はフックの種類
type HookType string

const (
	HookTypeCallback HookType = "callback" // Goコールバック
	HookTypeCommand  HookType = "command"  // シェルコマンド
)

// Event はフックイベントの種類
type Event string

const (
	EventPreToolUse         Event = "PreToolUse"
	EventPostToolUse        Event = "PostToolUse"
	EventPostToolUseFailure Event = "PostToolUseFailure"
	EventNotification       Event = "Notification"
	EventUserPromptSubmit   Event = "UserPromptSubmit"
	EventSessionStart       Event = "SessionStart"
	EventSessionEnd         Event = "SessionEnd"
	EventStop               Event = "Stop"
	EventSubagentStart      Event = "SubagentStart"
	EventSubagentStop       Event = "SubagentStop"
	EventPreCompact         Event = "PreCompact"
)

// callbackPrefix はinitializeで登録するコールバックIDの接頭辞
const callbackPrefix = "hook_"

// CallbackID はイベントに対応するコールバックIDを返す
func CallbackID(event Event) string {
	return callbackPrefix + string(event)
}

// EventForCallback はコールバックIDからイベントを取り出す
func EventForCallback(id string) (Event, bool) {
	if !strings.HasPrefix(id, callbackPrefix) {
		return "", false
	}
	return Event(strings.TrimPrefix(id, callbackPrefix)), true
}

// Input はフックへの入力
type Input = protocol.HookInput

// Output はフックからの出力
type Output struct {
	Continue           bool
	StopReason         string
	SuppressOutput     bool
	Decision           string // "block" for explicit block
	SystemMessage      string
	Reason             string
	HookSpecificOutput *SpecificOutput
}

// SpecificOutput はフック固有の出力
type SpecificOutput struct {
	HookEventName            string
	PermissionDecision       string // "allow", "deny", "ask"
	PermissionDecisionReason string
	UpdatedInput             map[string]any
	AdditionalContext        string
}

// Wire はcontrol_responseに載せる形に変換する
func (o *Output) Wire() protocol.HookOutput {
	out := protocol.HookOutput{
		StopReason:     o.StopReason,
		SuppressOutput: o.SuppressOutput,
		Decision:       o.Decision,
		SystemMessage:  o.SystemMessage,
		Reason:         o.Reason,
	}
	if !o.Continue {
		cont := false
		out.Continue = &cont
	}
	if s := o.HookSpecificOutput; s != nil {
		out.HookSpecificOutput = &protocol.HookSpecificOutput{
			HookEventName:            s.HookEventName,
			AdditionalContext:        s.AdditionalContext,
			PermissionDecision:       s.PermissionDecision,
			PermissionDecisionReason: s.PermissionDecisionReason,
			UpdatedInput:             s.UpdatedInput,
		}
	}
	return out
}

// AdditionalContext はフック固有出力の追加コンテキストを返す
func (o *Output) AdditionalContext() string {
	if o == nil || o.HookSpecificOutput == nil {
		return ""
	}
	return o.HookSpecificOutput.AdditionalContext
}

// Callback はフックのコールバック関数
type Callback func(ctx context.Context, input *Input) (*Output, error)

// DefaultTimeout はフックのデフォルトタイムアウト
const DefaultTimeout = 60 * time.Second

// Entry はフックエントリ
type Entry struct {
	Type     HookType      // フックの種類（デフォルト: callback）
	Matcher  *Matcher      // ツールマッチャー
	Callback Callback      // Type=callback時に使用
	Command  string        // Type=command時に使用
	Timeout  time.Duration // タイムアウト（デフォルト: 60秒）
}

// Manager はフックを管理する
type Manager struct {
	hooks    map[Event][]Entry
	executor *Executor
	log      zerolog.Logger
	mu       sync.RWMutex
}

// NewManager は新しいManagerを作成する
func NewManager() *Manager {
	return &Manager{
		hooks:    make(map[Event][]Entry),
		executor: NewExecutor(),
		log:      logging.For("hooks"),
	}
}

// Register はフックを登録する
func (m *Manager) Register(event Event, entry Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[event] = append(m.hooks[event], entry)
}

// Trigger はフックをトリガーする
//
// マッチした全エントリを順に実行し、AdditionalContextは空行区切りで連結する。
// Continue=falseを返したエントリがあればそこで止める。
func (m *Manager) Trigger(ctx context.Context, event Event, input *Input) (*Output, error) {
	m.mu.RLock()
	entries := m.hooks[event]
	m.mu.RUnlock()

	if len(entries) == 0 {
		return &Output{Continue: true}, nil
	}

	input.HookEventName = string(event)

	var contexts []string
	for _, entry := range entries {
		// マッチャーが設定されている場合はマッチングを確認
		if entry.Matcher != nil && !entry.Matcher.Match(input.ToolName) {
			continue
		}

		var output *Output
		var err error

		switch entry.Type {
		case HookTypeCommand:
			timeout := entry.Timeout
			if timeout == 0 {
				timeout = DefaultTimeout
			}
			output, err = m.executor.Execute(ctx, entry.Command, input, timeout)
		default:
			if entry.Callback == nil {
				continue
			}
			output, err = entry.Callback(ctx, input)
		}

		if err != nil {
			return nil, err
		}
		if output == nil {
			continue
		}

		if c := output.AdditionalContext(); c != "" {
			contexts = append(contexts, c)
		}

		// 続行しない場合は即座に返す
		if !output.Continue {
			return output, nil
		}
	}

	out := &Output{Continue: true}
	if len(contexts) > 0 {
		out.HookSpecificOutput = &SpecificOutput{
			HookEventName:     string(event),
			AdditionalContext: strings.Join(contexts, "\n\n"),
		}
	}
	return out, nil
}

// Handle はエージェントからのフックコールバックを実行して応答する
func (m *Manager) Handle(req *protocol.HookRequest) error {
	event, ok := EventForCallback(req.CallbackID)
	if !ok {
		event = Event(req.Input.HookEventName)
	}

	input := req.Input
	out, err := m.Trigger(req.Context(), event, &input)
	if err != nil {
		m.log.Warn().Err(err).Str("event", string(event)).Msg("hook failed")
		return req.Fail(err.Error())
	}
	return req.Respond(out.Wire())
}

// Registrations はinitializeで送るフック登録を返す
func (m *Manager) Registrations() map[string][]protocol.HookMatcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return registrations(m.hooks)
}

// Registrations は指定イベントのフック登録を作る
func Registrations(events ...Event) map[string][]protocol.HookMatcher {
	set := make(map[Event][]Entry, len(events))
	for _, e := range events {
		set[e] = nil
	}
	return registrations(set)
}

func registrations(set map[Event][]Entry) map[string][]protocol.HookMatcher {
	if len(set) == 0 {
		return nil
	}
	events := make([]string, 0, len(set))
	for e := range set {
		events = append(events, string(e))
	}
	sort.Strings(events)

	out := make(map[string][]protocol.HookMatcher, len(events))
	for _, e := range events {
		out[e] = []protocol.HookMatcher{{
			Matcher:         nil,
			HookCallbackIDs: []string{CallbackID(Event(e))},
		}}
	}
	return out
}

// Events は登録済みのイベント一覧を返す
func (m *Manager) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := make([]Event, 0, len(m.hooks))
	for e := range m.hooks {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	return events
}

// GetHooks は登録されたフックを取得する
func (m *Manager) GetHooks(event Event) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hooks[event]
}

// Clear は全てのフックをクリアする
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = make(map[Event][]Entry)
}

package permission

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/y-oga-819/claude-session/internal/protocol"
)

// Mode は権限モードを表す
type Mode string

const (
	ModeDefault           Mode = "default"
	ModeAcceptEdits       Mode = "acceptEdits"
	ModePlan              Mode = "plan"
	ModeBypassPermissions Mode = "bypassPermissions"
)

// ParseMode は文字列をModeに変換する（空文字はdefault）
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeDefault, nil
	case ModeDefault, ModeAcceptEdits, ModePlan, ModeBypassPermissions:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown permission mode %q", s)
}

// Behavior は権限の振る舞いを表す
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
	BehaviorAsk   Behavior = "ask"
)

// Rule は権限ルール
type Rule struct {
	ToolName    string   // ツール名（正規表現対応、全体一致）
	RuleContent string   // ルール内容の説明
	Behavior    Behavior // "allow", "deny", "ask"
	regex       *regexp.Regexp
}

// ToolPermissionContext はツール権限判定時のコンテキスト情報
type ToolPermissionContext struct {
	SessionID             string
	ToolUseID             string
	PermissionSuggestions []map[string]any
	BlockedPath           string
}

// Result はツール使用許可の結果
type Result struct {
	Behavior     Behavior
	UpdatedInput map[string]any
	Message      string // deny時
	Interrupt    bool   // deny時
}

// Allowed は許可かどうかを返す
func (r *Result) Allowed() bool { return r.Behavior == BehaviorAllow }

// Decision はcontrol_responseに載せる形に変換する
// askはここでは決まらないので呼び出し側で解決しておくこと
func (r *Result) Decision(original map[string]any) protocol.PermissionDecision {
	if r.Behavior == BehaviorAllow {
		input := r.UpdatedInput
		if input == nil {
			input = original
		}
		if input == nil {
			input = map[string]any{}
		}
		return protocol.PermissionDecision{Behavior: "allow", UpdatedInput: input}
	}
	msg := r.Message
	if msg == "" {
		msg = "Permission denied"
	}
	return protocol.PermissionDecision{Behavior: "deny", Message: msg, Interrupt: r.Interrupt}
}

// Allow は許可の結果を作る
func Allow(updatedInput map[string]any) *Result {
	return &Result{Behavior: BehaviorAllow, UpdatedInput: updatedInput}
}

// Deny は拒否の結果を作る
func Deny(message string, interrupt bool) *Result {
	return &Result{Behavior: BehaviorDeny, Message: message, Interrupt: interrupt}
}

// CanUseToolFunc はツール使用可否を判定するコールバック関数の型
type CanUseToolFunc func(
	ctx context.Context,
	toolName string,
	input map[string]any,
	context *ToolPermissionContext,
) (*Result, error)

// Manager は権限判定を管理
type Manager struct {
	mode       Mode
	rules      []Rule
	canUseTool CanUseToolFunc
	mu         sync.RWMutex
}

// NewManager は新しいManagerを作成する
func NewManager(mode Mode) *Manager {
	return &Manager{
		mode:  mode,
		rules: make([]Rule, 0),
	}
}

// SetMode は権限モードを設定する
func (m *Manager) SetMode(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

// GetMode は現在の権限モードを取得する
func (m *Manager) GetMode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// SetCanUseToolCallback はツール使用許可コールバックを設定する
func (m *Manager) SetCanUseToolCallback(cb CanUseToolFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canUseTool = cb
}

// AddRule は権限ルールを追加する
func (m *Manager) AddRule(rule Rule) error {
	if rule.ToolName != "" {
		re, err := regexp.Compile("^(?:" + rule.ToolName + ")$")
		if err != nil {
			return fmt.Errorf("compile rule %q: %w", rule.ToolName, err)
		}
		rule.regex = re
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule)
	return nil
}

// AllowTools はツール名ごとに許可ルールを追加する
func (m *Manager) AllowTools(names ...string) error {
	for _, n := range names {
		if err := m.AddRule(Rule{ToolName: regexp.QuoteMeta(n), RuleContent: n, Behavior: BehaviorAllow}); err != nil {
			return err
		}
	}
	return nil
}

// DenyTools はツール名ごとに拒否ルールを追加する
func (m *Manager) DenyTools(names ...string) error {
	for _, n := range names {
		if err := m.AddRule(Rule{ToolName: regexp.QuoteMeta(n), RuleContent: n, Behavior: BehaviorDeny}); err != nil {
			return err
		}
	}
	return nil
}

// ClearRules は全てのルールをクリアする
func (m *Manager) ClearRules() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = make([]Rule, 0)
}

// Evaluate はツール使用の許可を判定する
//
// ルール、コールバック、モードの順に評価し、どれでも決まらなければBehaviorAskを返す。
func (m *Manager) Evaluate(
	ctx context.Context,
	toolName string,
	input map[string]any,
	permContext *ToolPermissionContext,
) (*Result, error) {
	m.mu.RLock()
	mode := m.mode
	rules := m.rules
	cb := m.canUseTool
	m.mu.RUnlock()

	if mode == ModeBypassPermissions {
		return Allow(nil), nil
	}

	// 最初にマッチしたルールで決める（askは後段に委ねる）
	for _, rule := range rules {
		if !rule.matches(toolName) {
			continue
		}
		switch rule.Behavior {
		case BehaviorAllow:
			return Allow(nil), nil
		case BehaviorDeny:
			return Deny("Denied by rule: "+rule.RuleContent, false), nil
		}
		break
	}

	if cb != nil {
		res, err := cb(ctx, toolName, input, permContext)
		if err != nil {
			return nil, err
		}
		if res != nil && res.Behavior != BehaviorAsk {
			return res, nil
		}
	}

	switch mode {
	case ModeAcceptEdits:
		if isEditTool(toolName) || isReadOnlyTool(toolName) {
			return Allow(nil), nil
		}
	case ModePlan:
		if isReadOnlyTool(toolName) {
			return Allow(nil), nil
		}
		return Deny("Plan mode: write operations not allowed", false), nil
	}

	return &Result{Behavior: BehaviorAsk}, nil
}

func (r *Rule) matches(toolName string) bool {
	if r.regex != nil {
		return r.regex.MatchString(toolName)
	}
	return r.ToolName == toolName
}

// isEditTool は編集系ツールかを判定する
func isEditTool(toolName string) bool {
	switch toolName {
	case "Edit", "Write", "MultiEdit", "NotebookEdit":
		return true
	}
	return false
}

// isReadOnlyTool は読み取り専用ツールかを判定する
func isReadOnlyTool(toolName string) bool {
	switch toolName {
	case "Read", "Glob", "Grep", "LS", "LSP", "WebFetch", "WebSearch", "TodoWrite":
		return true
	}
	return false
}

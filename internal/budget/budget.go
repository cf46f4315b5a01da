// Package budget はコンテキストウィンドウの消費と利用料金を監視する。
package budget

import (
	"errors"
	"fmt"
	"sync"

	"github.com/y-oga-819/claude-session/internal/protocol"
)

// DefaultWindowTokens はコンテキストウィンドウのデフォルトサイズ
const DefaultWindowTokens = 200_000

// Level はコンテキスト消費の警告レベル
type Level string

const (
	LevelNone     Level = "none"
	LevelWarning  Level = "warning"
	LevelSoft     Level = "soft"
	LevelCritical Level = "critical"
)

// Thresholds は各レベルに入る消費率（%）
type Thresholds struct {
	Warning  float64 `yaml:"warning" json:"warning"`
	Soft     float64 `yaml:"soft" json:"soft"`
	Critical float64 `yaml:"critical" json:"critical"`
}

// DefaultThresholds はデフォルトの閾値
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 60, Soft: 70, Critical: 75}
}

// ErrInvalidThresholds は閾値が狭義単調増加でない
var ErrInvalidThresholds = errors.New("thresholds must be strictly increasing within (0, 100]")

// Validate は閾値を検証する
func (t Thresholds) Validate() error {
	if t.Warning <= 0 || t.Warning >= t.Soft || t.Soft >= t.Critical || t.Critical > 100 {
		return fmt.Errorf("%w: %+v", ErrInvalidThresholds, t)
	}
	return nil
}

// Classify は消費率からレベルを決める
func (t Thresholds) Classify(percent float64) Level {
	switch {
	case percent >= t.Critical:
		return LevelCritical
	case percent >= t.Soft:
		return LevelSoft
	case percent >= t.Warning:
		return LevelWarning
	}
	return LevelNone
}

// Config はMonitorの設定
type Config struct {
	WindowTokens int
	Thresholds   Thresholds
	AutoCompact  bool
	MaxBudgetUSD float64 // 0なら料金は監視しない
}

// State はコンテキスト消費の現在の状態
type State struct {
	Tokens    int
	Window    int
	Percent   float64
	Level     Level
	Triggered bool // critical到達後、noneに戻るまでtrue
}

// Transition は1回の観測の結果
type Transition struct {
	State   State
	From    Level
	Changed bool
	Compact bool // この観測で圧縮を要求する
}

// CostNotice は料金の通知
type CostNotice string

const (
	CostNone     CostNotice = ""
	CostWarning  CostNotice = "warning"
	CostExceeded CostNotice = "exceeded"
)

// CostWarnPercent は料金警告を出す割合（%）
const CostWarnPercent = 80.0

// Monitor はセッションごとに1つ持つ
type Monitor struct {
	mu  sync.Mutex
	cfg Config

	state        State
	costWarned   bool
	costExceeded bool
}

// NewMonitor はMonitorを作成する。閾値が不正ならエラー
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.WindowTokens <= 0 {
		cfg.WindowTokens = DefaultWindowTokens
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{
		cfg:   cfg,
		state: State{Window: cfg.WindowTokens, Level: LevelNone},
	}, nil
}

// ObserveUsage はメッセージのトークン使用量を反映する
func (m *Monitor) ObserveUsage(u protocol.Usage) Transition {
	tokens := u.ContextTokens()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observe(tokens, float64(tokens)*100/float64(m.cfg.WindowTokens))
}

// ObservePercent は消費率を直接反映する
func (m *Monitor) ObservePercent(percent float64) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observe(int(percent*float64(m.cfg.WindowTokens)/100), percent)
}

func (m *Monitor) observe(tokens int, percent float64) Transition {
	from := m.state.Level
	level := m.cfg.Thresholds.Classify(percent)

	tr := Transition{From: from, Changed: level != from}
	switch {
	case level == LevelNone:
		m.state.Triggered = false
	case level == LevelCritical && !m.state.Triggered:
		m.state.Triggered = true
		tr.Compact = m.cfg.AutoCompact
	}

	m.state.Tokens = tokens
	m.state.Percent = percent
	m.state.Level = level
	tr.State = m.state
	return tr
}

// ObserveCost は累計料金を反映する
// 80%以上100%未満で1度だけ警告、100%以上で1度だけ超過を返す
func (m *Monitor) ObserveCost(totalUSD float64) CostNotice {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxBudgetUSD <= 0 {
		return CostNone
	}
	percent := totalUSD * 100 / m.cfg.MaxBudgetUSD
	switch {
	case percent >= 100:
		if m.costExceeded {
			return CostNone
		}
		m.costExceeded = true
		m.costWarned = true
		return CostExceeded
	case percent >= CostWarnPercent:
		if m.costWarned {
			return CostNone
		}
		m.costWarned = true
		return CostWarning
	}
	return CostNone
}

// State は現在の状態を返す
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Config は設定を返す
func (m *Monitor) Config() Config {
	return m.cfg
}

// Reset は新しいセッション用に状態を初期化する
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = State{Window: m.cfg.WindowTokens, Level: LevelNone}
	m.costWarned = false
	m.costExceeded = false
}

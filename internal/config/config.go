// Package config はYAMLと環境変数から設定を読み込む
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/y-oga-819/claude-session/claude"
	"github.com/y-oga-819/claude-session/internal/budget"
	"github.com/y-oga-819/claude-session/internal/logging"
	"github.com/y-oga-819/claude-session/internal/permission"
)

// EnvPrefix は環境変数での上書きに使う接頭辞
const EnvPrefix = "CLAUDE_SESSION_"

// Config は全体の設定
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Context    ContextConfig    `yaml:"context"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Store      StoreConfig      `yaml:"store"`
	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
}

// AgentConfig はエージェントCLIの設定
type AgentConfig struct {
	CLIPath         string   `yaml:"cli_path"`
	CWD             string   `yaml:"cwd"`
	Model           string   `yaml:"model"`
	PermissionMode  string   `yaml:"permission_mode"`
	AllowedTools    []string `yaml:"allowed_tools"`
	DisallowedTools []string `yaml:"disallowed_tools"`
	SystemPrompt    string   `yaml:"system_prompt"`
	MaxTurns        int      `yaml:"max_turns"`
}

// ContextConfig はコンテキストと料金の監視設定
type ContextConfig struct {
	WindowTokens int               `yaml:"window_tokens"`
	Thresholds   budget.Thresholds `yaml:"thresholds"`
	AutoCompact  bool              `yaml:"auto_compact"`
	MaxBudgetUSD float64           `yaml:"max_budget_usd"`
}

// TranscriptConfig はトランスクリプトの場所と読み直しの設定
type TranscriptConfig struct {
	ClaudeHome      string        `yaml:"claude_home"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxRetries      int           `yaml:"max_retries"`
}

// StoreConfig はSQLiteの設定。Pathが空なら保存しない
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LogConfig はログの設定
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// AllowedOrigins はイベントのWebSocketを許すOriginのホストのパターン
	// 空ならローカルホストだけ
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Agent: AgentConfig{
			CLIPath:        "claude",
			PermissionMode: string(permission.ModeDefault),
		},
		Context: ContextConfig{
			WindowTokens: budget.DefaultWindowTokens,
			Thresholds:   budget.DefaultThresholds(),
			AutoCompact:  true,
		},
		Transcript: TranscriptConfig{
			ClaudeHome:      filepath.Join(home, ".claude"),
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			MaxRetries:      8,
		},
		Store: StoreConfig{
			Path: filepath.Join(home, ".claude-session", "session.db"),
		},
		Log: LogConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8420",
		},
	}
}

// Load は.env、YAML、環境変数の順に読み込んで検証する
// pathが空ならYAMLは読まない
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = splitList(v)
		}
	}

	str("CLI_PATH", &c.Agent.CLIPath)
	str("CWD", &c.Agent.CWD)
	str("MODEL", &c.Agent.Model)
	str("PERMISSION_MODE", &c.Agent.PermissionMode)
	list("ALLOWED_TOOLS", &c.Agent.AllowedTools)
	list("DISALLOWED_TOOLS", &c.Agent.DisallowedTools)
	str("CLAUDE_HOME", &c.Transcript.ClaudeHome)
	str("DB_PATH", &c.Store.Path)
	str("LOG_LEVEL", &c.Log.Level)
	str("ADDR", &c.Server.Addr)
	list("ALLOWED_ORIGINS", &c.Server.AllowedOrigins)

	if v, ok := os.LookupEnv(EnvPrefix + "WINDOW_TOKENS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sWINDOW_TOKENS: %w", EnvPrefix, err)
		}
		c.Context.WindowTokens = n
	}
	if v, ok := os.LookupEnv(EnvPrefix + "MAX_BUDGET_USD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_BUDGET_USD: %w", EnvPrefix, err)
		}
		c.Context.MaxBudgetUSD = f
	}
	for key, dst := range map[string]*bool{
		"AUTO_COMPACT": &c.Context.AutoCompact,
		"LOG_PRETTY":   &c.Log.Pretty,
	} {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate は設定値を検証する
func (c *Config) Validate() error {
	if c.Agent.CLIPath == "" {
		return errors.New("agent.cli_path cannot be empty")
	}
	if _, err := permission.ParseMode(c.Agent.PermissionMode); err != nil {
		return fmt.Errorf("agent.permission_mode: %w", err)
	}
	if c.Context.WindowTokens <= 0 {
		return errors.New("context.window_tokens must be > 0")
	}
	if err := c.Context.Thresholds.Validate(); err != nil {
		return fmt.Errorf("context.thresholds: %w", err)
	}
	if c.Context.MaxBudgetUSD < 0 {
		return errors.New("context.max_budget_usd must be >= 0")
	}
	if c.Transcript.ClaudeHome == "" {
		return errors.New("transcript.claude_home cannot be empty")
	}
	if c.Transcript.InitialInterval <= 0 || c.Transcript.MaxInterval < c.Transcript.InitialInterval {
		return errors.New("transcript intervals must satisfy 0 < initial_interval <= max_interval")
	}
	if c.Transcript.MaxRetries < 0 {
		return errors.New("transcript.max_retries must be >= 0")
	}
	return nil
}

// Budget はContextBudgetMonitorの設定を返す
func (c *Config) Budget() budget.Config {
	return budget.Config{
		WindowTokens: c.Context.WindowTokens,
		Thresholds:   c.Context.Thresholds,
		AutoCompact:  c.Context.AutoCompact,
		MaxBudgetUSD: c.Context.MaxBudgetUSD,
	}
}

// Retry はトランスクリプトを読み直す間隔を返す
func (c *Config) Retry() *claude.RetryConfig {
	return &claude.RetryConfig{
		MaxRetries:     c.Transcript.MaxRetries,
		InitialBackoff: c.Transcript.InitialInterval,
		MaxBackoff:     c.Transcript.MaxInterval,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// Logging はロガーの設定を返す
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	return cfg
}

// ClientOptions はエージェントチャネルの基本設定を返す
func (c *Config) ClientOptions() *claude.Options {
	mode, _ := permission.ParseMode(c.Agent.PermissionMode)
	return &claude.Options{
		CLIPath:                 c.Agent.CLIPath,
		CWD:                     c.Agent.CWD,
		Model:                   c.Agent.Model,
		SystemPrompt:            c.Agent.SystemPrompt,
		MaxTurns:                c.Agent.MaxTurns,
		PermissionMode:          mode,
		AllowedTools:            c.Agent.AllowedTools,
		DisallowedTools:         c.Agent.DisallowedTools,
		EnableFileCheckpointing: true,
		IncludePartialMessages:  true,
	}
}

// Package logging はzerologによる構造化ログを提供する
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level はログレベル
type Level = zerolog.Level

const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
)

// Config はロガーの設定
type Config struct {
	Level      Level
	Output     io.Writer // デフォルト: os.Stderr
	Pretty     bool      // コンソール向けの整形出力
	TimeFormat string
}

var (
	mu     sync.RWMutex
	logger zerolog.Logger
)

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Level:      InfoLevel,
		Output:     os.Stderr,
		TimeFormat: time.RFC3339,
	}
}

// Init はグローバルロガーを初期化する
func Init(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}

	zerolog.TimeFieldFormat = cfg.TimeFormat

	out := cfg.Output
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: cfg.TimeFormat}
	}

	l := zerolog.New(out).Level(cfg.Level).With().Timestamp().Logger()

	mu.Lock()
	logger = l
	mu.Unlock()
}

// ParseLevel はログレベル文字列を解釈する（大文字小文字を区別しない）
// 不明な値はInfoLevelになる
func ParseLevel(level string) Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DebugLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger は現在のグローバルロガーを返す
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// For はcomponentフィールド付きの子ロガーを返す
func For(component string) zerolog.Logger {
	return Logger().With().Str("component", component).Logger()
}

// Nop は何も出力しないロガー（テスト用）
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

func init() {
	Init(DefaultConfig())
}

// Package commands はclaude-sessionのサブコマンド
package commands

import (
	"github.com/spf13/cobra"

	"github.com/y-oga-819/claude-session/internal/config"
	"github.com/y-oga-819/claude-session/internal/logging"
)

// Version はビルド時に埋め込む
var Version = "dev"

var (
	configPath string
	logLevel   string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "claude-session",
	Short: "Claude Code CLIのセッションを管理する",
	Long: `claude-session はClaude Code CLIとのストリーミングセッションを管理します。

'claude-session chat' で対話、'claude-session serve' でHTTP/WebSocketサーバーを起動します。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		logging.Init(c.Logging())
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "設定ファイル（YAML）")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "ログレベル (DEBUG|INFO|WARN|ERROR)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(serveCmd)
}

// Execute はルートコマンドを実行する
func Execute() error {
	return rootCmd.Execute()
}

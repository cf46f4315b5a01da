package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/y-oga-819/claude-session/internal/event"
	"github.com/y-oga-819/claude-session/internal/logging"
	"github.com/y-oga-819/claude-session/internal/server"
	"github.com/y-oga-819/claude-session/session"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "HTTP/WebSocketサーバーを起動する",
	Long: `セッションの作成、メッセージ送信、中断、巻き戻し、許可確認への回答をHTTPで受け付け、
通知をWebSocketで配信します。/metrics でPrometheusのメトリクスを公開します。`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "待ち受けアドレス（デフォルトは設定ファイルの server.addr）")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.For("serve")
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	bus := event.NewBus()
	defer bus.Close()

	srv := server.New(server.Config{
		Addr:           cfg.Server.Addr,
		Bus:            bus,
		Gatherer:       a.registry,
		OriginPatterns: cfg.Server.AllowedOrigins,
		Factory: func(name, resume string) (*session.Orchestrator, error) {
			// 許可確認は全てWebSocketの利用者に委ねる
			return a.newSession(name, resume, bus, nil)
		},
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown error")
	}
	return nil
}

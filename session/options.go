package session

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/y-oga-819/claude-session/claude"
	"github.com/y-oga-819/claude-session/internal/budget"
	"github.com/y-oga-819/claude-session/internal/checkpoint"
	"github.com/y-oga-819/claude-session/internal/event"
	"github.com/y-oga-819/claude-session/internal/metrics"
	"github.com/y-oga-819/claude-session/internal/permission"
	"github.com/y-oga-819/claude-session/internal/store"
	"github.com/y-oga-819/claude-session/internal/transcript"
)

// Store はセッションの記録の保存先。保存の失敗はログに残すだけでターンは止めない
type Store interface {
	checkpoint.Persister
	SaveQueued(ctx context.Context, rec store.QueuedRecord) (string, error)
	MarkDelivered(ctx context.Context, ids []string, path string) error
	SaveInterruptMarker(ctx context.Context, m store.InterruptMarker) (string, error)
}

var _ Store = (*store.SQLite)(nil)

// Options はOrchestratorの設定
type Options struct {
	Name     string     // 通知に付けるキー。空なら採番する
	Dialer   Dialer     // 必須
	Sink     event.Sink // nilなら捨てる
	Resolver *transcript.Resolver
	Store    Store
	Metrics  *metrics.Metrics
	Logger   *zerolog.Logger

	Budget budget.Config

	PermissionMode  permission.Mode
	AllowedTools    []string
	DisallowedTools []string
	// CanUseTool はルールで決まらなかった許可確認を先に判定する
	// askを返せば利用者に確認を求める
	CanUseTool permission.CanUseToolFunc

	// Hooks はフック要求に対して先に実行する
	Hooks claude.HookConfig

	// Resume は最初のチャネルで再開するセッションID
	Resume string
}

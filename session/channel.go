package session

import (
	"context"

	"github.com/y-oga-819/claude-session/claude"
	"github.com/y-oga-819/claude-session/internal/hooks"
	"github.com/y-oga-819/claude-session/internal/protocol"
)

// Channel はエージェントとの双方向ストリーミングチャネル
type Channel interface {
	Send(ctx context.Context, content any) error
	Interrupt(ctx context.Context) error
	RewindFiles(ctx context.Context, userMessageID string) error
	Messages() <-chan protocol.Message
	Errors() <-chan error
	Close() error
}

var _ Channel = (*claude.Client)(nil)

// DialOptions はチャネルを開くときの再開設定
type DialOptions struct {
	Resume     string // 再開するセッションID
	ResumeAt   string // 空でなければこのメッセージから分岐する
	HookEvents []hooks.Event
}

// Dialer はチャネルを開く
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Channel, error)
}

// DialFunc は関数をDialerとして使う
type DialFunc func(ctx context.Context, opts DialOptions) (Channel, error)

// Dial はf(ctx, opts)を呼ぶ
func (f DialFunc) Dial(ctx context.Context, opts DialOptions) (Channel, error) {
	return f(ctx, opts)
}

// ClientDialer はエージェントCLIのサブプロセスを起動する
type ClientDialer struct {
	Base  *claude.Options
	Retry *claude.RetryConfig // nilならリトライしない
}

// Options はDialOptionsを反映したクライアント設定を返す
//
// 許可確認とフックはセッション側で応答するので、クライアントには
// 処理関数を渡さずメッセージとして流させる。
func (d *ClientDialer) Options(opts DialOptions) *claude.Options {
	o := claude.Options{}
	if d.Base != nil {
		o = *d.Base
	}
	o.CanUseTool = nil
	o.Hooks = nil
	o.HookEvents = opts.HookEvents
	o.IncludePartialMessages = true
	o.EnableFileCheckpointing = true
	o.Resume = ""
	o.ResumeSessionAt = ""
	o.ForkSession = false
	o.Continue = false

	switch {
	case opts.Resume != "" && opts.ResumeAt != "":
		claude.NewSession(opts.Resume).At(opts.ResumeAt).Fork().Apply(&o)
	case opts.Resume != "":
		claude.NewSession(opts.Resume).Apply(&o)
	}
	return &o
}

// Dial はクライアントを作成して接続する
func (d *ClientDialer) Dial(ctx context.Context, opts DialOptions) (Channel, error) {
	var client *claude.Client
	connect := func(ctx context.Context) error {
		c := claude.NewClient(d.Options(opts))
		if err := c.Connect(ctx); err != nil {
			c.Close()
			return err
		}
		client = c
		return nil
	}

	if d.Retry == nil {
		if err := connect(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}
	if err := claude.WithRetry(ctx, d.Retry, connect); err != nil {
		return nil, err
	}
	return client, nil
}

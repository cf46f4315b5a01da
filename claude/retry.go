package claude

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig はリトライの設定
type RetryConfig struct {
	MaxRetries     int           // 最大リトライ回数（デフォルト: 3）
	InitialBackoff time.Duration // 初期バックオフ（デフォルト: 1秒）
	MaxBackoff     time.Duration // 最大バックオフ（デフォルト: 30秒）
	BackoffFactor  float64       // バックオフ倍率（デフォルト: 2.0）
	Jitter         bool          // ジッターを追加するか（デフォルト: true）
}

// DefaultRetryConfig はデフォルトのリトライ設定を返す
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// BackOff は設定に沿ったbackoff.BackOffを返す
// ctxがキャンセルされるとStopを返す
func (c *RetryConfig) BackOff(ctx context.Context) backoff.BackOff {
	if c == nil {
		c = DefaultRetryConfig()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialBackoff
	b.MaxInterval = c.MaxBackoff
	b.Multiplier = c.BackoffFactor
	b.MaxElapsedTime = 0
	if !c.Jitter {
		b.RandomizationFactor = 0
	}
	b.Reset()

	var bo backoff.BackOff = b
	if c.MaxRetries >= 0 {
		bo = backoff.WithMaxRetries(bo, uint64(c.MaxRetries))
	}
	return backoff.WithContext(bo, ctx)
}

// RetryableFunc はリトライ可能な関数の型
type RetryableFunc func(ctx context.Context) error

// retryAfterBackOff はエラーが指定した待ち時間を優先する
type retryAfterBackOff struct {
	backoff.BackOff
	ctx  context.Context
	next time.Duration
}

// Context は待機中のキャンセルをbackoff.Retryに伝える
func (r *retryAfterBackOff) Context() context.Context { return r.ctx }

func (r *retryAfterBackOff) NextBackOff() time.Duration {
	d := r.BackOff.NextBackOff()
	if d != backoff.Stop && r.next > 0 {
		d, r.next = r.next, 0
	}
	return d
}

// WithRetry はリトライ付きで関数を実行する
// リトライ不可のエラーはそのまま返し、回数を使い切った場合はSDKErrorで包む
func WithRetry(ctx context.Context, config *RetryConfig, fn RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	bo := &retryAfterBackOff{BackOff: config.BackOff(ctx), ctx: ctx}

	err := backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		bo.next = GetRetryAfter(err)
		return err
	}, bo)

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case IsRetryable(err):
		return &SDKError{Op: "retry", Err: err, Details: "max retries exceeded"}
	}
	return err
}

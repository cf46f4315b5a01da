package transcript

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/y-oga-819/claude-session/internal/logging"
)

// BackOffFunc は試行ごとに新しいbackoff.BackOffを返す
type BackOffFunc func(ctx context.Context) backoff.BackOff

// Resolver は送信直後のユーザーメッセージのuuidをトランスクリプトから探す
//
// トランスクリプトの書き込みはストリームの完了より遅れることがあるので、
// 見つかるまで指数バックオフで読み直す。
type Resolver struct {
	reader     *Reader
	newBackOff BackOffFunc
	log        zerolog.Logger
}

// NewResolver はResolverを作成する
func NewResolver(reader *Reader, newBackOff BackOffFunc) *Resolver {
	return &Resolver{
		reader:     reader,
		newBackOff: newBackOff,
		log:        logging.For("transcript"),
	}
}

// Reader は読み取り元を返す
func (r *Resolver) Reader() *Reader {
	return r.reader
}

// Resolve はqに合うユーザーメッセージのuuidを返す
func (r *Resolver) Resolve(ctx context.Context, sessionID string, q Lookup) (string, error) {
	var found Entry
	attempt := 0
	op := func() error {
		attempt++
		e, err := r.reader.FindUserMessage(ctx, sessionID, q)
		if err == nil {
			found = e
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		r.log.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("user message not in transcript yet")
	}
	if err := backoff.RetryNotify(op, r.newBackOff(ctx), notify); err != nil {
		return "", err
	}
	return found.UUID, nil
}

package session

import (
	"context"
	"time"

	"github.com/y-oga-819/claude-session/internal/checkpoint"
	"github.com/y-oga-819/claude-session/internal/event"
	"github.com/y-oga-819/claude-session/internal/inject"
	"github.com/y-oga-819/claude-session/internal/store"
	"github.com/y-oga-819/claude-session/internal/transcript"
)

// resolveLocked はエコーで分からなかったユーザーメッセージIDをトランスクリプトから探す
// 見つかるまでの間に巻き戻しがあれば結果は捨てる
func (o *Orchestrator) resolveLocked(t *turn, u checkpoint.Unresolved) {
	if o.resolver == nil || o.sessionID == "" {
		return
	}
	fence := o.checkpoints.Epoch().Fence()
	sessionID := o.sessionID

	o.goTask(func(ctx context.Context) {
		userID, err := o.resolver.Resolve(ctx, sessionID, o.lookup(t))
		if err != nil {
			if ctx.Err() == nil {
				o.log.Warn().Err(err).Str("turn_id", t.id).Msg("user message not found in transcript")
			}
			return
		}

		committed := fence.Commit(func() {
			n := o.checkpoints.Commit(u, userID)
			o.emit(event.KindUserMessageResolved, t.id, event.UserMessageResolved{
				UserMessageID: userID,
				Text:          t.prompt,
			})
			o.log.Debug().Str("user_message_id", userID).Int("checkpoints", n).Msg("user message resolved")
		})
		if !committed {
			o.metrics.StaleDiscard()
			o.log.Debug().Str("turn_id", t.id).Msg("stale resolution discarded")
		}
	})
}

// recoverLocked は中断したターンの記録を残す
// ユーザーメッセージIDを探し、巻き戻しで世代が進んでいなければ確定させる
func (o *Orchestrator) recoverLocked(t *turn, u checkpoint.Unresolved, userID string) {
	fence := o.checkpoints.Epoch().Fence()
	sessionID := o.sessionID

	o.goTask(func(ctx context.Context) {
		if userID == "" && o.resolver != nil && sessionID != "" {
			id, err := o.resolver.Resolve(ctx, sessionID, o.lookup(t))
			switch {
			case err == nil:
				userID = id
			case ctx.Err() == nil:
				o.log.Debug().Err(err).Str("turn_id", t.id).Msg("interrupted message not found in transcript")
			}
		}

		recovered := false
		committed := fence.Commit(func() {
			if id, ok := o.checkpoints.Interrupted(); !ok || id != t.id {
				return
			}
			recovered = true
			if userID != "" && len(u.AssistantIDs) > 0 {
				o.checkpoints.Commit(u, userID)
			}

			var markerID string
			if o.store != nil {
				id, err := o.store.SaveInterruptMarker(ctx, store.InterruptMarker{
					SessionID:     sessionID,
					TurnID:        t.id,
					UserMessageID: userID,
					Prompt:        t.prompt,
					Epoch:         fence.Value(),
				})
				if err != nil {
					o.log.Warn().Err(err).Str("turn_id", t.id).Msg("failed to persist interrupt marker")
				}
				markerID = id
			}
			o.checkpoints.ClearInterrupted()
			o.emit(event.KindInterruptRecovery, t.id, event.InterruptRecovery{
				Prompt:        t.prompt,
				UserMessageID: userID,
				MarkerID:      markerID,
			})
		})
		if !committed || !recovered {
			o.metrics.StaleDiscard()
			o.log.Debug().Str("turn_id", t.id).Msg("stale interrupt recovery discarded")
		}
	})
}

// lookup はtのユーザーメッセージの探し方を返す
// 送信より前のエントリと、既に別のターンに結び付いたエントリは除く
func (o *Orchestrator) lookup(t *turn) transcript.Lookup {
	return transcript.Lookup{
		Text:  t.prompt,
		Since: t.sentAt,
		Skip:  o.checkpoints.Bound,
	}
}

// persistCheckpoint はチェックポイントの保存を書き込み役に回す
// 記録はo.muの中で起きるので、ここでは待たない
func (o *Orchestrator) persistCheckpoint(_ context.Context, cp checkpoint.Checkpoint) error {
	o.write(func(ctx context.Context) {
		if err := o.store.SaveCheckpoint(ctx, cp); err != nil {
			o.log.Warn().Err(err).Str("assistant_id", cp.AssistantID).Msg("failed to persist checkpoint")
		}
	})
	return nil
}

// persistDelivered はキューの入力の配信を記録する
func (o *Orchestrator) persistDelivered(ids []string, path string) {
	if len(ids) == 0 {
		return
	}
	o.write(func(ctx context.Context) {
		if err := o.store.MarkDelivered(ctx, ids, path); err != nil {
			o.log.Warn().Err(err).Strs("ids", ids).Str("path", path).Msg("failed to persist delivery")
		}
	})
}

func queuedRecord(sessionID string, e inject.Entry, multimodal bool) store.QueuedRecord {
	return store.QueuedRecord{
		ID:         e.ID,
		SessionID:  sessionID,
		Content:    e.Text(),
		Multimodal: multimodal,
		CreatedAt:  time.Now(),
	}
}

package session

import (
	"context"
	"errors"

	"github.com/y-oga-819/claude-session/internal/checkpoint"
	"github.com/y-oga-819/claude-session/internal/event"
)

// Interrupt は実行中のターンを止める。チャネルは開いたまま
//
// まだ何も表示されていなければ元の入力を返す（入力欄に戻す）。
// 何か表示されていれば、ターンの終了後に中断の記録を残す。
func (o *Orchestrator) Interrupt(ctx context.Context) (string, error) {
	o.mu.Lock()
	t, l := o.current, o.link
	if t == nil || l == nil {
		o.mu.Unlock()
		return "", nil
	}
	prompt := o.beginCancelLocked(t, "interrupted")
	o.mu.Unlock()

	if err := l.ch.Interrupt(ctx); err != nil {
		// 止められなければチャネルごと捨てる
		o.log.Warn().Err(err).Msg("interrupt failed, closing channel")
		o.mu.Lock()
		release := func() {}
		if o.current == t && o.link == l {
			release = o.abortTurnLocked(t)
		}
		o.mu.Unlock()
		release()
	}
	return prompt, nil
}

// Cancel は実行中のターンを止めてチャネルを閉じる。次のSendで再開する
// 戻り値はInterruptと同じ
func (o *Orchestrator) Cancel(ctx context.Context) (string, error) {
	o.mu.Lock()
	t := o.current
	if t == nil {
		o.mu.Unlock()
		return "", nil
	}
	prompt := o.beginCancelLocked(t, "cancelled")
	release := o.abortTurnLocked(t)
	o.mu.Unlock()

	release()
	return prompt, nil
}

// beginCancelLocked はターンを利用者が止めたものとして扱う
// キューの入力は届けずに通知で戻す
func (o *Orchestrator) beginCancelLocked(t *turn, reason string) string {
	t.cancelled = true
	o.silent = true
	o.checkpoints.MarkInterrupted(t.id)
	o.metrics.Turn(reason)

	data := event.SessionCancelled{Reason: reason}
	for _, e := range o.queue.DrainAll() {
		data.Queued = append(data.Queued, e.Text())
	}
	if !t.streamed && !t.synthetic {
		t.handedBack = true
		data.Prompt = t.prompt
	}
	o.emitTurnLocked(event.KindSessionCancelled, t.id, data)
	return data.Prompt
}

// abortTurnLocked はresultを待たずにターンを閉じてチャネルを切り離す
func (o *Orchestrator) abortTurnLocked(t *turn) func() {
	for _, eff := range o.acc.Flush() {
		o.effectLocked(eff)
	}
	o.current = nil
	unresolved, userID := o.checkpoints.EndTurn()
	if userID == "" {
		userID = t.userID
	}
	if !t.handedBack {
		o.recoverLocked(t, unresolved, userID)
	}
	return o.detachLocked()
}

// Rewind はuserMessageIDの時点までファイルと会話を巻き戻す
//
// 会話を戻す場合は、次のSendでその直前のメッセージから分岐した新しいセッションになる。
// 最初のメッセージへ戻した場合はセッションごと消す。結果は通知でも返す。
func (o *Orchestrator) Rewind(ctx context.Context, userMessageID string, option checkpoint.Option) (checkpoint.RewindResult, error) {
	if option == "" {
		option = checkpoint.OptionCodeAndConversation
	}
	_, perr := checkpoint.ParseOption(string(option))
	valid := perr == nil && userMessageID != ""

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return checkpoint.RewindResult{}, ErrClosed
	}
	if o.current != nil || o.rewinding {
		o.mu.Unlock()
		return checkpoint.RewindResult{}, ErrTurnInProgress
	}
	o.rewinding = true
	o.silent = true
	sessionID := o.sessionID

	// 不正な要求もトラッカーに渡して世代を進め、エラーはそこで返す
	var files checkpoint.FileRestorer
	if valid && option.Files() && sessionID != "" {
		l, err := o.ensureLinkLocked(ctx)
		if err != nil {
			o.log.Warn().Err(err).Msg("no channel for file rewind")
		} else {
			files = l.ch
		}
	}
	var reader checkpoint.TranscriptReader
	if valid && o.resolver != nil {
		reader = o.resolver.Reader()
	}
	o.mu.Unlock()

	res, err := o.checkpoints.Rewind(ctx, checkpoint.RewindRequest{
		SessionID:     sessionID,
		UserMessageID: userMessageID,
		Option:        option,
	}, files, reader)

	if err != nil {
		o.mu.Lock()
		o.rewinding = false
		o.silent = false
		o.mu.Unlock()
		o.metrics.Rewind(string(option), "error")
		o.emit(event.KindRewindError, "", event.RewindError{
			UserMessageID: userMessageID,
			Option:        string(option),
			Error:         err.Error(),
		})
		return res, err
	}

	o.mu.Lock()
	o.rewinding = false
	var release func()
	switch {
	case res.Cleared:
		// 巻き戻しの中でチェックポイントは消えている
		if o.sessionID != "" {
			o.previousID = o.sessionID
		}
		release = o.resetLocked()
	case res.ResumeAt != "":
		release = o.detachLocked()
	default:
		release = func() {}
	}
	// 切り離したチャネルの終了はlinkEndedで無視されるので、以降のエラーは通知する
	o.silent = false
	o.mu.Unlock()
	release()

	outcome := "ok"
	data := event.RewindComplete{
		UserMessageID: userMessageID,
		Option:        string(option),
		Epoch:         res.Epoch,
		FilesRestored: res.FilesRestored,
		ResumeAt:      res.ResumeAt,
		Cleared:       res.Cleared,
	}
	if res.FileWarning != nil {
		outcome = "warning"
		data.Warning = res.FileWarning.Error()
	}
	o.metrics.Rewind(string(option), outcome)
	o.emit(event.KindRewindComplete, "", data)
	return res, nil
}

// IsFileRewindError はファイルの復元だけが失敗したかを返す
func IsFileRewindError(err error) bool {
	return errors.Is(err, checkpoint.ErrFileRewind)
}

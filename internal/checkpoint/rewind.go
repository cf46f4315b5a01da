package checkpoint

import (
	"context"
	"fmt"
)

// RewindRequest は巻き戻しの指示
type RewindRequest struct {
	SessionID     string
	UserMessageID string
	Option        Option
}

// RewindResult は巻き戻しの結果
type RewindResult struct {
	Epoch         uint64 // この巻き戻しで進んだ後の世代
	FilesRestored bool
	FileWarning   error  // 会話の分岐は成功したがファイル復元に失敗した
	ResumeAt      string // 次のターンの分岐元
	Cleared       bool   // 最初のメッセージへの巻き戻しでセッションごと消した
}

// Rewind はファイル復元と会話の分岐を行う
//
// 世代番号は要求の検証より前に必ず1つ進める。会話の分岐も指示されていれば
// ファイル復元の失敗はFileWarningに入れて処理を続ける。
func (t *Tracker) Rewind(ctx context.Context, req RewindRequest, files FileRestorer, transcript TranscriptReader) (RewindResult, error) {
	result := RewindResult{Epoch: t.epoch.Advance()}
	t.ClearInterrupted()

	if req.Option == "" {
		req.Option = OptionCodeAndConversation
	}
	if _, err := ParseOption(string(req.Option)); err != nil {
		return result, err
	}
	if req.UserMessageID == "" {
		return result, ErrNoUserMessage
	}

	log := t.log.With().
		Str("user_message_id", req.UserMessageID).
		Str("option", string(req.Option)).
		Uint64("epoch", result.Epoch).
		Logger()

	if req.Option.Files() {
		err := ErrFileRewind
		if files != nil {
			if ferr := files.RewindFiles(ctx, req.UserMessageID); ferr != nil {
				err = fmt.Errorf("%w: %v", ErrFileRewind, ferr)
			} else {
				err = nil
			}
		}
		if err != nil {
			if !req.Option.Conversation() {
				return result, err
			}
			log.Warn().Err(err).Msg("file rewind failed, forking conversation anyway")
			result.FileWarning = err
		} else {
			result.FilesRestored = true
		}
	}

	if !req.Option.Conversation() {
		return result, nil
	}

	if transcript == nil {
		return result, ErrNoTranscript
	}
	parent, err := transcript.ParentOf(ctx, req.SessionID, req.UserMessageID)
	if err != nil {
		return result, fmt.Errorf("resolve parent of %s: %w", req.UserMessageID, err)
	}

	if parent == "" {
		// 分岐元がないのでセッションごと消す
		t.Reset()
		result.Cleared = true
		log.Info().Msg("rewound to first message, session cleared")
		return result, nil
	}

	t.mu.Lock()
	t.resumeAt = parent
	t.mu.Unlock()
	result.ResumeAt = parent
	log.Info().Str("resume_at", parent).Msg("conversation forked")
	return result, nil
}

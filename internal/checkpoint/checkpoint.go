// Package checkpoint はアシスタントメッセージと巻き戻し先のユーザーメッセージの
// 対応を記録し、巻き戻し（ファイル復元と会話の分岐）を行う。
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/y-oga-819/claude-session/internal/logging"
)

var (
	// ErrInvalidOption は未知の巻き戻しオプション
	ErrInvalidOption = errors.New("invalid rewind option")
	// ErrFileRewind はファイル復元の失敗
	ErrFileRewind = errors.New("file rewind failed")
	// ErrNoTranscript は会話の分岐に必要なトランスクリプトが読めない
	ErrNoTranscript = errors.New("transcript unavailable")
	// ErrNoUserMessage は巻き戻し先のユーザーメッセージIDがない
	ErrNoUserMessage = errors.New("rewind: user message id is required")
)

// Option は巻き戻しの範囲
type Option string

const (
	OptionCodeAndConversation Option = "code-and-conversation"
	OptionConversationOnly    Option = "conversation-only"
	OptionCodeOnly            Option = "code-only"
)

// ParseOption は文字列をOptionに変換する（空文字はcode-and-conversation）
func ParseOption(s string) (Option, error) {
	switch Option(s) {
	case "":
		return OptionCodeAndConversation, nil
	case OptionCodeAndConversation, OptionConversationOnly, OptionCodeOnly:
		return Option(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOption, s)
}

// Files はファイル復元を含むかを返す
func (o Option) Files() bool {
	return o == OptionCodeAndConversation || o == OptionCodeOnly
}

// Conversation は会話の分岐を含むかを返す
func (o Option) Conversation() bool {
	return o == OptionCodeAndConversation || o == OptionConversationOnly
}

// Checkpoint はアシスタントメッセージから巻き戻し先ユーザーメッセージへの対応
type Checkpoint struct {
	SessionID   string
	TurnID      string
	AssistantID string
	UserID      string
	CreatedAt   time.Time
}

// Persister はチェックポイントの保存先
// 呼び出し元のロックを持ったまま呼ばれるので、時間のかかる保存は後回しにすること
type Persister interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
}

// PersisterFunc は関数をPersisterとして使う
type PersisterFunc func(ctx context.Context, cp Checkpoint) error

func (f PersisterFunc) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	return f(ctx, cp)
}

// FileRestorer はエージェントにファイル状態の復元を依頼する
type FileRestorer interface {
	RewindFiles(ctx context.Context, userMessageID string) error
}

// TranscriptReader は保存済みトランスクリプトの木を読む
type TranscriptReader interface {
	// ParentOf はuuidの親エントリのuuidを返す（ルートなら空文字）
	ParentOf(ctx context.Context, sessionID, uuid string) (string, error)
}

// Tracker はセッションごとのチェックポイントと巻き戻し状態を持つ
type Tracker struct {
	mu        sync.Mutex
	epoch     *Epoch
	persister Persister
	log       zerolog.Logger
	now       func() time.Time

	sessionID string
	entries   map[string]Checkpoint
	order     []string
	users     map[string]bool // 記録かエコーで結び付いたユーザーメッセージID

	// 現在のターン
	turnID     string
	lastUserID string
	waiting    []string // ユーザーメッセージIDが分かるまで保留中のアシスタントID

	resumeAt    string // 次のターンで分岐元にするメッセージ
	interrupted string // 中断したターンのID
}

// TrackerOption はTrackerの設定
type TrackerOption func(*Tracker)

// WithPersister はチェックポイントの保存先を設定する
func WithPersister(p Persister) TrackerOption {
	return func(t *Tracker) { t.persister = p }
}

// WithLogger はロガーを差し替える
func WithLogger(l zerolog.Logger) TrackerOption {
	return func(t *Tracker) { t.log = l }
}

// NewTracker はTrackerを作成する
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		epoch:   &Epoch{},
		entries: make(map[string]Checkpoint),
		users:   make(map[string]bool),
		log:     logging.For("checkpoint"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Epoch は巻き戻しの世代番号を返す
func (t *Tracker) Epoch() *Epoch {
	return t.epoch
}

// SetSession は保存時に使うセッションIDを設定する
func (t *Tracker) SetSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionID = sessionID
}

// BeginTurn は新しいターンを始める
func (t *Tracker) BeginTurn(turnID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turnID = turnID
	t.lastUserID = ""
	t.waiting = nil
}

// ObserveUser はターン内で見えたユーザーメッセージ（tool_resultを除く）のIDを記録する
// 保留中のアシスタントメッセージはこのIDで記録される
func (t *Tracker) ObserveUser(userID string) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	t.lastUserID = userID
	t.users[userID] = true
	waiting := t.waiting
	t.waiting = nil
	t.mu.Unlock()

	for _, assistantID := range waiting {
		t.TrackCheckpoint(assistantID, userID)
	}
}

// Track は確定したアシスタントメッセージを現在のユーザーメッセージに結び付ける
func (t *Tracker) Track(assistantID string) {
	if assistantID == "" {
		return
	}
	t.mu.Lock()
	userID := t.lastUserID
	if userID == "" {
		t.waiting = append(t.waiting, assistantID)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.TrackCheckpoint(assistantID, userID)
}

// Unresolved はユーザーメッセージIDが分からないまま閉じたターン
type Unresolved struct {
	TurnID       string
	AssistantIDs []string
}

// EndTurn は現在のターンを閉じ、ユーザーメッセージIDを待っているアシスタントIDを返す
// userIDはターン中に分かっていたユーザーメッセージID
func (t *Tracker) EndTurn() (u Unresolved, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u = Unresolved{TurnID: t.turnID, AssistantIDs: t.waiting}
	userID = t.lastUserID
	t.turnID = ""
	t.lastUserID = ""
	t.waiting = nil
	return u, userID
}

// Commit は後から分かったユーザーメッセージIDで閉じたターンの分を記録する
func (t *Tracker) Commit(u Unresolved, userID string) int {
	n := 0
	for _, assistantID := range u.AssistantIDs {
		if t.record(u.TurnID, assistantID, userID) {
			n++
		}
	}
	return n
}

// TrackCheckpoint は対応を追加する。既にあるアシスタントIDは上書きしない
func (t *Tracker) TrackCheckpoint(assistantID, userID string) bool {
	t.mu.Lock()
	turnID := t.turnID
	t.mu.Unlock()
	return t.record(turnID, assistantID, userID)
}

func (t *Tracker) record(turnID, assistantID, userID string) bool {
	t.mu.Lock()
	if _, ok := t.entries[assistantID]; ok || assistantID == "" || userID == "" {
		t.mu.Unlock()
		return false
	}
	cp := Checkpoint{
		SessionID:   t.sessionID,
		TurnID:      turnID,
		AssistantID: assistantID,
		UserID:      userID,
		CreatedAt:   t.now(),
	}
	t.entries[assistantID] = cp
	t.order = append(t.order, assistantID)
	t.users[userID] = true
	persister := t.persister
	t.mu.Unlock()

	if persister != nil {
		if err := persister.SaveCheckpoint(context.Background(), cp); err != nil {
			t.log.Warn().Err(err).Str("assistant_id", assistantID).Msg("persist checkpoint failed")
		}
	}
	return true
}

// Resolve はアシスタントメッセージの巻き戻し先を返す
func (t *Tracker) Resolve(assistantID string) (Checkpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp, ok := t.entries[assistantID]
	return cp, ok
}

// Bound はuserIDが既にどれかのターンに結び付いていればtrueを返す
func (t *Tracker) Bound(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.users[userID]
}

// Checkpoints は記録順の一覧を返す
func (t *Tracker) Checkpoints() []Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Checkpoint, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.entries[id])
	}
	return out
}

// ResumeAt は次のターンで分岐元にするメッセージを返す
func (t *Tracker) ResumeAt() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resumeAt
}

// ClearResumeAt は分岐元の指定を消す（新しいチャネルに渡した後に呼ぶ）
func (t *Tracker) ClearResumeAt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resumeAt = ""
}

// MarkInterrupted は中断したターンを記録する
func (t *Tracker) MarkInterrupted(turnID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interrupted = turnID
}

// Interrupted は中断したターンを返す
func (t *Tracker) Interrupted() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interrupted, t.interrupted != ""
}

// ClearInterrupted は中断の記録を消す
func (t *Tracker) ClearInterrupted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interrupted = ""
}

// Reset はチェックポイントと分岐状態を消す。世代番号はそのまま
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]Checkpoint)
	t.order = nil
	t.users = make(map[string]bool)
	t.turnID = ""
	t.lastUserID = ""
	t.waiting = nil
	t.resumeAt = ""
	t.interrupted = ""
	t.sessionID = ""
}

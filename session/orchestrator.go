// Package session はエージェントとの1つの会話を管理する。
//
// Orchestratorはチャネルの開閉、ターンの進行、許可確認、キューに積んだ入力の配信、
// 中断と巻き戻しをまとめ、表示層にはevent.Eventの列だけを渡す。
// 受信メッセージは1本のゴルーチンで受信順に処理する。
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/y-oga-819/claude-session/internal/accumulator"
	"github.com/y-oga-819/claude-session/internal/budget"
	"github.com/y-oga-819/claude-session/internal/checkpoint"
	"github.com/y-oga-819/claude-session/internal/correlation"
	"github.com/y-oga-819/claude-session/internal/event"
	"github.com/y-oga-819/claude-session/internal/hooks"
	"github.com/y-oga-819/claude-session/internal/inject"
	"github.com/y-oga-819/claude-session/internal/logging"
	"github.com/y-oga-819/claude-session/internal/metrics"
	"github.com/y-oga-819/claude-session/internal/permission"
	"github.com/y-oga-819/claude-session/internal/protocol"
	"github.com/y-oga-819/claude-session/internal/transcript"
)

var (
	// ErrTurnInProgress はターンの途中に新しいターンを始めようとした
	ErrTurnInProgress = errors.New("a turn is already in progress")
	// ErrNoChannel はエージェントとのチャネルがない
	ErrNoChannel = errors.New("no agent channel")
	// ErrClosed はClose済み
	ErrClosed = errors.New("session is closed")
	// ErrUnknownPermissionRequest は応答待ちでない許可確認
	ErrUnknownPermissionRequest = errors.New("unknown permission request")
)

// compactPrompt はエージェントに会話の圧縮を求める入力
const compactPrompt = "/compact"

// storeTimeout はストアへの1回の保存にかける時間
const storeTimeout = 5 * time.Second

// sessionHookEvents はセッション側で応答するフック
var sessionHookEvents = []hooks.Event{
	hooks.EventPostToolUse,
	hooks.EventPostToolUseFailure,
	hooks.EventNotification,
}

// hookEvents はセッション側で応答するフックに利用者が登録したフックを加える
func hookEvents(registered []hooks.Event) []hooks.Event {
	events := append([]hooks.Event(nil), sessionHookEvents...)
	for _, ev := range registered {
		if !slices.Contains(events, ev) {
			events = append(events, ev)
		}
	}
	return events
}

// link は開いているチャネル1本
type link struct {
	ch      Channel
	done    chan struct{} // 受信ループの終了
	resumed bool
	started bool // sessionStartedを通知した
}

// turn は1回のユーザーターン
type turn struct {
	id        string
	prompt    string // トランスクリプトと照合するテキスト
	localID   string
	synthetic bool // 圧縮など内部で合成したターン
	queued    bool // キューからの配信（userMessageは積んだ時点で通知済み）
	sentAt    time.Time

	streamed   bool // 何か表示された
	cancelled  bool
	handedBack bool // 入力を利用者に戻した
	userID     string
}

// pendingPermission は利用者の判断を待つ許可確認
type pendingPermission struct {
	req        *protocol.PermissionRequest
	ref        correlation.Ref
	correlated bool
	turnID     string
	stop       func() bool
}

// Orchestrator は1つの会話を管理する
type Orchestrator struct {
	name     string
	log      zerolog.Logger
	dialer   Dialer
	sink     event.Sink
	emitter  *serial // 通知
	writer   *serial // ストアへの保存
	metrics  *metrics.Metrics
	store    Store
	resolver *transcript.Resolver

	table       *correlation.Table
	tools       *correlation.Tracker
	acc         *accumulator.Accumulator
	checkpoints *checkpoint.Tracker
	queue       *inject.Queue
	monitor     *budget.Monitor
	perms       *permission.Manager
	hooks       *hooks.Manager
	hookEvents  []hooks.Event // エージェントに登録するフック

	// 受信ループ以外で走る処理（トランスクリプトの解決、フック応答）
	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	mu             sync.Mutex
	link           *link
	sessionID      string
	previousID     string
	current        *turn
	silent         bool // 利用者が止めたのでエラーを通知しない
	rewinding      bool
	compactPending bool
	pending        map[string]*pendingPermission
	closed         bool
}

// New はOrchestratorを作成する。チャネルは最初のSendで開く
func New(opts Options) (*Orchestrator, error) {
	if opts.Dialer == nil {
		return nil, errors.New("session: dialer is required")
	}
	monitor, err := budget.NewMonitor(opts.Budget)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	name := opts.Name
	if name == "" {
		name = ulid.Make().String()
	}
	log := logging.For("session")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	log = log.With().Str("session", name).Logger()

	// 拒否ルールを先に評価させる
	perms := permission.NewManager(opts.PermissionMode)
	if err := perms.DenyTools(opts.DisallowedTools...); err != nil {
		return nil, fmt.Errorf("session: disallowed tools: %w", err)
	}
	if err := perms.AllowTools(opts.AllowedTools...); err != nil {
		return nil, fmt.Errorf("session: allowed tools: %w", err)
	}
	if opts.CanUseTool != nil {
		perms.SetCanUseToolCallback(opts.CanUseTool)
	}

	hm := hooks.NewManager()
	for ev, entries := range opts.Hooks {
		for _, entry := range entries {
			hm.Register(ev, entry)
		}
	}

	sink := opts.Sink
	if sink == nil {
		sink = event.Discard
	}

	table := correlation.NewTable()
	tools := correlation.NewTracker()
	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		name:       name,
		log:        log,
		dialer:     opts.Dialer,
		sink:       sink,
		emitter:    newSerial(),
		writer:     newSerial(),
		metrics:    opts.Metrics,
		store:      opts.Store,
		resolver:   opts.Resolver,
		table:      table,
		tools:      tools,
		acc:        accumulator.New(table, tools),
		queue:      inject.New(),
		monitor:    monitor,
		perms:      perms,
		hooks:      hm,
		hookEvents: hookEvents(hm.Events()),
		ctx:        ctx,
		cancel:     cancel,
		sessionID:  opts.Resume,
		pending:    make(map[string]*pendingPermission),
	}
	trackerOpts := []checkpoint.TrackerOption{checkpoint.WithLogger(log)}
	if opts.Store != nil {
		trackerOpts = append(trackerOpts, checkpoint.WithPersister(checkpoint.PersisterFunc(o.persistCheckpoint)))
	}
	o.checkpoints = checkpoint.NewTracker(trackerOpts...)
	o.checkpoints.SetSession(opts.Resume)
	o.metrics.SessionOpened()
	return o, nil
}

// Name は通知に付けるキーを返す
func (o *Orchestrator) Name() string { return o.name }

// SessionID はエージェントのセッションIDを返す。まだなければ空文字
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// PreviousSessionID は直前のセッションIDを返す
func (o *Orchestrator) PreviousSessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.previousID
}

// Processing はターンの途中かを返す
func (o *Orchestrator) Processing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current != nil
}

// Connected はチャネルが開いているかを返す
func (o *Orchestrator) Connected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.link != nil
}

// Checkpoints は記録済みのチェックポイントを返す
func (o *Orchestrator) Checkpoints() []checkpoint.Checkpoint {
	return o.checkpoints.Checkpoints()
}

// Epoch は巻き戻しの世代番号を返す
func (o *Orchestrator) Epoch() uint64 {
	return o.checkpoints.Epoch().Current()
}

// ContextState はコンテキスト消費の状態を返す
func (o *Orchestrator) ContextState() budget.State {
	return o.monitor.State()
}

// Queued はキューに積まれている入力の数を返す
func (o *Orchestrator) Queued() int {
	return o.queue.Len()
}

// Send は新しいターンを始めてターンIDを返す。contentは文字列か []protocol.ContentBlock
// チャネルがなければ開く。ターンの途中ならErrTurnInProgress
func (o *Orchestrator) Send(ctx context.Context, content any, localID string) (string, error) {
	if err := validateContent(content); err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", ErrClosed
	}
	if o.current != nil || o.rewinding {
		return "", ErrTurnInProgress
	}

	t := &turn{id: ulid.Make().String(), prompt: promptText(content), localID: localID}
	if err := o.startTurnLocked(ctx, t, content); err != nil {
		return "", err
	}
	return t.id, nil
}

// Queue はターンの途中の入力を積み、配信IDを返す
// 次のツール完了かターン終了のどちらか早い方で届く。チャネルがなければErrNoChannel
func (o *Orchestrator) Queue(content any, localID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", ErrClosed
	}

	entry, ok, err := o.queue.Enqueue(content, localID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNoChannel
	}

	multimodal := entry.Multimodal()
	o.emitLocked(event.KindUserMessage, event.UserMessage{
		LocalID: entry.ID,
		Text:    entry.Text(),
		Content: content,
		Queued:  true,
	})
	rec := queuedRecord(o.sessionID, entry, multimodal)
	o.write(func(ctx context.Context) {
		if _, err := o.store.SaveQueued(ctx, rec); err != nil {
			o.log.Warn().Err(err).Str("id", rec.ID).Msg("failed to persist queued message")
		}
	})

	if o.current == nil {
		// ターンが終わっていればすぐ配信する
		o.afterTurnLocked()
	}
	return entry.ID, nil
}

// startTurnLocked はチャネルを用意してターンを送信する
func (o *Orchestrator) startTurnLocked(ctx context.Context, t *turn, content any) error {
	l, err := o.ensureLinkLocked(ctx)
	if err != nil {
		return err
	}

	o.current = t
	o.silent = false
	o.acc.Begin(t.id)
	o.checkpoints.BeginTurn(t.id)

	t.sentAt = time.Now()
	if err := l.ch.Send(ctx, content); err != nil {
		o.current = nil
		o.checkpoints.EndTurn()
		o.metrics.Turn("error")
		return fmt.Errorf("send: %w", err)
	}
	if !t.queued && !t.synthetic {
		o.emitLocked(event.KindUserMessage, event.UserMessage{
			LocalID: t.localID,
			Text:    t.prompt,
			Content: content,
		})
	}
	return nil
}

// ensureLinkLocked はチャネルがなければ開く
// 巻き戻しで分岐元が決まっていれば、そこから分岐した新しいセッションになる
func (o *Orchestrator) ensureLinkLocked(ctx context.Context) (*link, error) {
	if o.link != nil {
		return o.link, nil
	}

	opts := DialOptions{
		Resume:     o.sessionID,
		ResumeAt:   o.checkpoints.ResumeAt(),
		HookEvents: o.hookEvents,
	}
	ch, err := o.dialer.Dial(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoChannel, err)
	}
	if opts.ResumeAt != "" {
		o.checkpoints.ClearResumeAt()
	}

	l := &link{ch: ch, done: make(chan struct{}), resumed: opts.Resume != ""}
	o.link = l
	o.queue.SetOpen(true)
	o.log.Info().
		Str("resume", opts.Resume).
		Str("resume_at", opts.ResumeAt).
		Msg("agent channel opened")

	go o.consume(l)
	return l, nil
}

// detachLocked はチャネルを切り離し、閉じる関数を返す
// 返した関数はロックを外してから呼ぶ
func (o *Orchestrator) detachLocked() func() {
	l := o.link
	if l == nil {
		return func() {}
	}
	o.link = nil
	o.queue.SetOpen(false)

	for id, p := range o.pending {
		delete(o.pending, id)
		p.stop()
		if p.correlated {
			if inv, ok := o.tools.Advance(p.ref.ToolCallID, correlation.StatusAbandoned); ok {
				o.tools.Remove(inv.ID)
				o.metrics.ToolTransition(string(inv.Status))
				o.emitTurnLocked(event.KindToolAbandoned, p.turnID, toolData(inv, "session closed", false))
			}
		}
	}

	return func() {
		if err := l.ch.Close(); err != nil {
			o.log.Debug().Err(err).Msg("channel close")
		}
		<-l.done
	}
}

// Reset はチャネルを閉じて新しい会話にする。直前のセッションIDは残る
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	if o.sessionID != "" {
		o.previousID = o.sessionID
	}
	release := o.resetLocked()
	o.mu.Unlock()
	release()
}

// Clear はResetと同じだが直前のセッションIDも消す
func (o *Orchestrator) Clear() {
	o.mu.Lock()
	release := o.resetLocked()
	o.previousID = ""
	o.mu.Unlock()
	release()
}

// ResumePrevious は直前のセッションに切り替える。次のSendで再開する
func (o *Orchestrator) ResumePrevious() (string, error) {
	o.mu.Lock()
	if o.current != nil {
		o.mu.Unlock()
		return "", ErrTurnInProgress
	}
	prev := o.previousID
	if prev == "" {
		o.mu.Unlock()
		return "", errors.New("no previous session")
	}
	current := o.sessionID
	release := o.resetLocked()
	o.sessionID = prev
	o.previousID = current
	o.checkpoints.SetSession(prev)
	o.mu.Unlock()
	release()
	return prev, nil
}

func (o *Orchestrator) resetLocked() func() {
	release := o.detachLocked()
	o.sessionID = ""
	o.current = nil
	o.silent = false
	o.compactPending = false
	o.acc.Reset()
	o.table.Reset()
	o.tools.Reset()
	o.checkpoints.Reset()
	o.queue.Clear()
	o.monitor.Reset()
	o.metrics.ForgetSession(o.name)
	return release
}

// Close はチャネルを閉じ、進行中の処理を待って通知を止める（冪等）
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.current = nil
	release := o.detachLocked()
	o.mu.Unlock()

	release()
	o.cancel()
	o.tasks.Wait()
	o.writer.close()
	o.emitter.close()
	o.metrics.ForgetSession(o.name)
	o.metrics.SessionClosed()
	return nil
}

// goTask はClose時に待つゴルーチンを起動する
func (o *Orchestrator) goTask(fn func(ctx context.Context)) {
	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		fn(o.ctx)
	}()
}

func (o *Orchestrator) emitLocked(kind event.Kind, data any) {
	o.emitTurnLocked(kind, o.currentTurnIDLocked(), data)
}

func (o *Orchestrator) emitTurnLocked(kind event.Kind, turnID string, data any) {
	o.emit(kind, turnID, data)
}

// emit はロックなしで呼べる
func (o *Orchestrator) emit(kind event.Kind, turnID string, data any) {
	ev := event.New(kind, o.name, turnID, data)
	o.emitter.do(func() { o.sink.Emit(ev) })
}

// write はストアへの保存を積んだ順に行う。ストアがなければ何もしない
func (o *Orchestrator) write(fn func(ctx context.Context)) {
	if o.store == nil {
		return
	}
	o.writer.do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		fn(ctx)
	})
}

func (o *Orchestrator) currentTurnIDLocked() string {
	if o.current == nil {
		return ""
	}
	return o.current.id
}

func validateContent(content any) error {
	switch v := content.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return errors.New("empty message")
		}
		return nil
	case []protocol.ContentBlock:
		if len(v) == 0 {
			return errors.New("empty message")
		}
		return nil
	}
	return fmt.Errorf("unsupported content type %T", content)
}

// promptText はトランスクリプトに記録されるのと同じ形でテキストを取り出す
func promptText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []protocol.ContentBlock:
		var texts []string
		for _, b := range v {
			if b.Type == protocol.BlockText {
				texts = append(texts, b.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}

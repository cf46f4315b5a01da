// Package accumulator は部分イベントと完全なメッセージの混ざった受信列から
// 確定したアシスタントメッセージを組み立てる。
//
// Accumulatorは副作用を持たず、各イベントの結果をEffectの列として返す。
// 通知のタイミングは呼び出し側が決める。
package accumulator

import (
	"strings"
	"time"

	"github.com/y-oga-819/claude-session/internal/correlation"
	"github.com/y-oga-819/claude-session/internal/protocol"
)

// pending は開いているアシスタントメッセージ
type pending struct {
	id         string // thinkingフェーズでは空
	turnID     string
	model      string
	stopReason string
	blocks     []protocol.ContentBlock
	claimed    int // 先頭から何個のブロックが完全なメッセージで確定したか

	// まだブロックになっていないストリーム差分
	text     strings.Builder
	thinking strings.Builder

	thinkingStart    time.Time
	thinkingDone     bool
	thinkingDuration time.Duration
}

// Accumulator はセッションごとに1つ持つ
type Accumulator struct {
	table   *correlation.Table
	tracker *correlation.Tracker
	now     func() time.Time

	turnID string
	open   *pending
}

// Option はAccumulatorの設定
type Option func(*Accumulator)

// WithClock は時刻の取得元を差し替える
func WithClock(now func() time.Time) Option {
	return func(a *Accumulator) { a.now = now }
}

// New はAccumulatorを作成する
// tool_useはtableとtrackerに登録される
func New(table *correlation.Table, tracker *correlation.Tracker, opts ...Option) *Accumulator {
	a := &Accumulator{
		table:   table,
		tracker: tracker,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Begin は以降に開くメッセージに付けるターンIDを設定する
func (a *Accumulator) Begin(turnID string) {
	a.turnID = turnID
}

// Open はメッセージが開いているかを返す
func (a *Accumulator) Open() bool {
	return a.open != nil
}

// OpenMessageID は開いているメッセージのIDを返す
func (a *Accumulator) OpenMessageID() string {
	if a.open == nil {
		return ""
	}
	return a.open.id
}

// HasContent は開いているメッセージに何か内容があるかを返す
func (a *Accumulator) HasContent() bool {
	p := a.open
	return p != nil && (len(p.blocks) > 0 || p.text.Len() > 0 || p.thinking.Len() > 0)
}

// Reset は開いているメッセージを確定させずに捨てる
func (a *Accumulator) Reset() {
	a.open = nil
	a.turnID = ""
}

// Apply は受信メッセージを1つ反映する
func (a *Accumulator) Apply(msg protocol.Message) []Effect {
	switch m := msg.(type) {
	case *protocol.StreamEventMessage:
		if m.ParentToolUseID != nil {
			// サブエージェントの差分は完全なメッセージで扱う
			return nil
		}
		return a.applyStreamEvent(&m.Event)
	case *protocol.AssistantMessage:
		if m.ParentToolUseID != nil {
			return a.applySubagent(m)
		}
		return a.applyAssistant(m)
	}
	return nil
}

func (a *Accumulator) applyStreamEvent(ev *protocol.StreamEvent) []Effect {
	var effects []Effect

	switch ev.Type {
	case protocol.EventMessageStart:
		if ev.Message == nil {
			return nil
		}
		effects = a.ensureOpen(ev.Message.ID, effects)
		if ev.Message.Model != "" {
			a.open.model = ev.Message.Model
		}
		if ev.Message.Usage != nil {
			effects = append(effects, UsageReport{MessageID: ev.Message.ID, Usage: *ev.Message.Usage})
		}

	case protocol.EventContentBlockStart:
		if ev.ContentBlock == nil || ev.ContentBlock.Type != protocol.BlockToolUse {
			return nil
		}
		effects = a.ensureOpen("", effects)
		effects = a.addToolUse(*ev.ContentBlock, false, effects)

	case protocol.EventContentBlockDelta:
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case protocol.DeltaThinking:
			effects = a.ensureOpen("", effects)
			p := a.open
			if p.thinkingStart.IsZero() {
				p.thinkingStart = a.now()
			}
			p.thinking.WriteString(ev.Delta.Thinking)
			effects = append(effects, Partial{
				MessageID: p.id,
				TurnID:    p.turnID,
				BlockType: protocol.BlockThinking,
				Delta:     ev.Delta.Thinking,
				Buffered:  p.thinking.String(),
			})
		case protocol.DeltaText:
			effects = a.ensureOpen("", effects)
			effects = a.endThinking(effects)
			p := a.open
			p.text.WriteString(ev.Delta.Text)
			effects = append(effects, Partial{
				MessageID: p.id,
				TurnID:    p.turnID,
				BlockType: protocol.BlockText,
				Delta:     ev.Delta.Text,
				Buffered:  p.text.String(),
			})
		}

	case protocol.EventContentBlockStop:
		if a.open != nil {
			a.commitBuffers()
		}

	case protocol.EventMessageDelta:
		if a.open == nil {
			return nil
		}
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			a.open.stopReason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			effects = append(effects, UsageReport{MessageID: a.open.id, Usage: *ev.Usage})
		}
	}

	return effects
}

func (a *Accumulator) applyAssistant(m *protocol.AssistantMessage) []Effect {
	var effects []Effect
	effects = a.ensureOpen(m.Message.ID, effects)
	p := a.open

	if m.Message.Model != "" {
		p.model = m.Message.Model
	}
	if m.Message.StopReason != nil {
		p.stopReason = *m.Message.StopReason
	}

	for _, b := range m.Message.Content {
		switch b.Type {
		case protocol.BlockThinking:
			p.commitText()
			if p.thinkingStart.IsZero() {
				p.thinkingStart = a.now()
			}
			p.claim(b, &p.thinking)

		case protocol.BlockText:
			effects = a.endThinking(effects)
			p.commitThinking()
			p.claim(b, &p.text)

		case protocol.BlockToolUse:
			effects = a.addToolUse(b, true, effects)

		default:
			a.commitBuffers()
			p.blocks = append(p.blocks, b)
			p.claimed = len(p.blocks)
		}
	}

	if m.Message.Usage != nil {
		effects = append(effects, UsageReport{MessageID: m.Message.ID, Usage: *m.Message.Usage})
	}
	return effects
}

func (a *Accumulator) applySubagent(m *protocol.AssistantMessage) []Effect {
	parent := *m.ParentToolUseID
	var effects []Effect

	for _, b := range m.Message.Content {
		if b.Type != protocol.BlockToolUse {
			continue
		}
		if _, ok := a.tracker.Get(b.ID); ok {
			continue
		}
		a.table.Announce(b.Name, correlation.Ref{ToolCallID: b.ID, ParentID: parent})
		inv := a.tracker.Track(correlation.Invocation{
			ID:        b.ID,
			Name:      b.Name,
			MessageID: m.Message.ID,
			ParentID:  parent,
			Input:     b.Input,
		})
		effects = append(effects, ToolStreaming{Invocation: inv})
	}

	msg := Message{
		ID:              m.Message.ID,
		TurnID:          a.turnID,
		Model:           m.Message.Model,
		Content:         m.Message.Content,
		ParentToolUseID: parent,
	}
	if m.Message.StopReason != nil {
		msg.StopReason = *m.Message.StopReason
	}
	return append(effects, Subagent{Message: msg})
}

// addToolUse はバッファ中のテキストを先に確定させてからtool_useを積む
// fullなら完全なメッセージのブロックとして確定させる
func (a *Accumulator) addToolUse(b protocol.ContentBlock, full bool, effects []Effect) []Effect {
	p := a.open
	effects = a.endThinking(effects)

	for i := range p.blocks {
		if p.blocks[i].Type == protocol.BlockToolUse && p.blocks[i].ID == b.ID {
			if full && i >= p.claimed {
				p.claimed = i + 1
			}
			// ストリームで先に出ていたブロックを完全な入力で更新する
			if b.Input != nil {
				p.blocks[i].Input = b.Input
				if inv, ok := a.tracker.Get(b.ID); ok {
					inv.Input = b.Input
					a.tracker.Track(inv)
				}
			}
			return effects
		}
	}

	a.commitBuffers()
	p.blocks = append(p.blocks, b)
	if full {
		p.claimed = len(p.blocks)
	}

	a.table.Announce(b.Name, correlation.Ref{ToolCallID: b.ID})
	inv := a.tracker.Track(correlation.Invocation{
		ID:        b.ID,
		Name:      b.Name,
		MessageID: p.id,
		Input:     b.Input,
	})
	return append(effects, ToolStreaming{Invocation: inv})
}

// ensureOpen はidのメッセージを開いた状態にする
// 別IDのメッセージが開いていればそれを先に確定させる
func (a *Accumulator) ensureOpen(id string, effects []Effect) []Effect {
	if p := a.open; p != nil {
		switch {
		case id == "" || p.id == id:
			return effects
		case p.id == "":
			// thinkingフェーズで開いたものにIDが付いた
			p.id = id
			return effects
		}
		effects = append(effects, a.Flush()...)
	}

	a.open = &pending{id: id, turnID: a.turnID}
	return effects
}

// endThinking はthinking以外のブロックが初めて現れた時点で経過時間を確定させる
func (a *Accumulator) endThinking(effects []Effect) []Effect {
	p := a.open
	if p.thinkingDone {
		return effects
	}
	p.thinkingDone = true
	if p.thinkingStart.IsZero() {
		return effects
	}
	p.thinkingDuration = a.now().Sub(p.thinkingStart)
	return append(effects, ThinkingDone{MessageID: p.id, Duration: p.thinkingDuration})
}

func (a *Accumulator) commitBuffers() {
	a.open.commitThinking()
	a.open.commitText()
}

func (p *pending) commitThinking() {
	if p.thinking.Len() == 0 {
		return
	}
	p.blocks = append(p.blocks, protocol.ContentBlock{Type: protocol.BlockThinking, Thinking: p.thinking.String()})
	p.thinking.Reset()
}

func (p *pending) commitText() {
	if p.text.Len() == 0 {
		return
	}
	p.blocks = append(p.blocks, protocol.ContentBlock{Type: protocol.BlockText, Text: p.text.String()})
	p.text.Reset()
}

// claim は完全なブロックbを、位置が次に当たるストリーム由来のブロックと置き換える
// 該当するブロックがなければbufの未確定の差分を捨てて末尾に足す
// 同じ文面のブロックが続いても別のブロックとして扱う
func (p *pending) claim(b protocol.ContentBlock, buf *strings.Builder) {
	if p.claimed < len(p.blocks) && p.blocks[p.claimed].Type == b.Type {
		p.blocks[p.claimed] = b
		p.claimed++
		return
	}
	buf.Reset()
	p.blocks = append(p.blocks, b)
	p.claimed = len(p.blocks)
}

// Flush は開いているメッセージを確定させる。開いていなければ何もしない
//
// 許可確認にも終端にも達していないtool_useはabandonedにする。
func (a *Accumulator) Flush() []Effect {
	p := a.open
	if p == nil {
		return nil
	}
	a.open = nil
	p.commitThinking()
	p.commitText()

	var effects []Effect
	if p.id != "" {
		for _, inv := range a.tracker.PendingForMessage(p.id) {
			advanced, ok := a.tracker.Advance(inv.ID, correlation.StatusAbandoned)
			if !ok {
				continue
			}
			a.table.Withdraw(inv.ID)
			effects = append(effects, ToolAbandoned{Invocation: advanced})
		}
	}

	if p.id == "" && len(p.blocks) == 0 {
		return effects
	}

	return append(effects, Finalized{Message: Message{
		ID:               p.id,
		TurnID:           p.turnID,
		Model:            p.model,
		Content:          p.blocks,
		StopReason:       p.stopReason,
		ThinkingDuration: p.thinkingDuration,
	}})
}

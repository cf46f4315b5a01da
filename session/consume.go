package session

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"

	"github.com/y-oga-819/claude-session/claude"
	"github.com/y-oga-819/claude-session/internal/accumulator"
	"github.com/y-oga-819/claude-session/internal/budget"
	"github.com/y-oga-819/claude-session/internal/correlation"
	"github.com/y-oga-819/claude-session/internal/event"
	"github.com/y-oga-819/claude-session/internal/inject"
	"github.com/y-oga-819/claude-session/internal/permission"
	"github.com/y-oga-819/claude-session/internal/protocol"
	"github.com/y-oga-819/claude-session/internal/store"
)

// consume はチャネル1本の受信ループ。チャネルが閉じるまで受信順に処理する
func (o *Orchestrator) consume(l *link) {
	defer close(l.done)

	msgs, errs := l.ch.Messages(), l.ch.Errors()
	for msgs != nil || errs != nil {
		select {
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			o.handle(l, msg)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			o.handleError(l, err)
		}
	}
	o.linkEnded(l)
}

func (o *Orchestrator) handle(l *link, msg protocol.Message) {
	// 許可確認の判定はロックの外で行う
	if req, ok := msg.(*protocol.PermissionRequest); ok {
		o.handlePermission(l, req)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.link != l {
		// 切り離したチャネルの残り
		if req, ok := msg.(*protocol.HookRequest); ok {
			_ = req.Respond(protocol.HookOutput{})
		}
		return
	}

	switch m := msg.(type) {
	case *protocol.SystemMessage:
		o.handleSystemLocked(l, m)
	case *protocol.StreamEventMessage, *protocol.AssistantMessage:
		o.applyLocked(m)
	case *protocol.UserMessage:
		o.handleUserLocked(m)
	case *protocol.ResultMessage:
		o.handleResultLocked(m)
	case *protocol.HookRequest:
		o.handleHookLocked(m)
	default:
		o.log.Debug().Str("type", msg.MessageType()).Msg("message ignored")
	}
}

func (o *Orchestrator) handleError(l *link, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.link != l {
		return
	}
	o.log.Warn().Err(err).Msg("agent channel error")
	if !o.silent {
		o.emitLocked(event.KindError, event.Error{Message: err.Error()})
	}
}

// linkEnded はチャネルが閉じた後の後始末
// こちらから切り離していなければエージェントが落ちたとみなす
func (o *Orchestrator) linkEnded(l *link) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.link != l {
		return
	}
	// 受信ループ自身なので終了は待たない
	o.detachLocked()
	_ = l.ch.Close()

	for _, eff := range o.acc.Flush() {
		o.effectLocked(eff)
	}
	if t := o.current; t != nil {
		o.current = nil
		o.checkpoints.EndTurn()
		o.metrics.Turn("error")
		if !o.silent {
			o.emitTurnLocked(event.KindError, t.id, event.Error{Message: "agent channel closed unexpectedly"})
		}
	}
	o.log.Warn().Msg("agent channel closed")
}

func (o *Orchestrator) applyLocked(msg protocol.Message) {
	for _, eff := range o.acc.Apply(msg) {
		o.effectLocked(eff)
	}
}

// effectLocked はAccumulatorの結果を通知に変える
func (o *Orchestrator) effectLocked(eff accumulator.Effect) {
	switch e := eff.(type) {
	case accumulator.Partial:
		o.markStreamedLocked()
		o.emitTurnLocked(event.KindPartial, e.TurnID, event.Partial{
			MessageID: e.MessageID,
			BlockType: e.BlockType,
			Delta:     e.Delta,
			Buffered:  e.Buffered,
		})
	case accumulator.ToolStreaming:
		o.markStreamedLocked()
		o.metrics.ToolTransition(string(e.Invocation.Status))
		o.emitLocked(event.KindToolStreaming, toolData(e.Invocation, "", false))
	case accumulator.ToolAbandoned:
		o.tools.Remove(e.Invocation.ID)
		o.metrics.ToolTransition(string(e.Invocation.Status))
		o.emitLocked(event.KindToolAbandoned, toolData(e.Invocation, "", false))
	case accumulator.Finalized:
		o.markStreamedLocked()
		o.checkpoints.Track(e.Message.ID)
		o.emitTurnLocked(event.KindAssistant, e.Message.TurnID, event.Assistant{Message: e.Message})
	case accumulator.Subagent:
		o.emitTurnLocked(event.KindAssistant, e.Message.TurnID, event.Assistant{Message: e.Message, Subagent: true})
	case accumulator.ThinkingDone:
		o.log.Debug().Str("message_id", e.MessageID).Dur("duration", e.Duration).Msg("thinking done")
	case accumulator.UsageReport:
		o.observeUsageLocked(e.Usage)
	}
}

func (o *Orchestrator) markStreamedLocked() {
	if o.current != nil {
		o.current.streamed = true
	}
}

// observeUsageLocked はコンテキスト消費を更新する
// 入力側のトークンがない報告（message_deltaの出力だけの集計）は使わない
func (o *Orchestrator) observeUsageLocked(u protocol.Usage) {
	if u.InputTokens+u.CacheReadTokens+u.CacheCreationTokens == 0 {
		return
	}
	tr := o.monitor.ObserveUsage(u)
	o.metrics.Context(o.name, tr.State.Percent)

	data := contextData(tr.State)
	if tr.Changed && tr.State.Level != budget.LevelNone {
		o.emitLocked(event.KindContextWarning, data)
	}
	if tr.Compact {
		o.compactPending = true
		o.metrics.CompactRequested()
		o.emitLocked(event.KindCompactRequested, data)
	}
}

func (o *Orchestrator) handleSystemLocked(l *link, m *protocol.SystemMessage) {
	switch m.Subtype {
	case protocol.SystemInit:
		info := m.Init()
		o.adoptSessionLocked(info.SessionID)
		if l.started {
			return
		}
		l.started = true
		servers := make([]string, 0, len(info.MCPServers))
		for _, s := range info.MCPServers {
			servers = append(servers, s.Name)
		}
		o.emitLocked(event.KindSessionStarted, event.SessionStarted{
			SessionID:  info.SessionID,
			Model:      info.Model,
			Tools:      info.Tools,
			MCPServers: servers,
			Resumed:    l.resumed,
		})

	case protocol.SystemCompactBoundary:
		data := event.CompactBoundary{}
		if meta, ok := m.Data["compact_metadata"].(map[string]any); ok {
			data.Trigger, _ = meta["trigger"].(string)
			if n, ok := meta["pre_tokens"].(float64); ok {
				data.PreTokens = int(n)
			}
		}
		o.emitLocked(event.KindCompactBoundary, data)

	default:
		if sid := m.SessionID(); sid != "" {
			o.adoptSessionLocked(sid)
		}
	}
}

// adoptSessionLocked はエージェントが報告したセッションIDに切り替える
// 分岐などでIDが変わったら元のIDを直前のセッションとして残す
func (o *Orchestrator) adoptSessionLocked(sid string) {
	if sid == "" || sid == o.sessionID {
		return
	}
	if o.sessionID != "" {
		o.previousID = o.sessionID
	}
	o.sessionID = sid
	o.checkpoints.SetSession(sid)
	o.log.Info().Str("session_id", sid).Msg("agent session")
}

func (o *Orchestrator) handleUserLocked(m *protocol.UserMessage) {
	results := m.ToolResults()
	for _, r := range results {
		o.finishToolLocked(r.ToolUseID, r.IsError, "")
	}
	if len(results) > 0 || m.UUID == "" || m.IsSynthetic || m.IsCompactSummary || m.ParentToolUseID != nil {
		return
	}

	// 送信したユーザーメッセージのエコー
	o.checkpoints.ObserveUser(m.UUID)
	if t := o.current; t != nil && t.userID == "" {
		t.userID = m.UUID
		o.emitLocked(event.KindUserMessageResolved, event.UserMessageResolved{
			UserMessageID: m.UUID,
			Text:          m.PlainText(),
		})
	}
}

// finishToolLocked はツール呼び出しを終端にする。二度目以降は何もしない
func (o *Orchestrator) finishToolLocked(id string, failed bool, reason string) {
	if id == "" {
		return
	}
	status, kind := correlation.StatusCompleted, event.KindToolCompleted
	if failed {
		status, kind = correlation.StatusFailed, event.KindToolFailed
	}

	o.table.Withdraw(id)
	inv, ok := o.tools.Advance(id, status)
	if !ok {
		return
	}
	o.tools.Remove(id)
	o.metrics.ToolTransition(string(status))
	o.emitLocked(kind, toolData(inv, reason, false))
}

func (o *Orchestrator) handleResultLocked(m *protocol.ResultMessage) {
	for _, eff := range o.acc.Flush() {
		o.effectLocked(eff)
	}

	t := o.current
	o.current = nil
	unresolved, userID := o.checkpoints.EndTurn()
	turnID := ""
	if t != nil {
		turnID = t.id
		if userID == "" {
			userID = t.userID
		}
	}

	o.adoptSessionLocked(m.SessionID)

	cost := event.Cost{TotalUSD: m.TotalCostUSD, MaxUSD: o.monitor.Config().MaxBudgetUSD}
	if cost.MaxUSD > 0 {
		cost.Percent = m.TotalCostUSD * 100 / cost.MaxUSD
	}
	switch o.monitor.ObserveCost(m.TotalCostUSD) {
	case budget.CostWarning:
		o.emitTurnLocked(event.KindCostWarning, turnID, cost)
	case budget.CostExceeded:
		o.emitTurnLocked(event.KindCostExceeded, turnID, cost)
	}

	usage := m.Usage
	o.emitTurnLocked(event.KindDone, turnID, event.Done{
		Subtype:    m.Subtype,
		IsError:    m.IsError,
		Result:     m.Result,
		CostUSD:    m.TotalCostUSD,
		NumTurns:   m.NumTurns,
		DurationMS: int(m.DurationMs),
		Usage:      &usage,
	})

	err := claude.ErrorFromResult(m)
	switch {
	case t != nil && t.cancelled:
	case err != nil:
		o.metrics.Turn("error")
		if !o.silent {
			o.emitTurnLocked(event.KindError, turnID, event.Error{Message: err.Error()})
		}
	default:
		o.metrics.Turn("completed")
	}

	if t == nil {
		return
	}
	if t.cancelled {
		if !t.handedBack {
			o.recoverLocked(t, unresolved, userID)
		}
		return
	}
	if !t.synthetic {
		if userID == "" {
			o.resolveLocked(t, unresolved)
		} else if len(unresolved.AssistantIDs) > 0 {
			o.checkpoints.Commit(unresolved, userID)
		}
	}
	o.afterTurnLocked()
}

// afterTurnLocked はターン終了後にキューの入力を配信する
// キューが空で圧縮を求められていれば圧縮のターンを始める
func (o *Orchestrator) afterTurnLocked() {
	if o.link == nil || o.closed || o.rewinding || o.current != nil {
		return
	}

	if entries := o.queue.DrainAll(); len(entries) > 0 {
		o.deliverLocked(entries)
		return
	}

	if o.compactPending {
		o.compactPending = false
		t := &turn{id: ulid.Make().String(), prompt: compactPrompt, synthetic: true}
		if err := o.startTurnLocked(o.ctx, t, compactPrompt); err != nil {
			o.log.Warn().Err(err).Msg("failed to request compaction")
			o.emitLocked(event.KindError, event.Error{Message: err.Error()})
		}
	}
}

// deliverLocked はキューの入力を1つのターンとして送る
func (o *Orchestrator) deliverLocked(entries []inject.Entry) {
	content := inject.Combine(entries)
	ids := entryIDs(entries)
	t := &turn{id: ulid.Make().String(), prompt: promptText(content), queued: true}

	if err := o.startTurnLocked(o.ctx, t, content); err != nil {
		o.log.Warn().Err(err).Strs("ids", ids).Msg("failed to deliver queued messages")
		o.emitLocked(event.KindError, event.Error{Message: err.Error()})
		return
	}
	o.metrics.QueueDelivered(store.PathTurnEnd, len(entries))
	o.emitLocked(event.KindQueueDelivered, event.QueueDelivered{
		Path: store.PathTurnEnd,
		IDs:  ids,
		Text: inject.DisplayText(content),
	})
	o.persistDelivered(ids, store.PathTurnEnd)
}

// handlePermission は許可確認を処理する
// 受信ループ上で行うので、直前のtool_useは必ず告知済み
func (o *Orchestrator) handlePermission(l *link, req *protocol.PermissionRequest) {
	o.mu.Lock()
	if o.link != l {
		o.mu.Unlock()
		_ = req.Deny("session closed", true)
		return
	}
	ref, correlated := o.table.Correlate(req.ToolName)
	if !correlated {
		o.metrics.CorrelationMiss()
	}
	pc := &permission.ToolPermissionContext{
		SessionID:             o.sessionID,
		ToolUseID:             req.ToolUseID,
		PermissionSuggestions: req.PermissionSuggestions,
		BlockedPath:           req.BlockedPath,
	}
	if pc.ToolUseID == "" {
		pc.ToolUseID = ref.ToolCallID
	}
	turnID := o.currentTurnIDLocked()
	o.mu.Unlock()

	res, err := o.perms.Evaluate(req.Context(), req.ToolName, req.Input, pc)
	if err != nil {
		o.log.Warn().Err(err).Str("tool", req.ToolName).Msg("permission callback failed")
		res = permission.Deny(err.Error(), false)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.link != l {
		_ = req.Deny("session closed", true)
		return
	}

	if res != nil && res.Behavior != permission.BehaviorAsk {
		if err := o.decideLocked(req, ref, correlated, turnID, res); err != nil {
			o.log.Warn().Err(err).Str("tool", req.ToolName).Msg("permission response failed")
		}
		return
	}

	// 利用者の判断を待つ
	id := ulid.Make().String()
	p := &pendingPermission{req: req, ref: ref, correlated: correlated, turnID: turnID}
	o.pending[id] = p
	if correlated {
		if inv, ok := o.tools.Advance(ref.ToolCallID, correlation.StatusAwaitingApproval); ok {
			o.metrics.ToolTransition(string(inv.Status))
		}
	}
	o.emitTurnLocked(event.KindRequestPermission, turnID, event.PermissionRequest{
		RequestID:   id,
		ToolName:    req.ToolName,
		Input:       req.Input,
		ToolCallID:  ref.ToolCallID,
		ParentID:    ref.ParentID,
		Suggestions: req.PermissionSuggestions,
		BlockedPath: req.BlockedPath,
	})
	p.stop = context.AfterFunc(req.Context(), func() { o.permissionWithdrawn(id) })
}

// ResolvePermission は利用者の判断で許可確認に応答する
func (o *Orchestrator) ResolvePermission(requestID string, res *permission.Result) error {
	if res == nil || res.Behavior == permission.BehaviorAsk {
		return errors.New("permission decision must be allow or deny")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pending[requestID]
	if !ok {
		return ErrUnknownPermissionRequest
	}
	delete(o.pending, requestID)
	p.stop()
	return o.decideLocked(p.req, p.ref, p.correlated, p.turnID, res)
}

// decideLocked は判断を状態に反映してからエージェントに応答する
func (o *Orchestrator) decideLocked(req *protocol.PermissionRequest, ref correlation.Ref, correlated bool, turnID string, res *permission.Result) error {
	allowed := res.Allowed()
	if correlated {
		status := correlation.StatusApproved
		if !allowed {
			status = correlation.StatusDenied
		}
		if inv, ok := o.tools.Advance(ref.ToolCallID, status); ok {
			o.metrics.ToolTransition(string(status))
			if allowed {
				o.emitTurnLocked(event.KindToolPending, turnID, toolData(inv, "", false))
			} else {
				o.tools.Remove(inv.ID)
				o.table.Withdraw(inv.ID)
				o.emitTurnLocked(event.KindToolFailed, turnID, toolData(inv, res.Message, res.Interrupt))
			}
		}
	} else if !allowed {
		o.emitTurnLocked(event.KindToolFailed, turnID, event.Tool{
			Name:      req.ToolName,
			Input:     req.Input,
			Status:    correlation.StatusDenied,
			Reason:    res.Message,
			Interrupt: res.Interrupt,
		})
	}
	return req.Respond(res.Decision(req.Input))
}

// permissionWithdrawn はエージェントが取り消した許可確認を片付ける
func (o *Orchestrator) permissionWithdrawn(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pending[id]
	if !ok {
		return
	}
	delete(o.pending, id)
	if !p.correlated {
		return
	}
	if inv, ok := o.tools.Advance(p.ref.ToolCallID, correlation.StatusAbandoned); ok {
		o.tools.Remove(inv.ID)
		o.table.Withdraw(inv.ID)
		o.metrics.ToolTransition(string(inv.Status))
		o.emitTurnLocked(event.KindToolAbandoned, p.turnID, toolData(inv, "permission request cancelled", false))
	}
}

func toolData(inv correlation.Invocation, reason string, interrupt bool) event.Tool {
	return event.Tool{
		ToolCallID: inv.ID,
		Name:       inv.Name,
		ParentID:   inv.ParentID,
		MessageID:  inv.MessageID,
		Input:      inv.Input,
		Status:     inv.Status,
		Reason:     reason,
		Interrupt:  interrupt,
	}
}

func contextData(s budget.State) event.Context {
	return event.Context{
		Tokens:  s.Tokens,
		Window:  s.Window,
		Percent: s.Percent,
		Level:   string(s.Level),
	}
}

package session

import (
	"context"
	"strings"

	"github.com/y-oga-819/claude-session/internal/event"
	"github.com/y-oga-819/claude-session/internal/hooks"
	"github.com/y-oga-819/claude-session/internal/inject"
	"github.com/y-oga-819/claude-session/internal/protocol"
	"github.com/y-oga-819/claude-session/internal/store"
)

// handleHookLocked はフック要求の状態変化を先に反映し、応答は別ゴルーチンで返す
func (o *Orchestrator) handleHookLocked(req *protocol.HookRequest) {
	ev, ok := hooks.EventForCallback(req.CallbackID)
	if !ok {
		ev = hooks.Event(req.Input.HookEventName)
	}
	toolUseID := req.Input.ToolUseID
	if toolUseID == "" {
		toolUseID = req.ToolUseID
	}

	switch ev {
	case hooks.EventPostToolUse:
		o.finishToolLocked(toolUseID, false, "")
	case hooks.EventPostToolUseFailure:
		o.finishToolLocked(toolUseID, true, req.Input.Error)
	case hooks.EventNotification:
		title, _ := req.Input.Raw["title"].(string)
		o.emitLocked(event.KindNotification, event.Notification{Title: title, Message: req.Input.Message})
	}

	turnID := o.currentTurnIDLocked()
	o.goTask(func(_ context.Context) { o.answerHook(req, ev, turnID) })
}

// answerHook は登録済みのフックを実行し、ツール完了ならキューの入力を追加コンテキストに載せる
func (o *Orchestrator) answerHook(req *protocol.HookRequest, ev hooks.Event, turnID string) {
	input := req.Input
	out, err := o.hooks.Trigger(req.Context(), ev, &input)
	if err != nil {
		o.log.Warn().Err(err).Str("event", string(ev)).Msg("hook failed")
		if ferr := req.Fail(err.Error()); ferr != nil {
			o.log.Debug().Err(ferr).Msg("hook error response failed")
		}
		return
	}

	if ev == hooks.EventPostToolUse || ev == hooks.EventPostToolUseFailure {
		if text, entries, ok := o.queue.DrainText(); ok {
			injectContext(out, ev, text)
			ids := entryIDs(entries)
			o.metrics.QueueDelivered(store.PathHook, len(entries))
			o.emit(event.KindQueueDelivered, turnID, event.QueueDelivered{
				Path: store.PathHook,
				IDs:  ids,
				Text: text,
			})
			o.persistDelivered(ids, store.PathHook)
		}
	}

	if err := req.Respond(out.Wire()); err != nil {
		o.log.Warn().Err(err).Str("event", string(ev)).Msg("hook response failed")
	}
}

// injectContext はフックの出力に追加コンテキストを足す
func injectContext(out *hooks.Output, ev hooks.Event, text string) {
	if out.HookSpecificOutput == nil {
		out.HookSpecificOutput = &hooks.SpecificOutput{HookEventName: string(ev)}
	}
	s := out.HookSpecificOutput
	if s.AdditionalContext == "" {
		s.AdditionalContext = text
		return
	}
	s.AdditionalContext = strings.Join([]string{s.AdditionalContext, text}, inject.Separator)
}

func entryIDs(entries []inject.Entry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.ID != "" {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

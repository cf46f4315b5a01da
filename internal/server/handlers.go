package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/y-oga-819/claude-session/internal/budget"
	"github.com/y-oga-819/claude-session/internal/checkpoint"
	"github.com/y-oga-819/claude-session/internal/permission"
	"github.com/y-oga-819/claude-session/internal/protocol"
	"github.com/y-oga-819/claude-session/session"
)

// CreateSessionRequest はセッション作成のリクエスト
type CreateSessionRequest struct {
	Resume string `json:"resume,omitempty"`
}

// SessionStatus はセッションの状態
type SessionStatus struct {
	Name              string       `json:"name"`
	SessionID         string       `json:"sessionId,omitempty"`
	PreviousSessionID string       `json:"previousSessionId,omitempty"`
	Processing        bool         `json:"processing"`
	Connected         bool         `json:"connected"`
	Queued            int          `json:"queued"`
	Epoch             uint64       `json:"epoch"`
	Context           ContextState `json:"context"`
}

// ContextState はコンテキスト消費の状態
type ContextState struct {
	Tokens  int     `json:"tokens"`
	Window  int     `json:"window"`
	Percent float64 `json:"percent"`
	Level   string  `json:"level"`
}

// MessageRequest はメッセージ送信とキュー投入のリクエスト
// contentは文字列かコンテンツブロックの配列
type MessageRequest struct {
	Content json.RawMessage `json:"content"`
	LocalID string          `json:"localId,omitempty"`
}

// PermissionResponse は許可確認への回答
type PermissionResponse struct {
	Behavior     string         `json:"behavior"`
	Message      string         `json:"message,omitempty"`
	Interrupt    bool           `json:"interrupt,omitempty"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
}

// RewindRequest は巻き戻しのリクエスト
type RewindRequest struct {
	UserMessageID string `json:"userMessageId"`
	Option        string `json:"option,omitempty"`
}

// CheckpointInfo はチェックポイント1件
type CheckpointInfo struct {
	AssistantID string `json:"assistantId"`
	UserID      string `json:"userMessageId"`
	TurnID      string `json:"turnId,omitempty"`
}

func statusOf(o *session.Orchestrator) SessionStatus {
	return SessionStatus{
		Name:              o.Name(),
		SessionID:         o.SessionID(),
		PreviousSessionID: o.PreviousSessionID(),
		Processing:        o.Processing(),
		Connected:         o.Connected(),
		Queued:            o.Queued(),
		Epoch:             o.Epoch(),
		Context:           contextState(o.ContextState()),
	}
}

func contextState(st budget.State) ContextState {
	return ContextState{Tokens: st.Tokens, Window: st.Window, Percent: st.Percent, Level: string(st.Level)}
}

// lookup はURLのセッションを返す。なければ404を書いてnil
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) *session.Orchestrator {
	o, err := s.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return nil
	}
	return o
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.List()
	out := make([]SessionStatus, len(sessions))
	for i, o := range sessions {
		out[i] = statusOf(o)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	o, err := s.Create(req.Resume)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, statusOf(o))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	if o := s.lookup(w, r); o != nil {
		writeJSON(w, http.StatusOK, statusOf(o))
	}
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.Remove(chi.URLParam(r, "sessionID")); err != nil {
		if errors.Is(err, ErrUnknownSession) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeSuccess(w)
}

func (s *Server) getCheckpoints(w http.ResponseWriter, r *http.Request) {
	o := s.lookup(w, r)
	if o == nil {
		return
	}
	cps := o.Checkpoints()
	out := make([]CheckpointInfo, len(cps))
	for i, cp := range cps {
		out[i] = CheckpointInfo{AssistantID: cp.AssistantID, UserID: cp.UserID, TurnID: cp.TurnID}
	}
	writeJSON(w, http.StatusOK, out)
}

// decodeContent は文字列かブロック配列をSend/Queueに渡せる形にする
func decodeContent(raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("content is required")
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		return text, nil
	}
	var blocks []protocol.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, errors.New("content must be a string or an array of content blocks")
	}
	return blocks, nil
}

func decodeMessage(w http.ResponseWriter, r *http.Request) (any, string, bool) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return nil, "", false
	}
	content, err := decodeContent(req.Content)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return nil, "", false
	}
	return content, req.LocalID, true
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	o := s.lookup(w, r)
	if o == nil {
		return
	}
	content, localID, ok := decodeMessage(w, r)
	if !ok {
		return
	}

	turnID, err := o.Send(r.Context(), content, localID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"turnId": turnID})
	case errors.Is(err, session.ErrTurnInProgress):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, session.ErrNoChannel):
		writeError(w, http.StatusBadGateway, ErrCodeUnavailable, err.Error())
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusGone, ErrCodeNotFound, err.Error())
	default:
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	}
}

func (s *Server) queueMessage(w http.ResponseWriter, r *http.Request) {
	o := s.lookup(w, r)
	if o == nil {
		return
	}
	content, localID, ok := decodeMessage(w, r)
	if !ok {
		return
	}

	id, err := o.Queue(content, localID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	case errors.Is(err, session.ErrNoChannel), errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	}
}

func (s *Server) cancelTurn(w http.ResponseWriter, r *http.Request) {
	o := s.lookup(w, r)
	if o == nil {
		return
	}
	prompt, err := o.Cancel(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prompt": prompt})
}

func (s *Server) interruptTurn(w http.ResponseWriter, r *http.Request) {
	o := s.lookup(w, r)
	if o == nil {
		return
	}
	prompt, err := o.Interrupt(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prompt": prompt})
}

func (s *Server) resetSession(w http.ResponseWriter, r *http.Request) {
	if o := s.lookup(w, r); o != nil {
		o.Reset()
		writeJSON(w, http.StatusOK, statusOf(o))
	}
}

func (s *Server) clearSession(w http.ResponseWriter, r *http.Request) {
	if o := s.lookup(w, r); o != nil {
		o.Clear()
		writeJSON(w, http.StatusOK, statusOf(o))
	}
}

func (s *Server) resumePrevious(w http.ResponseWriter, r *http.Request) {
	o := s.lookup(w, r)
	if o == nil {
		return
	}
	if _, err := o.ResumePrevious(); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, session.ErrTurnInProgress) {
			status = http.StatusConflict
		}
		writeError(w, status, ErrCodeConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusOf(o))
}

func (s *Server) rewindSession(w http.ResponseWriter, r *http.Request) {
	o := s.lookup(w, r)
	if o == nil {
		return
	}
	var req RewindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserMessageID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "userMessageId is required")
		return
	}
	option, err := checkpoint.ParseOption(req.Option)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	res, err := o.Rewind(r.Context(), req.UserMessageID, option)
	switch {
	case err == nil:
		body := map[string]any{
			"epoch":         res.Epoch,
			"filesRestored": res.FilesRestored,
			"resumeAt":      res.ResumeAt,
			"cleared":       res.Cleared,
		}
		if res.FileWarning != nil {
			body["warning"] = res.FileWarning.Error()
		}
		writeJSON(w, http.StatusOK, body)
	case errors.Is(err, session.ErrTurnInProgress):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case session.IsFileRewindError(err):
		writeError(w, http.StatusBadGateway, ErrCodeUnavailable, err.Error())
	default:
		writeError(w, http.StatusUnprocessableEntity, ErrCodeInvalidRequest, err.Error())
	}
}

func (s *Server) respondPermission(w http.ResponseWriter, r *http.Request) {
	o := s.lookup(w, r)
	if o == nil {
		return
	}
	var req PermissionResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	var res *permission.Result
	switch permission.Behavior(req.Behavior) {
	case permission.BehaviorAllow:
		res = permission.Allow(req.UpdatedInput)
	case permission.BehaviorDeny:
		msg := req.Message
		if msg == "" {
			msg = "denied by user"
		}
		res = permission.Deny(msg, req.Interrupt)
	default:
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "behavior must be allow or deny")
		return
	}

	if err := o.ResolvePermission(chi.URLParam(r, "requestID"), res); err != nil {
		if errors.Is(err, session.ErrUnknownPermissionRequest) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeSuccess(w)
}

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 10 * time.Second

// sessionEvents はセッションの通知をWebSocketで流す
func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	o := s.lookup(w, r)
	if o == nil {
		return
	}
	s.streamEvents(w, r, o.Name())
}

// globalEvents は全セッションの通知をWebSocketで流す
func (s *Server) globalEvents(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, "")
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, name string) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusNotImplemented, ErrCodeInternal, "event bus not configured")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// 接続完了の時点で購読済みにしておく
	events, err := s.cfg.Bus.Subscribe(ctx, name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	origins := s.cfg.OriginPatterns
	if len(origins) == 0 {
		origins = LocalOrigins
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: origins,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()

	// 受信は使わない。相手が閉じたらctxが終わる
	ctx = conn.CloseRead(ctx)
	log := s.log.With().Str("session", name).Logger()
	log.Debug().Msg("event stream opened")

	for {
		select {
		case e, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, e)
			wcancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Debug().Err(err).Msg("event stream write failed")
				}
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

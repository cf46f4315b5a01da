// Package server はセッションをHTTPとWebSocketで操作できるようにする
package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/y-oga-819/claude-session/internal/event"
	"github.com/y-oga-819/claude-session/internal/logging"
	"github.com/y-oga-819/claude-session/session"
)

// ErrUnknownSession はnameのセッションがない
var ErrUnknownSession = errors.New("unknown session")

// Factory はnameを通知のキーにしたセッションを作る
// resumeが空でなければそのセッションIDから再開する
type Factory func(name, resume string) (*session.Orchestrator, error)

// LocalOrigins はOriginPatternsが空のときに許すOrigin
var LocalOrigins = []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*"}

// Config はサーバーの設定
type Config struct {
	Addr     string
	Factory  Factory
	Bus      *event.Bus
	Gatherer prometheus.Gatherer // nilなら /metrics を出さない

	// OriginPatterns はWebSocketを許す他のOriginのホスト。空ならLocalOrigins
	OriginPatterns []string
}

// Server はHTTPサーバー
type Server struct {
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server
	log     zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session.Orchestrator
}

// New はサーバーを作成する
func New(cfg Config) *Server {
	s := &Server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		log:      logging.For("server"),
		sessions: make(map[string]*session.Orchestrator),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.accessLog)
	s.router.Use(middleware.Recoverer)
}

// accessLog はリクエストごとに1行ログを出す
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// Start はサーバーを起動する。Shutdownされるまで戻らない
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Str("addr", s.cfg.Addr).Msg("listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown はサーバーを止めて全セッションを閉じる
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}

	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session.Orchestrator)
	s.mu.Unlock()

	for name, o := range sessions {
		if cerr := o.Close(); cerr != nil {
			s.log.Warn().Err(cerr).Str("session", name).Msg("close failed")
		}
	}
	return err
}

// Router はテスト用にルーターを返す
func (s *Server) Router() http.Handler {
	return s.router
}

// Create は新しいセッションを作って登録する
func (s *Server) Create(resume string) (*session.Orchestrator, error) {
	name := ulid.Make().String()
	o, err := s.cfg.Factory(name, resume)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[name] = o
	s.mu.Unlock()
	s.log.Info().Str("session", name).Str("resume", resume).Msg("session created")
	return o, nil
}

// Get はnameのセッションを返す
func (s *Server) Get(name string) (*session.Orchestrator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.sessions[name]
	if !ok {
		return nil, ErrUnknownSession
	}
	return o, nil
}

// Remove はセッションを閉じて登録を外す
func (s *Server) Remove(name string) error {
	s.mu.Lock()
	o, ok := s.sessions[name]
	delete(s.sessions, name)
	s.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	return o.Close()
}

// List は登録中のセッションを名前順で返す
func (s *Server) List() []*session.Orchestrator {
	s.mu.RLock()
	out := make([]*session.Orchestrator, 0, len(s.sessions))
	for _, o := range s.sessions {
		out = append(out, o)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

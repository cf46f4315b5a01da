package commands

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/y-oga-819/claude-session/claude"
	"github.com/y-oga-819/claude-session/internal/config"
	"github.com/y-oga-819/claude-session/internal/event"
	"github.com/y-oga-819/claude-session/internal/metrics"
	"github.com/y-oga-819/claude-session/internal/permission"
	"github.com/y-oga-819/claude-session/internal/store"
	"github.com/y-oga-819/claude-session/internal/transcript"
	"github.com/y-oga-819/claude-session/session"
)

// app はセッション間で共有する部品
type app struct {
	cfg      *config.Config
	store    *store.SQLite // Store.Pathが空ならnil
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	resolver *transcript.Resolver
	dialer   *session.ClientDialer
}

func newApp(cfg *config.Config) (*app, error) {
	cwd := cfg.Agent.CWD
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		cwd = wd
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	base := cfg.ClientOptions()
	base.CWD = cwd

	a := &app{
		cfg:      cfg,
		registry: reg,
		metrics:  metrics.New(reg),
		resolver: transcript.NewResolver(transcript.NewReader(cfg.Transcript.ClaudeHome, cwd), cfg.Retry().BackOff),
		dialer:   &session.ClientDialer{Base: base, Retry: claude.DefaultRetryConfig()},
	}

	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		a.store = st
	}
	return a, nil
}

// newSession はnameのセッションを作る
func (a *app) newSession(name, resume string, sink event.Sink, canUseTool permission.CanUseToolFunc) (*session.Orchestrator, error) {
	mode, err := permission.ParseMode(a.cfg.Agent.PermissionMode)
	if err != nil {
		return nil, err
	}

	opts := session.Options{
		Name:            name,
		Dialer:          a.dialer,
		Sink:            sink,
		Resolver:        a.resolver,
		Metrics:         a.metrics,
		Budget:          a.cfg.Budget(),
		PermissionMode:  mode,
		AllowedTools:    a.cfg.Agent.AllowedTools,
		DisallowedTools: a.cfg.Agent.DisallowedTools,
		CanUseTool:      canUseTool,
		Resume:          resume,
	}
	if a.store != nil {
		opts.Store = a.store
	}
	return session.New(opts)
}

func (a *app) close() error {
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

// Package server wires the gateway's HTTP surface: the health probe and the
// live websocket endpoint.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclaw/voicepipe/pkg/core/convo"
	"github.com/openclaw/voicepipe/pkg/core/speaker"
	"github.com/openclaw/voicepipe/pkg/core/voice/stt"
	"github.com/openclaw/voicepipe/pkg/gateway/config"
	"github.com/openclaw/voicepipe/pkg/gateway/live/session"
	"github.com/openclaw/voicepipe/pkg/gateway/live/sessions"
	"github.com/openclaw/voicepipe/pkg/gateway/mw"
)

// Dependencies are the domain services the server hands to each live session.
type Dependencies struct {
	Orchestrator *convo.Orchestrator
	Transcriber  stt.Transcriber
	Speakers     speaker.Identifier
	Registry     *sessions.Registry
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	deps    Dependencies
	tracker *sessions.Tracker

	draining atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		mux:     http.NewServeMux(),
		deps:    deps,
		tracker: sessions.NewTracker(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/v1/live", s.handleLive)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// BeginDrain stops accepting live connections and aborts the active ones.
func (s *Server) BeginDrain() {
	s.draining.Store(true)
	canceled := s.tracker.CancelAll()
	if canceled > 0 {
		s.logger.Info("canceling live sessions for shutdown", "count", canceled)
	}
}

// Drain waits for canceled live sessions to finish, honoring ctx as the
// deadline. It reports whether every session wound down in time.
func (s *Server) Drain(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.draining.Load() {
		http.Error(w, "gateway is draining", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess, err := session.New(session.Dependencies{
		Conn:         conn,
		Logger:       s.logger,
		Orchestrator: s.deps.Orchestrator,
		Transcriber:  s.deps.Transcriber,
		Speakers:     s.deps.Speakers,
		Resolve:      s.deps.Registry.Resolve,
		Release:      s.deps.Registry.Release,
		Config: session.Config{
			AuthToken:         s.cfg.AuthToken,
			MaxMessageBytes:   s.cfg.LiveMaxMessageBytes,
			MaxAudioBytes:     s.cfg.LiveMaxAudioBytes,
			HandshakeTimeout:  s.cfg.LiveHandshakeTimeout,
			ReadTimeout:       s.cfg.LiveReadTimeout,
			WriteTimeout:      s.cfg.LiveWriteTimeout,
			PingInterval:      s.cfg.LivePingInterval,
			OutboundQueueSize: s.cfg.LiveOutboundQueueSize,
		},
	})
	if err != nil {
		s.logger.Error("failed to build live session", "error", err)
		return
	}

	// Tracked per connection, not per session id: the same session may
	// reconnect while the old entry is still draining.
	unregister := s.tracker.Register(uuid.NewString(), sess.Cancel)
	defer unregister()

	if err := sess.Run(); err != nil {
		s.logger.Debug("live session ended", "session_id", sess.SessionID(), "error", err)
	}
}

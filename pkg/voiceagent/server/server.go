package server

import (
	"log/slog"
	"net/http"

	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/config"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/fanout"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/handlers"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/lifecycle"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/metrics"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/mw"
)

type Deps struct {
	Sessions  handlers.Sessions
	Hub       *fanout.Hub
	Lifecycle *lifecycle.Lifecycle
	Metrics   *metrics.Metrics

	// Archive enables the /v1/sessions/{id} read routes when set.
	Archive handlers.ArchiveReader

	// Features is reported by /readyz, e.g. whether archiving is enabled.
	Features map[string]bool
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Deps
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Hub == nil {
		deps.Hub = fanout.NewHub(cfg.WSSubscriberBuffer, logger)
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{
		Lifecycle:   s.deps.Lifecycle,
		Subscribers: s.deps.Hub.Count,
		Features:    s.deps.Features,
	})
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	sh := handlers.SessionHandler{
		Sessions:        s.deps.Sessions,
		Lifecycle:       s.deps.Lifecycle,
		Logger:          s.logger,
		DefaultScenario: s.cfg.DefaultScenario,
		MaxBodyBytes:    s.cfg.MaxBodyBytes,
	}
	s.mux.HandleFunc("GET /v1/session", sh.Get)
	s.mux.HandleFunc("POST /v1/session/start", sh.Start)
	s.mux.HandleFunc("POST /v1/session/stop", sh.Stop)
	s.mux.HandleFunc("POST /v1/session/interrupt", sh.Interrupt)
	s.mux.HandleFunc("POST /v1/session/speech", sh.SpeechStarted)
	s.mux.HandleFunc("POST /v1/session/text", sh.Text)
	s.mux.HandleFunc("POST /v1/session/mute", sh.Mute)

	s.mux.Handle("GET /v1/events", handlers.EventsHandler{
		Hub:            s.deps.Hub,
		Sessions:       s.deps.Sessions,
		Lifecycle:      s.deps.Lifecycle,
		Logger:         s.logger,
		AllowedOrigins: s.cfg.CORSAllowedOrigins,
		PingInterval:   s.cfg.WSPingInterval,
		WriteTimeout:   s.cfg.WSWriteTimeout,
	})

	if s.deps.Archive != nil {
		ah := handlers.ArchiveHandler{Archive: s.deps.Archive}
		s.mux.HandleFunc("GET /v1/sessions/{id}/transcript", ah.Transcript)
		s.mux.HandleFunc("GET /v1/sessions/{id}/profile", ah.Profile)
	}

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

// Hub exposes the event fanout so main can feed it and drain it.
func (s *Server) Hub() *fanout.Hub {
	return s.deps.Hub
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Metrics(s.deps.Metrics, h)
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

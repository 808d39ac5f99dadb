// Package statusapi serves the agent's loopback status endpoint. The tray
// UI and support tooling poll it; it binds to localhost only
package statusapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"flowsync/internal/engine"
	perr "flowsync/internal/platform/errors"
	"flowsync/internal/platform/logger"
	"flowsync/internal/tracker"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const defaultAddr = "127.0.0.1:7600"

// Source supplies the live values the endpoint reports. Nil fields are
// simply omitted from the document
type Source struct {
	Status      func(ctx context.Context) engine.StatusReport
	Children    func() map[string]tracker.ChildState
	TodayActive func() time.Duration
	TrayState   func() string
}

// Options configures the Server
type Options struct {
	Addr    string
	Version string
	Source  Source
}

// Server is the loopback HTTP status server
type Server struct {
	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener

	version string
	source  Source
	addr    string

	log logger.Logger
}

// New builds a stopped server
func New(o Options) *Server {
	if o.Addr == "" {
		o.Addr = defaultAddr
	}
	return &Server{
		version: o.Version,
		source:  o.Source,
		addr:    o.Addr,
		log:     *logger.Named("statusapi"),
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	return r
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnknown, "bind status api at %s", s.addr)
	}
	s.listener = ln
	s.srv = &http.Server{Handler: s.routes(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("status api stopped")
		}
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("status api listening")
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server gracefully; idempotent
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.listener = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusDoc struct {
	Service            string                        `json:"service"`
	Version            string                        `json:"version"`
	TrayState          string                        `json:"tray_state,omitempty"`
	Engine             *engine.StatusReport          `json:"engine,omitempty"`
	Tracker            map[string]tracker.ChildState `json:"tracker,omitempty"`
	TodayActiveSeconds *float64                      `json:"today_active_seconds,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc := statusDoc{Service: "flowsync-agent", Version: s.version}
	if s.source.TrayState != nil {
		doc.TrayState = s.source.TrayState()
	}
	if s.source.Status != nil {
		report := s.source.Status(r.Context())
		doc.Engine = &report
	}
	if s.source.Children != nil {
		doc.Tracker = s.source.Children()
	}
	if s.source.TodayActive != nil {
		seconds := s.source.TodayActive().Seconds()
		doc.TodayActiveSeconds = &seconds
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("write status response")
	}
}

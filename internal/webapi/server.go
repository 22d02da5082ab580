// Package webapi is the HTTP surface of the daemon: health, metrics,
// camera state, recordings, snapshots, and the WebSocket event stream.
// Everything under /api/v1 except the token endpoint requires a JWT
// issued against the configured shared secret.
package webapi

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-nvr/internal/config"
	"github.com/technosupport/ts-nvr/internal/data"
	"github.com/technosupport/ts-nvr/internal/events"
	"github.com/technosupport/ts-nvr/internal/metrics"
	"github.com/technosupport/ts-nvr/internal/registry"
	"github.com/technosupport/ts-nvr/internal/tokens"
)

type Server struct {
	conf      config.WebAPIConfig
	registry  *registry.Registry
	models    data.Models
	events    *events.Dispatcher
	collector *metrics.Collector
	tokens    *tokens.Manager
	upgrader  websocket.Upgrader

	srv *http.Server
}

func New(conf config.WebAPIConfig, reg *registry.Registry, models data.Models,
	d *events.Dispatcher, collector *metrics.Collector) *Server {

	s := &Server{
		conf:      conf,
		registry:  reg,
		models:    models,
		events:    d,
		collector: collector,
		tokens:    tokens.NewManager(conf.Secret),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The stream token is the access control; origin checks
			// would only break non-browser consumers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.srv = &http.Server{
		Addr:              conf.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the chi route tree. Exposed so tests can drive the API
// through httptest without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.collector != nil {
		r.Method(http.MethodGet, "/metrics", s.collector.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/token", s.handleToken)
		r.Get("/events/ws", s.handleEventsWS)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Get("/cameras", s.handleCameras)
			r.Get("/cameras/{identifier}/snapshot.jpg", s.handleSnapshot)
			r.Get("/cameras/{identifier}/recordings", s.handleRecordings)
		})
	})
	return r
}

func (s *Server) Start() {
	go func() {
		log.Printf("[WebAPI] listening on %s", s.conf.Listen)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[ERROR] [WebAPI] serve: %v", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Printf("[WARN] [WebAPI] shutdown: %v", err)
	}
}

// requireToken guards the REST reads with a Bearer JWT of either scope.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.Header.Get("Authorization"), " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if _, err := s.tokens.ValidateToken(parts[1]); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/zaman-cal/seriesd/server/auth"
	"github.com/zaman-cal/seriesd/server/series"
)

const (
	// HTTP headers
	headerContentType = "Content-Type"
	headerETag        = "ETag"
	headerIfMatch     = "If-Match"
	headerLocation    = "Location"

	// MIME types
	mimeTypeJSON     = "application/json; charset=utf-8"
	mimeTypeCalendar = "text/calendar; charset=utf-8"
	mimeTypeXCal     = "application/calendar+xml; charset=utf-8"

	maxBodySize = 1 << 20
)

// Server exposes the series controller over JSON/HTTP
type Server struct {
	controller *series.Controller
	logger     *slog.Logger
	now        func() time.Time
	mux        *http.ServeMux
	handler    http.Handler
}

// Option represents a configuration option for the Server
type Option func(*Server)

// WithLogger sets the logger for the server
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock used for feed timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a new server. Every route except /healthz requires an actor
// resolved by resolver.
func New(controller *series.Controller, resolver auth.Resolver, opts ...Option) (*Server, error) {
	if controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}

	s := &Server{
		controller: controller,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        time.Now,
		mux:        http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Register routes
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /series", s.handleCreate)
	s.mux.HandleFunc("POST /series/import", s.handleImport)
	s.mux.HandleFunc("GET /series/{id}", s.handleGet)
	s.mux.HandleFunc("PATCH /series/{id}", s.handleUpdate)
	s.mux.HandleFunc("DELETE /series/{id}", s.handleDelete)
	s.mux.HandleFunc("POST /series/{id}/review", s.handleReview)
	s.mux.HandleFunc("GET /occurrences", s.handleQuery)

	s.handler = auth.Middleware(resolver)(s.mux)
	return s, nil
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("request received",
		"method", r.Method,
		"path", r.URL.Path)
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set(headerContentType, "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok\n")
}

// actorOf returns the actor stored by the auth middleware
func actorOf(r *http.Request) (*auth.Actor, error) {
	actor := auth.ActorFromContext(r.Context())
	if actor == nil {
		return nil, &HTTPError{Status: http.StatusUnauthorized, Message: "authentication required"}
	}
	return actor, nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return nil, &HTTPError{Status: http.StatusBadRequest, Message: "error reading request body", Err: err}
	}
	return body, nil
}

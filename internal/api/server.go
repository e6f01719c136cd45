// Package api exposes the kernel over HTTP: action submission, event log
// reads, world inspection, metrics and a websocket notification stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/kernel"
	"github.com/worldkernel/worldkernel/internal/logging"
	"github.com/worldkernel/worldkernel/internal/storage"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	kernel *kernel.Kernel
	events *storage.EventStore
	tokens map[string]string
	logger *slog.Logger
	stream *streamer
}

// Config for the server
type Config struct {
	Addr   string
	Kernel *kernel.Kernel

	// Tokens maps bearer tokens to principals. When empty every request is
	// trusted to name its own actor.
	Tokens map[string]string

	// Events, when set, lets /events/verify check the persisted log too.
	Events *storage.EventStore

	RequestTimeout time.Duration // default 30s
	Logger         *slog.Logger
}

// New creates a new API server
func New(cfg Config) (*Server, error) {
	if cfg.Kernel == nil {
		return nil, fmt.Errorf("api server requires a kernel")
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:8080"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	logger := logging.OrDefault(cfg.Logger).With("component", "api")

	s := &Server{
		kernel: cfg.Kernel,
		events: cfg.Events,
		tokens: cfg.Tokens,
		logger: logger,
	}
	s.stream = newStreamer(cfg.Kernel.Notifications(), logger)
	s.setupRouter(cfg.RequestTimeout)

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures all routes
func (s *Server) setupRouter(timeout time.Duration) {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if m := s.kernel.Metrics(); m != nil {
		r.Handle("/metrics", m.Handler())
	}

	// Streams are long lived, so they stay outside the timeout.
	r.With(s.authenticate).Get("/ws", s.handleStream)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))
		r.Use(s.authenticate)

		r.Post("/actions", s.handleSubmit)

		r.Get("/events", s.handleListEvents)
		r.Get("/events/verify", s.handleVerifyEvents)
		r.Get("/events/{number}", s.handleGetEvent)

		r.Get("/artifacts/{id}", s.handleGetArtifact)
		r.Get("/principals/{id}", s.handleGetPrincipal)
		r.Get("/supply", s.handleGetSupply)
	})

	s.router = r
}

// Start starts the server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("api listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to serve api: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.stream.closeAll()
	return s.httpServer.Shutdown(ctx)
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

type principalKey struct{}

// principalFrom returns the authenticated principal, "" when tokens are off.
func principalFrom(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}

// authenticate resolves the bearer token to a principal. Websocket clients
// that cannot set headers may pass ?token= instead.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.tokens) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("token")
		}
		principal, ok := s.tokens[token]
		if token == "" || !ok {
			respondError(w, http.StatusUnauthorized, "missing or unknown bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondCode reports a kernel error with the status its code maps to.
func respondCode(w http.ResponseWriter, err error) {
	code := core.CodeOf(err)
	respondJSON(w, httpStatus(code), map[string]string{
		"error":   err.Error(),
		"outcome": string(code),
	})
}

// httpStatus maps an outcome code to an HTTP status.
func httpStatus(code core.Code) int {
	switch code {
	case core.CodeOK:
		return http.StatusOK
	case core.CodeNotFound:
		return http.StatusNotFound
	case core.CodeDeleted:
		return http.StatusGone
	case core.CodeAccessDenied:
		return http.StatusForbidden
	case core.CodeInsufficientFunds, core.CodeInsufficientQuota:
		return http.StatusPaymentRequired
	case core.CodeTooFast:
		return http.StatusTooManyRequests
	case core.CodeInvalidArgs, core.CodeInvalidType, core.CodeAmbiguous,
		core.CodeDepthExceeded, core.CodeCycleDetected:
		return http.StatusBadRequest
	case core.CodeTimeout:
		return http.StatusGatewayTimeout
	case core.CodeScoringUnavailable:
		return http.StatusServiceUnavailable
	case core.CodeExecutionError:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"event_number": s.kernel.Events().LastNumber(),
	})
}

package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/teemow/inboxdraft/internal/faults"
	"github.com/teemow/inboxdraft/internal/gmail"
	"github.com/teemow/inboxdraft/internal/identity"
	"github.com/teemow/inboxdraft/internal/instrumentation"
	"github.com/teemow/inboxdraft/internal/logging"
	"github.com/teemow/inboxdraft/internal/pipeline"
)

const (
	// DefaultAddr is the default address for the application server.
	DefaultAddr = ":8080"

	defaultReadHeaderTimeout = 10 * time.Second
	defaultWriteTimeout      = 120 * time.Second
	defaultIdleTimeout       = 60 * time.Second
)

// Batcher runs unread-backlog sweeps. Satisfied by *pipeline.Orchestrator.
type Batcher interface {
	ProcessUnread(ctx context.Context, mailbox identity.Mailbox, opts pipeline.BatchOptions) (*pipeline.BatchReport, error)
}

// WatchRegistrar registers or renews the change watch for a mailbox.
type WatchRegistrar interface {
	Register(ctx context.Context, mailbox identity.Mailbox) (*gmail.WatchHandle, error)
}

// Config holds the application server configuration.
type Config struct {
	// Addr is the address to bind to (default ":8080").
	Addr string

	// APIToken is the static bearer token protecting the operational
	// endpoints (/watch and /agent/process-unread). Empty disables them.
	APIToken string
}

// Server is the public HTTP surface of the drafting service.
type Server struct {
	config    Config
	push      http.Handler
	batcher   Batcher
	registrar WatchRegistrar
	health    *HealthChecker
	metrics   *instrumentation.Metrics
	logger    *slog.Logger

	httpServer *http.Server
	shutdown   atomic.Bool
}

// New creates a Server. push is the authenticated Pub/Sub push handler.
func New(config Config, push http.Handler, batcher Batcher, registrar WatchRegistrar,
	metrics *instrumentation.Metrics, logger *slog.Logger) *Server {

	if config.Addr == "" {
		config.Addr = DefaultAddr
	}
	if metrics == nil {
		metrics = &instrumentation.Metrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:    config,
		push:      push,
		batcher:   batcher,
		registrar: registrar,
		metrics:   metrics,
		logger:    logging.WithComponent(logger, "server"),
	}
	s.health = NewHealthChecker(s.shutdown.Load)
	return s
}

// Health returns the health checker so callers can flip readiness.
func (s *Server) Health() *HealthChecker {
	return s.health
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /pubsub/push", s.instrumented("/pubsub/push", s.push))
	mux.Handle("POST /watch", s.instrumented("/watch", s.requireAPIToken(http.HandlerFunc(s.handleWatch))))
	mux.Handle("POST /agent/process-unread", s.instrumented("/agent/process-unread", s.requireAPIToken(http.HandlerFunc(s.handleProcessUnread))))

	s.health.RegisterHealthEndpoints(mux)

	return mux
}

// Start runs the server until Shutdown. Blocking.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}

	s.logger.Info("starting server", slog.String("addr", s.config.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting traffic and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Store(true)
	s.health.SetReady(false)

	if s.httpServer != nil {
		s.logger.Info("shutting down server")
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// watchRequest is the body of POST /watch.
type watchRequest struct {
	Mailbox string `json:"email"`
}

// watchResponse reports the registered watch baseline.
type watchResponse struct {
	Mailbox    string    `json:"mailbox"`
	HistoryID  uint64    `json:"history_id"`
	Expiration time.Time `json:"expiration"`
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse request: %w", err))
		return
	}

	mailbox, err := identity.Normalize(req.Mailbox)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	handle, err := s.registrar.Register(r.Context(), mailbox)
	if err != nil {
		s.logger.Error("watch registration failed",
			logging.KeyMailbox, mailbox, logging.Err(err))
		writeError(w, statusForError(err), err)
		return
	}

	s.logger.Info("watch registered",
		logging.KeyMailbox, mailbox,
		logging.HistoryID(handle.HistoryID),
		slog.Time("expiration", handle.Expiration))

	writeJSON(w, http.StatusOK, watchResponse{
		Mailbox:    mailbox.String(),
		HistoryID:  handle.HistoryID,
		Expiration: handle.Expiration,
	})
}

// processUnreadRequest is the body of POST /agent/process-unread.
type processUnreadRequest struct {
	Mailbox            string   `json:"email"`
	Max                int64    `json:"max_emails,omitempty"`
	Labels             []string `json:"label_ids,omitempty"`
	SkipExistingDrafts *bool    `json:"skip_existing_drafts,omitempty"`
}

func (s *Server) handleProcessUnread(w http.ResponseWriter, r *http.Request) {
	var req processUnreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse request: %w", err))
		return
	}

	mailbox, err := identity.Normalize(req.Mailbox)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	opts := pipeline.BatchOptions{
		Labels:             req.Labels,
		Max:                req.Max,
		SkipExistingDrafts: true,
	}
	if req.SkipExistingDrafts != nil {
		opts.SkipExistingDrafts = *req.SkipExistingDrafts
	}

	report, err := s.batcher.ProcessUnread(r.Context(), mailbox, opts)
	if err != nil && report != nil && report.Processed > 0 {
		// A partially-completed sweep still carries useful results; the
		// abort shows up inside the report.
		writeJSON(w, http.StatusOK, report)
		return
	}
	if err != nil {
		s.logger.Error("unread sweep failed",
			logging.KeyMailbox, mailbox, logging.Err(err))
		writeError(w, statusForError(err), err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// requireAPIToken guards operational endpoints with the static bearer
// token. With no token configured the endpoints are disabled outright.
func (s *Server) requireAPIToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIToken == "" {
			writeError(w, http.StatusNotFound, fmt.Errorf("endpoint disabled"))
			return
		}

		token := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.APIToken)) != 1 {
			writeError(w, http.StatusForbidden, fmt.Errorf("forbidden"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// instrumented records request metrics with a fixed route label.
func (s *Server) instrumented(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		s.metrics.RecordHTTPRequest(r.Context(), r.Method, route, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// statusForError maps the failure taxonomy onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, faults.ErrAuth):
		return http.StatusForbidden
	case errors.Is(err, faults.ErrAuthExpired):
		return http.StatusConflict
	case errors.Is(err, faults.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, faults.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{
		Error:  err.Error(),
		Reason: faults.Reason(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

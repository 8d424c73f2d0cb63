package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/hookgate/internal/config"
	"github.com/mattjoyce/hookgate/internal/dispatch"
	"github.com/mattjoyce/hookgate/internal/event"
	"github.com/mattjoyce/hookgate/internal/ledger"
	"github.com/mattjoyce/hookgate/internal/observability"
	"github.com/mattjoyce/hookgate/internal/queue"
	"github.com/mattjoyce/hookgate/internal/signature"
)

// Intake outcomes, as recorded in metrics.
const (
	outcomeTooLarge         = "too_large"
	outcomeMissingSignature = "missing_signature"
	outcomeInvalidSignature = "invalid_signature"
	outcomeMissingEventID   = "missing_event_id"
	outcomeDuplicate        = "duplicate"
	outcomeInProgress       = "in_progress"
	outcomeProcessed        = "processed"
	outcomeAccepted         = "accepted"
	outcomeFailed           = "failed"
	outcomeTimeout          = "timeout"
)

// Options carries the optional collaborators of a Server.
type Options struct {
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Now     func() time.Time
}

// Server represents the webhook HTTP server.
type Server struct {
	config  Config
	ledger  Ledger
	runner  Runner
	queue   JobQueuer
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time
	logger  *slog.Logger
	server  *http.Server

	// endpoints maps URL paths to their configurations
	endpoints map[string]*endpoint
}

type endpoint struct {
	EndpointConfig
	validator *signature.Validator
}

// New creates a webhook server. It fails when an endpoint has no secret, or
// when an async endpoint is configured without a queue.
func New(cfg Config, l Ledger, r Runner, q JobQueuer, logger *slog.Logger, opts Options) (*Server, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}

	endpoints := make(map[string]*endpoint, len(cfg.Endpoints))
	for i := range cfg.Endpoints {
		ep := cfg.Endpoints[i]

		// Apply defaults
		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.Mode == "" {
			ep.Mode = config.ModeSync
		}

		v, err := signature.New(ep.Secret)
		if err != nil {
			return nil, fmt.Errorf("webhook endpoint %q: %w", ep.Path, err)
		}
		if ep.Mode == config.ModeAsync && q == nil {
			return nil, fmt.Errorf("webhook endpoint %q: async mode requires a job queue", ep.Path)
		}
		endpoints[ep.Path] = &endpoint{EndpointConfig: ep, validator: v}
	}

	s := &Server{
		config:    cfg,
		ledger:    l,
		runner:    r,
		queue:     q,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		now:       opts.Now,
		logger:    logger,
		endpoints: endpoints,
	}
	if s.tracer == nil {
		s.tracer = observability.NewTracer(nil)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.config.RequestTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	// Run server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Register webhook endpoints
	for path := range s.endpoints {
		r.Post(path, s.handleWebhook)
	}

	return r
}

// loggingMiddleware logs HTTP requests (excludes sensitive payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Log request (no body content for security)
		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleWebhook handles incoming webhook POST requests.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.endpoints[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}

	ctx, span := s.tracer.StartIntakeSpan(r.Context(), ep.Provider)
	var spanErr error
	defer func() { s.tracer.EndSpan(span, spanErr) }()

	logger := s.logger.With("provider", ep.Provider, "path", ep.Path, "request_id", middleware.GetReqID(ctx))

	// Enforce body size limit
	body, err := io.ReadAll(io.LimitReader(r.Body, ep.MaxBodySize+1))
	if err != nil {
		logger.Error("failed to read request body", "error", err)
		spanErr = err
		s.respond(w, ep, http.StatusInternalServerError, outcomeFailed, MsgFailed)
		return
	}
	if int64(len(body)) > ep.MaxBodySize {
		logger.Warn("webhook payload too large", "limit", ep.MaxBodySize)
		s.respond(w, ep, http.StatusRequestEntityTooLarge, outcomeTooLarge, MsgPayloadTooLarge)
		return
	}

	// Signature comes before any ledger lookup.
	sig := r.Header.Get(ep.SignatureHeader)
	if sig == "" {
		logger.Warn("webhook signature missing", "header", ep.SignatureHeader)
		s.respond(w, ep, http.StatusBadRequest, outcomeMissingSignature, MsgMissingSignature)
		return
	}
	if !ep.validator.Verify(body, sig) {
		logger.Warn("webhook signature verification failed")
		s.respond(w, ep, http.StatusUnauthorized, outcomeInvalidSignature, MsgInvalidSignature)
		return
	}

	env, err := event.ParseEnvelope(body)
	if err != nil {
		logger.Warn("webhook event id missing", "error", err)
		s.respond(w, ep, http.StatusBadRequest, outcomeMissingEventID, MsgMissingEventID)
		return
	}
	logger = logger.With("event_id", env.ID, "event", env.Event)

	processed, err := s.ledger.IsProcessed(ctx, ep.Provider, env.ID)
	if err != nil {
		logger.Error("failed to check ledger", "error", err)
		spanErr = err
		s.respond(w, ep, http.StatusInternalServerError, outcomeFailed, MsgFailed)
		return
	}
	if processed {
		logger.Info("webhook already processed")
		s.respond(w, ep, http.StatusOK, outcomeDuplicate, MsgAlreadyProcessed)
		return
	}

	id, err := s.ledger.CreateEvent(ctx, ledger.NewEvent{
		Provider:  ep.Provider,
		EventID:   env.ID,
		Signature: sig,
		Payload:   body,
	})
	if errors.Is(err, ledger.ErrDuplicateEvent) {
		spanErr = s.handleDuplicate(ctx, w, ep, logger, env, body)
		return
	}
	if err != nil {
		logger.Error("failed to record webhook event", "error", err)
		spanErr = err
		s.respond(w, ep, http.StatusInternalServerError, outcomeFailed, MsgFailed)
		return
	}

	row := &ledger.Event{ID: id, Provider: ep.Provider, EventID: env.ID, Payload: body, Status: ledger.StatusPending}
	if ep.Mode == config.ModeAsync {
		spanErr = s.enqueue(ctx, w, ep, logger, row)
		return
	}

	if err := s.ledger.MarkProcessing(ctx, id); err != nil {
		if errors.Is(err, ledger.ErrNotPending) {
			logger.Info("webhook claimed by another worker")
			s.respond(w, ep, http.StatusOK, outcomeInProgress, MsgAlreadyProcessing)
			return
		}
		logger.Error("failed to mark webhook processing", "error", err)
		spanErr = err
		s.respond(w, ep, http.StatusInternalServerError, outcomeFailed, MsgFailed)
		return
	}
	spanErr = s.process(ctx, w, ep, logger, row)
}

// handleDuplicate resolves a delivery whose (provider, event_id) already has
// a ledger row.
func (s *Server) handleDuplicate(ctx context.Context, w http.ResponseWriter, ep *endpoint, logger *slog.Logger, env event.Envelope, body []byte) error {
	existing, err := s.ledger.FindByKey(ctx, ep.Provider, env.ID)
	if err != nil {
		logger.Error("failed to load existing webhook event", "error", err)
		s.respond(w, ep, http.StatusInternalServerError, outcomeFailed, MsgFailed)
		return err
	}
	logger = logger.With("id", existing.ID)

	if digest := ledger.Digest(body); existing.PayloadDigest != "" && existing.PayloadDigest != digest {
		logger.Warn("conflicting redelivery, body differs from the recorded payload")
	}

	if existing.Status.Terminal() {
		logger.Info("webhook already processed", "status", existing.Status)
		s.respond(w, ep, http.StatusOK, outcomeDuplicate, MsgAlreadyProcessed)
		return nil
	}

	if ep.Mode == config.ModeAsync {
		return s.enqueue(ctx, w, ep, logger, existing)
	}

	claimed, err := s.ledger.Claim(ctx, existing.ID, s.now().Add(-s.config.StaleAfter))
	if err != nil {
		logger.Error("failed to claim webhook event", "error", err)
		s.respond(w, ep, http.StatusInternalServerError, outcomeFailed, MsgFailed)
		return err
	}
	if !claimed {
		logger.Info("webhook is already being processed")
		s.respond(w, ep, http.StatusOK, outcomeInProgress, MsgAlreadyProcessing)
		return nil
	}
	logger.Info("duplicate delivery took over webhook event", "previous_status", existing.Status)
	return s.process(ctx, w, ep, logger, existing)
}

// process runs the processor inline, bounded by request_timeout, and maps
// the outcome to a response. A timed out row stays PROCESSING.
func (s *Server) process(ctx context.Context, w http.ResponseWriter, ep *endpoint, logger *slog.Logger, row *ledger.Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	res := s.runner.Run(ctx, row)
	if res.Status == ledger.StatusCompleted {
		logger.Info("webhook processed")
		s.respond(w, ep, http.StatusOK, outcomeProcessed, MsgProcessed)
		return nil
	}
	if errors.Is(res.Err, dispatch.ErrTimeout) {
		logger.Warn("webhook processing timed out", "timeout", s.config.RequestTimeout)
		s.respond(w, ep, http.StatusInternalServerError, outcomeTimeout, MsgFailed)
		return res.Err
	}
	logger.Warn("webhook processing failed", "status", res.Status, "error", res.Err)
	s.respond(w, ep, http.StatusInternalServerError, outcomeFailed, MsgFailed)
	return res.Err
}

// enqueue hands row to the worker pool under the event's job key.
func (s *Server) enqueue(ctx context.Context, w http.ResponseWriter, ep *endpoint, logger *slog.Logger, row *ledger.Event) error {
	ev, err := event.Decode(row.Payload)
	if err != nil {
		logger.Warn("webhook payload rejected", "error", err)
		if _, ferr := s.ledger.MarkFailed(ctx, row.ID, err.Error(), false); ferr != nil {
			logger.Error("failed to record rejected payload", "error", ferr)
		}
		s.respond(w, ep, http.StatusInternalServerError, outcomeFailed, MsgFailed)
		return err
	}

	key := event.JobKey(ep.Provider, ev)
	res, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		DedupeKey:     key,
		LedgerEventID: row.ID,
		Payload:       row.Payload,
		MaxAttempts:   s.config.MaxAttempts,
	})
	if err != nil {
		logger.Error("failed to enqueue webhook job", "dedupe_key", key, "error", err)
		s.respond(w, ep, http.StatusInternalServerError, outcomeFailed, MsgFailed)
		return err
	}

	switch {
	case res.Created:
		logger.Info("webhook job enqueued", "job_id", res.JobID, "dedupe_key", key)
	case res.LedgerEventID != row.ID:
		// Left PENDING; the scheduler settles it once the owning job is done.
		logger.Info("job key already held by another delivery", "job_id", res.JobID, "dedupe_key", key, "owner", res.LedgerEventID)
	default:
		logger.Info("webhook job already queued", "job_id", res.JobID, "dedupe_key", key)
	}
	s.respond(w, ep, http.StatusOK, outcomeAccepted, MsgAccepted)
	return nil
}

func (s *Server) respond(w http.ResponseWriter, ep *endpoint, status int, outcome, message string) {
	s.metrics.RecordIntake(ep.Provider, outcome)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Success: status < http.StatusBadRequest, Message: message})
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/hookgate/internal/auth"
	"github.com/mattjoyce/hookgate/internal/ledger"
)

// handleHealthz handles GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth := 0
	if s.queue != nil {
		counts, err := s.queue.Counts(r.Context())
		if err != nil {
			s.logger.Error("failed to compute queue depth", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
			return
		}
		depth = counts["queued"] + counts["running"]
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
	})
}

// handleStats handles GET /stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.GetEventStats(r.Context())
	if err != nil {
		s.logger.Error("failed to read ledger stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read ledger stats")
		return
	}

	resp := StatsResponse{Ledger: stats, Queue: map[string]int{}}
	if s.queue != nil {
		counts, err := s.queue.Counts(r.Context())
		if err != nil {
			s.logger.Error("failed to read queue counts", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to read queue counts")
			return
		}
		resp.Queue = counts
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListWebhooks handles GET /webhooks?status=&limit=
func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	var f ledger.ListFilter

	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := ledger.Status(strings.ToUpper(raw))
		switch status {
		case ledger.StatusPending, ledger.StatusProcessing, ledger.StatusCompleted, ledger.StatusFailed:
			f.Status = status
		default:
			s.writeError(w, http.StatusBadRequest, "unknown status: "+raw)
			return
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	rows, err := s.ledger.List(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list webhook events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list webhook events")
		return
	}

	resp := WebhookListResponse{Events: make([]WebhookEventView, 0, len(rows))}
	for _, ev := range rows {
		resp.Events = append(resp.Events, ViewOf(ev))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetWebhook handles GET /webhooks/{id}
func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, err := s.ledger.Get(r.Context(), id)
	if errors.Is(err, ledger.ErrEventNotFound) {
		s.writeError(w, http.StatusNotFound, "webhook event not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load webhook event", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load webhook event")
		return
	}
	respondJSON(w, http.StatusOK, ViewOf(ev))
}

// handleRetryWebhook handles POST /webhooks/{id}/retry. Only FAILED rows
// can be reset; the scheduler picks them up on its next tick.
func (s *Server) handleRetryWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.ledger.Reset(r.Context(), id)
	if errors.Is(err, ledger.ErrEventNotFound) {
		s.writeError(w, http.StatusNotFound, "webhook event not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}

	logger := s.logger.With("id", id, "request_id", middleware.GetReqID(r.Context()))
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		logger = logger.With("principal", p.ID)
	}
	logger.Info("webhook event reset for retry")
	respondJSON(w, http.StatusAccepted, RetryResponse{ID: id, Status: string(ledger.StatusPending)})
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

package api

import (
	"context"
	"time"

	"github.com/mattjoyce/hookgate/internal/auth"
	"github.com/mattjoyce/hookgate/internal/ledger"
)

// LedgerService is the part of the ledger the admin API reads and resets.
type LedgerService interface {
	GetEventStats(ctx context.Context) (ledger.Stats, error)
	List(ctx context.Context, f ledger.ListFilter) ([]*ledger.Event, error)
	Get(ctx context.Context, id string) (*ledger.Event, error)
	Reset(ctx context.Context, id string) error
}

// QueueStats reports job counts per status.
type QueueStats interface {
	Counts(ctx context.Context) (map[string]int, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	Tokens []auth.TokenConfig
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	Ledger ledger.Stats   `json:"ledger"`
	Queue  map[string]int `json:"queue"`
}

// WebhookEventView is the admin view of one ledger row. The payload itself
// is not exposed, only its digest.
type WebhookEventView struct {
	ID            string              `json:"id"`
	Provider      string              `json:"provider"`
	EventID       string              `json:"event_id"`
	Status        string              `json:"status"`
	RetryCount    int                 `json:"retry_count"`
	MaxRetries    int                 `json:"max_retries"`
	NextRetryAt   *time.Time          `json:"next_retry_at,omitempty"`
	ProcessedAt   *time.Time          `json:"processed_at,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
	PayloadDigest string              `json:"payload_digest,omitempty"`
	Diagnostics   []ledger.Diagnostic `json:"diagnostics,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// WebhookListResponse is returned by GET /webhooks.
type WebhookListResponse struct {
	Events []WebhookEventView `json:"events"`
}

// RetryResponse is returned by POST /webhooks/{id}/retry.
type RetryResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ViewOf converts a ledger row to its API shape. The payload and signature
// are left out.
func ViewOf(ev *ledger.Event) WebhookEventView {
	return WebhookEventView{
		ID:            ev.ID,
		Provider:      ev.Provider,
		EventID:       ev.EventID,
		Status:        string(ev.Status),
		RetryCount:    ev.RetryCount,
		MaxRetries:    ev.MaxRetries,
		NextRetryAt:   ev.NextRetryAt,
		ProcessedAt:   ev.ProcessedAt,
		LastError:     ev.LastError,
		PayloadDigest: ev.PayloadDigest,
		Diagnostics:   ev.Diagnostics,
		CreatedAt:     ev.CreatedAt,
	}
}

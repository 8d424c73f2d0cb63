package webhook

import (
	"context"
	"time"

	"github.com/mattjoyce/hookgate/internal/dispatch"
	"github.com/mattjoyce/hookgate/internal/ledger"
	"github.com/mattjoyce/hookgate/internal/queue"
)

// Ledger is the part of the idempotency ledger the intake uses.
type Ledger interface {
	IsProcessed(ctx context.Context, provider, eventID string) (bool, error)
	CreateEvent(ctx context.Context, ev ledger.NewEvent) (string, error)
	FindByKey(ctx context.Context, provider, eventID string) (*ledger.Event, error)
	MarkProcessing(ctx context.Context, id string) error
	Claim(ctx context.Context, id string, staleBefore time.Time) (bool, error)
	MarkFailed(ctx context.Context, id, errMsg string, shouldRetry bool) (ledger.Status, error)
}

// JobQueuer defines the interface for enqueueing async processing jobs.
type JobQueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (queue.EnqueueResult, error)
}

// Runner processes a ledger row the intake has moved to PROCESSING.
type Runner interface {
	Run(ctx context.Context, ev *ledger.Event) dispatch.Result
}

// Config holds webhook server configuration.
type Config struct {
	Listen         string
	RequestTimeout time.Duration
	StaleAfter     time.Duration
	MaxAttempts    int
	Endpoints      []EndpointConfig
}

// EndpointConfig defines a single provider endpoint.
type EndpointConfig struct {
	// Path is the URL path for this webhook (e.g., "/webhooks/razorpay")
	Path string

	// Provider names the ledger namespace for event ids
	Provider string

	// Secret is the HMAC secret for signature verification
	Secret string

	// SignatureHeader is the HTTP header containing the HMAC signature
	SignatureHeader string

	// Mode is "sync" (process inline) or "async" (enqueue and acknowledge)
	Mode string

	// MaxBodySize is the maximum allowed request body size in bytes
	MaxBodySize int64
}

// Response is the JSON body of every intake response.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Response messages.
const (
	MsgPayloadTooLarge   = "Payload too large"
	MsgMissingSignature  = "Missing webhook signature"
	MsgInvalidSignature  = "Invalid webhook signature"
	MsgMissingEventID    = "Missing event ID"
	MsgAlreadyProcessed  = "Webhook already processed"
	MsgAlreadyProcessing = "Webhook is already being processed"
	MsgProcessed         = "Webhook processed successfully"
	MsgAccepted          = "Webhook accepted for processing"
	MsgFailed            = "Webhook processing failed"
)

// Default values
const (
	DefaultMaxBodySize    = 1048576 // 1 MB
	DefaultRequestTimeout = 30 * time.Second
	DefaultStaleAfter     = 2 * time.Minute
)

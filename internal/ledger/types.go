package ledger

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the processing state of a ledger row.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further processing will happen for s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	// ErrDuplicateEvent is returned by CreateEvent when (provider, event_id)
	// already has a row.
	ErrDuplicateEvent = errors.New("webhook event already recorded")
	// ErrEventNotFound is returned when no row matches.
	ErrEventNotFound = errors.New("webhook event not found")
	// ErrNotPending is returned by MarkProcessing when another worker
	// already moved the row out of PENDING.
	ErrNotPending = errors.New("webhook event is not pending")
)

// Event is one row of the ledger.
type Event struct {
	ID            string
	Provider      string
	EventID       string
	Signature     string
	Payload       json.RawMessage
	PayloadDigest string
	Status        Status
	RetryCount    int
	MaxRetries    int
	NextRetryAt   *time.Time
	ProcessedAt   *time.Time
	LastError     string
	Diagnostics   []Diagnostic
	CreatedAt     time.Time
}

// Diagnostic is one entry of a row's failure trail.
type Diagnostic struct {
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// NewEvent carries what the intake knows about a fresh delivery.
type NewEvent struct {
	Provider  string
	EventID   string
	Signature string
	Payload   []byte
}

// Stats summarises the ledger. RetryRate is (failed+pending)/total*100
// rounded to two decimals, 0 when the ledger is empty.
type Stats struct {
	Total      int     `json:"total"`
	Pending    int     `json:"pending"`
	Processing int     `json:"processing"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	RetryRate  float64 `json:"retry_rate"`
}

// Counts returns the per-status counts keyed by status name.
func (s Stats) Counts() map[string]int {
	return map[string]int{
		string(StatusPending):    s.Pending,
		string(StatusProcessing): s.Processing,
		string(StatusCompleted):  s.Completed,
		string(StatusFailed):     s.Failed,
	}
}

// ListFilter narrows List.
type ListFilter struct {
	Status Status
	Limit  int
}

package queue

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job is one async processing job for a ledger row.
type Job struct {
	ID            string
	DedupeKey     string
	LedgerEventID string
	Payload       json.RawMessage
	Status        Status
	Attempt       int
	MaxAttempts   int
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	NextRetryAt   *time.Time
	LastError     string
}

// EnqueueRequest describes a job to add. DedupeKey is the job-level
// idempotency key ("orderId:paymentId" for payment events).
type EnqueueRequest struct {
	DedupeKey     string
	LedgerEventID string
	Payload       json.RawMessage
	MaxAttempts   int
}

// EnqueueResult reports what Enqueue did. Created is false when a live job
// already owns the dedupe key; LedgerEventID then names that job's row.
type EnqueueResult struct {
	JobID         string
	Created       bool
	LedgerEventID string
}

var ErrJobNotFound = errors.New("job not found")

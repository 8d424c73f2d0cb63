// Package inspect renders everything the gateway knows about one webhook
// delivery: its ledger row, failure trail, async jobs and the payment it
// touched.
package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/hookgate/internal/event"
	"github.com/mattjoyce/hookgate/internal/ledger"
	"github.com/mattjoyce/hookgate/internal/log"
	"github.com/mattjoyce/hookgate/internal/payments"
	"github.com/mattjoyce/hookgate/internal/queue"
)

// Report is the structured JSON representation of an event report.
type Report struct {
	ID            string              `json:"id"`
	Provider      string              `json:"provider"`
	EventID       string              `json:"event_id"`
	EventType     string              `json:"event_type,omitempty"`
	Status        string              `json:"status"`
	RetryCount    int                 `json:"retry_count"`
	MaxRetries    int                 `json:"max_retries"`
	NextRetryAt   *time.Time          `json:"next_retry_at,omitempty"`
	ProcessedAt   *time.Time          `json:"processed_at,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
	PayloadDigest string              `json:"payload_digest"`
	CreatedAt     time.Time           `json:"created_at"`
	JobKey        string              `json:"job_key,omitempty"`
	Attempts      []ledger.Diagnostic `json:"attempts"`
	Jobs          []Job               `json:"jobs"`
	Payment       *Payment            `json:"payment,omitempty"`
	Payload       json.RawMessage     `json:"payload,omitempty"`
}

// Job is one async job tied to the event.
type Job struct {
	ID        string `json:"id"`
	DedupeKey string `json:"dedupe_key"`
	Owner     string `json:"ledger_event_id"`
	Status    string `json:"status"`
	Attempt   int    `json:"attempt"`
	MaxTries  int    `json:"max_attempts"`
	LastError string `json:"last_error,omitempty"`
}

// Payment is the side-effect state of the order the event refers to.
type Payment struct {
	ID                string   `json:"id"`
	OrderID           string   `json:"order_id"`
	ProviderPaymentID string   `json:"provider_payment_id,omitempty"`
	Status            string   `json:"status"`
	RegistrationID    string   `json:"registration_id"`
	Registration      string   `json:"registration,omitempty"`
	Audit             []string `json:"audit,omitempty"`
}

// Options tunes what a report includes.
type Options struct {
	// WithPayload includes the raw stored body.
	WithPayload bool
}

// BuildReport renders a terminal-friendly report for the ledger row id.
func BuildReport(ctx context.Context, db *sql.DB, id string, opts Options) (string, error) {
	report, err := gatherReportData(ctx, db, id, opts)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Webhook Event Report\n")
	fmt.Fprintf(&out, "ID          : %s\n", report.ID)
	fmt.Fprintf(&out, "Provider    : %s\n", report.Provider)
	fmt.Fprintf(&out, "Event ID    : %s\n", report.EventID)
	fmt.Fprintf(&out, "Event type  : %s\n", renderUnset(report.EventType, "<unknown>"))
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Retries     : %d/%d\n", report.RetryCount, report.MaxRetries)
	fmt.Fprintf(&out, "Received    : %s\n", report.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&out, "Processed   : %s\n", renderTime(report.ProcessedAt))
	fmt.Fprintf(&out, "Next retry  : %s\n", renderTime(report.NextRetryAt))
	fmt.Fprintf(&out, "Last error  : %s\n", renderUnset(report.LastError, "<none>"))
	fmt.Fprintf(&out, "Digest      : %s\n", report.PayloadDigest)
	fmt.Fprintf(&out, "Job key     : %s\n", renderUnset(report.JobKey, "<none>"))
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Attempts (%d)\n", len(report.Attempts))
	for _, a := range report.Attempts {
		fmt.Fprintf(&out, "  [%d] %s  %s\n", a.Attempt, a.At.Format(time.RFC3339), a.Error)
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Jobs (%d)\n", len(report.Jobs))
	for _, j := range report.Jobs {
		owner := ""
		if j.Owner != report.ID {
			owner = fmt.Sprintf(" owned by %s", j.Owner)
		}
		fmt.Fprintf(&out, "  %s %s attempt %d/%d%s\n", j.ID, j.Status, j.Attempt, j.MaxTries, owner)
		if j.LastError != "" {
			fmt.Fprintf(&out, "    last_error : %s\n", j.LastError)
		}
	}
	fmt.Fprintf(&out, "\n")

	if p := report.Payment; p != nil {
		fmt.Fprintf(&out, "Payment\n")
		fmt.Fprintf(&out, "  order        : %s\n", p.OrderID)
		fmt.Fprintf(&out, "  payment      : %s (%s)\n", p.ID, p.Status)
		fmt.Fprintf(&out, "  provider id  : %s\n", renderUnset(p.ProviderPaymentID, "<none>"))
		fmt.Fprintf(&out, "  registration : %s %s\n", p.RegistrationID, p.Registration)
		for _, line := range p.Audit {
			fmt.Fprintf(&out, "    - %s\n", line)
		}
		fmt.Fprintf(&out, "\n")
	}

	if len(report.Payload) > 0 {
		fmt.Fprintf(&out, "Payload\n")
		for _, line := range strings.Split(strings.TrimSpace(prettyJSON(report.Payload)), "\n") {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, db *sql.DB, id string, opts Options) (string, error) {
	report, err := gatherReportData(ctx, db, id, opts)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, db *sql.DB, id string, opts Options) (*Report, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("event id is required")
	}

	l := ledger.New(db, ledger.Options{Logger: log.Discard()})
	row, err := l.Get(ctx, id)
	if errors.Is(err, ledger.ErrEventNotFound) {
		return nil, fmt.Errorf("webhook event %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load webhook event %q: %w", id, err)
	}

	report := &Report{
		ID:            row.ID,
		Provider:      row.Provider,
		EventID:       row.EventID,
		Status:        string(row.Status),
		RetryCount:    row.RetryCount,
		MaxRetries:    row.MaxRetries,
		NextRetryAt:   row.NextRetryAt,
		ProcessedAt:   row.ProcessedAt,
		LastError:     row.LastError,
		PayloadDigest: row.PayloadDigest,
		CreatedAt:     row.CreatedAt,
		Attempts:      row.Diagnostics,
		Jobs:          make([]Job, 0),
	}
	if report.Attempts == nil {
		report.Attempts = []ledger.Diagnostic{}
	}
	if opts.WithPayload {
		report.Payload = row.Payload
	}

	// The payload may be malformed; that is often why someone is inspecting it.
	var orderID string
	if ev, err := event.Decode(row.Payload); err == nil {
		report.EventType = ev.Type()
		report.JobKey = event.JobKey(row.Provider, ev)
		switch e := ev.(type) {
		case event.PaymentCaptured:
			orderID = e.Payment.OrderID
		case event.PaymentFailed:
			orderID = e.Payment.OrderID
		}
	} else if env, envErr := event.ParseEnvelope(row.Payload); envErr == nil {
		report.EventType = env.Event
	}

	jobs, err := queue.New(db, queue.Options{}).JobsFor(ctx, row.ID, report.JobKey)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	for _, j := range jobs {
		report.Jobs = append(report.Jobs, Job{
			ID:        j.ID,
			DedupeKey: j.DedupeKey,
			Owner:     j.LedgerEventID,
			Status:    string(j.Status),
			Attempt:   j.Attempt,
			MaxTries:  j.MaxAttempts,
			LastError: j.LastError,
		})
	}

	if orderID != "" {
		p, err := lookupPayment(ctx, payments.NewStore(db, nil), orderID)
		if err != nil {
			return nil, err
		}
		report.Payment = p
	}
	return report, nil
}

func lookupPayment(ctx context.Context, store *payments.Store, orderID string) (*Payment, error) {
	p, err := store.PaymentByOrderID(ctx, orderID)
	if errors.Is(err, payments.ErrPaymentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load payment for order %q: %w", orderID, err)
	}

	out := &Payment{
		ID:                p.ID,
		OrderID:           p.ProviderOrderID,
		ProviderPaymentID: p.ProviderPaymentID,
		Status:            string(p.Status),
		RegistrationID:    p.RegistrationID,
	}
	if reg, err := store.Registration(ctx, p.RegistrationID); err == nil {
		out.Registration = fmt.Sprintf("%s/%s", reg.Status, reg.FunnelStage)
	}
	trail, err := store.AuditTrail(ctx, payments.EntityPayment, p.ID)
	if err != nil {
		return nil, fmt.Errorf("load audit trail: %w", err)
	}
	for _, rec := range trail {
		out.Audit = append(out.Audit, fmt.Sprintf("%s %s", rec.CreatedAt.Format(time.RFC3339), rec.Action))
	}
	return out, nil
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func renderTime(t *time.Time) string {
	if t == nil {
		return "<none>"
	}
	return t.Format(time.RFC3339)
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

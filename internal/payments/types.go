// Package payments holds the downstream entities the event processor
// mutates: payments, registrations and the audit log. The processor only
// sees the interfaces; the SQL implementations share one transaction per
// unit of work.
package payments

import (
	"context"
	"errors"
	"time"
)

// Status is a payment's lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
)

// Registration lifecycle values set when a payment completes.
const (
	RegistrationSubmitted  = "PENDING"
	StagePaymentCompleted  = "PAYMENT_COMPLETED"
	EntityPayment          = "PAYMENT"
	ActionWebhookProcessed = "WEBHOOK_PROCESSED"
)

var (
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrRegistrationNotFound = errors.New("registration not found")
	// ErrStaleStatus means the payment changed between read and write.
	ErrStaleStatus = errors.New("payment status changed concurrently")
)

// Payment is a payment row joined with its registration's owner.
type Payment struct {
	ID                string
	RegistrationID    string
	ProviderOrderID   string
	ProviderPaymentID string
	Amount            int64
	Currency          string
	Status            Status
	PaidAt            *time.Time
	UserID            string
}

// Registration is the funnel record a payment belongs to.
type Registration struct {
	ID          string
	UserID      string
	Status      string
	FunnelStage string
	SubmittedAt *time.Time
}

// StatusUpdate moves a payment from From to To. The write fails with
// ErrStaleStatus if the stored status is no longer From.
type StatusUpdate struct {
	From              Status
	To                Status
	ProviderPaymentID string
	PaidAt            *time.Time
}

// Advance moves a registration along the funnel.
type Advance struct {
	Status      string
	FunnelStage string
	SubmittedAt time.Time
}

// AuditEntry is one audit log record. Data is stored as JSON.
type AuditEntry struct {
	ActorUserID string
	EntityType  string
	EntityID    string
	Action      string
	Data        any
}

// PaymentRepository reads and updates payments.
type PaymentRepository interface {
	FindByOrderID(ctx context.Context, orderID string) (*Payment, error)
	UpdateStatus(ctx context.Context, paymentID string, u StatusUpdate) error
}

// RegistrationRepository advances registrations.
type RegistrationRepository interface {
	AdvanceStage(ctx context.Context, registrationID string, a Advance) error
}

// AuditLog appends audit entries.
type AuditLog interface {
	Append(ctx context.Context, e AuditEntry) error
}

// Tx exposes the repositories bound to one transaction.
type Tx interface {
	Payments() PaymentRepository
	Registrations() RegistrationRepository
	AuditLog() AuditLog
}

// UnitOfWork runs fn atomically: every write fn makes through tx commits
// together, or none does.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(tx Tx) error) error
}

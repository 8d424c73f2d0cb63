// Package processor applies a validated webhook event's side effects.
//
// Each event is decoded into its variant and handled inside one unit of
// work: the payment update, the registration advance and the audit entry
// commit together or not at all. The payment's own status acts as the
// entity state machine, so a replayed or out-of-order event cannot apply
// its effect twice.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/hookgate/internal/event"
	"github.com/mattjoyce/hookgate/internal/log"
	"github.com/mattjoyce/hookgate/internal/observability"
	"github.com/mattjoyce/hookgate/internal/payments"
)

// ErrPaymentNotFound is returned when no payment matches the event's order.
// It is retryable: the checkout flow may not have committed the order yet.
var ErrPaymentNotFound = payments.ErrPaymentNotFound

// Handler applies one raw event body.
type Handler interface {
	Handle(ctx context.Context, raw []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, raw []byte) error

func (f HandlerFunc) Handle(ctx context.Context, raw []byte) error { return f(ctx, raw) }

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Options configures a Processor.
type Options struct {
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Processor is the Handler for payment provider events.
type Processor struct {
	uow     payments.UnitOfWork
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// New returns a Processor that writes through uow.
func New(uow payments.UnitOfWork, opts Options) *Processor {
	p := &Processor{
		uow:     uow,
		now:     opts.Now,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = log.WithComponent("processor")
	}
	if p.tracer == nil {
		p.tracer = observability.NewTracer(nil)
	}
	return p
}

// Handle decodes raw and dispatches on the event type. Unknown event types
// are logged and treated as success.
func (p *Processor) Handle(ctx context.Context, raw []byte) (err error) {
	ev, err := event.Decode(raw)
	if err != nil {
		return &PermanentError{Err: err}
	}

	ctx, span := p.tracer.StartProcessSpan(ctx, ev.Type(), ev.EventID())
	start := time.Now()
	defer func() {
		p.metrics.ObserveProcessing(ev.Type(), err == nil, time.Since(start).Seconds())
		p.tracer.EndSpan(span, err)
	}()

	switch e := ev.(type) {
	case event.PaymentCaptured:
		return p.handleCaptured(ctx, e)
	case event.PaymentFailed:
		return p.handleFailed(ctx, e)
	default:
		p.logger.Info("unhandled webhook event", "event", ev.Type(), "event_id", ev.EventID())
		return nil
	}
}

func (p *Processor) handleCaptured(ctx context.Context, e event.PaymentCaptured) error {
	logger := p.logger.With("event_id", e.ID, "order_id", e.Payment.OrderID, "payment_id", e.Payment.ID)

	applied := false
	err := p.uow.Do(ctx, func(tx payments.Tx) error {
		pay, err := tx.Payments().FindByOrderID(ctx, e.Payment.OrderID)
		if err != nil {
			return fmt.Errorf("capture for order %s: %w", e.Payment.OrderID, err)
		}

		switch pay.Status {
		case payments.StatusCompleted:
			logger.Info("payment already completed, capture ignored", "payment", pay.ID)
			return nil
		case payments.StatusRefunded:
			logger.Warn("capture for refunded payment ignored", "payment", pay.ID)
			return nil
		}
		if e.Payment.Amount != pay.Amount {
			logger.Warn("captured amount differs from order amount", "expected", pay.Amount, "captured", e.Payment.Amount)
		}

		now := p.now().UTC()
		if err := tx.Payments().UpdateStatus(ctx, pay.ID, payments.StatusUpdate{
			From:              pay.Status,
			To:                payments.StatusCompleted,
			ProviderPaymentID: e.Payment.ID,
			PaidAt:            &now,
		}); err != nil {
			return err
		}
		if err := tx.Registrations().AdvanceStage(ctx, pay.RegistrationID, payments.Advance{
			Status:      payments.RegistrationSubmitted,
			FunnelStage: payments.StagePaymentCompleted,
			SubmittedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.AuditLog().Append(ctx, payments.AuditEntry{
			ActorUserID: pay.UserID,
			EntityType:  payments.EntityPayment,
			EntityID:    pay.ID,
			Action:      payments.ActionWebhookProcessed,
			Data: map[string]any{
				"event":           event.TypePaymentCaptured,
				"event_id":        e.ID,
				"order_id":        e.Payment.OrderID,
				"payment_id":      e.Payment.ID,
				"amount":          e.Payment.Amount,
				"currency":        e.Payment.Currency,
				"previous_status": string(pay.Status),
				"status":          string(payments.StatusCompleted),
			},
		}); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		logger.Info("payment captured")
	}
	return nil
}

func (p *Processor) handleFailed(ctx context.Context, e event.PaymentFailed) error {
	logger := p.logger.With("event_id", e.ID, "order_id", e.Payment.OrderID, "payment_id", e.Payment.ID)

	applied := false
	err := p.uow.Do(ctx, func(tx payments.Tx) error {
		pay, err := tx.Payments().FindByOrderID(ctx, e.Payment.OrderID)
		if err != nil {
			return fmt.Errorf("failure for order %s: %w", e.Payment.OrderID, err)
		}

		if pay.Status == payments.StatusCompleted || pay.Status == payments.StatusRefunded {
			logger.Info("payment already settled, failure ignored", "payment", pay.ID, "status", pay.Status)
			return nil
		}
		if pay.Status == payments.StatusFailed {
			logger.Info("payment already failed, failure ignored", "payment", pay.ID)
			return nil
		}

		if err := tx.Payments().UpdateStatus(ctx, pay.ID, payments.StatusUpdate{
			From:              pay.Status,
			To:                payments.StatusFailed,
			ProviderPaymentID: e.Payment.ID,
		}); err != nil {
			return err
		}
		if err := tx.AuditLog().Append(ctx, payments.AuditEntry{
			ActorUserID: pay.UserID,
			EntityType:  payments.EntityPayment,
			EntityID:    pay.ID,
			Action:      payments.ActionWebhookProcessed,
			Data: map[string]any{
				"event":             event.TypePaymentFailed,
				"event_id":          e.ID,
				"order_id":          e.Payment.OrderID,
				"payment_id":        e.Payment.ID,
				"amount":            e.Payment.Amount,
				"currency":          e.Payment.Currency,
				"error_code":        e.Payment.ErrorCode,
				"error_description": e.Payment.ErrorDescription,
				"previous_status":   string(pay.Status),
				"status":            string(payments.StatusFailed),
			},
		}); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		logger.Info("payment failed", "error_code", e.Payment.ErrorCode)
	}
	return nil
}

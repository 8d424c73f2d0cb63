// Package event decodes provider webhook envelopes into typed events.
//
// Every decoded body becomes exactly one Event variant: PaymentCaptured,
// PaymentFailed, or Unknown for event types the processor does not act on.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Provider event type tags.
const (
	TypePaymentCaptured = "payment.captured"
	TypePaymentFailed   = "payment.failed"
)

var (
	// ErrMissingEventID means the body is not JSON or has no usable id.
	ErrMissingEventID = errors.New("missing event id")
	// ErrInvalidPayload means a known event type lacks required fields.
	ErrInvalidPayload = errors.New("invalid event payload")
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Envelope is the outer provider body. Payload is kept raw until the
// event type is known.
type Envelope struct {
	ID        string          `json:"id" validate:"required"`
	Entity    string          `json:"entity"`
	AccountID string          `json:"account_id"`
	Event     string          `json:"event"`
	Contains  []string        `json:"contains"`
	CreatedAt int64           `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// PaymentEntity is the payment object nested in payment.* events.
type PaymentEntity struct {
	ID               string `json:"id" validate:"required"`
	OrderID          string `json:"order_id" validate:"required"`
	Amount           int64  `json:"amount" validate:"gte=0"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	Method           string `json:"method,omitempty"`
	ErrorCode        string `json:"error_code,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

type paymentPayload struct {
	Payment struct {
		Entity PaymentEntity `json:"entity"`
	} `json:"payment"`
}

// Event is implemented by every decoded variant.
type Event interface {
	EventID() string
	Type() string
}

// PaymentCaptured reports a successful capture.
type PaymentCaptured struct {
	ID      string
	Payment PaymentEntity
}

// PaymentFailed reports a failed payment attempt.
type PaymentFailed struct {
	ID      string
	Payment PaymentEntity
}

// Unknown carries any event type without a dedicated variant.
type Unknown struct {
	ID   string
	Kind string
	Raw  json.RawMessage
}

func (e PaymentCaptured) EventID() string { return e.ID }
func (e PaymentCaptured) Type() string    { return TypePaymentCaptured }
func (e PaymentFailed) EventID() string   { return e.ID }
func (e PaymentFailed) Type() string      { return TypePaymentFailed }
func (e Unknown) EventID() string         { return e.ID }
func (e Unknown) Type() string            { return e.Kind }

// ParseEnvelope decodes only the outer envelope. It is what the intake uses
// to find the idempotency key before anything is persisted.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, ErrMissingEventID
	}
	if err := getValidator().Struct(env); err != nil {
		return Envelope{}, ErrMissingEventID
	}
	return env, nil
}

// Decode turns a raw body into its Event variant.
func Decode(raw []byte) (Event, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return nil, err
	}

	switch env.Event {
	case TypePaymentCaptured, TypePaymentFailed:
		payment, err := decodePayment(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", env.Event, env.ID, err)
		}
		if env.Event == TypePaymentCaptured {
			return PaymentCaptured{ID: env.ID, Payment: payment}, nil
		}
		return PaymentFailed{ID: env.ID, Payment: payment}, nil
	default:
		return Unknown{ID: env.ID, Kind: env.Event, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

func decodePayment(raw json.RawMessage) (PaymentEntity, error) {
	if len(raw) == 0 {
		return PaymentEntity{}, ErrInvalidPayload
	}
	var p paymentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return PaymentEntity{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := getValidator().Struct(p.Payment.Entity); err != nil {
		return PaymentEntity{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p.Payment.Entity, nil
}

// JobKey is the async queue dedupe key for ev: "orderId:paymentId" for
// payment events, "provider:eventId" otherwise.
func JobKey(provider string, ev Event) string {
	switch e := ev.(type) {
	case PaymentCaptured:
		return e.Payment.OrderID + ":" + e.Payment.ID
	case PaymentFailed:
		return e.Payment.OrderID + ":" + e.Payment.ID
	default:
		return provider + ":" + ev.EventID()
	}
}

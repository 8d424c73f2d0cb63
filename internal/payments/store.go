package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/hookgate/internal/storage"
)

// Store is the non-transactional read and seed side of the collaborators.
// Order creation itself belongs to the checkout flow; Store only records
// what that flow produced.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore returns a Store over db.
func NewStore(db *sql.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

// CreateRegistration inserts a registration and returns its id.
func (s *Store) CreateRegistration(ctx context.Context, userID, status, stage string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO registrations(id, user_id, status, funnel_stage, updated_at) VALUES(?, ?, ?, ?, ?);
`, id, userID, status, stage, storage.FormatTime(s.now()))
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreatePayment records a provider order awaiting payment.
func (s *Store) CreatePayment(ctx context.Context, registrationID, orderID string, amount int64, currency string) (string, error) {
	id := uuid.NewString()
	now := storage.FormatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO payments(id, registration_id, provider_order_id, amount, currency, status, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, id, registrationID, orderID, amount, currency, string(StatusPending), now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

// PaymentByOrderID reads a payment outside any transaction.
func (s *Store) PaymentByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	return findPayment(ctx, s.db, `p.provider_order_id = ?`, orderID)
}

// Registration reads one registration.
func (s *Store) Registration(ctx context.Context, id string) (*Registration, error) {
	var (
		r           Registration
		submittedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, user_id, status, funnel_stage, submitted_at FROM registrations WHERE id = ?;
`, id).Scan(&r.ID, &r.UserID, &r.Status, &r.FunnelStage, &submittedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRegistrationNotFound
		}
		return nil, err
	}
	r.SubmittedAt = storage.NullTime(submittedAt)
	return &r, nil
}

// AuditRecord is a stored audit entry.
type AuditRecord struct {
	ID          string
	ActorUserID string
	EntityType  string
	EntityID    string
	Action      string
	Data        map[string]any
	CreatedAt   time.Time
}

// AuditTrail returns the audit entries for one entity, oldest first.
func (s *Store) AuditTrail(ctx context.Context, entityType, entityID string) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, actor_user_id, entity_type, entity_id, action, data, created_at
FROM audit_log WHERE entity_type = ? AND entity_id = ?
ORDER BY created_at ASC, rowid ASC;
`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var (
			rec       AuditRecord
			actor     sql.NullString
			data      string
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &actor, &rec.EntityType, &rec.EntityID, &rec.Action, &data, &createdAt); err != nil {
			return nil, err
		}
		rec.ActorUserID = actor.String
		if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
			return nil, err
		}
		if rec.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

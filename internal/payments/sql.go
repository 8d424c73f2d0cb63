package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/hookgate/internal/storage"
)

// SQLUnitOfWork implements UnitOfWork on a SQL database.
type SQLUnitOfWork struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLUnitOfWork returns a UnitOfWork over db.
func NewSQLUnitOfWork(db *sql.DB, now func() time.Time) *SQLUnitOfWork {
	if now == nil {
		now = time.Now
	}
	return &SQLUnitOfWork{db: db, now: now}
}

// Do runs fn in a single transaction.
func (u *SQLUnitOfWork) Do(ctx context.Context, fn func(tx Tx) error) error {
	return storage.WithTx(ctx, u.db, func(tx *sql.Tx) error {
		return fn(&sqlTx{q: tx, now: u.now})
	})
}

type sqlTx struct {
	q   storage.Querier
	now func() time.Time
}

func (t *sqlTx) Payments() PaymentRepository           { return &paymentRepo{q: t.q, now: t.now} }
func (t *sqlTx) Registrations() RegistrationRepository { return &registrationRepo{q: t.q, now: t.now} }
func (t *sqlTx) AuditLog() AuditLog                    { return &auditRepo{q: t.q, now: t.now} }

type paymentRepo struct {
	q   storage.Querier
	now func() time.Time
}

func (r *paymentRepo) FindByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	return findPayment(ctx, r.q, `p.provider_order_id = ?`, orderID)
}

func (r *paymentRepo) UpdateStatus(ctx context.Context, paymentID string, u StatusUpdate) error {
	res, err := r.q.ExecContext(ctx, `
UPDATE payments
SET status = ?, provider_payment_id = COALESCE(?, provider_payment_id), paid_at = ?, updated_at = ?
WHERE id = ? AND status = ?;
`, string(u.To), nullString(u.ProviderPaymentID), storage.TimeArg(u.PaidAt), storage.FormatTime(r.now()), paymentID, string(u.From))
	if err != nil {
		return fmt.Errorf("update payment %s: %w", paymentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update payment %s from %s: %w", paymentID, u.From, ErrStaleStatus)
	}
	return nil
}

type registrationRepo struct {
	q   storage.Querier
	now func() time.Time
}

func (r *registrationRepo) AdvanceStage(ctx context.Context, registrationID string, a Advance) error {
	res, err := r.q.ExecContext(ctx, `
UPDATE registrations SET status = ?, funnel_stage = ?, submitted_at = ?, updated_at = ?
WHERE id = ?;
`, a.Status, a.FunnelStage, storage.FormatTime(a.SubmittedAt), storage.FormatTime(r.now()), registrationID)
	if err != nil {
		return fmt.Errorf("advance registration %s: %w", registrationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("advance registration %s: %w", registrationID, ErrRegistrationNotFound)
	}
	return nil
}

type auditRepo struct {
	q   storage.Querier
	now func() time.Time
}

func (r *auditRepo) Append(ctx context.Context, e AuditEntry) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encode audit data: %w", err)
	}
	_, err = r.q.ExecContext(ctx, `
INSERT INTO audit_log(id, actor_user_id, entity_type, entity_id, action, data, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), nullString(e.ActorUserID), e.EntityType, e.EntityID, e.Action, string(data), storage.FormatTime(r.now()))
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func findPayment(ctx context.Context, q storage.Querier, where string, arg any) (*Payment, error) {
	var (
		p         Payment
		paymentID sql.NullString
		status    string
		paidAt    sql.NullString
	)
	err := q.QueryRowContext(ctx, `
SELECT p.id, p.registration_id, p.provider_order_id, p.provider_payment_id, p.amount, p.currency, p.status, p.paid_at, r.user_id
FROM payments p JOIN registrations r ON r.id = p.registration_id
WHERE `+where+`;
`, arg).Scan(&p.ID, &p.RegistrationID, &p.ProviderOrderID, &paymentID, &p.Amount, &p.Currency, &status, &paidAt, &p.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	p.ProviderPaymentID = paymentID.String
	p.Status = Status(status)
	p.PaidAt = storage.NullTime(paidAt)
	return &p, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

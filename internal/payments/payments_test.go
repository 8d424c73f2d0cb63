package payments

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hookgate/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *SQLUnitOfWork) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "payments.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	now := func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC) }
	return NewStore(db, now), NewSQLUnitOfWork(db, now)
}

func seed(t *testing.T, s *Store) (regID, paymentID string) {
	t.Helper()
	ctx := context.Background()
	regID, err := s.CreateRegistration(ctx, "user_1", "DRAFT", "PAYMENT_PENDING")
	require.NoError(t, err)
	paymentID, err = s.CreatePayment(ctx, regID, "order_1", 50000, "INR")
	require.NoError(t, err)
	return regID, paymentID
}

func TestFindByOrderIDJoinsOwner(t *testing.T) {
	s, uow := newTestStore(t)
	regID, paymentID := seed(t, s)

	err := uow.Do(context.Background(), func(tx Tx) error {
		p, err := tx.Payments().FindByOrderID(context.Background(), "order_1")
		require.NoError(t, err)
		assert.Equal(t, paymentID, p.ID)
		assert.Equal(t, regID, p.RegistrationID)
		assert.Equal(t, "user_1", p.UserID)
		assert.Equal(t, StatusPending, p.Status)
		assert.Nil(t, p.PaidAt)

		_, err = tx.Payments().FindByOrderID(context.Background(), "order_missing")
		assert.ErrorIs(t, err, ErrPaymentNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestUnitOfWorkCommitsAllWrites(t *testing.T) {
	s, uow := newTestStore(t)
	regID, paymentID := seed(t, s)
	ctx := context.Background()
	paidAt := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	err := uow.Do(ctx, func(tx Tx) error {
		if err := tx.Payments().UpdateStatus(ctx, paymentID, StatusUpdate{From: StatusPending, To: StatusCompleted, ProviderPaymentID: "pay_1", PaidAt: &paidAt}); err != nil {
			return err
		}
		if err := tx.Registrations().AdvanceStage(ctx, regID, Advance{Status: RegistrationSubmitted, FunnelStage: StagePaymentCompleted, SubmittedAt: paidAt}); err != nil {
			return err
		}
		return tx.AuditLog().Append(ctx, AuditEntry{ActorUserID: "user_1", EntityType: EntityPayment, EntityID: paymentID, Action: ActionWebhookProcessed, Data: map[string]any{"order_id": "order_1"}})
	})
	require.NoError(t, err)

	p, err := s.PaymentByOrderID(ctx, "order_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, "pay_1", p.ProviderPaymentID)
	require.NotNil(t, p.PaidAt)
	assert.True(t, p.PaidAt.Equal(paidAt))

	r, err := s.Registration(ctx, regID)
	require.NoError(t, err)
	assert.Equal(t, StagePaymentCompleted, r.FunnelStage)
	assert.Equal(t, RegistrationSubmitted, r.Status)
	require.NotNil(t, r.SubmittedAt)

	trail, err := s.AuditTrail(ctx, EntityPayment, paymentID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "order_1", trail[0].Data["order_id"])
	assert.Equal(t, "user_1", trail[0].ActorUserID)
}

func TestUnitOfWorkRollsBackOnError(t *testing.T) {
	s, uow := newTestStore(t)
	regID, paymentID := seed(t, s)
	ctx := context.Background()
	boom := errors.New("audit store unavailable")

	err := uow.Do(ctx, func(tx Tx) error {
		require.NoError(t, tx.Payments().UpdateStatus(ctx, paymentID, StatusUpdate{From: StatusPending, To: StatusCompleted}))
		require.NoError(t, tx.Registrations().AdvanceStage(ctx, regID, Advance{Status: RegistrationSubmitted, FunnelStage: StagePaymentCompleted, SubmittedAt: time.Now()}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	p, err := s.PaymentByOrderID(ctx, "order_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)
	r, err := s.Registration(ctx, regID)
	require.NoError(t, err)
	assert.Equal(t, "PAYMENT_PENDING", r.FunnelStage)
	assert.Nil(t, r.SubmittedAt)
}

func TestUpdateStatusDetectsStaleRead(t *testing.T) {
	s, uow := newTestStore(t)
	_, paymentID := seed(t, s)
	ctx := context.Background()

	err := uow.Do(ctx, func(tx Tx) error {
		return tx.Payments().UpdateStatus(ctx, paymentID, StatusUpdate{From: StatusFailed, To: StatusCompleted})
	})
	assert.ErrorIs(t, err, ErrStaleStatus)
}

func TestAdvanceStageUnknownRegistration(t *testing.T) {
	_, uow := newTestStore(t)
	ctx := context.Background()
	err := uow.Do(ctx, func(tx Tx) error {
		return tx.Registrations().AdvanceStage(ctx, "reg_missing", Advance{Status: "x", FunnelStage: "y", SubmittedAt: time.Now()})
	})
	assert.ErrorIs(t, err, ErrRegistrationNotFound)
}

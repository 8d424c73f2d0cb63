package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	for _, table := range []string{"webhook_events", "payments", "registrations", "audit_log", "job_queue"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name)
		require.NoError(t, err, "table %q missing", table)
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	require.NoError(t, BootstrapSQLite(context.Background(), db))
}

func TestWebhookEventsUniqueKey(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	insert := `INSERT INTO webhook_events(id, provider, event_id, payload, status, created_at) VALUES(?, 'razorpay', 'evt_1', '{}', 'PENDING', ?)`
	now := FormatTime(time.Now())
	_, err := db.Exec(insert, "a", now)
	require.NoError(t, err)
	_, err = db.Exec(insert, "b", now)
	assert.Error(t, err, "second row with the same (provider, event_id) must be rejected")
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO registrations(id, user_id, status, funnel_stage, updated_at) VALUES('r1', 'u1', 'DRAFT', 'STARTED', ?)`, FormatTime(time.Now()))
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM registrations`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO registrations(id, user_id, status, funnel_stage, updated_at) VALUES('r1', 'u1', 'DRAFT', 'STARTED', ?)`, FormatTime(time.Now())); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM registrations`).Scan(&count))
	assert.Zero(t, count)
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = WithTx(ctx, db, func(tx *sql.Tx) error {
			_, _ = tx.ExecContext(ctx, `INSERT INTO registrations(id, user_id, status, funnel_stage, updated_at) VALUES('r1', 'u1', 'DRAFT', 'STARTED', ?)`, FormatTime(time.Now()))
			panic("mid-transaction crash")
		})
	})

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM registrations`).Scan(&count))
	assert.Zero(t, count)
}

func TestFormatTimeSortsLexically(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	earlier := FormatTime(base)
	later := FormatTime(base.Add(100 * time.Millisecond))
	assert.Less(t, earlier, later)

	parsed, err := ParseTime(later)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(base.Add(100*time.Millisecond)))
}

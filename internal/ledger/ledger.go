// Package ledger is the durable idempotency record of inbound webhook
// deliveries, keyed by (provider, event_id).
//
// The UNIQUE(provider, event_id) constraint is the only serialization point
// between concurrent deliveries of the same event. Rows move
// PENDING -> PROCESSING -> COMPLETED, or back to PENDING with a backoff
// deadline on a retryable failure, or to FAILED when retries run out.
package ledger

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/hookgate/internal/events"
	"github.com/mattjoyce/hookgate/internal/log"
	"github.com/mattjoyce/hookgate/internal/observability"
	"github.com/mattjoyce/hookgate/internal/storage"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 5 * time.Second
)

// Options configures a Ledger. Zero values take the defaults.
type Options struct {
	MaxRetries int
	RetryDelay time.Duration
	Now        func() time.Time
	Publisher  events.Publisher
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// Ledger is the SQLite-backed idempotency ledger.
type Ledger struct {
	db         *sql.DB
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
	publisher  events.Publisher
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// New returns a Ledger over db.
func New(db *sql.DB, opts Options) *Ledger {
	l := &Ledger{
		db:         db,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		now:        opts.Now,
		publisher:  opts.Publisher,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
	if l.maxRetries <= 0 {
		l.maxRetries = DefaultMaxRetries
	}
	if l.retryDelay <= 0 {
		l.retryDelay = DefaultRetryDelay
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = log.WithComponent("ledger")
	}
	return l
}

// Digest returns the hex BLAKE3 digest stored alongside each payload.
func Digest(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// IsProcessed reports whether (provider, eventID) reached a terminal status.
func (l *Ledger) IsProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM webhook_events
WHERE provider = ? AND event_id = ? AND status IN (?, ?);
`, provider, eventID, string(StatusCompleted), string(StatusFailed)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateEvent inserts a PENDING row and returns its id. If the key already
// exists it returns ErrDuplicateEvent and writes nothing.
func (l *Ledger) CreateEvent(ctx context.Context, ev NewEvent) (string, error) {
	id := uuid.NewString()
	now := l.now()

	res, err := l.db.ExecContext(ctx, `
INSERT INTO webhook_events(id, provider, event_id, signature, payload, payload_digest, status, retry_count, max_retries, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
ON CONFLICT(provider, event_id) DO NOTHING;
`, id, ev.Provider, ev.EventID, nullString(ev.Signature), string(ev.Payload), Digest(ev.Payload),
		string(StatusPending), l.maxRetries, storage.FormatTime(now))
	if err != nil {
		return "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrDuplicateEvent
	}

	l.logger.Info("webhook event recorded", "id", id, "provider", ev.Provider, "event_id", ev.EventID)
	l.metrics.RecordTransition(string(StatusPending))
	l.publish(events.TypeEventReceived, id, ev.Provider, ev.EventID, StatusPending, 0, "")
	return id, nil
}

// Get returns the row with primary key id.
func (l *Ledger) Get(ctx context.Context, id string) (*Event, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = ?;`, id)
	return scanEvent(row)
}

// FindByKey returns the row for (provider, eventID).
func (l *Ledger) FindByKey(ctx context.Context, provider, eventID string) (*Event, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE provider = ? AND event_id = ?;`, provider, eventID)
	return scanEvent(row)
}

// MarkProcessing moves a PENDING row to PROCESSING and stamps the start
// time. It returns ErrNotPending if the row is in any other status.
func (l *Ledger) MarkProcessing(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx, `
UPDATE webhook_events SET status = ?, processed_at = ?, next_retry_at = NULL
WHERE id = ? AND status = ?;
`, string(StatusProcessing), storage.FormatTime(l.now()), id, string(StatusPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := l.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotPending
	}
	l.transitioned(ctx, events.TypeEventProcessing, id, StatusProcessing, "")
	return nil
}

// Claim atomically moves a row to PROCESSING if it is PENDING, or if it is
// PROCESSING and was started at or before staleBefore. At most one
// concurrent caller gets true.
func (l *Ledger) Claim(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
UPDATE webhook_events SET status = ?, processed_at = ?, next_retry_at = NULL
WHERE id = ?
  AND (status = ? OR (status = ? AND processed_at <= ?));
`, string(StatusProcessing), storage.FormatTime(l.now()), id,
		string(StatusPending), string(StatusProcessing), storage.FormatTime(staleBefore))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	l.transitioned(ctx, events.TypeEventProcessing, id, StatusProcessing, "")
	return true, nil
}

// MarkCompleted records success.
func (l *Ledger) MarkCompleted(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx, `
UPDATE webhook_events SET status = ?, processed_at = ?, next_retry_at = NULL
WHERE id = ?;
`, string(StatusCompleted), storage.FormatTime(l.now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEventNotFound
	}
	l.transitioned(ctx, events.TypeEventCompleted, id, StatusCompleted, "")
	return nil
}

// MarkFailed records a failed attempt. It increments retry_count and appends
// errMsg to the row's diagnostic trail. When shouldRetry is set and
// retry_count is still below max_retries the row goes back to PENDING with
// next_retry_at = now + retryDelay * 2^(retry_count-1); otherwise it becomes
// FAILED. A COMPLETED row is left untouched. The resulting status is returned.
func (l *Ledger) MarkFailed(ctx context.Context, id, errMsg string, shouldRetry bool) (Status, error) {
	var (
		status  Status
		changed bool
		retries int
	)
	err := storage.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		ev, err := scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = ?;`, id))
		if err != nil {
			return err
		}
		if ev.Status == StatusCompleted {
			status = ev.Status
			return nil
		}
		status, retries, err = l.applyFailure(ctx, tx, ev, errMsg, shouldRetry)
		changed = true
		return err
	})
	if err != nil {
		return "", err
	}
	if !changed {
		l.logger.Warn("ignoring failure for completed webhook event", "id", id, "error", errMsg)
		return status, nil
	}
	l.reportFailure(ctx, id, status, retries, errMsg)
	return status, nil
}

// applyFailure writes the failure for ev inside tx.
func (l *Ledger) applyFailure(ctx context.Context, tx *sql.Tx, ev *Event, errMsg string, shouldRetry bool) (Status, int, error) {
	now := l.now()
	retryCount := ev.RetryCount + 1

	status := StatusFailed
	var nextRetryAt *time.Time
	if shouldRetry && retryCount < ev.MaxRetries {
		status = StatusPending
		next := now.Add(l.Backoff(retryCount))
		nextRetryAt = &next
	}

	trail := append(ev.Diagnostics, Diagnostic{Attempt: retryCount, Error: errMsg, At: now.UTC()})
	trailJSON, err := json.Marshal(trail)
	if err != nil {
		return "", 0, fmt.Errorf("encode diagnostics: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
UPDATE webhook_events
SET status = ?, retry_count = ?, next_retry_at = ?, last_error = ?, diagnostics = ?
WHERE id = ?;
`, string(status), retryCount, storage.TimeArg(nextRetryAt), errMsg, string(trailJSON), ev.ID)
	if err != nil {
		return "", 0, err
	}
	return status, retryCount, nil
}

// Backoff returns retryDelay * 2^(retryCount-1).
func (l *Ledger) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return time.Duration(float64(l.retryDelay) * math.Pow(2, float64(retryCount-1)))
}

// GetPendingRetries returns PENDING rows whose backoff has elapsed and which
// still have retries left, oldest deadline first.
func (l *Ledger) GetPendingRetries(ctx context.Context) ([]*Event, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT `+eventColumns+` FROM webhook_events
WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ? AND retry_count < max_retries
ORDER BY next_retry_at ASC;
`, string(StatusPending), storage.FormatTime(l.now()))
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// GetStranded returns PENDING rows that never started (no backoff deadline)
// and were created at or before staleBefore.
func (l *Ledger) GetStranded(ctx context.Context, staleBefore time.Time) ([]*Event, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT `+eventColumns+` FROM webhook_events
WHERE status = ? AND next_retry_at IS NULL AND created_at <= ?
ORDER BY created_at ASC;
`, string(StatusPending), storage.FormatTime(staleBefore))
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// ReapStale fails every PROCESSING row started at or before staleBefore as a
// retryable attempt, so it returns to PENDING or becomes FAILED when
// exhausted. It returns the number of rows reaped.
func (l *Ledger) ReapStale(ctx context.Context, staleBefore time.Time) (int, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT id FROM webhook_events WHERE status = ? AND processed_at <= ?;
`, string(StatusProcessing), storage.FormatTime(staleBefore))
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	const reason = "processing timed out"
	reaped := 0
	for _, id := range ids {
		var (
			status  Status
			retries int
			hit     bool
		)
		err := storage.WithTx(ctx, l.db, func(tx *sql.Tx) error {
			ev, err := scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = ?;`, id))
			if err != nil {
				return err
			}
			// Re-check under the transaction; a worker may have finished.
			if ev.Status != StatusProcessing || ev.ProcessedAt == nil || ev.ProcessedAt.After(staleBefore) {
				return nil
			}
			status, retries, err = l.applyFailure(ctx, tx, ev, reason, true)
			hit = true
			return err
		})
		if err != nil {
			if errors.Is(err, ErrEventNotFound) {
				continue
			}
			return reaped, err
		}
		if !hit {
			continue
		}
		reaped++
		l.logger.Warn("reaped stale webhook event", "id", id, "status", status, "retry_count", retries)
		l.transitionedWith(ctx, events.TypeEventReaped, id, status, retries, reason)
	}
	return reaped, nil
}

// Reset returns a FAILED row to PENDING with a fresh retry budget, due now.
func (l *Ledger) Reset(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx, `
UPDATE webhook_events SET status = ?, retry_count = 0, next_retry_at = ?
WHERE id = ? AND status = ?;
`, string(StatusPending), storage.FormatTime(l.now()), id, string(StatusFailed))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		ev, err := l.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("webhook event %s is %s, only FAILED events can be reset", id, ev.Status)
	}
	l.transitioned(ctx, events.TypeEventRetrying, id, StatusPending, "manual reset")
	return nil
}

// CleanupOldEvents deletes terminal rows created more than retentionDays ago.
func (l *Ledger) CleanupOldEvents(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := l.now().AddDate(0, 0, -retentionDays)
	res, err := l.db.ExecContext(ctx, `
DELETE FROM webhook_events WHERE created_at < ? AND status IN (?, ?);
`, storage.FormatTime(cutoff), string(StatusCompleted), string(StatusFailed))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	l.logger.Info("cleaned up old webhook events", "deleted", n, "retention_days", retentionDays)
	return n, nil
}

// GetEventStats counts rows per status.
func (l *Ledger) GetEventStats(ctx context.Context) (Stats, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM webhook_events GROUP BY status;`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		s.Total += n
		switch Status(status) {
		case StatusPending:
			s.Pending = n
		case StatusProcessing:
			s.Processing = n
		case StatusCompleted:
			s.Completed = n
		case StatusFailed:
			s.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}
	s.RetryRate = retryRate(s)
	return s, nil
}

func retryRate(s Stats) float64 {
	if s.Total == 0 {
		return 0
	}
	rate := float64(s.Failed+s.Pending) / float64(s.Total) * 100
	return math.Round(rate*100) / 100
}

// List returns the most recent rows, optionally filtered by status.
func (l *Ledger) List(ctx context.Context, f ListFilter) ([]*Event, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT ` + eventColumns + ` FROM webhook_events`
	args := []any{}
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (l *Ledger) reportFailure(ctx context.Context, id string, status Status, retries int, errMsg string) {
	if status == StatusPending {
		l.logger.Warn("webhook event failed, retry scheduled", "id", id, "retry_count", retries, "error", errMsg)
		l.transitionedWith(ctx, events.TypeEventRetrying, id, status, retries, errMsg)
		return
	}
	l.logger.Error("webhook event failed permanently", "id", id, "retry_count", retries, "error", errMsg)
	l.transitionedWith(ctx, events.TypeEventFailed, id, status, retries, errMsg)
}

func (l *Ledger) transitioned(ctx context.Context, eventType, id string, status Status, errMsg string) {
	l.transitionedWith(ctx, eventType, id, status, 0, errMsg)
}

// transitionedWith records metrics and publishes the transition. The key is
// looked up only when someone is listening.
func (l *Ledger) transitionedWith(ctx context.Context, eventType, id string, status Status, retries int, errMsg string) {
	l.metrics.RecordTransition(string(status))
	if l.publisher == nil {
		return
	}
	var provider, eventID string
	if ev, err := l.Get(ctx, id); err == nil {
		provider, eventID = ev.Provider, ev.EventID
	}
	l.publish(eventType, id, provider, eventID, status, retries, errMsg)
}

func (l *Ledger) publish(eventType, id, provider, eventID string, status Status, retries int, errMsg string) {
	if l.publisher == nil {
		return
	}
	l.publisher.Publish(eventType, events.Transition{
		ID:         id,
		Provider:   provider,
		EventID:    eventID,
		Status:     string(status),
		RetryCount: retries,
		Error:      errMsg,
	})
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Package queue is the durable async job queue that decouples webhook
// acknowledgement from processing.
//
// Jobs are unique by dedupe key. A failed attempt is re-queued with
// exponential backoff until max_attempts, then the job is parked as failed.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/hookgate/internal/events"
	"github.com/mattjoyce/hookgate/internal/storage"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 2 * time.Second
)

// Options configures a Queue.
type Options struct {
	BackoffBase time.Duration
	MaxAttempts int
	Now         func() time.Time
	Publisher   events.Publisher
}

type Queue struct {
	db          *sql.DB
	backoffBase time.Duration
	maxAttempts int
	now         func() time.Time
	publisher   events.Publisher
}

func New(db *sql.DB, opts Options) *Queue {
	q := &Queue{
		db:          db,
		backoffBase: opts.BackoffBase,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
		publisher:   opts.Publisher,
	}
	if q.backoffBase <= 0 {
		q.backoffBase = DefaultBackoffBase
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

const jobColumns = `id, dedupe_key, ledger_event_id, payload, status, attempt, max_attempts, created_at, started_at, completed_at, next_retry_at, last_error`

// Enqueue adds a job unless a live job already holds req.DedupeKey. A job
// parked as failed is revived for the new request instead.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if req.DedupeKey == "" {
		return EnqueueResult{}, fmt.Errorf("dedupe key is empty")
	}
	if req.LedgerEventID == "" {
		return EnqueueResult{}, fmt.Errorf("ledger event id is empty")
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}

	res, err := q.db.ExecContext(ctx, `
INSERT INTO job_queue(id, dedupe_key, ledger_event_id, payload, status, attempt, max_attempts, created_at)
VALUES(?, ?, ?, ?, ?, 0, ?, ?)
ON CONFLICT(dedupe_key) DO UPDATE SET
  ledger_event_id = excluded.ledger_event_id,
  payload = excluded.payload,
  status = excluded.status,
  attempt = 0,
  max_attempts = excluded.max_attempts,
  created_at = excluded.created_at,
  started_at = NULL,
  completed_at = NULL,
  next_retry_at = NULL,
  last_error = NULL
WHERE job_queue.status = ?;
`, uuid.NewString(), req.DedupeKey, req.LedgerEventID, payload, string(StatusQueued), maxAttempts,
		storage.FormatTime(q.now()), string(StatusFailed))
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return EnqueueResult{}, err
	}

	out := EnqueueResult{Created: n > 0}
	if err := q.db.QueryRowContext(ctx, `
SELECT id, ledger_event_id FROM job_queue WHERE dedupe_key = ?;
`, req.DedupeKey).Scan(&out.JobID, &out.LedgerEventID); err != nil {
		return EnqueueResult{}, fmt.Errorf("load enqueued job: %w", err)
	}

	if out.Created && q.publisher != nil {
		q.publisher.Publish(events.TypeJobEnqueued, map[string]string{
			"job_id":          out.JobID,
			"dedupe_key":      req.DedupeKey,
			"ledger_event_id": req.LedgerEventID,
		})
	}
	return out, nil
}

// Dequeue claims the oldest runnable job, marks it running and counts the
// attempt. Returns (nil, nil) if nothing is runnable.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	nowS := storage.FormatTime(q.now())

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM job_queue
  WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE job_queue
SET status = ?, started_at = ?, attempt = attempt + 1
WHERE id IN (SELECT id FROM next)
RETURNING `+jobColumns+`;
`, string(StatusQueued), nowS, string(StatusRunning), nowS)

	j, err := scanJob(row)
	if errors.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return j, nil
}

// Get returns one job.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_queue WHERE id = ?;`, id))
}

// JobsFor returns the jobs created by a ledger row or holding dedupeKey,
// oldest first. An empty dedupeKey matches nothing.
func (q *Queue) JobsFor(ctx context.Context, ledgerEventID, dedupeKey string) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM job_queue
WHERE ledger_event_id = ? OR (? <> '' AND dedupe_key = ?)
ORDER BY created_at ASC, rowid ASC;
`, ledgerEventID, dedupeKey, dedupeKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Complete marks a running job succeeded.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE job_queue SET status = ?, completed_at = ?, next_retry_at = NULL, last_error = NULL
WHERE id = ?;
`, string(StatusSucceeded), storage.FormatTime(q.now()), jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Fail records a failed attempt. While attempts remain the job is re-queued
// at now + base*2^(attempt-1); otherwise it is parked as failed. When retry
// is false the job is parked immediately.
func (q *Queue) Fail(ctx context.Context, jobID, errMsg string, retry bool) (Status, error) {
	var status Status
	err := storage.WithTx(ctx, q.db, func(tx *sql.Tx) error {
		var attempt, maxAttempts int
		if err := tx.QueryRowContext(ctx, `
SELECT attempt, max_attempts FROM job_queue WHERE id = ?;
`, jobID).Scan(&attempt, &maxAttempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrJobNotFound
			}
			return fmt.Errorf("load job for failure: %w", err)
		}

		now := q.now()
		if retry && attempt < maxAttempts {
			status = StatusQueued
			next := now.Add(q.Backoff(attempt))
			_, err := tx.ExecContext(ctx, `
UPDATE job_queue SET status = ?, next_retry_at = ?, last_error = ? WHERE id = ?;
`, string(status), storage.FormatTime(next), errMsg, jobID)
			return err
		}

		status = StatusFailed
		_, err := tx.ExecContext(ctx, `
UPDATE job_queue SET status = ?, completed_at = ?, next_retry_at = NULL, last_error = ? WHERE id = ?;
`, string(status), storage.FormatTime(now), errMsg, jobID)
		return err
	})
	if err != nil {
		return "", err
	}
	if status == StatusFailed && q.publisher != nil {
		q.publisher.Publish(events.TypeJobFailed, map[string]string{"job_id": jobID, "error": errMsg})
	}
	return status, nil
}

// Backoff returns base*2^(attempt-1).
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(q.backoffBase) * math.Pow(2, float64(attempt-1)))
}

// RecoverRunning re-queues jobs left running by a previous process. The
// interrupted attempt still counts.
func (q *Queue) RecoverRunning(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE job_queue SET status = ?, started_at = NULL WHERE status = ?;
`, string(StatusQueued), string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("recover running jobs: %w", err)
	}
	return res.RowsAffected()
}

// HasOutstandingJob reports whether a queued or running job targets the
// ledger row.
func (q *Queue) HasOutstandingJob(ctx context.Context, ledgerEventID string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM job_queue WHERE ledger_event_id = ? AND status IN (?, ?);
`, ledgerEventID, string(StatusQueued), string(StatusRunning)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Prune keeps only the newest keepSucceeded succeeded and keepFailed failed
// jobs. It returns the number deleted.
func (q *Queue) Prune(ctx context.Context, keepSucceeded, keepFailed int) (int64, error) {
	var total int64
	for _, rule := range []struct {
		status Status
		keep   int
	}{{StatusSucceeded, keepSucceeded}, {StatusFailed, keepFailed}} {
		res, err := q.db.ExecContext(ctx, `
DELETE FROM job_queue
WHERE status = ? AND id NOT IN (
  SELECT id FROM job_queue WHERE status = ?
  ORDER BY completed_at DESC, rowid DESC
  LIMIT ?
);
`, string(rule.status), string(rule.status), rule.keep)
		if err != nil {
			return total, fmt.Errorf("prune %s jobs: %w", rule.status, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Counts returns the number of jobs per status.
func (q *Queue) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM job_queue GROUP BY status;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{
		string(StatusQueued):    0,
		string(StatusRunning):   0,
		string(StatusSucceeded): 0,
		string(StatusFailed):    0,
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j            Job
		payload      sql.NullString
		statusS      string
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		nextRetryAtS sql.NullString
		lastError    sql.NullString
	)
	err := row.Scan(&j.ID, &j.DedupeKey, &j.LedgerEventID, &payload, &statusS, &j.Attempt, &j.MaxAttempts,
		&createdAtS, &startedAtS, &completedAtS, &nextRetryAtS, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	j.Status = Status(statusS)
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	if t, err := storage.ParseTime(createdAtS); err == nil {
		j.CreatedAt = t
	}
	j.StartedAt = storage.NullTime(startedAtS)
	j.CompletedAt = storage.NullTime(completedAtS)
	j.NextRetryAt = storage.NullTime(nextRetryAtS)
	j.LastError = lastError.String
	return &j, nil
}

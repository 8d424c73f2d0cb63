package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattjoyce/hookgate/internal/ledger"
	"github.com/mattjoyce/hookgate/internal/log"
	"github.com/mattjoyce/hookgate/internal/processor"
	"github.com/mattjoyce/hookgate/internal/queue"
	"github.com/mattjoyce/hookgate/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup(log.Options{Level: "error"}) // Suppress logs in tests
	os.Exit(m.Run())
}

type fixture struct {
	db     *sql.DB
	ledger *ledger.Ledger
	queue  *queue.Queue
	calls  atomic.Int32
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return &fixture{
		db:     db,
		ledger: ledger.New(db, ledger.Options{RetryDelay: time.Millisecond, Logger: log.Discard()}),
		queue:  queue.New(db, queue.Options{BackoffBase: time.Hour}),
	}
}

func (f *fixture) handler(err error) processor.Handler {
	return processor.HandlerFunc(func(ctx context.Context, raw []byte) error {
		f.calls.Add(1)
		return err
	})
}

func (f *fixture) dispatcher(h processor.Handler) *Dispatcher {
	return New(f.queue, f.ledger, NewRunner(f.ledger, h, time.Second), Options{Workers: 1, PollInterval: 10 * time.Millisecond})
}

func (f *fixture) createEvent(t *testing.T, eventID string) *ledger.Event {
	t.Helper()
	id, err := f.ledger.CreateEvent(context.Background(), ledger.NewEvent{
		Provider: "razorpay",
		EventID:  eventID,
		Payload:  []byte(`{"id":"` + eventID + `","event":"payment.captured"}`),
	})
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	ev, err := f.ledger.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return ev
}

func (f *fixture) enqueue(t *testing.T, ev *ledger.Event) string {
	t.Helper()
	res, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		DedupeKey:     "order:" + ev.EventID,
		LedgerEventID: ev.ID,
		Payload:       ev.Payload,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return res.JobID
}

func (f *fixture) ledgerStatus(t *testing.T, id string) ledger.Status {
	t.Helper()
	ev, err := f.ledger.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return ev.Status
}

func (f *fixture) job(t *testing.T, id string) *queue.Job {
	t.Helper()
	j, err := f.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get job: %v", err)
	}
	return j
}

func TestProcessNextEmptyQueue(t *testing.T) {
	t.Parallel()
	f := setupFixture(t)

	ran, err := f.dispatcher(f.handler(nil)).ProcessNext(context.Background())
	if err != nil || ran {
		t.Fatalf("ProcessNext = %v, %v; want false, nil", ran, err)
	}
}

func TestProcessNextSuccess(t *testing.T) {
	t.Parallel()
	f := setupFixture(t)
	ev := f.createEvent(t, "evt_ok")
	jobID := f.enqueue(t, ev)

	ran, err := f.dispatcher(f.handler(nil)).ProcessNext(context.Background())
	if err != nil || !ran {
		t.Fatalf("ProcessNext = %v, %v", ran, err)
	}

	if got := f.ledgerStatus(t, ev.ID); got != ledger.StatusCompleted {
		t.Fatalf("ledger status = %s, want COMPLETED", got)
	}
	if j := f.job(t, jobID); j.Status != queue.StatusSucceeded {
		t.Fatalf("job status = %s, want succeeded", j.Status)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("handler calls = %d, want 1", f.calls.Load())
	}
}

func TestProcessNextSkipsCompletedLedgerRow(t *testing.T) {
	t.Parallel()
	f := setupFixture(t)
	ev := f.createEvent(t, "evt_done")
	if err := f.ledger.MarkCompleted(context.Background(), ev.ID); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	jobID := f.enqueue(t, ev)

	if _, err := f.dispatcher(f.handler(nil)).ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if f.calls.Load() != 0 {
		t.Fatalf("handler must not run for a completed row")
	}
	if j := f.job(t, jobID); j.Status != queue.StatusSucceeded {
		t.Fatalf("job status = %s, want succeeded", j.Status)
	}
}

func TestProcessNextParksJobForFailedLedgerRow(t *testing.T) {
	t.Parallel()
	f := setupFixture(t)
	ev := f.createEvent(t, "evt_dead")
	if _, err := f.ledger.MarkFailed(context.Background(), ev.ID, "bad", false); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	jobID := f.enqueue(t, ev)

	if _, err := f.dispatcher(f.handler(nil)).ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if f.calls.Load() != 0 {
		t.Fatalf("handler must not run for a failed row")
	}
	if j := f.job(t, jobID); j.Status != queue.StatusFailed {
		t.Fatalf("job status = %s, want failed", j.Status)
	}
}

func TestProcessNextRequeuesBusyLedgerRow(t *testing.T) {
	t.Parallel()
	f := setupFixture(t)
	ev := f.createEvent(t, "evt_busy")
	if err := f.ledger.MarkProcessing(context.Background(), ev.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	jobID := f.enqueue(t, ev)

	if _, err := f.dispatcher(f.handler(nil)).ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if f.calls.Load() != 0 {
		t.Fatalf("handler must not run while another worker holds the row")
	}
	j := f.job(t, jobID)
	if j.Status != queue.StatusQueued || j.NextRetryAt == nil {
		t.Fatalf("job = %#v, want re-queued with backoff", j)
	}
}

func TestProcessNextRetryableFailure(t *testing.T) {
	t.Parallel()
	f := setupFixture(t)
	ev := f.createEvent(t, "evt_retry")
	jobID := f.enqueue(t, ev)

	if _, err := f.dispatcher(f.handler(errors.New("db unavailable"))).ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}

	if got := f.ledgerStatus(t, ev.ID); got != ledger.StatusPending {
		t.Fatalf("ledger status = %s, want PENDING", got)
	}
	j := f.job(t, jobID)
	if j.Status != queue.StatusQueued || j.LastError != "db unavailable" {
		t.Fatalf("job = %#v, want re-queued", j)
	}
}

func TestProcessNextPermanentFailure(t *testing.T) {
	t.Parallel()
	f := setupFixture(t)
	ev := f.createEvent(t, "evt_perm")
	jobID := f.enqueue(t, ev)

	h := f.handler(&processor.PermanentError{Err: errors.New("malformed payload")})
	if _, err := f.dispatcher(h).ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}

	if got := f.ledgerStatus(t, ev.ID); got != ledger.StatusFailed {
		t.Fatalf("ledger status = %s, want FAILED", got)
	}
	if j := f.job(t, jobID); j.Status != queue.StatusFailed {
		t.Fatalf("job status = %s, want failed", j.Status)
	}
}

func TestProcessNextMissingLedgerRow(t *testing.T) {
	t.Parallel()
	f := setupFixture(t)
	res, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{DedupeKey: "k", LedgerEventID: "gone"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, err := f.dispatcher(f.handler(nil)).ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if j := f.job(t, res.JobID); j.Status != queue.StatusFailed {
		t.Fatalf("job status = %s, want failed", j.Status)
	}
}

func TestStartDrainsQueueWithWorkerPool(t *testing.T) {
	t.Parallel()
	f := setupFixture(t)

	const n = 10
	for i := 0; i < n; i++ {
		f.enqueue(t, f.createEvent(t, fmt.Sprintf("evt_%d", i)))
	}

	d := New(f.queue, f.ledger, NewRunner(f.ledger, f.handler(nil), time.Second),
		Options{Workers: 3, PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		counts, err := f.queue.Counts(context.Background())
		if err != nil {
			t.Fatalf("Counts: %v", err)
		}
		if counts[string(queue.StatusSucceeded)] == n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for jobs, counts=%v", counts)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.calls.Load() != n {
		t.Fatalf("handler calls = %d, want %d", f.calls.Load(), n)
	}

	stats, err := f.ledger.GetEventStats(context.Background())
	if err != nil {
		t.Fatalf("GetEventStats: %v", err)
	}
	if stats.Completed != n {
		t.Fatalf("completed = %d, want %d", stats.Completed, n)
	}
}

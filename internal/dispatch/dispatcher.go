package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/hookgate/internal/ledger"
	"github.com/mattjoyce/hookgate/internal/log"
	"github.com/mattjoyce/hookgate/internal/observability"
	"github.com/mattjoyce/hookgate/internal/queue"
)

const (
	DefaultWorkers      = 5
	DefaultPollInterval = time.Second
)

// JobQueue is the part of the queue a worker needs.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID, errMsg string, retry bool) (queue.Status, error)
}

// Ledger is the part of the ledger a worker needs.
type Ledger interface {
	Get(ctx context.Context, id string) (*ledger.Event, error)
	Claim(ctx context.Context, id string, staleBefore time.Time) (bool, error)
}

// Options configures a Dispatcher.
type Options struct {
	Workers      int
	PollInterval time.Duration
	StaleAfter   time.Duration
	Now          func() time.Time
	Metrics      *observability.Metrics
}

// Dispatcher drains the job queue with a bounded pool of workers.
type Dispatcher struct {
	queue        JobQueue
	ledger       Ledger
	runner       *Runner
	workers      int
	pollInterval time.Duration
	staleAfter   time.Duration
	now          func() time.Time
	metrics      *observability.Metrics
	logger       *slog.Logger
}

// New creates a new Dispatcher.
func New(q JobQueue, l Ledger, r *Runner, opts Options) *Dispatcher {
	d := &Dispatcher{
		queue:        q,
		ledger:       l,
		runner:       r,
		workers:      opts.Workers,
		pollInterval: opts.PollInterval,
		staleAfter:   opts.StaleAfter,
		now:          opts.Now,
		metrics:      opts.Metrics,
		logger:       log.WithComponent("dispatch"),
	}
	if d.workers <= 0 {
		d.workers = DefaultWorkers
	}
	if d.pollInterval <= 0 {
		d.pollInterval = DefaultPollInterval
	}
	if d.staleAfter <= 0 {
		d.staleAfter = 2 * time.Minute
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Start runs the worker pool until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("dispatch started", "workers", d.workers)
	defer d.logger.Info("dispatch stopped")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		worker := i
		g.Go(func() error {
			return d.work(gctx, worker)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) work(ctx context.Context, worker int) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		// Drain before sleeping again.
		for {
			ran, err := d.ProcessNext(ctx)
			if err != nil {
				d.logger.Error("failed to process job", "worker", worker, "error", err)
				break
			}
			if !ran || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessNext dequeues and runs one job. It reports whether a job was found.
func (d *Dispatcher) ProcessNext(ctx context.Context) (bool, error) {
	job, err := d.queue.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return false, nil
	}
	d.execute(ctx, job)
	return true, nil
}

func (d *Dispatcher) execute(ctx context.Context, job *queue.Job) {
	jobLogger := log.WithJob(job.ID).With("dedupe_key", job.DedupeKey, "ledger_event_id", job.LedgerEventID)
	jobLogger.Info("executing job", "attempt", job.Attempt)

	ev, err := d.ledger.Get(ctx, job.LedgerEventID)
	if errors.Is(err, ledger.ErrEventNotFound) {
		d.fail(ctx, jobLogger, job, "ledger event not found", false)
		return
	}
	if err != nil {
		d.fail(ctx, jobLogger, job, fmt.Sprintf("load ledger event: %v", err), true)
		return
	}

	switch ev.Status {
	case ledger.StatusCompleted:
		jobLogger.Info("ledger event already completed")
		d.complete(ctx, jobLogger, job)
		return
	case ledger.StatusFailed:
		d.fail(ctx, jobLogger, job, "ledger event failed: "+ev.LastError, false)
		return
	}

	claimed, err := d.ledger.Claim(ctx, ev.ID, d.now().Add(-d.staleAfter))
	if err != nil {
		d.fail(ctx, jobLogger, job, fmt.Sprintf("claim ledger event: %v", err), true)
		return
	}
	if !claimed {
		d.fail(ctx, jobLogger, job, "ledger event is being processed elsewhere", true)
		return
	}

	res := d.runner.Run(ctx, ev)
	switch res.Status {
	case ledger.StatusCompleted:
		jobLogger.Info("job completed successfully")
		d.complete(ctx, jobLogger, job)
	case ledger.StatusFailed:
		d.fail(ctx, jobLogger, job, errString(res.Err), false)
	default:
		d.fail(ctx, jobLogger, job, errString(res.Err), true)
	}
}

func (d *Dispatcher) complete(ctx context.Context, logger *slog.Logger, job *queue.Job) {
	if err := d.queue.Complete(ctx, job.ID); err != nil {
		logger.Error("failed to complete job", "error", err)
		return
	}
	d.metrics.RecordJob(string(queue.StatusSucceeded))
}

func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, job *queue.Job, errMsg string, retry bool) {
	status, err := d.queue.Fail(ctx, job.ID, errMsg, retry)
	if err != nil {
		logger.Error("failed to record job failure", "error", err)
		return
	}
	if status == queue.StatusFailed {
		logger.Error("job failed", "error", errMsg, "attempt", job.Attempt)
	} else {
		logger.Warn("job will be retried", "error", errMsg, "attempt", job.Attempt)
	}
	d.metrics.RecordJob(string(status))
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mattjoyce/hookgate/internal/ledger"
	"github.com/mattjoyce/hookgate/internal/log"
	"github.com/mattjoyce/hookgate/internal/processor"
)

// DefaultTimeout bounds one processing attempt when none is configured.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned when the handler did not finish within the timeout.
// The row stays PROCESSING until the late handler settles it or the reaper
// re-admits it.
var ErrTimeout = errors.New("webhook processing timed out")

// Recorder is the part of the ledger that settles an attempt.
type Recorder interface {
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string, shouldRetry bool) (ledger.Status, error)
}

// Result is the outcome of one attempt.
type Result struct {
	Status ledger.Status
	Err    error
}

// Runner runs the processor for a row that the caller already moved to
// PROCESSING.
type Runner struct {
	recorder Recorder
	handler  processor.Handler
	timeout  time.Duration
	logger   *slog.Logger

	retryPermanent bool
}

func NewRunner(rec Recorder, h processor.Handler, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		recorder: rec,
		handler:  h,
		timeout:  timeout,
		logger:   log.WithComponent("runner"),
	}
}

// RetryPermanent makes every handler error retryable, permanent ones
// included. Inline intake processing uses it.
func (r *Runner) RetryPermanent() *Runner {
	r.retryPermanent = true
	return r
}

// Run processes ev and records the outcome. A permanent handler error fails
// the row without retry unless RetryPermanent is set; any other error is
// retryable. The attempt is bounded
// by the runner's timeout or ctx's deadline, whichever comes first; caller
// cancellation alone does not abandon it.
func (r *Runner) Run(ctx context.Context, ev *ledger.Event) Result {
	timeout := r.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	done := make(chan error, 1)
	go func() {
		done <- r.handler.Handle(hctx, ev.Payload)
	}()

	select {
	case err := <-done:
		cancel()
		return r.settle(ctx, ev, err)
	case <-hctx.Done():
		go func() {
			err := <-done
			cancel()
			r.settle(context.Background(), ev, err)
		}()
		r.logger.Warn("webhook processing exceeded timeout", "id", ev.ID, "event_id", ev.EventID, "timeout", timeout)
		return Result{Status: ledger.StatusProcessing, Err: ErrTimeout}
	}
}

func (r *Runner) settle(ctx context.Context, ev *ledger.Event, handleErr error) Result {
	logger := log.WithEvent(ev.Provider, ev.EventID).With("id", ev.ID)

	if handleErr == nil {
		if err := r.recorder.MarkCompleted(ctx, ev.ID); err != nil {
			logger.Error("failed to mark webhook event completed", "error", err)
			return Result{Status: ledger.StatusProcessing, Err: err}
		}
		return Result{Status: ledger.StatusCompleted}
	}

	retry := r.retryPermanent || !processor.IsPermanent(handleErr)
	status, err := r.recorder.MarkFailed(ctx, ev.ID, handleErr.Error(), retry)
	if err != nil {
		logger.Error("failed to record webhook failure", "error", err, "cause", handleErr)
		return Result{Status: ledger.StatusProcessing, Err: handleErr}
	}
	logger.Warn("webhook processing failed", "error", handleErr, "retryable", retry, "status", status)
	return Result{Status: status, Err: handleErr}
}

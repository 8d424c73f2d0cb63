package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/hookgate/internal/config"
	"github.com/mattjoyce/hookgate/internal/events"
	"github.com/mattjoyce/hookgate/internal/ledger"
	"github.com/mattjoyce/hookgate/internal/observability"
)

// Scheduler drives ledger retries, re-admits stale PROCESSING rows and
// applies retention.
type Scheduler struct {
	cfg     *config.Config
	ledger  LedgerService
	queue   QueueService
	runner  Runner
	events  *events.Hub
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time

	lastCleanup time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Scheduler instance.
func New(cfg *config.Config, l LedgerService, q QueueService, r Runner, hub *events.Hub, metrics *observability.Metrics, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Scheduler{
		cfg:     cfg,
		ledger:  l,
		queue:   q,
		runner:  r,
		events:  hub,
		metrics: metrics,
		logger:  logger.With("component", "scheduler"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Start runs crash recovery and then the tick loop in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "tick_interval", s.cfg.Service.TickInterval)

	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("scheduler crash recovery failed: %w", err)
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	// Initial tick immediately
	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Service.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Debug("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// recover re-admits work left behind by a previous process: stale
// PROCESSING ledger rows and queue jobs stuck in running.
func (s *Scheduler) recover(ctx context.Context) error {
	s.logger.Info("Performing crash recovery")

	reaped, err := s.ledger.ReapStale(ctx, s.staleBefore())
	if err != nil {
		return fmt.Errorf("reap stale webhook events: %w", err)
	}
	if reaped > 0 {
		s.logger.Warn("Re-admitted stale webhook events", "count", reaped)
	}

	recovered, err := s.queue.RecoverRunning(ctx)
	if err != nil {
		return fmt.Errorf("recover running jobs: %w", err)
	}
	if recovered > 0 {
		s.logger.Warn("Re-queued orphaned jobs", "count", recovered)
	}
	return nil
}

// tick performs a single scheduling pass.
func (s *Scheduler) tick(ctx context.Context) {
	s.logger.Debug("Scheduler tick")
	s.events.Publish(events.TypeSchedulerTick, map[string]any{
		"at": s.now().UTC(),
	})

	if reaped, err := s.ledger.ReapStale(ctx, s.staleBefore()); err != nil {
		s.logger.Error("Failed to reap stale webhook events", "error", err)
	} else if reaped > 0 {
		s.logger.Warn("Reaped stale webhook events", "count", reaped)
	}

	s.retryDue(ctx)

	if s.lastCleanup.IsZero() || s.now().Sub(s.lastCleanup) >= s.cfg.Service.CleanupInterval {
		s.cleanup(ctx)
		s.lastCleanup = s.now()
	}

	s.refreshGauges(ctx)
}

// retryDue processes PENDING rows whose backoff elapsed and rows that were
// recorded but never started. Rows owned by an outstanding queue job are
// left to the worker pool.
func (s *Scheduler) retryDue(ctx context.Context) {
	due, err := s.ledger.GetPendingRetries(ctx)
	if err != nil {
		s.logger.Error("Failed to load pending retries", "error", err)
		return
	}
	stranded, err := s.ledger.GetStranded(ctx, s.staleBefore())
	if err != nil {
		s.logger.Error("Failed to load stranded webhook events", "error", err)
		return
	}

	seen := make(map[string]bool, len(due)+len(stranded))
	for _, ev := range append(due, stranded...) {
		if ctx.Err() != nil {
			return
		}
		if seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		s.retry(ctx, ev)
	}
}

func (s *Scheduler) retry(ctx context.Context, ev *ledger.Event) {
	logger := s.logger.With("id", ev.ID, "provider", ev.Provider, "event_id", ev.EventID)

	outstanding, err := s.queue.HasOutstandingJob(ctx, ev.ID)
	if err != nil {
		logger.Error("Failed to check outstanding job", "error", err)
		return
	}
	if outstanding {
		logger.Debug("Skipped retry, queue job outstanding")
		return
	}

	claimed, err := s.ledger.Claim(ctx, ev.ID, s.staleBefore())
	if err != nil {
		logger.Error("Failed to claim webhook event", "error", err)
		return
	}
	if !claimed {
		logger.Debug("Skipped retry, webhook event claimed elsewhere")
		return
	}

	logger.Info("Retrying webhook event", "retry_count", ev.RetryCount)
	res := s.runner.Run(ctx, ev)
	s.events.Publish(events.TypeSchedulerRetried, map[string]any{
		"id":       ev.ID,
		"provider": ev.Provider,
		"event_id": ev.EventID,
		"status":   res.Status,
	})
	if res.Err != nil {
		logger.Warn("Retry attempt failed", "status", res.Status, "error", res.Err)
		return
	}
	logger.Info("Retry attempt succeeded")
}

func (s *Scheduler) cleanup(ctx context.Context) {
	days := s.cfg.Webhooks.RetentionDays()
	deleted, err := s.ledger.CleanupOldEvents(ctx, days)
	if err != nil {
		s.logger.Error("Failed to clean up old webhook events", "error", err)
	} else {
		s.logger.Info("Cleaned up old webhook events", "deleted", deleted, "retention_days", days)
	}

	pruned, err := s.queue.Prune(ctx, s.cfg.Queue.KeepCompleted, s.cfg.Queue.KeepFailed)
	if err != nil {
		s.logger.Error("Failed to prune jobs", "error", err)
		return
	}
	s.logger.Info("Pruned finished jobs", "deleted", pruned)
}

func (s *Scheduler) refreshGauges(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	if stats, err := s.ledger.GetEventStats(ctx); err == nil {
		s.metrics.SetLedgerCounts(stats.Counts())
	} else {
		s.logger.Error("Failed to read ledger stats", "error", err)
	}
	if counts, err := s.queue.Counts(ctx); err == nil {
		s.metrics.SetQueueCounts(counts)
	} else {
		s.logger.Error("Failed to read queue counts", "error", err)
	}
}

func (s *Scheduler) staleBefore() time.Time {
	return s.now().Add(-s.cfg.Webhooks.StaleAfter)
}

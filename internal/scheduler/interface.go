package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/hookgate/internal/dispatch"
	"github.com/mattjoyce/hookgate/internal/ledger"
)

//go:generate mockgen -destination=mocks/mock_services.go -package=mocks github.com/mattjoyce/hookgate/internal/scheduler LedgerService,QueueService,Runner

// LedgerService defines the ledger operations used by the scheduler.
type LedgerService interface {
	ReapStale(ctx context.Context, staleBefore time.Time) (int, error)
	GetPendingRetries(ctx context.Context) ([]*ledger.Event, error)
	GetStranded(ctx context.Context, staleBefore time.Time) ([]*ledger.Event, error)
	Claim(ctx context.Context, id string, staleBefore time.Time) (bool, error)
	CleanupOldEvents(ctx context.Context, retentionDays int) (int64, error)
	GetEventStats(ctx context.Context) (ledger.Stats, error)
}

// QueueService defines the queue operations used by the scheduler.
type QueueService interface {
	RecoverRunning(ctx context.Context) (int64, error)
	HasOutstandingJob(ctx context.Context, ledgerEventID string) (bool, error)
	Prune(ctx context.Context, keepSucceeded, keepFailed int) (int64, error)
	Counts(ctx context.Context) (map[string]int, error)
}

// Runner processes a claimed ledger row.
type Runner interface {
	Run(ctx context.Context, ev *ledger.Event) dispatch.Result
}

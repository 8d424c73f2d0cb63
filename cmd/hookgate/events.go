package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mattjoyce/hookgate/internal/api"
	"github.com/mattjoyce/hookgate/internal/config"
	"github.com/mattjoyce/hookgate/internal/inspect"
	"github.com/mattjoyce/hookgate/internal/ledger"
	"github.com/mattjoyce/hookgate/internal/log"
	"github.com/mattjoyce/hookgate/internal/queue"
	"github.com/mattjoyce/hookgate/internal/storage"
)

// openState loads the config and opens its database for offline commands.
func openState(configPath string) (*config.Config, *sql.DB, error) {
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return cfg, db, nil
}

func offlineLedger(cfg *config.Config, db *sql.DB) *ledger.Ledger {
	return ledger.New(db, ledger.Options{
		MaxRetries: cfg.Webhooks.MaxRetries,
		RetryDelay: cfg.Webhooks.RetryDelay,
		Logger:     log.Discard(),
	})
}

func runEventsStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, db, err := openState(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer db.Close()

	ctx := context.Background()
	stats, err := offlineLedger(cfg, db).GetEventStats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read ledger stats: %v\n", err)
		return 1
	}
	counts, err := queue.New(db, queue.Options{}).Counts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read queue counts: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printStructured(map[string]any{"ledger": stats, "queue": counts}, true)
	}
	fmt.Printf("Total       : %d\n", stats.Total)
	fmt.Printf("Pending     : %d\n", stats.Pending)
	fmt.Printf("Processing  : %d\n", stats.Processing)
	fmt.Printf("Completed   : %d\n", stats.Completed)
	fmt.Printf("Failed      : %d\n", stats.Failed)
	fmt.Printf("Retry rate  : %.2f%%\n", stats.RetryRate)
	fmt.Printf("Jobs        : queued=%d running=%d succeeded=%d failed=%d\n",
		counts[string(queue.StatusQueued)], counts[string(queue.StatusRunning)],
		counts[string(queue.StatusSucceeded)], counts[string(queue.StatusFailed)])
	return 0
}

func runEventsList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	status := fs.String("status", "", "Filter by status (PENDING, PROCESSING, COMPLETED, FAILED)")
	limit := fs.Int("limit", 20, "Maximum rows")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	filter := ledger.ListFilter{Limit: *limit}
	if *status != "" {
		s, err := parseStatus(*status)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		filter.Status = s
	}

	cfg, db, err := openState(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer db.Close()

	rows, err := offlineLedger(cfg, db).List(context.Background(), filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list events: %v\n", err)
		return 1
	}

	if *jsonOut {
		views := make([]api.WebhookEventView, 0, len(rows))
		for _, ev := range rows {
			views = append(views, api.ViewOf(ev))
		}
		return printStructured(views, true)
	}
	if len(rows) == 0 {
		fmt.Println("No webhook events.")
		return 0
	}
	fmt.Println(renderEventTable(rows, time.Now()))
	return 0
}

func renderEventTable(rows []*ledger.Event, now time.Time) string {
	header := lipgloss.NewStyle().Bold(true)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "PROVIDER", "EVENT ID", "STATUS", "RETRIES", "AGE", "LAST ERROR").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return lipgloss.NewStyle()
		})
	for _, ev := range rows {
		t.Row(
			ev.ID,
			ev.Provider,
			ev.EventID,
			string(ev.Status),
			strconv.Itoa(ev.RetryCount)+"/"+strconv.Itoa(ev.MaxRetries),
			now.Sub(ev.CreatedAt).Truncate(time.Second).String(),
			ev.LastError,
		)
	}
	return t.Render()
}

func parseStatus(raw string) (ledger.Status, error) {
	s := ledger.Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case ledger.StatusPending, ledger.StatusProcessing, ledger.StatusCompleted, ledger.StatusFailed:
		return s, nil
	}
	return "", fmt.Errorf("unknown status: %s", raw)
}

func runEventsInspect(args []string) int {
	var configPath string
	var jsonOut, withPayload bool
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output report in JSON")
	fs.BoolVar(&withPayload, "payload", false, "Include the stored payload")

	id, rest := splitPositional(args)
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "Usage: hookgate events inspect <id> [--config PATH] [--json] [--payload]")
		return 1
	}

	_, db, err := openState(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer db.Close()

	opts := inspect.Options{WithPayload: withPayload}
	var report string
	if jsonOut {
		report, err = inspect.BuildJSONReport(context.Background(), db, id, opts)
	} else {
		report, err = inspect.BuildReport(context.Background(), db, id, opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Print(report)
	return 0
}

func runEventsRetry(args []string) int {
	var configPath string
	var allFailed bool
	fs := flag.NewFlagSet("retry", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&allFailed, "all-failed", false, "Reset every FAILED row")

	id, rest := splitPositional(args)
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if (id == "") == !allFailed {
		fmt.Fprintln(os.Stderr, "Usage: hookgate events retry <id> | --all-failed [--config PATH]")
		return 1
	}

	cfg, db, err := openState(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer db.Close()

	ctx := context.Background()
	l := offlineLedger(cfg, db)

	ids := []string{id}
	if allFailed {
		rows, err := l.List(ctx, ledger.ListFilter{Status: ledger.StatusFailed, Limit: 500})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list failed events: %v\n", err)
			return 1
		}
		ids = ids[:0]
		for _, ev := range rows {
			ids = append(ids, ev.ID)
		}
	}

	code := 0
	for _, target := range ids {
		if err := l.Reset(ctx, target); err != nil {
			if errors.Is(err, ledger.ErrEventNotFound) {
				fmt.Fprintf(os.Stderr, "Webhook event not found: %s\n", target)
			} else {
				fmt.Fprintf(os.Stderr, "Retry failed: %v\n", err)
			}
			code = 1
			continue
		}
		fmt.Printf("Reset %s to PENDING\n", target)
	}
	if allFailed && len(ids) == 0 {
		fmt.Println("No FAILED webhook events.")
	}
	return code
}

func runEventsCleanup(args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	days := fs.Int("days", 0, "Retention in days (default: webhooks.retention)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *days < 0 {
		fmt.Fprintln(os.Stderr, "--days must not be negative")
		return 1
	}

	cfg, db, err := openState(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer db.Close()

	retention := *days
	if retention == 0 {
		retention = cfg.Webhooks.RetentionDays()
	}

	ctx := context.Background()
	deleted, err := offlineLedger(cfg, db).CleanupOldEvents(ctx, retention)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cleanup failed: %v\n", err)
		return 1
	}
	pruned, err := queue.New(db, queue.Options{}).Prune(ctx, cfg.Queue.KeepCompleted, cfg.Queue.KeepFailed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Job prune failed: %v\n", err)
		return 1
	}
	fmt.Printf("Deleted %d webhook events older than %d days, pruned %d jobs\n", deleted, retention, pruned)
	return 0
}

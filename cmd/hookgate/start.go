package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/hookgate/internal/api"
	"github.com/mattjoyce/hookgate/internal/auth"
	"github.com/mattjoyce/hookgate/internal/config"
	"github.com/mattjoyce/hookgate/internal/dispatch"
	"github.com/mattjoyce/hookgate/internal/events"
	"github.com/mattjoyce/hookgate/internal/ledger"
	"github.com/mattjoyce/hookgate/internal/lock"
	"github.com/mattjoyce/hookgate/internal/log"
	"github.com/mattjoyce/hookgate/internal/observability"
	"github.com/mattjoyce/hookgate/internal/payments"
	"github.com/mattjoyce/hookgate/internal/processor"
	"github.com/mattjoyce/hookgate/internal/queue"
	"github.com/mattjoyce/hookgate/internal/scheduler"
	"github.com/mattjoyce/hookgate/internal/storage"
	"github.com/mattjoyce/hookgate/internal/webhook"
)

// traceFlushTimeout bounds the final span export on shutdown.
const traceFlushTimeout = 5 * time.Second

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	target, err := resolveConfigFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	if *configPath == "" {
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", target)
	}

	cfg, err := config.Load(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(log.Options{Level: cfg.Service.LogLevel, Format: cfg.Service.LogFormat, Service: cfg.Service.Name})
	logger := log.WithComponent("main")
	logger.Info("hookgate starting", "version", version, "config", cfg.SourcePath)

	lockPath := lockPathFor(cfg)
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", lockPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)
	var tracerProvider trace.TracerProvider
	if cfg.Tracing.Exporter != config.TraceExporterNone {
		tp, err := observability.NewTracerProvider(ctx, observability.ProviderOptions{
			Service:     cfg.Service.Name,
			Exporter:    cfg.Tracing.Exporter,
			Endpoint:    cfg.Tracing.Endpoint,
			Insecure:    cfg.Tracing.Insecure,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			logger.Error("failed to set up tracing", "exporter", cfg.Tracing.Exporter, "error", err)
			return 1
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), traceFlushTimeout)
			defer cancel()
			if err := tp.Shutdown(flushCtx); err != nil {
				logger.Warn("failed to flush traces", "error", err)
			}
		}()
		otel.SetTracerProvider(tp)
		tracerProvider = tp
		logger.Info("tracing enabled", "exporter", cfg.Tracing.Exporter, "sample_ratio", cfg.Tracing.SampleRatio)
	}
	tracer := observability.NewTracer(tracerProvider)
	hub := events.NewHub(256)

	l := ledger.New(db, ledger.Options{
		MaxRetries: cfg.Webhooks.MaxRetries,
		RetryDelay: cfg.Webhooks.RetryDelay,
		Publisher:  hub,
		Metrics:    metrics,
	})
	q := queue.New(db, queue.Options{
		BackoffBase: cfg.Queue.BackoffBase,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Publisher:   hub,
	})
	proc := processor.New(payments.NewSQLUnitOfWork(db, nil), processor.Options{Metrics: metrics, Tracer: tracer})
	runner := dispatch.NewRunner(l, proc, cfg.Queue.JobTimeout)
	intakeRunner := dispatch.NewRunner(l, proc, cfg.Webhooks.RequestTimeout).RetryPermanent()

	disp := dispatch.New(q, l, runner, dispatch.Options{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
		StaleAfter:   cfg.Webhooks.StaleAfter,
		Metrics:      metrics,
	})
	sched := scheduler.New(cfg, l, q, runner, hub, metrics, log.WithComponent("scheduler"))

	webhookConfig, err := webhook.FromGlobalConfig(cfg)
	if err != nil {
		logger.Error("failed to configure webhooks", "error", err)
		return 1
	}
	intake, err := webhook.New(webhookConfig, l, intakeRunner, q, log.WithComponent("webhook"), webhook.Options{
		Metrics: metrics,
		Tracer:  tracer,
	})
	if err != nil {
		logger.Error("failed to create webhook server", "error", err)
		return 1
	}

	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		return 1
	}
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := disp.Start(gctx); err != nil {
			return fmt.Errorf("dispatcher: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := intake.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("webhook: %w", err)
		}
		return nil
	})
	logger.Info("webhook server enabled", "listen", webhookConfig.Listen, "endpoints", len(webhookConfig.Endpoints))

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Tokens))
		for _, t := range cfg.API.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		apiServer := api.New(api.Config{Listen: cfg.API.Listen, Tokens: tokens}, l, q, hub, registry, log.WithComponent("api"))
		g.Go(func() error {
			if err := apiServer.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("hookgate running (press Ctrl+C to stop)")

	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}
	logger.Info("hookgate stopped")
	return 0
}

func lockPathFor(cfg *config.Config) string {
	if cfg.Service.LockPath != "" {
		return cfg.Service.LockPath
	}
	return lock.PathFor(cfg.State.Path)
}

type statusReport struct {
	Config   string         `json:"config"`
	Database string         `json:"database"`
	Running  bool           `json:"running"`
	PID      int            `json:"pid,omitempty"`
	LockPath string         `json:"lock_path"`
	Ledger   *ledger.Stats  `json:"ledger,omitempty"`
	Queue    map[string]int `json:"queue,omitempty"`
	Errors   []string       `json:"errors,omitempty"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := statusReport{}
	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		report.Config = "error"
		report.Errors = append(report.Errors, fmt.Sprintf("config: %v", err))
		return printStatus(report, *jsonOut)
	}
	report.Config = cfg.SourcePath
	report.LockPath = lockPathFor(cfg)
	report.Running, report.PID = checkLock(report.LockPath)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		report.Database = "error"
		report.Errors = append(report.Errors, fmt.Sprintf("database: %v", err))
		return printStatus(report, *jsonOut)
	}
	defer db.Close()
	report.Database = cfg.State.Path

	stats, err := ledger.New(db, ledger.Options{Logger: log.Discard()}).GetEventStats(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("ledger: %v", err))
	} else {
		report.Ledger = &stats
	}
	counts, err := queue.New(db, queue.Options{}).Counts(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("queue: %v", err))
	} else {
		report.Queue = counts
	}
	return printStatus(report, *jsonOut)
}

// checkLock reports whether another process holds the PID lock.
func checkLock(path string) (bool, int) {
	l, err := lock.Acquire(path)
	if err == nil {
		_ = l.Release()
		return false, 0
	}
	if !errors.Is(err, lock.ErrAlreadyRunning) {
		return false, 0
	}
	pid, _ := lock.ReadPID(path)
	return true, pid
}

func printStatus(r statusReport, jsonOut bool) int {
	code := 0
	if len(r.Errors) > 0 {
		code = 1
	}

	if jsonOut {
		data, _ := json.MarshalIndent(r, "", "  ")
		fmt.Println(string(data))
		return code
	}

	fmt.Printf("config:   %s\n", r.Config)
	if r.Database != "" {
		fmt.Printf("database: %s\n", r.Database)
	}
	if r.LockPath != "" {
		if r.Running {
			fmt.Printf("service:  running (pid %d, lock %s)\n", r.PID, r.LockPath)
		} else {
			fmt.Printf("service:  stopped (lock %s)\n", r.LockPath)
		}
	}
	if r.Ledger != nil {
		fmt.Printf("ledger:   total=%d pending=%d processing=%d completed=%d failed=%d retry_rate=%.1f%%\n",
			r.Ledger.Total, r.Ledger.Pending, r.Ledger.Processing, r.Ledger.Completed, r.Ledger.Failed, r.Ledger.RetryRate)
	}
	if r.Queue != nil {
		fmt.Printf("queue:    queued=%d running=%d succeeded=%d failed=%d\n",
			r.Queue[string(queue.StatusQueued)], r.Queue[string(queue.StatusRunning)],
			r.Queue[string(queue.StatusSucceeded)], r.Queue[string(queue.StatusFailed)])
	}
	for _, e := range r.Errors {
		fmt.Fprintf(os.Stderr, "error: %s\n", e)
	}
	return code
}

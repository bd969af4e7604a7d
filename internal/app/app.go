package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/outreach/internal/api"
	"github.com/foxzi/outreach/internal/config"
	"github.com/foxzi/outreach/internal/credential"
	"github.com/foxzi/outreach/internal/delivery"
	"github.com/foxzi/outreach/internal/dispatch"
	"github.com/foxzi/outreach/internal/dkim"
	"github.com/foxzi/outreach/internal/dnscheck"
	"github.com/foxzi/outreach/internal/guard"
	"github.com/foxzi/outreach/internal/ipfilter"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/queue"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/report"
	"github.com/foxzi/outreach/internal/review"
	"github.com/foxzi/outreach/internal/sandbox"
	"github.com/foxzi/outreach/internal/scheduler"
	"github.com/foxzi/outreach/internal/template"
)

// Scheduled job names
const (
	JobDispatch    = "dispatch"
	JobHealthSweep = "health_sweep"
	JobQuotaReset  = "quota_reset"
)

// App is the main application
type App struct {
	config  *config.Config
	logger  *slog.Logger
	version string

	store *Store
	queue *queue.BoltStorage

	pool         *credential.Pool
	gate         *review.Gate
	orchestrator *dispatch.Orchestrator
	processor    *queue.Processor
	cleaner      *queue.Cleaner
	limiter      *ratelimit.Limiter
	scheduler    *scheduler.Service
	reports      *report.Builder

	collector     *metrics.Collector
	metricsServer *metrics.Server
	apiServer     *api.Server
}

// New opens storage and wires every component. Nothing runs until Run.
func New(cfg *config.Config, version string) (*App, error) {
	logger := NewLogger(cfg.Logging)

	store, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	storage, err := queue.NewBoltStorage(cfg.Storage.QueuePath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create queue storage: %w", err)
	}

	a := &App{
		config:  cfg,
		logger:  logger,
		version: version,
		store:   store,
		queue:   storage,
	}

	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg := a.config
	logger := a.logger

	window, err := ratelimit.NewWindow(cfg.Window.StartHour, cfg.Window.EndHour, cfg.Window.Timezone)
	if err != nil {
		return fmt.Errorf("failed to create sending window: %w", err)
	}

	a.pool = credential.NewPool(credential.Options{
		Store:           a.store.Credentials,
		MinSample:       cfg.Credentials.MinSample,
		HealthThreshold: cfg.Credentials.HealthThreshold,
		Logger:          logger.With("component", "credential_pool"),
		OnDeactivate: func(n int) {
			if a.collector != nil {
				a.collector.TrackDeactivations(n)
			}
		},
	})

	// Metrics collector shares the queue database
	if cfg.Metrics.Enabled {
		a.collector, err = metrics.NewCollector(a.queue.DB(), metrics.New(), metrics.CollectorConfig{
			QueueStats:    a.queue,
			PoolStats:     a.pool,
			StoragePath:   cfg.Storage.QueuePath,
			FlushInterval: cfg.Metrics.FlushInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
	}

	a.gate = review.NewGate(a.store.Reviews, time.Now, logger.With("component", "review_gate"))

	var throttle dispatch.Throttle
	if cfg.Throttle.Enabled {
		a.limiter, err = ratelimit.NewLimiter(a.queue.DB(), throttleConfig(cfg.Throttle))
		if err != nil {
			return fmt.Errorf("failed to create throttle: %w", err)
		}
		throttle = a.limiter
		logger.Info("recipient domain throttling enabled", "domains", len(cfg.Throttle.Domains))
	}

	renderer := template.NewEngine()
	deps := dispatch.Deps{
		Window:     window,
		Pool:       a.pool,
		Recipients: a.store.Recipients,
		Ledger:     a.store.Ledger,
		Guard:      guard.New(a.store.Ledger, cfg.Cooldown(), cfg.Dedup.SiteSuppression, time.Now),
		Reviews:    a.gate,
		Templates:  a.store.Templates,
		Renderer:   renderer,
		Jobs:       a.queue,
		Logger:     logger.With("component", "dispatch"),
	}
	if a.collector != nil {
		deps.Recorder = a.collector
	}

	a.orchestrator = dispatch.NewOrchestrator(deps, dispatch.Config{
		MaxBatchSize:    cfg.Dispatch.MaxBatchSize,
		TemplateID:      cfg.Dispatch.TemplateID,
		SiteSuppression: cfg.Dedup.SiteSuppression,
		DisablePacing:   cfg.Dispatch.DisablePacing,
	})

	keys := dkim.NewProvider(cfg.Credentials.KeyDir)
	client := delivery.NewClient(delivery.ClientConfig{
		HeloName:           cfg.Credentials.HeloName,
		InsecureSkipVerify: cfg.Credentials.InsecureSkipTLS,
		DKIM:               keys,
	}, logger.With("component", "delivery"))

	var mailer dispatch.Mailer = client
	var captured *sandbox.Storage
	if cfg.Sandbox.Mode != sandbox.ModeProduction {
		captured, err = sandbox.NewStorage(a.queue.DB())
		if err != nil {
			return err
		}
		wrapped, err := sandbox.NewMailer(client, captured, sandbox.Config{
			Mode:       cfg.Sandbox.Mode,
			RedirectTo: cfg.Sandbox.RedirectTo,
		}, logger.With("component", "sandbox"))
		if err != nil {
			return fmt.Errorf("failed to create sandbox mailer: %w", err)
		}
		logger.Warn("sandbox mode active, messages will not reach recipients", "mode", cfg.Sandbox.Mode)
		mailer = wrapped
	}

	sender := dispatch.NewSender(deps, mailer, throttle, cfg.Dispatch.SendTimeout)

	a.processor = queue.NewProcessor(a.queue, sender, queue.ProcessorConfig{
		Workers:         cfg.Queue.Workers,
		RetryBackoff:    cfg.Queue.RetryBackoff,
		MaxAttempts:     cfg.Queue.MaxAttempts,
		ProcessInterval: cfg.Queue.ProcessInterval,
		JobTimeout:      cfg.Dispatch.SendTimeout + 30*time.Second,
		RatePerSecond:   cfg.Dispatch.RatePerSecond,
	}, delivery.IsTemporaryError, logger.With("component", "processor"))

	a.cleaner = queue.NewCleaner(a.queue, queue.CleanerConfig{
		FinishedMaxAge:   cfg.Storage.Retention.DoneMaxAge,
		FinishedInterval: cfg.Storage.Retention.CleanupInterval,
		DLQMaxAge:        cfg.DLQ.MaxAge,
		DLQMaxCount:      cfg.DLQ.MaxCount,
		DLQInterval:      cfg.DLQ.CleanupInterval,
	}, logger.With("component", "cleaner"))
	if captured != nil && cfg.Sandbox.MaxAge > 0 {
		a.cleaner.Add("sandbox", cfg.Storage.Retention.CleanupInterval, func(ctx context.Context) (int, error) {
			return captured.Clear(ctx, time.Now().Add(-cfg.Sandbox.MaxAge))
		})
	}

	a.reports = &report.Builder{
		Ledger:     a.store.Ledger,
		Recipients: a.store.Recipients,
		Reviews:    a.store.Reviews,
		Queue:      a.queue,
		Pool:       a.pool,
	}

	a.scheduler, err = scheduler.New(scheduler.Config{
		Timezone:       cfg.Window.Timezone,
		DefaultTimeout: cfg.Dispatch.TickTimeout,
	}, logger.With("component", "scheduler"))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := a.addJobs(); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		a.metricsServer = metrics.NewServer(a.collector.Metrics(), cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs, logger.With("component", "metrics"),
			ipfilter.WithTrustedProxies(cfg.Metrics.TrustedProxies))
	}

	if cfg.API.Enabled {
		apiDeps := api.Deps{
			Credentials: a.store.Credentials,
			Reviews:     a.gate,
			Ledger:      a.store.Ledger,
			Jobs:        a.queue,
			Dispatcher:  a.orchestrator,
			Sweeper:     a.pool,
			Templates:   a.store.Templates,
			Renderer:    renderer,
			Operators:   a.store.Operators,
			Reports:     a.reports,
			Schedule:    a.scheduler,
			Collector:   a.collector,
			DNS:         dnscheck.New(nil),
			DKIMRecords: func(c *models.Credential) (string, error) {
				signer, err := keys.ForCredential(c)
				if err != nil || signer == nil {
					return "", err
				}
				return signer.TXTRecord()
			},
			Version: a.version,
		}
		if a.limiter != nil {
			apiDeps.Throttle = a.limiter
		}
		if captured != nil {
			apiDeps.Sandbox = captured
		}
		a.apiServer = api.NewServer(apiDeps, &cfg.API, logger.With("component", "api"))
	}

	return nil
}

// addJobs registers the periodic dispatch, health sweep and quota reset
func (a *App) addJobs() error {
	cfg := a.config

	jobs := []struct {
		name string
		spec string
		run  scheduler.JobFunc
	}{
		{JobDispatch, cfg.Dispatch.Schedule, a.runTick},
		{JobHealthSweep, cfg.Credentials.SweepSchedule, func(ctx context.Context) error {
			_, err := a.pool.SweepHealth(ctx)
			return err
		}},
		{JobQuotaReset, cfg.Credentials.ResetSchedule, a.pool.ResetDue},
	}

	for _, j := range jobs {
		if err := a.scheduler.Add(j.name, j.spec, 0, j.run); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", j.name, err)
		}
	}
	return nil
}

func (a *App) runTick(ctx context.Context) error {
	summary, err := a.orchestrator.Tick(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("dispatch tick finished",
		"enqueued", summary.Enqueued,
		"candidates", summary.Candidates,
		"capacity", summary.Capacity,
		"stop_reason", summary.StopReason)
	return nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting outreach",
		"version", a.version,
		"api_enabled", a.config.API.Enabled,
		"api_addr", a.config.API.ListenAddr,
		"metrics_enabled", a.config.Metrics.Enabled,
		"window", fmt.Sprintf("%02d:00-%02d:00 %s", a.config.Window.StartHour, a.config.Window.EndHour, a.config.Window.Timezone))

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Jobs left in sending by a crash go back to the queue
	if n, err := a.queue.RequeueStale(ctx); err != nil {
		return fmt.Errorf("failed to requeue stale jobs: %w", err)
	} else if n > 0 {
		a.logger.Warn("requeued stale jobs", "count", n)
	}

	if a.collector != nil {
		a.collector.Start(ctx)
	}
	a.processor.Start(ctx)
	a.cleaner.Start(ctx)
	a.scheduler.Start(ctx)

	errCh := make(chan error, 2)

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops intake first, then workers, then flushes and closes storage
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	a.scheduler.Stop(shutdownCtx)

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}

	a.processor.Stop()
	a.cleaner.Stop()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.Close()
	a.logger.Info("shutdown complete")
	return nil
}

// Close persists counters and closes storage. It is safe on a partially
// wired app.
func (a *App) Close() {
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
		a.collector = nil
	}
	if a.limiter != nil {
		if err := a.limiter.Stop(); err != nil {
			a.logger.Error("throttle stop error", "error", err)
		}
		a.limiter = nil
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Error("queue storage close error", "error", err)
		}
		a.queue = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
		}
		a.store = nil
	}
}

// Accessors for command line tools

func (a *App) Config() *config.Config { return a.config }
func (a *App) Logger() *slog.Logger { return a.logger }
func (a *App) Queue() *queue.BoltStorage { return a.queue }
func (a *App) Pool() *credential.Pool { return a.pool }
func (a *App) Gate() *review.Gate { return a.gate }
func (a *App) Orchestrator() *dispatch.Orchestrator { return a.orchestrator }
func (a *App) Reports() *report.Builder { return a.reports }
func (a *App) Store() *Store { return a.store }
func (a *App) Scheduler() *scheduler.Service { return a.scheduler }

func throttleConfig(cfg config.ThrottleConfig) *ratelimit.Config {
	rl := &ratelimit.Config{RecipientDomains: make(map[string]*ratelimit.LimitConfig)}
	if cfg.Default != nil {
		rl.DefaultRecipientDomain = &ratelimit.LimitConfig{
			MessagesPerHour: cfg.Default.MessagesPerHour,
			MessagesPerDay:  cfg.Default.MessagesPerDay,
		}
	}
	for domain, lv := range cfg.Domains {
		if lv == nil {
			continue
		}
		rl.RecipientDomains[domain] = &ratelimit.LimitConfig{
			MessagesPerHour: lv.MessagesPerHour,
			MessagesPerDay:  lv.MessagesPerDay,
		}
	}
	return rl
}

// NewLogger creates a logger based on configuration
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

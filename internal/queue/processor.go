package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Handler performs the work for one job. A nil error completes the job;
// DeferError and SkipError control rescheduling; any other error is a
// failed attempt.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *Job) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// ErrorChecker reports whether a failed attempt may be retried
type ErrorChecker func(err error) bool

// DefaultRetryBackoff is the wait before the 1st, 2nd and later retries
var DefaultRetryBackoff = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// Processor runs queue workers
type Processor struct {
	queue           Queue
	handler         Handler
	workers         int
	backoff         []time.Duration
	maxAttempts     int
	processInterval time.Duration
	jobTimeout      time.Duration
	limiter         *rate.Limiter
	isTemporary     ErrorChecker
	now             func() time.Time
	logger          *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ProcessorConfig contains processor configuration
type ProcessorConfig struct {
	Workers         int
	RetryBackoff    []time.Duration
	MaxAttempts     int
	ProcessInterval time.Duration
	JobTimeout      time.Duration
	// RatePerSecond caps job starts across all workers; zero disables it
	RatePerSecond float64
	Now           func() time.Time
}

// NewProcessor creates a new queue processor
func NewProcessor(q Queue, handler Handler, cfg ProcessorConfig, isTemp ErrorChecker, logger *slog.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if len(cfg.RetryBackoff) == 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = len(cfg.RetryBackoff) + 1
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = 10 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if isTemp == nil {
		isTemp = func(err error) bool { return true }
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Processor{
		queue:           q,
		handler:         handler,
		workers:         cfg.Workers,
		backoff:         cfg.RetryBackoff,
		maxAttempts:     cfg.MaxAttempts,
		processInterval: cfg.ProcessInterval,
		jobTimeout:      cfg.JobTimeout,
		limiter:         limiter,
		isTemporary:     isTemp,
		now:             cfg.Now,
		logger:          logger,
		stopCh:          make(chan struct{}),
	}
}

// Start starts the processor workers
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting queue processor", "workers", p.workers, "max_attempts", p.maxAttempts)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop stops the processor gracefully
func (p *Processor) Stop() {
	p.logger.Info("stopping queue processor")
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.logger.Info("queue processor stopped")
}

// Drain processes due jobs on the calling goroutine until none is due.
// Returns the number of jobs handled.
func (p *Processor) Drain(ctx context.Context) (int, error) {
	handled := 0
	for {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		ok, err := p.processOne(ctx, p.logger)
		if err != nil {
			return handled, err
		}
		if !ok {
			return handled, nil
		}
		handled++
	}
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(p.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-p.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
			// Keep going while jobs are due, then wait for the next tick
			for {
				ok, err := p.processOne(ctx, logger)
				if err != nil {
					logger.Error("failed to process job", "error", err)
					break
				}
				if !ok || p.stopping() {
					break
				}
			}
		}
	}
}

func (p *Processor) stopping() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// processOne handles a single due job. Reports false when nothing was due.
func (p *Processor) processOne(ctx context.Context, logger *slog.Logger) (bool, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}

	job, err := p.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	logger = logger.With("job_id", job.ID, "recipient_id", job.RecipientID)
	logger.Debug("processing job", "attempts", job.Attempts)

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	err = p.handler.Handle(jobCtx, job)
	cancel()

	p.settle(ctx, job, err, logger)
	return true, nil
}

func (p *Processor) settle(ctx context.Context, job *Job, err error, logger *slog.Logger) {
	now := p.now()

	if err == nil {
		job.Status = StatusDone
		job.LastError = ""
		p.update(ctx, job, logger)
		logger.Info("job done")
		return
	}

	if de, ok := AsDefer(err); ok {
		job.Status = StatusDeferred
		job.NextRetryAt = de.Until
		job.Reason = de.Reason
		p.update(ctx, job, logger)
		logger.Info("job deferred", "until", de.Until, "reason", de.Reason)
		return
	}

	if se, ok := AsSkip(err); ok {
		job.Status = StatusSkipped
		job.Reason = se.Reason
		p.update(ctx, job, logger)
		logger.Info("job skipped", "reason", se.Reason)
		return
	}

	job.Attempts++
	job.LastError = err.Error()

	if p.isTemporary(err) && job.Attempts < p.maxAttempts {
		backoff := p.Backoff(job.Attempts)
		job.Status = StatusDeferred
		job.NextRetryAt = now.Add(backoff)
		job.Reason = "retry"
		p.update(ctx, job, logger)

		logger.Warn("job attempt failed, retrying",
			"error", err,
			"attempts", job.Attempts,
			"next_retry_at", job.NextRetryAt,
			"backoff", backoff,
		)
		return
	}

	logger.Error("job failed permanently",
		"error", err,
		"attempts", job.Attempts,
		"max_attempts", p.maxAttempts,
	)
	if err := p.queue.MoveToDLQ(ctx, job); err != nil {
		logger.Error("failed to move job to DLQ", "error", err)
	}
}

func (p *Processor) update(ctx context.Context, job *Job, logger *slog.Logger) {
	if err := p.queue.Update(ctx, job); err != nil {
		logger.Error("failed to update job status", "error", err)
	}
}

// Backoff returns the wait after the given number of failed attempts
func (p *Processor) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(p.backoff) {
		return p.backoff[len(p.backoff)-1]
	}
	return p.backoff[attempts-1]
}

package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains retention settings. A zero age or interval
// disables that sweep.
type CleanerConfig struct {
	FinishedMaxAge   time.Duration // done and skipped jobs
	FinishedInterval time.Duration

	DLQMaxAge   time.Duration
	DLQMaxCount int
	DLQInterval time.Duration
}

// CleanupFunc deletes expired records and returns how many went
type CleanupFunc func(ctx context.Context) (int, error)

type retentionTask struct {
	name     string
	interval time.Duration
	run      CleanupFunc
}

// Cleaner runs periodic retention sweeps over the queue file
type Cleaner struct {
	tasks  []retentionTask
	logger *slog.Logger

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// NewCleaner creates a cleaner with the finished-job and DLQ sweeps that
// cfg enables
func NewCleaner(storage *BoltStorage, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	c := &Cleaner{logger: logger, done: make(chan struct{})}

	if cfg.FinishedMaxAge > 0 {
		c.Add("finished_jobs", cfg.FinishedInterval, func(ctx context.Context) (int, error) {
			return storage.CleanupFinished(ctx, cfg.FinishedMaxAge)
		})
	}
	if cfg.DLQMaxAge > 0 || cfg.DLQMaxCount > 0 {
		c.Add("dead_letters", cfg.DLQInterval, func(ctx context.Context) (int, error) {
			return storage.CleanupDLQ(ctx, cfg.DLQMaxAge, cfg.DLQMaxCount)
		})
	}
	return c
}

// Add registers another sweep. It must be called before Start.
func (c *Cleaner) Add(name string, interval time.Duration, run CleanupFunc) {
	if interval <= 0 {
		return
	}
	c.tasks = append(c.tasks, retentionTask{name: name, interval: interval, run: run})
}

// Tasks returns the registered sweep names
func (c *Cleaner) Tasks() []string {
	names := make([]string, len(c.tasks))
	for i, t := range c.tasks {
		names[i] = t.name
	}
	return names
}

// Start runs every sweep once and then on its interval
func (c *Cleaner) Start(ctx context.Context) {
	for _, t := range c.tasks {
		c.wg.Add(1)
		go c.loop(ctx, t)
	}
	c.logger.Info("cleaner started", "sweeps", c.Tasks())
}

// Stop stops the cleaner and waits for running sweeps
func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	c.logger.Info("cleaner stopped")
}

// RunOnce runs every sweep immediately and returns the deleted counts
func (c *Cleaner) RunOnce(ctx context.Context) map[string]int {
	deleted := make(map[string]int, len(c.tasks))
	for _, t := range c.tasks {
		deleted[t.name] = c.sweep(ctx, t)
	}
	return deleted
}

func (c *Cleaner) loop(ctx context.Context, t retentionTask) {
	defer c.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	c.sweep(ctx, t)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep(ctx, t)
		}
	}
}

func (c *Cleaner) sweep(ctx context.Context, t retentionTask) int {
	n, err := t.run(ctx)
	if err != nil {
		c.logger.Error("retention sweep failed", "sweep", t.name, "error", err)
		return 0
	}
	if n > 0 {
		c.logger.Info("retention sweep removed records", "sweep", t.name, "deleted", n)
	}
	return n
}

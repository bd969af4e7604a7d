// Package scheduler runs the periodic dispatch, health sweep and quota reset
// jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrAlreadyRunning is returned by RunNow while the job is in progress
var ErrAlreadyRunning = errors.New("job already running")

// JobFunc is a scheduled unit of work
type JobFunc func(ctx context.Context) error

// Config contains scheduler settings
type Config struct {
	Timezone       string        // IANA zone the cron specs are read in, default UTC
	DefaultTimeout time.Duration // Per-run timeout when a job sets none
}

// JobInfo describes a registered job and its last run
type JobInfo struct {
	Name      string        `json:"name"`
	Spec      string        `json:"spec"`
	Next      time.Time     `json:"next"`
	LastRun   time.Time     `json:"last_run"`
	Duration  time.Duration `json:"duration,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Runs      int           `json:"runs"`
}

type job struct {
	name    string
	spec    string
	timeout time.Duration
	run     JobFunc
	entryID cron.EntryID

	mu       sync.Mutex
	running  bool
	lastRun  time.Time
	duration time.Duration
	lastErr  string
	runs     int
}

// Service owns a cron runner. Runs of the same job never overlap: a run that
// comes due while the previous one is still going is skipped.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger
	parser cron.Parser
	cron   *cron.Cron
	jobs   map[string]*job
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. Jobs are added with Add before Start.
func New(cfg Config, logger *slog.Logger) (*Service, error) {
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler timezone: %w", err)
	}

	// SecondOptional allows both 5-field and 6-field specs
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	s := &Service{
		cfg:    cfg,
		logger: logger,
		parser: parser,
		jobs:   make(map[string]*job),
	}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger{logger}),
	)
	return s, nil
}

// Add registers a named job. timeout 0 uses the default.
func (s *Service) Add(name, spec string, timeout time.Duration, run JobFunc) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule for %s: %w", name, err)
	}
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	j := &job{name: name, spec: spec, timeout: timeout, run: run}
	id, err := s.cron.AddFunc(spec, func() { s.execute(s.runContext(), j) })
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	j.entryID = id
	s.jobs[name] = j

	s.logger.Debug("job registered", "job", name, "spec", spec, "timeout", timeout)
	return nil
}

// Start begins running jobs on their schedules
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", count, "timezone", s.cfg.Timezone)
}

// Stop cancels running jobs and waits for them until ctx expires
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	done := s.cron.Stop().Done()
	cancel()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

// RunNow runs a registered job immediately with the same overlap, timeout
// and recovery rules as a scheduled run.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job: %s", name)
	}
	return s.execute(ctx, j)
}

// Jobs returns registered jobs sorted by name
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		entry := s.cron.Entry(j.entryID)
		j.mu.Lock()
		infos = append(infos, JobInfo{
			Name:      j.name,
			Spec:      j.spec,
			Next:      entry.Next,
			LastRun:   j.lastRun,
			Duration:  j.duration,
			LastError: j.lastErr,
			Runs:      j.runs,
		})
		j.mu.Unlock()
	}
	sort.Slice(infos, func(a, b int) bool { return infos[a].Name < infos[b].Name })
	return infos
}

func (s *Service) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Service) execute(ctx context.Context, j *job) (err error) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		s.logger.Warn("job still running, skipping", "job", j.name)
		return ErrAlreadyRunning
	}
	j.running = true
	j.mu.Unlock()

	start := time.Now()
	logger := s.logger.With("job", j.name)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in scheduled job", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
		}

		j.mu.Lock()
		j.running = false
		j.lastRun = start
		j.duration = time.Since(start)
		j.runs++
		j.lastErr = ""
		if err != nil {
			j.lastErr = err.Error()
		}
		j.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	err = j.run(runCtx)
	if err != nil {
		logger.Error("scheduled job failed", "error", err, "took", time.Since(start))
		return err
	}
	logger.Debug("scheduled job finished", "took", time.Since(start))
	return nil
}

// cronLogger adapts slog to cron's logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

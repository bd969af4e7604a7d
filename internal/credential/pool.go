package credential

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/outreach/internal/models"
)

// DeactivationReason is recorded on credentials disabled by the health sweep
const DeactivationReason = "success rate below threshold"

// maxReserveRounds bounds how often Acquire re-reads candidates after losing
// conditional updates to concurrent workers
const maxReserveRounds = 5

// Store is the persistence the pool needs
type Store interface {
	List(ctx context.Context, activeOnly bool) ([]models.Credential, error)
	ListEligible(ctx context.Context) ([]models.Credential, error)
	CountActive(ctx context.Context) (int, error)
	RemainingQuota(ctx context.Context) (int, error)
	ResetDaily(ctx context.Context, id int64, date string, now time.Time) (bool, error)
	Reserve(ctx context.Context, id int64, date string, now time.Time) (bool, error)
	Release(ctx context.Context, id int64, date string, now time.Time) error
	RecordSuccess(ctx context.Context, id int64, now time.Time) error
	RecordFailure(ctx context.Context, id int64, date string, now time.Time) error
	DeactivateIfUnhealthy(ctx context.Context, id int64, minSample int, threshold float64, reason string, now time.Time) (bool, error)
}

// Options configures the pool
type Options struct {
	Store           Store
	MinSample       int
	HealthThreshold float64
	Now             func() time.Time
	Logger          *slog.Logger

	// OnDeactivate is called with the number of credentials a sweep disabled
	OnDeactivate func(n int)
}

// Pool selects and accounts for sending credentials. Quota is reserved with
// a conditional update at acquisition, so concurrent callers can never push
// a credential past its daily limit.
type Pool struct {
	store     Store
	minSample int
	threshold float64
	now       func() time.Time
	logger    *slog.Logger
	onDeact   func(n int)
}

// NewPool creates a credential pool
func NewPool(opts Options) *Pool {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MinSample < 1 {
		opts.MinSample = 1
	}

	return &Pool{
		store:     opts.Store,
		minSample: opts.MinSample,
		threshold: opts.HealthThreshold,
		now:       opts.Now,
		logger:    opts.Logger,
		onDeact:   opts.OnDeactivate,
	}
}

// Acquire reserves one unit of quota on the least-loaded eligible credential,
// ties broken by lowest ID. Returns nil without error when no credential is
// eligible.
func (p *Pool) Acquire(ctx context.Context) (*models.Credential, error) {
	if err := p.ResetDue(ctx); err != nil {
		return nil, err
	}

	for round := 0; round < maxReserveRounds; round++ {
		candidates, err := p.store.ListEligible(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list eligible credentials: %w", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		for i := range candidates {
			c := &candidates[i]
			ok, err := p.store.Reserve(ctx, c.ID, c.ResetDate, p.now())
			if err != nil {
				return nil, err
			}
			if ok {
				c.SentToday++
				return c, nil
			}
		}
	}

	return nil, nil
}

// RecordSuccess counts a successful send; the reserved quota is kept
func (p *Pool) RecordSuccess(ctx context.Context, c *models.Credential) error {
	return p.store.RecordSuccess(ctx, c.ID, p.now())
}

// RecordFailure counts a failed send and returns the reserved quota, so
// failures never consume the daily limit. c must come from Acquire: its
// ResetDate names the quota day the unit was taken from, and a unit from a
// day that has since been reset is not returned.
func (p *Pool) RecordFailure(ctx context.Context, c *models.Credential) error {
	return p.store.RecordFailure(ctx, c.ID, c.ResetDate, p.now())
}

// Release returns the reserved quota for a send that was never attempted
func (p *Pool) Release(ctx context.Context, c *models.Credential) error {
	return p.store.Release(ctx, c.ID, c.ResetDate, p.now())
}

// SweepHealth deactivates active credentials whose success rate fell below
// the threshold after at least MinSample attempts. Returns the IDs changed by
// this run; a second run with unchanged counters returns none.
func (p *Pool) SweepHealth(ctx context.Context) ([]int64, error) {
	active, err := p.store.List(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list active credentials: %w", err)
	}

	var deactivated []int64
	defer func() {
		if p.onDeact != nil && len(deactivated) > 0 {
			p.onDeact(len(deactivated))
		}
	}()

	for _, c := range active {
		if c.Attempts() < p.minSample || c.SuccessRate() >= p.threshold {
			continue
		}

		ok, err := p.store.DeactivateIfUnhealthy(ctx, c.ID, p.minSample, p.threshold, DeactivationReason, p.now())
		if err != nil {
			return deactivated, err
		}
		if ok {
			deactivated = append(deactivated, c.ID)
			p.logger.Warn("credential deactivated",
				"credential_id", c.ID,
				"success_count", c.SuccessCount,
				"failure_count", c.FailureCount,
				"success_rate", c.SuccessRate())
		}
	}

	return deactivated, nil
}

// Capacity returns the total unused quota across active credentials after
// applying due daily resets
func (p *Pool) Capacity(ctx context.Context) (int, error) {
	if err := p.ResetDue(ctx); err != nil {
		return 0, err
	}
	return p.store.RemainingQuota(ctx)
}

// ActiveCount returns the number of active credentials
func (p *Pool) ActiveCount(ctx context.Context) (int, error) {
	return p.store.CountActive(ctx)
}

// ResetDue zeroes sent_today on every active credential whose local calendar
// day has changed since its last reset
func (p *Pool) ResetDue(ctx context.Context) error {
	active, err := p.store.List(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list active credentials: %w", err)
	}

	now := p.now()
	for _, c := range active {
		today := LocalDate(now, c.Timezone)
		if c.ResetDate == today {
			continue
		}
		reset, err := p.store.ResetDaily(ctx, c.ID, today, now)
		if err != nil {
			return err
		}
		if reset {
			p.logger.Debug("credential quota reset", "credential_id", c.ID, "date", today)
		}
	}
	return nil
}

// LocalDate formats now as YYYY-MM-DD in the named zone, falling back to UTC
// for unknown zones
func LocalDate(now time.Time, timezone string) string {
	loc, err := time.LoadLocation(timezone)
	if err != nil || timezone == "" {
		loc = time.UTC
	}
	return now.In(loc).Format("2006-01-02")
}

package credential

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/outreach/internal/db"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/repository"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func setupPool(t *testing.T, clock *testClock) (*Pool, *repository.CredentialRepository) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	repo := repository.NewCredentialRepository(database.DB)
	pool := NewPool(Options{
		Store:           repo,
		MinSample:       10,
		HealthThreshold: 0.8,
		Now:             clock.Now,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return pool, repo
}

func addCredential(t *testing.T, repo *repository.CredentialRepository, limit int, tz string) *models.Credential {
	t.Helper()
	c := &models.Credential{
		Host:        "smtp.example.com",
		Port:        587,
		Username:    "user",
		Password:    "pw",
		FromAddress: "hello@example.com",
		DailyLimit:  limit,
		Timezone:    tz,
	}
	if err := repo.Create(context.Background(), c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return c
}

func TestAcquireConcurrentQuota(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	pool, repo := setupPool(t, clock)
	c := addCredential(t, repo, 5, "UTC")

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	errs := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := pool.Acquire(context.Background())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs++
				return
			}
			if got != nil {
				acquired++
				pool.RecordSuccess(context.Background(), got)
			}
		}()
	}
	wg.Wait()

	if errs != 0 {
		t.Fatalf("%d workers failed", errs)
	}
	if acquired != 5 {
		t.Errorf("acquired %d credentials, want exactly 5", acquired)
	}

	got, _ := repo.GetByID(context.Background(), c.ID)
	if got.SentToday != 5 || got.SuccessCount != 5 {
		t.Errorf("SentToday=%d SuccessCount=%d, want 5 and 5", got.SentToday, got.SuccessCount)
	}
}

func TestAcquireRotationFairness(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	pool, repo := setupPool(t, clock)
	c1 := addCredential(t, repo, 10, "UTC")
	c2 := addCredential(t, repo, 10, "UTC")
	ctx := context.Background()

	want := []int64{c1.ID, c2.ID, c1.ID, c2.ID}
	for i, id := range want {
		got, err := pool.Acquire(ctx)
		if err != nil || got == nil {
			t.Fatalf("Acquire() #%d = %v, %v", i+1, got, err)
		}
		if got.ID != id {
			t.Errorf("Acquire() #%d = credential %d, want %d", i+1, got.ID, id)
		}
		pool.RecordSuccess(ctx, got)
	}

	for _, id := range []int64{c1.ID, c2.ID} {
		c, _ := repo.GetByID(ctx, id)
		if c.SentToday != 2 {
			t.Errorf("credential %d SentToday = %d, want 2", id, c.SentToday)
		}
	}
}

func TestAcquireExhausted(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	pool, repo := setupPool(t, clock)
	addCredential(t, repo, 1, "UTC")
	ctx := context.Background()

	first, _ := pool.Acquire(ctx)
	if first == nil {
		t.Fatal("first Acquire() returned nil")
	}

	second, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if second != nil {
		t.Errorf("Acquire() on exhausted pool = %+v, want nil", second)
	}

	capacity, _ := pool.Capacity(ctx)
	if capacity != 0 {
		t.Errorf("Capacity() = %d, want 0", capacity)
	}
}

func TestFailureDoesNotConsumeQuota(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	pool, repo := setupPool(t, clock)
	c := addCredential(t, repo, 1, "UTC")
	ctx := context.Background()

	got, _ := pool.Acquire(ctx)
	if err := pool.RecordFailure(ctx, got); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}

	again, _ := pool.Acquire(ctx)
	if again == nil || again.ID != c.ID {
		t.Fatalf("Acquire() after failure = %+v, want credential %d", again, c.ID)
	}

	stored, _ := repo.GetByID(ctx, c.ID)
	if stored.FailureCount != 1 || stored.SentToday != 1 {
		t.Errorf("FailureCount=%d SentToday=%d, want 1 and 1", stored.FailureCount, stored.SentToday)
	}
}

func TestFailureAfterMidnightKeepsNewDayQuota(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)}
	pool, repo := setupPool(t, clock)
	c := addCredential(t, repo, 1, "UTC")
	ctx := context.Background()

	yesterday, _ := pool.Acquire(ctx)
	if yesterday == nil {
		t.Fatal("Acquire() before midnight returned nil")
	}

	// The day rolls over while the first send is still in flight
	clock.Set(time.Date(2026, 3, 11, 0, 1, 0, 0, time.UTC))
	today, _ := pool.Acquire(ctx)
	if today == nil {
		t.Fatal("Acquire() after midnight returned nil")
	}

	if err := pool.RecordFailure(ctx, yesterday); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if err := pool.Release(ctx, yesterday); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	stored, _ := repo.GetByID(ctx, c.ID)
	if stored.SentToday != 1 || stored.FailureCount != 1 {
		t.Errorf("SentToday=%d FailureCount=%d, want 1 and 1", stored.SentToday, stored.FailureCount)
	}
	if again, _ := pool.Acquire(ctx); again != nil {
		t.Errorf("Acquire() past the new day's limit = %+v, want nil", again)
	}
}

func TestDailyResetPerTimezone(t *testing.T) {
	// 14:30 UTC is 23:30 in Tokyo
	clock := &testClock{now: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)}
	pool, repo := setupPool(t, clock)
	tokyo := addCredential(t, repo, 1, "Asia/Tokyo")
	utc := addCredential(t, repo, 1, "UTC")
	ctx := context.Background()

	pool.Acquire(ctx)
	pool.Acquire(ctx)
	if capacity, _ := pool.Capacity(ctx); capacity != 0 {
		t.Fatalf("Capacity() = %d, want 0", capacity)
	}

	// 15:30 UTC is past midnight in Tokyo but still the same day in UTC
	clock.Set(time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC))

	got, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got == nil || got.ID != tokyo.ID {
		t.Fatalf("Acquire() = %+v, want the Tokyo credential after its reset", got)
	}

	stored, _ := repo.GetByID(ctx, utc.ID)
	if stored.SentToday != 1 {
		t.Errorf("UTC credential SentToday = %d, want 1 (no reset yet)", stored.SentToday)
	}
	stored, _ = repo.GetByID(ctx, tokyo.ID)
	if stored.ResetDate != "2026-03-11" {
		t.Errorf("Tokyo ResetDate = %s, want 2026-03-11", stored.ResetDate)
	}
}

func TestSweepHealthIdempotent(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	pool, repo := setupPool(t, clock)
	ctx := context.Background()

	healthy := addCredential(t, repo, 100, "UTC")
	unhealthy := addCredential(t, repo, 100, "UTC")
	young := addCredential(t, repo, 100, "UTC")

	for i := 0; i < 10; i++ {
		repo.RecordSuccess(ctx, healthy.ID, clock.Now())
	}
	for i := 0; i < 5; i++ {
		repo.RecordSuccess(ctx, unhealthy.ID, clock.Now())
		repo.RecordFailure(ctx, unhealthy.ID, "", clock.Now())
	}
	// Below min sample, even at zero percent
	for i := 0; i < 9; i++ {
		repo.RecordFailure(ctx, young.ID, "", clock.Now())
	}

	reported := 0
	pool.onDeact = func(n int) { reported += n }

	first, err := pool.SweepHealth(ctx)
	if err != nil {
		t.Fatalf("SweepHealth() error = %v", err)
	}
	if len(first) != 1 || first[0] != unhealthy.ID {
		t.Fatalf("SweepHealth() = %v, want [%d]", first, unhealthy.ID)
	}

	second, err := pool.SweepHealth(ctx)
	if err != nil {
		t.Fatalf("second SweepHealth() error = %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second SweepHealth() = %v, want none", second)
	}
	if reported != 1 {
		t.Errorf("deactivations reported = %d, want 1", reported)
	}

	n, _ := pool.ActiveCount(ctx)
	if n != 2 {
		t.Errorf("ActiveCount() = %d, want 2", n)
	}
}

func TestLocalDate(t *testing.T) {
	now := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	tests := []struct {
		tz   string
		want string
	}{
		{"UTC", "2026-03-10"},
		{"Asia/Tokyo", "2026-03-11"},
		{"America/Los_Angeles", "2026-03-10"},
		{"Invalid/Zone", "2026-03-10"},
	}
	for _, tt := range tests {
		if got := LocalDate(now, tt.tz); got != tt.want {
			t.Errorf("LocalDate(%s) = %s, want %s", tt.tz, got, tt.want)
		}
	}
}

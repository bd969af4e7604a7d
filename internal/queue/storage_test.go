package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
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

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStorage(t *testing.T, clock *testClock) *BoltStorage {
	t.Helper()

	storage, err := NewBoltStorage(filepath.Join(t.TempDir(), "queue.db"), WithStorageClock(clock.Now))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestBoltStorage(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	storage := newTestStorage(t, clock)
	ctx := context.Background()

	job := &Job{ID: "job-1", RecipientID: 7, TemplateID: "intro"}
	if err := storage.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	got, err := storage.Get(ctx, "job-1")
	if err != nil || got == nil {
		t.Fatalf("Get() = %v, %v", got, err)
	}
	if got.Status != StatusPending || !got.NotBefore.Equal(clock.Now()) {
		t.Errorf("Get() = %+v, want pending due now", got)
	}

	missing, err := storage.Get(ctx, "nonexistent")
	if err != nil || missing != nil {
		t.Errorf("Get(nonexistent) = %v, %v; want nil, nil", missing, err)
	}

	inflight, _ := storage.InFlight(ctx, 7)
	if !inflight {
		t.Error("recipient 7 should be in flight")
	}

	claimed, err := storage.Dequeue(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("Dequeue() = %v, %v", claimed, err)
	}
	if claimed.Status != StatusSending {
		t.Errorf("Dequeue().Status = %s, want sending", claimed.Status)
	}

	if again, _ := storage.Dequeue(ctx); again != nil {
		t.Errorf("second Dequeue() = %+v, want nil", again)
	}

	claimed.Status = StatusDone
	if err := storage.Update(ctx, claimed); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if inflight, _ := storage.InFlight(ctx, 7); inflight {
		t.Error("recipient 7 should not be in flight after done")
	}

	stats, err := storage.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Done != 1 || stats.Total != 1 {
		t.Errorf("Stats() = %+v, want one done job", stats)
	}
}

func TestEnqueueRejectsSecondInFlightJob(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	storage := newTestStorage(t, clock)
	ctx := context.Background()

	if err := storage.Enqueue(ctx, &Job{ID: "a", RecipientID: 1}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	err := storage.Enqueue(ctx, &Job{ID: "b", RecipientID: 1})
	if !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("Enqueue() second job error = %v, want ErrAlreadyQueued", err)
	}

	// A skipped job frees the recipient
	job, _ := storage.Dequeue(ctx)
	job.Status = StatusSkipped
	storage.Update(ctx, job)

	if err := storage.Enqueue(ctx, &Job{ID: "b", RecipientID: 1}); err != nil {
		t.Errorf("Enqueue() after skip error = %v", err)
	}
}

func TestDequeueHonorsNotBefore(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	storage := newTestStorage(t, clock)
	ctx := context.Background()

	start := clock.Now()
	jobs := []*Job{
		{ID: "third", RecipientID: 3, NotBefore: start.Add(2 * time.Minute)},
		{ID: "first", RecipientID: 1, NotBefore: start},
		{ID: "second", RecipientID: 2, NotBefore: start.Add(500 * time.Millisecond)},
	}
	for _, j := range jobs {
		if err := storage.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", j.ID, err)
		}
	}

	got, _ := storage.Dequeue(ctx)
	if got == nil || got.ID != "first" {
		t.Fatalf("Dequeue() = %+v, want first", got)
	}
	if got, _ := storage.Dequeue(ctx); got != nil {
		t.Fatalf("Dequeue() = %s before it was due", got.ID)
	}

	clock.Advance(time.Second)
	got, _ = storage.Dequeue(ctx)
	if got == nil || got.ID != "second" {
		t.Fatalf("Dequeue() = %+v, want second", got)
	}

	clock.Advance(2 * time.Minute)
	got, _ = storage.Dequeue(ctx)
	if got == nil || got.ID != "third" {
		t.Fatalf("Dequeue() = %+v, want third", got)
	}
}

func TestDeferredJobReturnsWhenDue(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	storage := newTestStorage(t, clock)
	ctx := context.Background()

	storage.Enqueue(ctx, &Job{ID: "j", RecipientID: 1})
	job, _ := storage.Dequeue(ctx)

	job.Status = StatusDeferred
	job.NextRetryAt = clock.Now().Add(5 * time.Minute)
	if err := storage.Update(ctx, job); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if got, _ := storage.Dequeue(ctx); got != nil {
		t.Fatal("deferred job dequeued early")
	}
	if inflight, _ := storage.InFlight(ctx, 1); !inflight {
		t.Error("deferred job should keep the recipient in flight")
	}

	clock.Advance(5 * time.Minute)
	got, _ := storage.Dequeue(ctx)
	if got == nil || got.ID != "j" {
		t.Fatalf("Dequeue() = %+v, want j", got)
	}
}

func TestUpdateMovesPendingIndex(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	storage := newTestStorage(t, clock)
	ctx := context.Background()

	storage.Enqueue(ctx, &Job{ID: "j", RecipientID: 1})
	job, _ := storage.Get(ctx, "j")
	job.NotBefore = clock.Now().Add(time.Hour)
	if err := storage.Update(ctx, job); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if got, _ := storage.Dequeue(ctx); got != nil {
		t.Error("job dequeued at its old due time")
	}
}

func TestRequeueStale(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	storage := newTestStorage(t, clock)
	ctx := context.Background()

	storage.Enqueue(ctx, &Job{ID: "j", RecipientID: 1})
	storage.Dequeue(ctx)

	n, err := storage.RequeueStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RequeueStale() = %d, %v; want 1", n, err)
	}

	got, _ := storage.Dequeue(ctx)
	if got == nil || got.ID != "j" {
		t.Errorf("Dequeue() after requeue = %+v, want j", got)
	}
}

func TestDLQ(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	storage := newTestStorage(t, clock)
	ctx := context.Background()

	storage.Enqueue(ctx, &Job{ID: "j", RecipientID: 1})
	job, _ := storage.Dequeue(ctx)
	job.Attempts = 4
	job.LastError = "451 try later"

	if err := storage.MoveToDLQ(ctx, job); err != nil {
		t.Fatalf("MoveToDLQ() error = %v", err)
	}
	if inflight, _ := storage.InFlight(ctx, 1); inflight {
		t.Error("failed job should not keep the recipient in flight")
	}

	dead, err := storage.ListDLQ(ctx, 10, 0)
	if err != nil || len(dead) != 1 || dead[0].Status != StatusFailed {
		t.Fatalf("ListDLQ() = %+v, %v", dead, err)
	}

	stats, _ := storage.DLQStats(ctx)
	if stats.Total != 1 || !stats.OldestAt.Equal(clock.Now()) {
		t.Errorf("DLQStats() = %+v", stats)
	}

	if err := storage.RetryFromDLQ(ctx, "j"); err != nil {
		t.Fatalf("RetryFromDLQ() error = %v", err)
	}
	retried, _ := storage.Get(ctx, "j")
	if retried.Status != StatusPending || retried.Attempts != 0 || retried.LastError != "" {
		t.Errorf("retried job = %+v, want fresh pending", retried)
	}
	if got, _ := storage.GetFromDLQ(ctx, "j"); got != nil {
		t.Error("retried job still in DLQ")
	}
	if stats, _ := storage.DLQStats(ctx); stats.Total != 0 {
		t.Errorf("DLQ total = %d, want 0", stats.Total)
	}

	if err := storage.RetryFromDLQ(ctx, "j"); err == nil {
		t.Error("RetryFromDLQ() of a pending job should fail")
	}
}

func TestCleanup(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	storage := newTestStorage(t, clock)
	ctx := context.Background()

	for i, status := range []JobStatus{StatusDone, StatusSkipped, StatusFailed} {
		id := string(status)
		storage.Enqueue(ctx, &Job{ID: id, RecipientID: int64(i + 1)})
		job, _ := storage.Dequeue(ctx)
		if status == StatusFailed {
			storage.MoveToDLQ(ctx, job)
			continue
		}
		job.Status = status
		storage.Update(ctx, job)
	}
	storage.Enqueue(ctx, &Job{ID: "waiting", RecipientID: 9})

	clock.Advance(48 * time.Hour)

	deleted, err := storage.CleanupFinished(ctx, 24*time.Hour)
	if err != nil || deleted != 2 {
		t.Errorf("CleanupFinished() = %d, %v; want 2", deleted, err)
	}

	deleted, err = storage.CleanupDLQ(ctx, 24*time.Hour, 0)
	if err != nil || deleted != 1 {
		t.Errorf("CleanupDLQ() = %d, %v; want 1", deleted, err)
	}

	stats, _ := storage.Stats(ctx)
	if stats.Total != 1 || stats.Pending != 1 {
		t.Errorf("Stats() = %+v, want only the pending job", stats)
	}
}

func TestCleanupDLQMaxCount(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	storage := newTestStorage(t, clock)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		job := &Job{ID: string(rune('a' + i - 1)), RecipientID: int64(i)}
		storage.Enqueue(ctx, job)
		claimed, _ := storage.Dequeue(ctx)
		storage.MoveToDLQ(ctx, claimed)
		clock.Advance(time.Minute)
	}

	deleted, err := storage.CleanupDLQ(ctx, 0, 3)
	if err != nil || deleted != 2 {
		t.Fatalf("CleanupDLQ() = %d, %v; want 2", deleted, err)
	}

	dead, _ := storage.ListDLQ(ctx, 0, 0)
	if len(dead) != 3 || dead[0].ID != "c" {
		t.Errorf("ListDLQ() kept %d starting at %v, want c,d,e", len(dead), dead)
	}
}

func TestIndexKeyOrdering(t *testing.T) {
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	whole := makeIndexKey(base, "x")
	fraction := makeIndexKey(base.Add(500*time.Millisecond), "x")

	if string(whole) >= string(fraction) {
		t.Errorf("key %s should sort before %s", whole, fraction)
	}
	if got := parseTimestampFromKey(fraction); !got.Equal(base.Add(500 * time.Millisecond)) {
		t.Errorf("parseTimestampFromKey() = %v", got)
	}
}

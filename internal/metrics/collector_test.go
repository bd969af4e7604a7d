package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/outreach/internal/queue"
)

type mockQueueStats struct {
	stats *queue.QueueStats
	dlq   *queue.DLQStats
}

func (m *mockQueueStats) Stats(ctx context.Context) (*queue.QueueStats, error) {
	return m.stats, nil
}

func (m *mockQueueStats) DLQStats(ctx context.Context) (*queue.DLQStats, error) {
	return m.dlq, nil
}

type mockPoolStats struct {
	active   int
	capacity int
}

func (m *mockPoolStats) ActiveCount(ctx context.Context) (int, error) { return m.active, nil }
func (m *mockPoolStats) Capacity(ctx context.Context) (int, error)    { return m.capacity, nil }

func openTestDB(t *testing.T, path string) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return db
}

func TestCollectorPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)

	c, err := NewCollector(db, New(), CollectorConfig{StoragePath: path})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	c.IncSend("sent")
	c.IncSend("sent")
	c.IncSend("failed")
	c.IncSkip("duplicate-suppressed")
	c.IncDeferred("window-closed")
	c.TrackDeactivations(2)
	c.TrackAPIRequest("GET", "/api/v1/stats", "200")
	c.TrackAPIError("auth_error")

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	db.Close()

	db2 := openTestDB(t, path)
	defer db2.Close()

	m2 := New()
	c2, err := NewCollector(db2, m2, CollectorConfig{})
	if err != nil {
		t.Fatalf("NewCollector() after restart error = %v", err)
	}
	defer c2.Stop()

	if got := testutil.ToFloat64(m2.SendsTotal.WithLabelValues("sent")); got != 2 {
		t.Errorf("sends{sent} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m2.SkipsTotal.WithLabelValues("duplicate-suppressed")); got != 1 {
		t.Errorf("skips = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m2.CredentialDeactivationsTotal); got != 2 {
		t.Errorf("deactivations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m2.APIRequestsTotal.WithLabelValues("GET", "/api/v1/stats", "200")); got != 1 {
		t.Errorf("api requests = %v, want 1", got)
	}
	if c2.shadow.Deferred["window-closed"] != 1 {
		t.Errorf("shadow deferred = %v", c2.shadow.Deferred)
	}
}

func TestCollectorGauges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)
	defer db.Close()

	m := New()
	c, err := NewCollector(db, m, CollectorConfig{
		QueueStats:  &mockQueueStats{stats: &queue.QueueStats{Pending: 4, Sending: 1, Deferred: 2}, dlq: &queue.DLQStats{Total: 3}},
		PoolStats:   &mockPoolStats{active: 2, capacity: 150},
		StoragePath: path,
	})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	defer c.Stop()

	c.collectGauges(context.Background())

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"queue size", testutil.ToFloat64(m.QueueSize), 6},
		{"queue active", testutil.ToFloat64(m.QueueActive), 1},
		{"queue deferred", testutil.ToFloat64(m.QueueDeferred), 2},
		{"dlq size", testutil.ToFloat64(m.DLQSize), 3},
		{"credentials active", testutil.ToFloat64(m.CredentialsActive), 2},
		{"quota remaining", testutil.ToFloat64(m.QuotaRemaining), 150},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if testutil.ToFloat64(m.StorageUsedBytes) <= 0 {
		t.Error("storage size gauge not set")
	}
}

func TestCollectorStopTwice(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "metrics.db"))
	defer db.Close()

	c, err := NewCollector(db, New(), CollectorConfig{FlushInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	c.Start(context.Background())
	if err := c.Stop(); err != nil {
		t.Errorf("first Stop() error = %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestLabelKeyHelpers(t *testing.T) {
	key := makeTripleLabelKey("POST", "/api/v1/reviews/{id}/approve", "200")
	method, path, status := splitTripleLabelKey(key)
	if method != "POST" || path != "/api/v1/reviews/{id}/approve" || status != "200" {
		t.Errorf("split = %q %q %q", method, path, status)
	}

	method, path, status = splitTripleLabelKey("GET")
	if method != "GET" || path != "" || status != "" {
		t.Errorf("split short key = %q %q %q", method, path, status)
	}
}

package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/outreach/internal/queue"
)

// QueueStatsProvider provides send queue statistics
type QueueStatsProvider interface {
	Stats(ctx context.Context) (*queue.QueueStats, error)
	DLQStats(ctx context.Context) (*queue.DLQStats, error)
}

// PoolStatsProvider provides credential pool figures
type PoolStatsProvider interface {
	ActiveCount(ctx context.Context) (int, error)
	Capacity(ctx context.Context) (int, error)
}

var bucketMetrics = []byte("metrics")

// ShadowCounters stores counter values for persistence
type ShadowCounters struct {
	Sends         map[string]float64 `json:"sends"`
	Skips         map[string]float64 `json:"skips"`
	Deferred      map[string]float64 `json:"deferred"`
	Deactivations float64            `json:"deactivations"`
	APIRequests   map[string]float64 `json:"api_requests"`
	APIErrors     map[string]float64 `json:"api_errors"`
}

// Collector keeps counters persisted across restarts and refreshes gauges.
// It implements dispatch.Recorder.
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	queueStats    QueueStatsProvider
	poolStats     PoolStatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	shadow   ShadowCounters
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// CollectorConfig configures a collector. The providers are optional.
type CollectorConfig struct {
	QueueStats    QueueStatsProvider
	PoolStats     PoolStatsProvider
	StoragePath   string
	FlushInterval time.Duration
}

// NewCollector creates a new metrics collector and restores persisted counters
func NewCollector(db *bolt.DB, m *Metrics, cfg CollectorConfig) (*Collector, error) {
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		queueStats:    cfg.QueueStats,
		poolStats:     cfg.PoolStats,
		storagePath:   cfg.StoragePath,
		flushInterval: cfg.FlushInterval,
		startTime:     time.Now(),
		shadow: ShadowCounters{
			Sends:       make(map[string]float64),
			Skips:       make(map[string]float64),
			Deferred:    make(map[string]float64),
			APIRequests: make(map[string]float64),
			APIErrors:   make(map[string]float64),
		},
		stopCh: make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Metrics returns the underlying metric set
func (c *Collector) Metrics() *Metrics {
	return c.metrics
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateGauges(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}

		data := bucket.Get([]byte("counters"))
		if data == nil {
			return nil
		}

		var shadow ShadowCounters
		if err := json.Unmarshal(data, &shadow); err != nil {
			return nil // Skip invalid data
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		for k, v := range shadow.Sends {
			c.shadow.Sends[k] = v
			c.metrics.SendsTotal.WithLabelValues(k).Add(v)
		}
		for k, v := range shadow.Skips {
			c.shadow.Skips[k] = v
			c.metrics.SkipsTotal.WithLabelValues(k).Add(v)
		}
		for k, v := range shadow.Deferred {
			c.shadow.Deferred[k] = v
			c.metrics.DeferredTotal.WithLabelValues(k).Add(v)
		}
		c.shadow.Deactivations = shadow.Deactivations
		c.metrics.CredentialDeactivationsTotal.Add(shadow.Deactivations)

		for k, v := range shadow.APIRequests {
			method, path, status := splitTripleLabelKey(k)
			c.shadow.APIRequests[k] = v
			c.metrics.APIRequestsTotal.WithLabelValues(method, path, status).Add(v)
		}
		for k, v := range shadow.APIErrors {
			c.shadow.APIErrors[k] = v
			c.metrics.APIErrorsTotal.WithLabelValues(k).Add(v)
		}

		return nil
	})
}

func (c *Collector) persistCounters() error {
	c.mu.Lock()
	data, err := json.Marshal(c.shadow)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put([]byte("counters"), data)
	})
}

func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

func (c *Collector) updateGauges(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectGauges(ctx)
		}
	}
}

// collectGauges refreshes system, queue and pool gauges
func (c *Collector) collectGauges(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.queueStats != nil {
		if stats, err := c.queueStats.Stats(ctx); err == nil {
			c.metrics.QueueSize.Set(float64(stats.Pending + stats.Deferred))
			c.metrics.QueueActive.Set(float64(stats.Sending))
			c.metrics.QueueDeferred.Set(float64(stats.Deferred))
		}
		if dlq, err := c.queueStats.DLQStats(ctx); err == nil {
			c.metrics.DLQSize.Set(float64(dlq.Total))
		}
	}

	if c.poolStats != nil {
		if n, err := c.poolStats.ActiveCount(ctx); err == nil {
			c.metrics.CredentialsActive.Set(float64(n))
		}
		if n, err := c.poolStats.Capacity(ctx); err == nil {
			c.metrics.QuotaRemaining.Set(float64(n))
		}
	}
}

// IncSend counts a ledger record by status
func (c *Collector) IncSend(status string) {
	c.mu.Lock()
	c.shadow.Sends[status]++
	c.mu.Unlock()
	c.metrics.SendsTotal.WithLabelValues(status).Inc()
}

// IncSkip counts a skipped recipient or job by reason
func (c *Collector) IncSkip(reason string) {
	c.mu.Lock()
	c.shadow.Skips[reason]++
	c.mu.Unlock()
	c.metrics.SkipsTotal.WithLabelValues(reason).Inc()
}

// IncDeferred counts a deferred job by reason
func (c *Collector) IncDeferred(reason string) {
	c.mu.Lock()
	c.shadow.Deferred[reason]++
	c.mu.Unlock()
	c.metrics.DeferredTotal.WithLabelValues(reason).Inc()
}

// ObserveTick records a dispatch tick duration
func (c *Collector) ObserveTick(d time.Duration) {
	c.metrics.TickDurationSeconds.Observe(d.Seconds())
}

// TrackDeactivations counts credentials disabled by a health sweep
func (c *Collector) TrackDeactivations(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.shadow.Deactivations += float64(n)
	c.mu.Unlock()
	c.metrics.CredentialDeactivationsTotal.Add(float64(n))
}

// TrackAPIRequest tracks an API request and updates shadow counter
func (c *Collector) TrackAPIRequest(method, path, status string) {
	key := makeTripleLabelKey(method, path, status)
	c.mu.Lock()
	c.shadow.APIRequests[key]++
	c.mu.Unlock()
	c.metrics.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// TrackAPIError tracks an API error and updates shadow counter
func (c *Collector) TrackAPIError(errorType string) {
	c.mu.Lock()
	c.shadow.APIErrors[errorType]++
	c.mu.Unlock()
	c.metrics.APIErrorsTotal.WithLabelValues(errorType).Inc()
}

func makeTripleLabelKey(a, b, c string) string {
	return a + "|" + b + "|" + c
}

func splitTripleLabelKey(key string) (string, string, string) {
	parts := strings.SplitN(key, "|", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return parts[0], parts[1], parts[2]
}

package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs       = []byte("jobs")
	bucketPending    = []byte("pending")
	bucketDeferred   = []byte("deferred")
	bucketDeadLetter = []byte("dead_letter")
	bucketInFlight   = []byte("inflight")
)

// indexTimeLayout is fixed width so index keys sort chronologically
const indexTimeLayout = "2006-01-02T15:04:05.000000000Z"

// BoltStorage implements Queue using bbolt. Pending jobs are indexed by
// their NotBefore instant and deferred jobs by NextRetryAt, so Dequeue
// only hands out jobs that are due. The inflight bucket maps a recipient
// to its single non-terminal job.
type BoltStorage struct {
	db  *bolt.DB
	now func() time.Time
}

// StorageOption configures BoltStorage
type StorageOption func(*BoltStorage)

// WithStorageClock replaces the time source
func WithStorageClock(now func() time.Time) StorageOption {
	return func(s *BoltStorage) { s.now = now }
}

// NewBoltStorage creates a new bbolt storage
func NewBoltStorage(path string, opts ...StorageOption) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketPending, bucketDeferred, bucketDeadLetter, bucketInFlight} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStorage{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Enqueue adds a job to the queue
func (s *BoltStorage) Enqueue(ctx context.Context, job *Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		inflight := tx.Bucket(bucketInFlight)

		if existing := inflight.Get(recipientKey(job.RecipientID)); existing != nil {
			if other := getJob(jobs, existing); other != nil && !other.Status.Terminal() {
				return ErrAlreadyQueued
			}
		}

		now := s.now()
		job.Status = StatusPending
		if job.CreatedAt.IsZero() {
			job.CreatedAt = now
		}
		if job.NotBefore.IsZero() {
			job.NotBefore = now
		}
		job.UpdatedAt = now

		if err := putJob(jobs, job); err != nil {
			return err
		}
		if err := addIndex(tx, job); err != nil {
			return err
		}
		return inflight.Put(recipientKey(job.RecipientID), []byte(job.ID))
	})
}

// Dequeue claims the earliest due job, retries first
func (s *BoltStorage) Dequeue(ctx context.Context) (*Job, error) {
	var job *Job

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		now := s.now()

		for _, bucket := range [][]byte{bucketDeferred, bucketPending} {
			want := StatusPending
			if string(bucket) == string(bucketDeferred) {
				want = StatusDeferred
			}

			c := tx.Bucket(bucket).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if parseTimestampFromKey(k).After(now) {
					break
				}

				j := getJob(jobs, v)
				if j == nil || j.Status != want {
					// Stale index entry
					if err := c.Delete(); err != nil {
						return err
					}
					continue
				}

				j.Status = StatusSending
				j.UpdatedAt = now
				if err := putJob(jobs, j); err != nil {
					return err
				}
				if err := c.Delete(); err != nil {
					return err
				}

				job = j
				return nil
			}
		}

		return nil
	})

	return job, err
}

// Update stores the job, moving its index entry to match the new status
func (s *BoltStorage) Update(ctx context.Context, job *Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)

		if old := getJob(jobs, []byte(job.ID)); old != nil {
			if err := removeIndex(tx, old); err != nil {
				return err
			}
		}

		job.UpdatedAt = s.now()
		if err := putJob(jobs, job); err != nil {
			return err
		}
		if err := addIndex(tx, job); err != nil {
			return err
		}
		if job.Status.Terminal() {
			return clearInFlight(tx, job)
		}
		return nil
	})
}

// Get retrieves a job by ID
func (s *BoltStorage) Get(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return nil
		}
		job = &Job{}
		return json.Unmarshal(data, job)
	})
	return job, err
}

// List returns jobs with optional filtering
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	var result []*Job

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				continue
			}

			if filter.Status != "" && job.Status != filter.Status {
				continue
			}
			if filter.RecipientID != 0 && job.RecipientID != filter.RecipientID {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			result = append(result, &job)
			if filter.Limit > 0 && len(result) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return result, err
}

// InFlight reports whether the recipient has a non-terminal job
func (s *BoltStorage) InFlight(ctx context.Context, recipientID int64) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketInFlight).Get(recipientKey(recipientID))
		if id == nil {
			return nil
		}
		j := getJob(tx.Bucket(bucketJobs), id)
		found = j != nil && !j.Status.Terminal()
		return nil
	})
	return found, err
}

// Delete removes a job and its index entries
func (s *BoltStorage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		job := getJob(jobs, []byte(id))
		if job == nil {
			return nil
		}
		if err := removeIndex(tx, job); err != nil {
			return err
		}
		if err := clearInFlight(tx, job); err != nil {
			return err
		}
		return jobs.Delete([]byte(id))
	})
}

// Stats returns queue statistics
func (s *BoltStorage) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return nil
			}

			stats.Total++
			switch job.Status {
			case StatusPending:
				stats.Pending++
			case StatusSending:
				stats.Sending++
			case StatusDeferred:
				stats.Deferred++
			case StatusDone:
				stats.Done++
			case StatusSkipped:
				stats.Skipped++
			case StatusFailed:
				stats.Failed++
			}
			return nil
		})
	})

	return stats, err
}

// RequeueStale returns jobs left in sending by an interrupted process to the
// pending index
func (s *BoltStorage) RequeueStale(ctx context.Context) (int, error) {
	requeued := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		now := s.now()

		var stale []*Job
		err := jobs.ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return nil
			}
			if job.Status == StatusSending {
				stale = append(stale, &job)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, job := range stale {
			job.Status = StatusPending
			job.NotBefore = now
			job.UpdatedAt = now
			if err := putJob(jobs, job); err != nil {
				return err
			}
			if err := addIndex(tx, job); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})

	return requeued, err
}

// Close closes the database
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database for components sharing the file
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeLayout) + ":" + id)
}

func parseTimestampFromKey(key []byte) time.Time {
	if len(key) < len(indexTimeLayout) {
		return time.Time{}
	}
	t, _ := time.Parse(indexTimeLayout, string(key[:len(indexTimeLayout)]))
	return t
}

func recipientKey(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func getJob(jobs *bolt.Bucket, id []byte) *Job {
	data := jobs.Get(id)
	if data == nil {
		return nil
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil
	}
	return &job
}

func putJob(jobs *bolt.Bucket, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := jobs.Put([]byte(job.ID), data); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

func addIndex(tx *bolt.Tx, job *Job) error {
	switch job.Status {
	case StatusPending:
		return tx.Bucket(bucketPending).Put(makeIndexKey(job.NotBefore, job.ID), []byte(job.ID))
	case StatusDeferred:
		return tx.Bucket(bucketDeferred).Put(makeIndexKey(job.NextRetryAt, job.ID), []byte(job.ID))
	}
	return nil
}

func removeIndex(tx *bolt.Tx, job *Job) error {
	switch job.Status {
	case StatusPending:
		return tx.Bucket(bucketPending).Delete(makeIndexKey(job.NotBefore, job.ID))
	case StatusDeferred:
		return tx.Bucket(bucketDeferred).Delete(makeIndexKey(job.NextRetryAt, job.ID))
	case StatusFailed:
		return removeDLQEntry(tx.Bucket(bucketDeadLetter), job.ID)
	}
	return nil
}

func clearInFlight(tx *bolt.Tx, job *Job) error {
	inflight := tx.Bucket(bucketInFlight)
	key := recipientKey(job.RecipientID)
	if string(inflight.Get(key)) != job.ID {
		return nil
	}
	return inflight.Delete(key)
}

// Dead letter queue

// MoveToDLQ marks a job failed and adds it to the dead letter queue
func (s *BoltStorage) MoveToDLQ(ctx context.Context, job *Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)

		if old := getJob(jobs, []byte(job.ID)); old != nil {
			if err := removeIndex(tx, old); err != nil {
				return err
			}
		}

		job.Status = StatusFailed
		job.UpdatedAt = s.now()

		if err := tx.Bucket(bucketDeadLetter).Put(makeIndexKey(job.UpdatedAt, job.ID), []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to add to DLQ index: %w", err)
		}
		if err := putJob(jobs, job); err != nil {
			return err
		}
		return clearInFlight(tx, job)
	})
}

// ListDLQ returns jobs in the dead letter queue, oldest first
func (s *BoltStorage) ListDLQ(ctx context.Context, limit, offset int) ([]*Job, error) {
	var result []*Job

	err := s.db.View(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		c := tx.Bucket(bucketDeadLetter).Cursor()
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			if skipped < offset {
				skipped++
				continue
			}

			job := getJob(jobs, v)
			if job == nil {
				continue
			}

			result = append(result, job)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
		return nil
	})

	return result, err
}

// GetFromDLQ retrieves a failed job
func (s *BoltStorage) GetFromDLQ(ctx context.Context, id string) (*Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil || job == nil || job.Status != StatusFailed {
		return nil, err
	}
	return job, nil
}

// RetryFromDLQ puts a failed job back into the pending queue with its
// attempt count reset
func (s *BoltStorage) RetryFromDLQ(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		inflight := tx.Bucket(bucketInFlight)

		job := getJob(jobs, []byte(id))
		if job == nil || job.Status != StatusFailed {
			return fmt.Errorf("job not found in DLQ: %s", id)
		}

		if existing := inflight.Get(recipientKey(job.RecipientID)); existing != nil {
			if other := getJob(jobs, existing); other != nil && !other.Status.Terminal() {
				return ErrAlreadyQueued
			}
		}

		if err := removeDLQEntry(tx.Bucket(bucketDeadLetter), id); err != nil {
			return err
		}

		now := s.now()
		job.Status = StatusPending
		job.Attempts = 0
		job.LastError = ""
		job.Reason = ""
		job.NotBefore = now
		job.UpdatedAt = now

		if err := putJob(jobs, job); err != nil {
			return err
		}
		if err := addIndex(tx, job); err != nil {
			return err
		}
		return inflight.Put(recipientKey(job.RecipientID), []byte(job.ID))
	})
}

// DeleteFromDLQ permanently deletes a failed job
func (s *BoltStorage) DeleteFromDLQ(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := removeDLQEntry(tx.Bucket(bucketDeadLetter), id); err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

// DLQStats returns dead letter queue statistics
func (s *BoltStorage) DLQStats(ctx context.Context) (*DLQStats, error) {
	stats := &DLQStats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDeadLetter).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			stats.Total++
			if stats.Total == 1 {
				stats.OldestAt = parseTimestampFromKey(k)
			}
		}
		return nil
	})

	return stats, err
}

// DLQStats contains dead letter queue statistics
type DLQStats struct {
	Total    int64     `json:"total"`
	OldestAt time.Time `json:"oldest_at,omitempty"`
}

func removeDLQEntry(dlq *bolt.Bucket, id string) error {
	c := dlq.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if string(v) == id {
			return c.Delete()
		}
	}
	return nil
}

// Cleanup

// CleanupFinished removes done and skipped jobs last updated before maxAge
func (s *BoltStorage) CleanupFinished(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := s.now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)

		var toDelete [][]byte
		err := jobs.ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return nil
			}
			if (job.Status == StatusDone || job.Status == StatusSkipped) && job.UpdatedAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range toDelete {
			if err := jobs.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// CleanupDLQ removes dead letters older than maxAge, then the oldest ones
// beyond maxCount
func (s *BoltStorage) CleanupDLQ(ctx context.Context, maxAge time.Duration, maxCount int) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		dlq := tx.Bucket(bucketDeadLetter)
		jobs := tx.Bucket(bucketJobs)

		type entry struct {
			indexKey []byte
			jobID    []byte
		}

		var entries []entry
		c := dlq.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			entries = append(entries, entry{
				indexKey: append([]byte{}, k...),
				jobID:    append([]byte{}, v...),
			})
		}

		cutoff := s.now().Add(-maxAge)
		remaining := len(entries)

		// Entries are oldest first, so age and count trimming both take a prefix
		for _, e := range entries {
			expired := maxAge > 0 && parseTimestampFromKey(e.indexKey).Before(cutoff)
			overflow := maxCount > 0 && remaining > maxCount
			if !expired && !overflow {
				break
			}

			if err := dlq.Delete(e.indexKey); err != nil {
				return err
			}
			if err := jobs.Delete(e.jobID); err != nil {
				return err
			}
			deleted++
			remaining--
		}
		return nil
	})

	return deleted, err
}

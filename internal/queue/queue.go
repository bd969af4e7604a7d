package queue

import (
	"context"
	"errors"
)

// ErrAlreadyQueued is returned when the recipient already has a job in flight
var ErrAlreadyQueued = errors.New("recipient already has a job in flight")

// Queue defines the send job queue operations
type Queue interface {
	// Enqueue adds a job; fails with ErrAlreadyQueued while another job for
	// the same recipient is not terminal
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue claims the next due job.
	// Returns nil, nil if nothing is due.
	Dequeue(ctx context.Context) (*Job, error)

	// Update stores the job and maintains the indexes for its status
	Update(ctx context.Context, job *Job) error

	// Get retrieves a job by ID
	Get(ctx context.Context, id string) (*Job, error)

	// List returns jobs with optional filtering
	List(ctx context.Context, filter ListFilter) ([]*Job, error)

	// InFlight reports whether the recipient has a non-terminal job
	InFlight(ctx context.Context, recipientID int64) (bool, error)

	// MoveToDLQ marks the job failed and parks it in the dead letter queue
	MoveToDLQ(ctx context.Context, job *Job) error

	// Delete removes a job
	Delete(ctx context.Context, id string) error

	// Stats returns queue statistics
	Stats(ctx context.Context) (*QueueStats, error)

	// Close closes the storage connection
	Close() error
}

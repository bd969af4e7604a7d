// Package dispatch turns eligible recipients into paced send jobs and
// performs those sends from queue workers.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/foxzi/outreach/internal/delivery"
	"github.com/foxzi/outreach/internal/guard"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/queue"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/template"
)

// Skip and stop reasons reported in summaries, job records and metrics
const (
	ReasonWindowClosed     = "window-closed"
	ReasonNoCredential     = "no credential available"
	ReasonDuplicate        = guard.ReasonDuplicate
	ReasonSiteCooldown     = guard.ReasonSiteCooldown
	ReasonReviewPending    = "review-pending"
	ReasonReviewRejected   = "review-rejected"
	ReasonAlreadyQueued    = "already-queued"
	ReasonRecipientMissing = "recipient-missing"
	ReasonRenderFailed     = "render-failed"
	ReasonThrottled        = "throttled"
	ReasonBounced          = "bounced"
	ReasonAborted          = "aborted"
)

// ErrNoActiveCredentials fails a tick when the pool has nothing to send with
var ErrNoActiveCredentials = errors.New("no active credentials configured")

// Pool is the credential pool as seen by dispatch
type Pool interface {
	Acquire(ctx context.Context) (*models.Credential, error)
	RecordSuccess(ctx context.Context, c *models.Credential) error
	RecordFailure(ctx context.Context, c *models.Credential) error
	Release(ctx context.Context, c *models.Credential) error
	Capacity(ctx context.Context) (int, error)
	ActiveCount(ctx context.Context) (int, error)
}

// Recipients reads candidates and records terminal outcomes
type Recipients interface {
	ListCandidates(ctx context.Context, limit, offset int) ([]models.Candidate, error)
	GetCandidate(ctx context.Context, id int64) (*models.Candidate, error)
	MarkContacted(ctx context.Context, id int64, at time.Time) (bool, error)
	MarkBounced(ctx context.Context, id int64) (bool, error)
}

// Ledger appends send records
type Ledger interface {
	Append(ctx context.Context, rec *models.SendRecord) error
}

// Guard decides duplicate and cooldown suppression
type Guard interface {
	Check(ctx context.Context, r *models.Recipient) (*guard.Decision, error)
}

// Reviews is the review gate as seen by dispatch
type Reviews interface {
	Submit(ctx context.Context, item *models.ReviewItem) (*models.ReviewItem, error)
	Latest(ctx context.Context, recipientID int64, templateID string) (*models.ReviewItem, error)
	Get(ctx context.Context, id string) (*models.ReviewItem, error)
	Dispatchable(ctx context.Context, limit int) ([]models.ReviewItem, error)
}

// Templates loads message templates
type Templates interface {
	GetByID(ctx context.Context, id string) (*models.Template, error)
}

// Renderer renders a template for one recipient
type Renderer interface {
	Render(tmpl *models.Template, data template.Data) (*template.Result, error)
}

// Jobs is the send job queue
type Jobs interface {
	Enqueue(ctx context.Context, job *queue.Job) error
	InFlight(ctx context.Context, recipientID int64) (bool, error)
	Stats(ctx context.Context) (*queue.QueueStats, error)
}

// Mailer submits one message through a credential
type Mailer interface {
	Send(ctx context.Context, cred *models.Credential, msg *delivery.Message) error
}

// Throttle caps sends per recipient domain
type Throttle interface {
	Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error)
	Release(req *ratelimit.Request)
}

// Recorder receives dispatch counters
type Recorder interface {
	IncSend(status string)
	IncSkip(reason string)
	IncDeferred(reason string)
	ObserveTick(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) IncSend(string)            {}
func (nopRecorder) IncSkip(string)            {}
func (nopRecorder) IncDeferred(string)        {}
func (nopRecorder) ObserveTick(time.Duration) {}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/outreach/internal/delivery"
	"github.com/foxzi/outreach/internal/email"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/queue"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/review"
	"github.com/foxzi/outreach/internal/template"
)

// Sender performs one queued send. It implements queue.Handler.
type Sender struct {
	Deps
	mailer      Mailer
	throttle    Throttle
	sendTimeout time.Duration
}

// NewSender creates a sender. throttle may be nil.
func NewSender(deps Deps, mailer Mailer, throttle Throttle, sendTimeout time.Duration) *Sender {
	deps.defaults()
	if sendTimeout <= 0 {
		sendTimeout = 2 * time.Minute
	}
	return &Sender{Deps: deps, mailer: mailer, throttle: throttle, sendTimeout: sendTimeout}
}

// Handle sends the job's message. Expected non-sends come back as queue
// skip or defer errors; a returned plain error is a failed attempt that the
// queue may retry.
func (s *Sender) Handle(ctx context.Context, job *queue.Job) error {
	logger := s.Logger.With("job_id", job.ID, "recipient_id", job.RecipientID)

	c, err := s.Recipients.GetCandidate(ctx, job.RecipientID)
	if err != nil {
		return fmt.Errorf("failed to load recipient: %w", err)
	}
	if c == nil {
		return s.skip(ReasonRecipientMissing)
	}
	if c.State == models.RecipientBounced {
		return s.skip(ReasonBounced)
	}

	now := s.Now()
	if !s.Window.IsWithinWindow(now) {
		return s.deferUntil(s.Window.NextEligibleInstant(now), ReasonWindowClosed)
	}

	// Another job may have contacted the site since this one was planned
	decision, err := s.Guard.Check(ctx, &c.Recipient)
	if err != nil {
		return fmt.Errorf("duplicate guard failed: %w", err)
	}
	if !decision.Eligible {
		for _, r := range decision.Reasons {
			s.Recorder.IncSkip(r)
		}
		return queue.Skip(strings.Join(decision.Reasons, ","))
	}

	var req *ratelimit.Request
	if s.throttle != nil {
		req = &ratelimit.Request{RecipientDomain: email.ExtractDomain(c.Email)}
		res, err := s.throttle.Allow(ctx, req)
		if err != nil {
			return fmt.Errorf("throttle check failed: %w", err)
		}
		if !res.Allowed {
			return s.deferUntil(now.Add(res.RetryAfter), ReasonThrottled)
		}
	}

	cred, err := s.Pool.Acquire(ctx)
	if err != nil {
		s.releaseThrottle(req)
		return fmt.Errorf("failed to acquire credential: %w", err)
	}
	if cred == nil {
		s.releaseThrottle(req)
		return s.skip(ReasonNoCredential)
	}
	logger = logger.With("credential_id", cred.ID)

	content, err := s.content(ctx, job, c, cred)
	if err != nil {
		if err := s.Pool.Release(ctx, cred); err != nil {
			logger.Error("failed to release credential", "error", err)
		}
		s.releaseThrottle(req)
		if _, ok := queue.AsSkip(err); ok {
			return err
		}
		// A render failure is a failed attempt that does not count against
		// the credential's health
		s.append(ctx, job, c, 0, models.SendFailed, err.Error())
		logger.Warn("message rendering failed", "error", err)
		return err
	}

	msg := &delivery.Message{
		From:     cred.FromAddress,
		FromName: cred.FromName,
		To:       c.Email,
		ToName:   c.Name,
		Subject:  content.Subject,
		HTML:     content.HTML,
		Text:     content.Text,
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	err = s.mailer.Send(sendCtx, cred, msg)
	cancel()

	switch {
	case err == nil:
		s.append(ctx, job, c, cred.ID, models.SendSent, "")
		if err := s.Pool.RecordSuccess(ctx, cred); err != nil {
			logger.Error("failed to record credential success", "error", err)
		}
		if _, err := s.Recipients.MarkContacted(ctx, c.ID, s.Now()); err != nil {
			logger.Error("failed to mark recipient contacted", "error", err)
		}
		logger.Info("message sent", "to", c.Email)
		return nil

	case delivery.IsBounce(err):
		s.append(ctx, job, c, cred.ID, models.SendBounced, err.Error())
		if err := s.Pool.RecordFailure(ctx, cred); err != nil {
			logger.Error("failed to record credential failure", "error", err)
		}
		if _, err := s.Recipients.MarkBounced(ctx, c.ID); err != nil {
			logger.Error("failed to mark recipient bounced", "error", err)
		}
		s.releaseThrottle(req)
		logger.Warn("recipient rejected", "to", c.Email, "error", err)
		return s.skip(ReasonBounced)

	default:
		s.append(ctx, job, c, cred.ID, models.SendFailed, err.Error())
		if err := s.Pool.RecordFailure(ctx, cred); err != nil {
			logger.Error("failed to record credential failure", "error", err)
		}
		// Only accepted messages count against the recipient domain's limits
		s.releaseThrottle(req)
		logger.Warn("send failed", "to", c.Email, "error", err, "temporary", delivery.IsTemporaryError(err))
		return err
	}
}

// content returns the approved review content or renders the template
func (s *Sender) content(ctx context.Context, job *queue.Job, c *models.Candidate, cred *models.Credential) (*template.Result, error) {
	if job.ReviewItemID == "" {
		return renderFor(ctx, s.Templates, s.Renderer, c, job.TemplateID, cred)
	}

	item, err := s.Reviews.Get(ctx, job.ReviewItemID)
	if errors.Is(err, review.ErrNotFound) {
		return nil, s.skip(ReasonReviewPending)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load review item: %w", err)
	}
	if item.Status != models.ReviewApproved {
		return nil, s.skip(ReasonReviewPending)
	}
	return &template.Result{Subject: item.Subject, HTML: item.HTML, Text: item.Text}, nil
}

func (s *Sender) append(ctx context.Context, job *queue.Job, c *models.Candidate, credentialID int64, status models.SendStatus, detail string) {
	rec := &models.SendRecord{
		RecipientID:    c.ID,
		RecipientEmail: c.Email,
		SiteID:         c.SiteID,
		CredentialID:   credentialID,
		TemplateID:     job.TemplateID,
		JobID:          job.ID,
		Attempt:        job.Attempts + 1,
		Status:         status,
		Error:          detail,
		SentAt:         s.Now(),
	}
	// A lost record must not turn into a resend, so this only logs
	if err := s.Ledger.Append(ctx, rec); err != nil {
		s.Logger.Error("failed to append send record",
			"job_id", job.ID,
			"recipient_id", c.ID,
			"status", status,
			"error", err,
		)
	}
	s.Recorder.IncSend(string(status))
}

func (s *Sender) skip(reason string) error {
	s.Recorder.IncSkip(reason)
	return queue.Skip(reason)
}

func (s *Sender) deferUntil(until time.Time, reason string) error {
	s.Recorder.IncDeferred(reason)
	return queue.Defer(until, reason)
}

func (s *Sender) releaseThrottle(req *ratelimit.Request) {
	if s.throttle != nil && req != nil {
		s.throttle.Release(req)
	}
}

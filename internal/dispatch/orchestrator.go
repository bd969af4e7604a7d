package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/queue"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/template"
)

// candidatePage is how many recipients are read per query while filling a
// batch past in-flight ones
const candidatePage = 200

// Summary reports one tick
type Summary struct {
	StartedAt      time.Time      `json:"started_at"`
	StopReason     string         `json:"stop_reason,omitempty"`
	NextEligibleAt *time.Time     `json:"next_eligible_at,omitempty"`
	Capacity       int            `json:"capacity"`
	Candidates     int            `json:"candidates"`
	Enqueued       int            `json:"enqueued"`
	Skipped        map[string]int `json:"skipped"`
	Jobs           []PlannedJob   `json:"jobs,omitempty"`
	Details        []SkipDetail   `json:"details,omitempty"`
}

// PlannedJob is a job enqueued by a tick
type PlannedJob struct {
	JobID       string    `json:"job_id"`
	RecipientID int64     `json:"recipient_id"`
	NotBefore   time.Time `json:"not_before"`
}

// SkipDetail explains why one recipient was not enqueued
type SkipDetail struct {
	RecipientID int64    `json:"recipient_id"`
	Reasons     []string `json:"reasons"`
}

func (s *Summary) skip(recipientID int64, reasons ...string) {
	for _, r := range reasons {
		s.Skipped[r]++
	}
	s.Details = append(s.Details, SkipDetail{RecipientID: recipientID, Reasons: reasons})
}

// Config configures the orchestrator
type Config struct {
	MaxBatchSize    int
	TemplateID      string
	SiteSuppression bool
	DisablePacing   bool
}

// Deps are the collaborators shared by Orchestrator and Sender
type Deps struct {
	Window     *ratelimit.Window
	Pool       Pool
	Recipients Recipients
	Ledger     Ledger
	Guard      Guard
	Reviews    Reviews
	Templates  Templates
	Renderer   Renderer
	Jobs       Jobs
	Recorder   Recorder
	Now        func() time.Time
	Logger     *slog.Logger
}

func (d *Deps) defaults() {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Recorder == nil {
		d.Recorder = nopRecorder{}
	}
}

// Orchestrator selects a batch of recipients per tick and enqueues one
// paced job for each
type Orchestrator struct {
	Deps
	cfg Config
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	deps.defaults()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	return &Orchestrator{Deps: deps, cfg: cfg}
}

// candidate is a selected recipient plus the approved review item it came
// from, if any
type candidate struct {
	models.Candidate
	templateID   string
	reviewItemID string
}

// Tick runs one batch selection. Expected outcomes, including a closed
// window or exhausted quota, are reported in the summary; errors mean a
// misconfiguration or a storage failure.
func (o *Orchestrator) Tick(ctx context.Context) (*Summary, error) {
	now := o.Now()
	summary := &Summary{StartedAt: now, Skipped: make(map[string]int)}
	defer func() { o.Recorder.ObserveTick(o.Now().Sub(now)) }()

	if !o.Window.IsWithinWindow(now) {
		next := o.Window.NextEligibleInstant(now)
		summary.StopReason = ReasonWindowClosed
		summary.NextEligibleAt = &next
		o.Logger.Info("dispatch tick skipped, window closed", "next_eligible_at", next)
		return summary, nil
	}

	active, err := o.Pool.ActiveCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count active credentials: %w", err)
	}
	if active == 0 {
		return nil, ErrNoActiveCredentials
	}

	capacity, err := o.Pool.Capacity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compute capacity: %w", err)
	}

	// Queued jobs reserve quota only when they run
	stats, err := o.Jobs.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	capacity -= int(stats.Pending + stats.Sending + stats.Deferred)
	capacity = max(0, min(capacity, o.cfg.MaxBatchSize))
	summary.Capacity = capacity

	candidates, err := o.selectCandidates(ctx, summary)
	if err != nil {
		return summary, err
	}
	summary.Candidates = len(candidates)

	if capacity <= 0 {
		summary.StopReason = ReasonNoCredential
		for _, c := range candidates {
			summary.skip(c.ID, ReasonNoCredential)
			o.Recorder.IncSkip(ReasonNoCredential)
		}
		o.Logger.Info("dispatch tick skipped, no credential capacity", "candidates", len(candidates))
		return summary, nil
	}

	at := now
	sitesThisBatch := make(map[string]bool)

	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			summary.StopReason = ReasonAborted
			return summary, fmt.Errorf("dispatch tick aborted: %w", err)
		}

		if summary.Enqueued >= capacity {
			summary.skip(c.ID, ReasonNoCredential)
			o.Recorder.IncSkip(ReasonNoCredential)
			continue
		}

		reasons, err := o.check(ctx, &c, sitesThisBatch)
		if err != nil {
			return summary, err
		}
		if len(reasons) > 0 {
			summary.skip(c.ID, reasons...)
			for _, r := range reasons {
				o.Recorder.IncSkip(r)
			}
			continue
		}

		job := &queue.Job{
			ID:           uuid.New().String(),
			RecipientID:  c.ID,
			TemplateID:   c.templateID,
			ReviewItemID: c.reviewItemID,
			NotBefore:    at,
		}
		if err := o.Jobs.Enqueue(ctx, job); err != nil {
			if errors.Is(err, queue.ErrAlreadyQueued) {
				summary.skip(c.ID, ReasonAlreadyQueued)
				o.Recorder.IncSkip(ReasonAlreadyQueued)
				continue
			}
			return summary, fmt.Errorf("failed to enqueue job: %w", err)
		}

		summary.Enqueued++
		summary.Jobs = append(summary.Jobs, PlannedJob{JobID: job.ID, RecipientID: c.ID, NotBefore: at})
		sitesThisBatch[c.SiteID] = true

		// Spread the sends still possible, this one included, over the rest
		// of the window
		left := min(capacity-summary.Enqueued, len(candidates)-i-1)
		if left > 0 && !o.cfg.DisablePacing {
			at = at.Add(o.Window.SuggestedInterSendDelay(left+1, at))
		}
	}

	o.Logger.Info("dispatch tick completed",
		"capacity", capacity,
		"candidates", len(candidates),
		"enqueued", summary.Enqueued,
		"skipped", summary.Skipped,
	)
	return summary, nil
}

// check returns the reasons a candidate must not be enqueued now. It may
// submit a review item as a side effect.
func (o *Orchestrator) check(ctx context.Context, c *candidate, sitesThisBatch map[string]bool) ([]string, error) {
	decision, err := o.Guard.Check(ctx, &c.Recipient)
	if err != nil {
		return nil, fmt.Errorf("duplicate guard failed for recipient %d: %w", c.ID, err)
	}
	reasons := append([]string(nil), decision.Reasons...)

	// The ledger cannot see sends that are only planned in this batch
	if o.cfg.SiteSuppression && sitesThisBatch[c.SiteID] && !contains(reasons, ReasonSiteCooldown) {
		reasons = append(reasons, ReasonSiteCooldown)
	}
	if len(reasons) > 0 {
		return reasons, nil
	}

	if !c.ReviewRequired || c.reviewItemID != "" {
		return nil, nil
	}

	latest, err := o.Reviews.Latest(ctx, c.ID, c.templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to read review state for recipient %d: %w", c.ID, err)
	}
	if latest != nil && approvedBeforeContact(latest, &c.Recipient) {
		latest = nil
	}
	if latest != nil {
		switch latest.Status {
		case models.ReviewApproved:
			c.reviewItemID = latest.ID
			return nil, nil
		case models.ReviewRejected:
			return []string{ReasonReviewRejected}, nil
		default:
			return []string{ReasonReviewPending}, nil
		}
	}

	rendered, err := renderFor(ctx, o.Templates, o.Renderer, &c.Candidate, c.templateID, nil)
	if err != nil {
		o.Logger.Warn("failed to render message for review", "recipient_id", c.ID, "error", err)
		return []string{ReasonRenderFailed}, nil
	}

	item, err := o.Reviews.Submit(ctx, &models.ReviewItem{
		RecipientID: c.ID,
		SiteID:      c.SiteID,
		TemplateID:  c.templateID,
		Subject:     rendered.Subject,
		HTML:        rendered.HTML,
		Text:        rendered.Text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit review item: %w", err)
	}
	o.Logger.Info("message held for review", "recipient_id", c.ID, "review_item_id", item.ID)
	return []string{ReasonReviewPending}, nil
}

// selectCandidates returns approved review items first, then recipients in
// ListCandidates order, leaving out recipients that already have a job in
// flight
func (o *Orchestrator) selectCandidates(ctx context.Context, summary *Summary) ([]candidate, error) {
	limit := o.cfg.MaxBatchSize
	seen := make(map[int64]bool)
	var out []candidate

	add := func(c candidate) (bool, error) {
		if seen[c.ID] {
			return false, nil
		}
		seen[c.ID] = true

		inflight, err := o.Jobs.InFlight(ctx, c.ID)
		if err != nil {
			return false, fmt.Errorf("failed to check in-flight jobs: %w", err)
		}
		if inflight {
			summary.skip(c.ID, ReasonAlreadyQueued)
			o.Recorder.IncSkip(ReasonAlreadyQueued)
			return false, nil
		}
		out = append(out, c)
		return true, nil
	}

	approved, err := o.Reviews.Dispatchable(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list approved review items: %w", err)
	}
	for _, item := range approved {
		rc, err := o.Recipients.GetCandidate(ctx, item.RecipientID)
		if err != nil {
			return nil, fmt.Errorf("failed to load recipient %d: %w", item.RecipientID, err)
		}
		if rc == nil || rc.State != models.RecipientNew {
			continue
		}
		if _, err := add(candidate{Candidate: *rc, templateID: item.TemplateID, reviewItemID: item.ID}); err != nil {
			return nil, err
		}
		if len(out) >= limit {
			return out, nil
		}
	}

	for offset := 0; len(out) < limit; offset += candidatePage {
		page, err := o.Recipients.ListCandidates(ctx, candidatePage, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to list candidates: %w", err)
		}
		for _, rc := range page {
			if _, err := add(candidate{Candidate: rc, templateID: o.cfg.TemplateID}); err != nil {
				return nil, err
			}
			if len(out) >= limit {
				break
			}
		}
		if len(page) < candidatePage {
			break
		}
	}

	return out, nil
}

// renderFor produces message content for a candidate. The sender identity
// is filled in when a credential is known.
func renderFor(ctx context.Context, templates Templates, renderer Renderer, c *models.Candidate, templateID string, cred *models.Credential) (*template.Result, error) {
	tmpl, err := templates.GetByID(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load template %s: %w", templateID, err)
	}
	if tmpl == nil {
		return nil, fmt.Errorf("template %s not found", templateID)
	}

	data := template.Data{
		RecipientName:  c.Name,
		RecipientEmail: c.Email,
		SiteDomain:     c.SiteDomain,
	}
	if cred != nil {
		data.SenderName = cred.FromName
		data.SenderAddress = cred.FromAddress
	}
	return renderer.Render(tmpl, data)
}

// approvedBeforeContact reports whether an approval was already used by an
// earlier contact, so a follow-up needs a fresh review
func approvedBeforeContact(item *models.ReviewItem, r *models.Recipient) bool {
	if item.Status != models.ReviewApproved || r.LastContactedAt == nil {
		return false
	}
	return item.ReviewedAt == nil || !item.ReviewedAt.After(*r.LastContactedAt)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

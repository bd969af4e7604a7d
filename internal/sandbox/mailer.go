// Package sandbox holds back outgoing mail for dry runs. Capture mode
// stores rendered messages instead of submitting them; redirect mode
// submits every message to one inbox and keeps an audit copy.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/outreach/internal/delivery"
	"github.com/foxzi/outreach/internal/models"
)

// Modes
const (
	ModeProduction = "production"
	ModeCapture    = "capture"
	ModeRedirect   = "redirect"
)

// Sender submits a rendered message through a credential
type Sender interface {
	Send(ctx context.Context, cred *models.Credential, msg *delivery.Message) error
}

// Config configures a Mailer
type Config struct {
	Mode       string
	RedirectTo string
	Now        func() time.Time
}

// Mailer routes messages according to the sandbox mode
type Mailer struct {
	next       Sender
	storage    *Storage
	mode       string
	redirectTo string
	now        func() time.Time
	logger     *slog.Logger
}

// NewMailer wraps next
func NewMailer(next Sender, storage *Storage, cfg Config, logger *slog.Logger) (*Mailer, error) {
	switch cfg.Mode {
	case ModeProduction, ModeCapture:
	case ModeRedirect:
		if cfg.RedirectTo == "" {
			return nil, fmt.Errorf("redirect mode needs a redirect address")
		}
	default:
		return nil, fmt.Errorf("unknown sandbox mode: %s", cfg.Mode)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Mailer{
		next:       next,
		storage:    storage,
		mode:       cfg.Mode,
		redirectTo: cfg.RedirectTo,
		now:        cfg.Now,
		logger:     logger,
	}, nil
}

// Mode returns the configured mode
func (m *Mailer) Mode() string {
	return m.mode
}

// Send implements dispatch.Mailer
func (m *Mailer) Send(ctx context.Context, cred *models.Credential, msg *delivery.Message) error {
	switch m.mode {
	case ModeCapture:
		return m.capture(ctx, cred, msg)
	case ModeRedirect:
		return m.redirect(ctx, cred, msg)
	default:
		return m.next.Send(ctx, cred, msg)
	}
}

func (m *Mailer) capture(ctx context.Context, cred *models.Credential, msg *delivery.Message) error {
	captured, err := m.record(ctx, cred, msg, "", ModeCapture)
	if err != nil {
		return err
	}

	m.logger.Info("sandbox: message captured",
		"id", captured.ID,
		"credential_id", cred.ID,
		"to", msg.To,
	)
	return nil
}

func (m *Mailer) redirect(ctx context.Context, cred *models.Credential, msg *delivery.Message) error {
	redirected := *msg
	redirected.To = m.redirectTo
	redirected.ToName = ""
	redirected.Headers = make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		redirected.Headers[k] = v
	}
	redirected.Headers["X-Original-To"] = msg.To

	if _, err := m.record(ctx, cred, &redirected, msg.To, ModeRedirect); err != nil {
		m.logger.Warn("redirect: failed to save audit copy", "error", err)
	}

	m.logger.Info("redirect: sending to sandbox inbox",
		"credential_id", cred.ID,
		"original_to", msg.To,
		"redirect_to", m.redirectTo,
	)
	return m.next.Send(ctx, cred, &redirected)
}

func (m *Mailer) record(ctx context.Context, cred *models.Credential, msg *delivery.Message, originalTo, mode string) (*Message, error) {
	now := m.now()

	data, err := delivery.Compose(msg, now)
	if err != nil {
		return nil, &delivery.DeliveryError{Stage: delivery.StageData, Message: err.Error()}
	}

	captured := &Message{
		ID:           uuid.New().String(),
		CredentialID: cred.ID,
		From:         msg.From,
		To:           msg.To,
		OriginalTo:   originalTo,
		Subject:      msg.Subject,
		Mode:         mode,
		Data:         data,
		CapturedAt:   now,
	}
	if err := m.storage.Save(ctx, captured); err != nil {
		return nil, fmt.Errorf("sandbox: failed to save message: %w", err)
	}
	return captured, nil
}

package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/outreach/internal/dkim"
	"github.com/foxzi/outreach/internal/models"
)

// Client submits messages through a credential's SMTP account
type Client struct {
	heloName           string
	timeout            time.Duration
	insecureSkipVerify bool
	dkim               *dkim.Provider
	logger             *slog.Logger
}

// ClientConfig configures the submission client
type ClientConfig struct {
	HeloName string
	Timeout  time.Duration
	// InsecureSkipVerify disables certificate checks, for test relays only
	InsecureSkipVerify bool
	DKIM               *dkim.Provider
}

// NewClient creates a new SMTP submission client
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	return &Client{
		heloName:           cfg.HeloName,
		timeout:            cfg.Timeout,
		insecureSkipVerify: cfg.InsecureSkipVerify,
		dkim:               cfg.DKIM,
		logger:             logger,
	}
}

// Send composes, signs and submits msg using the credential. Failures are
// returned as *DeliveryError.
func (c *Client) Send(ctx context.Context, cred *models.Credential, msg *Message) error {
	data, err := Compose(msg, time.Now())
	if err != nil {
		return &DeliveryError{Temporary: false, Stage: StageData, Message: err.Error()}
	}

	data = c.sign(cred, data)
	return c.submit(ctx, cred, msg.From, msg.To, data)
}

func (c *Client) sign(cred *models.Credential, data []byte) []byte {
	if c.dkim == nil {
		return data
	}

	signer, err := c.dkim.ForCredential(cred)
	if err != nil {
		c.logger.Warn("DKIM key unavailable, sending unsigned", "credential_id", cred.ID, "error", err)
		return data
	}
	if signer == nil {
		return data
	}

	signed, err := signer.Sign(data)
	if err != nil {
		c.logger.Warn("DKIM signing failed, sending unsigned",
			"credential_id", cred.ID,
			"domain", signer.Domain(),
			"error", err,
		)
		return data
	}
	return signed
}

func (c *Client) submit(ctx context.Context, cred *models.Credential, from, to string, data []byte) error {
	addr := net.JoinHostPort(cred.Host, strconv.Itoa(cred.Port))

	dialer := &net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &DeliveryError{
			Temporary: true,
			Stage:     StageConnect,
			Message:   fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(c.timeout))
	}

	client, err := c.open(ctx, conn, cred)
	if err != nil {
		return err
	}
	defer client.Close()

	if cred.Username != "" {
		if err := client.Auth(c.saslClient(client, cred)); err != nil {
			return categorize(err, StageAuth)
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return categorize(err, StageMail)
	}

	if err := client.Rcpt(to, nil); err != nil {
		return categorize(err, StageRcpt)
	}

	wc, err := client.Data()
	if err != nil {
		return categorize(err, StageData)
	}

	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return &DeliveryError{
			Temporary: true,
			Stage:     StageData,
			Message:   fmt.Sprintf("failed to write message data: %v", err),
		}
	}

	if err := wc.Close(); err != nil {
		return categorize(err, StageData)
	}

	client.Quit()

	c.logger.Info("message submitted",
		"credential_id", cred.ID,
		"relay", addr,
		"to", to,
	)
	return nil
}

// open performs the TLS mode specific handshake and greeting
func (c *Client) open(ctx context.Context, conn net.Conn, cred *models.Credential) (*smtp.Client, error) {
	tlsConfig := &tls.Config{
		ServerName:         cred.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.insecureSkipVerify,
	}

	switch cred.TLSMode {
	case models.TLSModeImplicit:
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, &DeliveryError{
				Temporary: true,
				Stage:     StageConnect,
				Message:   fmt.Sprintf("TLS handshake failed: %v", err),
			}
		}
		return c.greet(smtp.NewClient(tlsConn))

	case models.TLSModeNone:
		return c.greet(smtp.NewClient(conn))

	default:
		// STARTTLS is mandatory; the library greets with its own name
		client, err := smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return nil, categorize(err, StageHello)
		}
		return client, nil
	}
}

func (c *Client) greet(client *smtp.Client) (*smtp.Client, error) {
	if err := client.Hello(c.heloName); err != nil {
		client.Close()
		return nil, categorize(err, StageHello)
	}
	return client, nil
}

// saslClient prefers PLAIN and falls back to LOGIN when only that is offered
func (c *Client) saslClient(client *smtp.Client, cred *models.Credential) sasl.Client {
	if ok, mechs := client.Extension("AUTH"); ok {
		upper := strings.ToUpper(mechs)
		if !strings.Contains(upper, sasl.Plain) && strings.Contains(upper, sasl.Login) {
			return sasl.NewLoginClient(cred.Username, cred.Password)
		}
	}
	return sasl.NewPlainClient("", cred.Username, cred.Password)
}

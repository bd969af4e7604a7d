package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/jhillyerd/enmime"

	"github.com/foxzi/outreach/internal/models"
)

// relay is an in-process SMTP server recording accepted messages
type relay struct {
	mu       sync.Mutex
	messages [][]byte
	rcpts    []string
	user     string
	pass     string
	// stall blocks RCPT for slow@ addresses until closed
	stall chan struct{}
}

func (r *relay) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &relaySession{relay: r}, nil
}

type relaySession struct {
	relay  *relay
	authed bool
	rcpt   string
}

func (s *relaySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *relaySession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.relay.user || password != s.relay.pass {
			return smtp.ErrAuthFailed
		}
		s.authed = true
		return nil
	}), nil
}

func (s *relaySession) Mail(from string, opts *smtp.MailOptions) error {
	if s.relay.user != "" && !s.authed {
		return &smtp.SMTPError{Code: 530, EnhancedCode: smtp.EnhancedCode{5, 7, 0}, Message: "Authentication required"}
	}
	return nil
}

func (s *relaySession) Rcpt(to string, opts *smtp.RcptOptions) error {
	switch {
	case strings.HasPrefix(to, "nobody@"):
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "No such user"}
	case strings.HasPrefix(to, "busy@"):
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "Try again later"}
	case strings.HasPrefix(to, "slow@") && s.relay.stall != nil:
		<-s.relay.stall
	}
	s.rcpt = to
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()
	s.relay.messages = append(s.relay.messages, data)
	s.relay.rcpts = append(s.relay.rcpts, s.rcpt)
	return nil
}

func (s *relaySession) Reset() {}

func (s *relaySession) Logout() error { return nil }

func startRelay(t *testing.T, r *relay) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := smtp.NewServer(r)
	server.Domain = "relay.test"
	server.AllowInsecureAuth = true
	go server.Serve(l)
	t.Cleanup(func() { server.Close() })

	return l.Addr().(*net.TCPAddr).Port
}

func newTestClient() *Client {
	return NewClient(ClientConfig{HeloName: "outreach.test", Timeout: 5 * time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testMessage(to string) *Message {
	return &Message{
		From:     "hello@example.com",
		FromName: "Lee",
		To:       to,
		Subject:  "A question about your shop",
		Text:     "Hi there",
		HTML:     "<p>Hi there</p>",
	}
}

func TestSendDelivers(t *testing.T) {
	r := &relay{user: "user", pass: "secret"}
	port := startRelay(t, r)

	cred := &models.Credential{ID: 1, Host: "127.0.0.1", Port: port, Username: "user", Password: "secret", TLSMode: models.TLSModeNone}
	if err := newTestClient().Send(context.Background(), cred, testMessage("owner@shop.test")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) != 1 || r.rcpts[0] != "owner@shop.test" {
		t.Fatalf("relay got %d messages to %v", len(r.messages), r.rcpts)
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(r.messages[0]))
	if err != nil {
		t.Fatalf("failed to parse delivered message: %v", err)
	}
	if env.GetHeader("Subject") != "A question about your shop" {
		t.Errorf("Subject = %q", env.GetHeader("Subject"))
	}
	if strings.TrimSpace(env.Text) != "Hi there" {
		t.Errorf("Text = %q", env.Text)
	}
	if !strings.Contains(env.HTML, "<p>Hi there</p>") {
		t.Errorf("HTML = %q", env.HTML)
	}
	if env.GetHeader("List-Unsubscribe") == "" || env.GetHeader("Message-Id") == "" {
		t.Error("missing List-Unsubscribe or Message-ID header")
	}
}

func TestSendFailures(t *testing.T) {
	r := &relay{user: "user", pass: "secret"}
	port := startRelay(t, r)

	tests := []struct {
		name          string
		password      string
		to            string
		wantStage     string
		wantTemporary bool
		wantBounce    bool
	}{
		{"unknown mailbox", "secret", "nobody@shop.test", StageRcpt, false, true},
		{"greylisted", "secret", "busy@shop.test", StageRcpt, true, false},
		{"bad password", "wrong", "owner@shop.test", StageAuth, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred := &models.Credential{ID: 1, Host: "127.0.0.1", Port: port, Username: "user", Password: tt.password, TLSMode: models.TLSModeNone}
			err := newTestClient().Send(context.Background(), cred, testMessage(tt.to))

			var de *DeliveryError
			if !errors.As(err, &de) {
				t.Fatalf("Send() error = %v, want *DeliveryError", err)
			}
			if de.Stage != tt.wantStage {
				t.Errorf("Stage = %s, want %s", de.Stage, tt.wantStage)
			}
			if de.Temporary != tt.wantTemporary || IsTemporaryError(err) != tt.wantTemporary {
				t.Errorf("Temporary = %v, want %v", de.Temporary, tt.wantTemporary)
			}
			if IsBounce(err) != tt.wantBounce {
				t.Errorf("IsBounce() = %v, want %v", IsBounce(err), tt.wantBounce)
			}
		})
	}
}

func TestSendStalledRelayIsTemporary(t *testing.T) {
	r := &relay{stall: make(chan struct{})}
	port := startRelay(t, r)
	t.Cleanup(func() { close(r.stall) })

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	cred := &models.Credential{ID: 1, Host: "127.0.0.1", Port: port, TLSMode: models.TLSModeNone}
	err := newTestClient().Send(ctx, cred, testMessage("slow@shop.test"))

	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("Send() error = %v, want *DeliveryError", err)
	}
	if de.Stage != StageRcpt {
		t.Errorf("Stage = %s, want %s", de.Stage, StageRcpt)
	}
	if !de.Temporary || IsBounce(err) || de.Code != 0 {
		t.Errorf("stalled RCPT classified as %+v, want temporary without code", de)
	}
}

func TestSendConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	cred := &models.Credential{Host: "127.0.0.1", Port: port, TLSMode: models.TLSModeNone}
	err = newTestClient().Send(context.Background(), cred, testMessage("owner@shop.test"))
	if !IsTemporaryError(err) {
		t.Errorf("Send() to closed port error = %v, want temporary", err)
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		stage         string
		wantCode      int
		wantTemporary bool
		wantBounce    bool
	}{
		{"smtp 550 at rcpt", &smtp.SMTPError{Code: 550, Message: "no"}, StageRcpt, 550, false, true},
		{"smtp 554 at data", &smtp.SMTPError{Code: 554, Message: "spam"}, StageData, 554, false, false},
		{"smtp 421", &smtp.SMTPError{Code: 421, Message: "closing"}, StageMail, 421, true, false},
		{"reply in text", errors.New("552 5.2.2 mailbox full"), StageRcpt, 552, false, true},
		{"no code", errors.New("connection reset"), StageData, 0, true, false},
		{"number inside text", errors.New("server said 552 mailbox full"), StageRcpt, 0, true, false},
		{"read timeout on port 587", &net.OpError{Op: "read", Net: "tcp", Addr: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 587}, Err: os.ErrDeadlineExceeded}, StageRcpt, 0, true, false},
		{"flattened timeout text", errors.New("read tcp 10.0.0.1:54321->10.0.0.1:587: i/o timeout"), StageRcpt, 0, true, false},
		{"context deadline", fmt.Errorf("rcpt: %w", context.DeadlineExceeded), StageMail, 0, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := categorize(tt.err, tt.stage)
			if de.Code != tt.wantCode || de.Temporary != tt.wantTemporary || de.Bounce != tt.wantBounce {
				t.Errorf("categorize() = %+v", de)
			}
		})
	}

	if !IsTemporaryError(errors.New("unknown")) {
		t.Error("unknown errors should be temporary")
	}
}

func TestComposeRequiresBody(t *testing.T) {
	msg := testMessage("owner@shop.test")
	msg.Text, msg.HTML = "", ""
	if _, err := Compose(msg, time.Now()); err == nil {
		t.Error("Compose() without body should fail")
	}
}

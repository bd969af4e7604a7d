package sandbox

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/outreach/internal/delivery"
	"github.com/foxzi/outreach/internal/models"
)

type fakeSender struct {
	sent []*delivery.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, _ *models.Credential, msg *delivery.Message) error {
	f.sent = append(f.sent, msg)
	return f.err
}

func setupStorage(t *testing.T) *Storage {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "sandbox.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open bolt: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStorage(db)
	if err != nil {
		t.Fatalf("NewStorage() error = %v", err)
	}
	return s
}

func testMessage(to string) *delivery.Message {
	return &delivery.Message{
		From:    "sales@mailbox.test",
		To:      to,
		Subject: "Hello " + to,
		Text:    "Plain body",
		Headers: map[string]string{"X-Campaign": "spring"},
	}
}

func clock(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

var (
	testCred = &models.Credential{ID: 3, FromAddress: "sales@mailbox.test"}
	testNow  = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
)

func TestNewMailerValidatesMode(t *testing.T) {
	s := setupStorage(t)

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"production", Config{Mode: ModeProduction}, false},
		{"capture", Config{Mode: ModeCapture}, false},
		{"redirect", Config{Mode: ModeRedirect, RedirectTo: "qa@team.test"}, false},
		{"redirect without inbox", Config{Mode: ModeRedirect}, true},
		{"unknown", Config{Mode: "dry"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMailer(&fakeSender{}, s, tt.cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewMailer() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProductionPassesThrough(t *testing.T) {
	s := setupStorage(t)
	next := &fakeSender{err: errors.New("451 try later")}
	m, _ := NewMailer(next, s, Config{Mode: ModeProduction}, nil)

	if err := m.Send(context.Background(), testCred, testMessage("owner@bakery.test")); err == nil {
		t.Error("expected the underlying error")
	}
	if len(next.sent) != 1 {
		t.Errorf("sent %d messages, want 1", len(next.sent))
	}

	stats, _ := s.Stats(context.Background())
	if stats.Total != 0 {
		t.Errorf("captured %d messages in production mode", stats.Total)
	}
}

func TestCaptureStoresInsteadOfSending(t *testing.T) {
	s := setupStorage(t)
	next := &fakeSender{}
	m, _ := NewMailer(next, s, Config{Mode: ModeCapture, Now: clock(testNow)}, nil)
	ctx := context.Background()

	for _, to := range []string{"owner@bakery.test", "info@florist.test"} {
		if err := m.Send(ctx, testCred, testMessage(to)); err != nil {
			t.Fatalf("Send(%s) error = %v", to, err)
		}
	}
	if len(next.sent) != 0 {
		t.Fatalf("capture mode submitted %d messages", len(next.sent))
	}

	list, err := s.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d messages, want 2", len(list))
	}
	if list[0].To != "info@florist.test" {
		t.Errorf("newest message to = %s, want info@florist.test", list[0].To)
	}
	if list[0].Data != nil {
		t.Error("List() should not return bodies")
	}
	if list[0].CredentialID != 3 || list[0].Mode != ModeCapture {
		t.Errorf("message = %+v", list[0])
	}

	full, err := s.Get(ctx, list[1].ID)
	if err != nil || full == nil {
		t.Fatalf("Get() = %v, %v", full, err)
	}
	if !strings.Contains(string(full.Data), "Subject: Hello owner@bakery.test") {
		t.Errorf("stored data lacks subject:\n%s", full.Data)
	}

	filtered, _ := s.List(ctx, ListFilter{To: "owner@bakery.test"})
	if len(filtered) != 1 {
		t.Errorf("filter by recipient got %d, want 1", len(filtered))
	}
	paged, _ := s.List(ctx, ListFilter{Limit: 1, Offset: 1})
	if len(paged) != 1 || paged[0].To != "owner@bakery.test" {
		t.Errorf("paged = %+v", paged)
	}
}

func TestCaptureRejectsEmptyBody(t *testing.T) {
	s := setupStorage(t)
	m, _ := NewMailer(&fakeSender{}, s, Config{Mode: ModeCapture}, nil)

	msg := testMessage("owner@bakery.test")
	msg.Text = ""
	err := m.Send(context.Background(), testCred, msg)
	if err == nil {
		t.Fatal("expected error for message without body")
	}
	if delivery.IsTemporaryError(err) {
		t.Error("compose failure should be permanent")
	}
}

func TestRedirectRewritesRecipient(t *testing.T) {
	s := setupStorage(t)
	next := &fakeSender{}
	m, _ := NewMailer(next, s, Config{Mode: ModeRedirect, RedirectTo: "qa@team.test", Now: clock(testNow)}, nil)

	orig := testMessage("owner@bakery.test")
	if err := m.Send(context.Background(), testCred, orig); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(next.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(next.sent))
	}
	got := next.sent[0]
	if got.To != "qa@team.test" {
		t.Errorf("To = %s, want qa@team.test", got.To)
	}
	if got.Headers["X-Original-To"] != "owner@bakery.test" || got.Headers["X-Campaign"] != "spring" {
		t.Errorf("headers = %v", got.Headers)
	}
	if orig.To != "owner@bakery.test" || len(orig.Headers) != 1 {
		t.Error("original message was modified")
	}

	list, _ := s.List(context.Background(), ListFilter{To: "owner@bakery.test"})
	if len(list) != 1 || list[0].OriginalTo != "owner@bakery.test" || list[0].Mode != ModeRedirect {
		t.Errorf("audit copy = %+v", list)
	}
}

func TestClearAndStats(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	for i, at := range []time.Time{testNow.Add(-48 * time.Hour), testNow.Add(-time.Hour), testNow} {
		msg := &Message{ID: string(rune('a' + i)), To: "x@y.test", Mode: ModeCapture, CapturedAt: at}
		if err := s.Save(ctx, msg); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 3 || stats.ByMode[ModeCapture] != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if !stats.OldestAt.Equal(testNow.Add(-48*time.Hour)) || !stats.NewestAt.Equal(testNow) {
		t.Errorf("oldest/newest = %v/%v", stats.OldestAt, stats.NewestAt)
	}

	n, err := s.Clear(ctx, testNow.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Clear() = %d, %v, want 1", n, err)
	}

	if err := s.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if msg, _ := s.Get(ctx, "b"); msg != nil {
		t.Error("message still present after Delete")
	}

	n, _ = s.Clear(ctx, time.Time{})
	if n != 1 {
		t.Errorf("Clear(all) removed %d, want 1", n)
	}
}

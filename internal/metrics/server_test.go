package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServerHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()
	m.SendsTotal.WithLabelValues("sent").Inc()

	s := NewServer(m, ":0", "/metrics", []string{"10.0.0.0/8"}, logger)
	handler := s.Handler()

	tests := []struct {
		name       string
		path       string
		remoteAddr string
		wantStatus int
		wantBody   string
	}{
		{"allowed scrape", "/metrics", "10.1.2.3:5000", http.StatusOK, "outreach_sends_total"},
		{"denied scrape", "/metrics", "192.168.1.1:5000", http.StatusForbidden, ""},
		{"health is open", "/health", "192.168.1.1:5000", http.StatusOK, "OK"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			req.RemoteAddr = tt.remoteAddr
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body does not contain %q", tt.wantBody)
			}
		})
	}
}

func TestServerDefaults(t *testing.T) {
	s := NewServer(New(), "", "", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if s.addr != ":9090" || s.path != "/metrics" {
		t.Errorf("defaults addr=%q path=%q", s.addr, s.path)
	}
	if s.filter.Enabled() {
		t.Error("filter enabled without allowed IPs")
	}
}

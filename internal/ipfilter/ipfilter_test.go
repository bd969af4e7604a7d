package ipfilter

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		allowedIPs []string
		wantCount  int
	}{
		{"empty list", nil, 0},
		{"single IP", []string{"192.168.1.1"}, 1},
		{"CIDR range", []string{"10.0.0.0/8"}, 1},
		{"with whitespace", []string{"  192.168.1.1  ", " 10.0.0.0/8 ", ""}, 2},
		{"invalid entries ignored", []string{"192.168.1.1", "invalid", "10.0.0.0/33"}, 1},
		{"IPv6", []string{"::1", "2001:db8::/32"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.allowedIPs, newTestLogger())
			if f.Count() != tt.wantCount {
				t.Errorf("Count() = %d, want %d", f.Count(), tt.wantCount)
			}
			if f.Enabled() != (tt.wantCount > 0) {
				t.Errorf("Enabled() = %v", f.Enabled())
			}
		})
	}
}

func TestFilter_IsAllowed(t *testing.T) {
	f := New([]string{"192.168.1.1", "10.0.0.0/8", "2001:db8::/32"}, newTestLogger())

	tests := []struct {
		ip   string
		want bool
	}{
		{"192.168.1.1", true},
		{"192.168.1.2", false},
		{"10.20.30.40", true},
		{"11.0.0.1", false},
		{"::ffff:10.0.0.1", true},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := f.IsAllowed(netip.MustParseAddr(tt.ip)); got != tt.want {
				t.Errorf("IsAllowed(%s) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}

	open := New(nil, newTestLogger())
	if !open.IsAllowed(netip.MustParseAddr("203.0.113.9")) {
		t.Error("empty filter should allow all")
	}
}

func TestFilter_ClientAddr(t *testing.T) {
	tests := []struct {
		name       string
		proxies    []string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"remote addr", nil, "192.168.1.1:12345", "", "", "192.168.1.1"},
		{"forwarded header ignored without trusted proxies", nil, "192.168.1.1:12345", "10.0.0.1", "", "192.168.1.1"},
		{"forwarded header from trusted proxy", []string{"192.168.1.0/24"}, "192.168.1.1:12345", "10.0.0.1, 172.16.0.1", "", "10.0.0.1"},
		{"forwarded header from untrusted peer", []string{"192.168.2.0/24"}, "192.168.1.1:12345", "10.0.0.1", "", "192.168.1.1"},
		{"real ip from trusted proxy", []string{"127.0.0.1"}, "127.0.0.1:80", "", "10.0.0.7", "10.0.0.7"},
		{"invalid header falls back to peer", []string{"127.0.0.1"}, "127.0.0.1:80", "garbage", "", "127.0.0.1"},
		{"remote addr without port", nil, "192.168.1.9", "", "", "192.168.1.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(nil, newTestLogger(), WithTrustedProxies(tt.proxies))
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}

			got, ok := f.ClientAddr(req)
			if !ok {
				t.Fatal("ClientAddr() not ok")
			}
			if got.String() != tt.want {
				t.Errorf("ClientAddr() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFilter_HTTPMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		allowedIPs []string
		remoteAddr string
		wantStatus int
	}{
		{"no filter", nil, "1.2.3.4:1234", http.StatusOK},
		{"allowed", []string{"10.0.0.0/8"}, "10.1.1.1:1234", http.StatusOK},
		{"denied", []string{"10.0.0.0/8"}, "192.168.1.1:1234", http.StatusForbidden},
		{"unparseable peer", []string{"10.0.0.0/8"}, "not-an-ip", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.allowedIPs, newTestLogger())
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			rec := httptest.NewRecorder()

			f.HTTPMiddleware(handler).ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

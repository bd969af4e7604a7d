package metrics

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestResponseWriter(t *testing.T) {
	rw := wrapResponseWriter(httptest.NewRecorder())

	if rw.status != http.StatusOK {
		t.Errorf("initial status = %d, want %d", rw.status, http.StatusOK)
	}

	rw.WriteHeader(http.StatusNotFound)
	rw.WriteHeader(http.StatusInternalServerError)
	if rw.status != http.StatusNotFound {
		t.Errorf("status = %d, want first written %d", rw.status, http.StatusNotFound)
	}
}

func TestHTTPMiddlewareRecordsRoutePattern(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "metrics.db"))
	defer db.Close()

	m := New()
	c, err := NewCollector(db, m, CollectorConfig{})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	defer c.Stop()

	r := chi.NewRouter()
	r.Use(HTTPMiddleware(c))
	r.Get("/api/v1/credentials/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest("GET", "/api/v1/credentials/42", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("GET", "/api/v1/credentials/{id}", "404")); got != 1 {
		t.Errorf("requests by pattern = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.APIErrorsTotal.WithLabelValues("not_found")); got != 1 {
		t.Errorf("errors{not_found} = %v, want 1", got)
	}
}

func TestHTTPMiddlewareNilCollector(t *testing.T) {
	handler := HTTPMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestNormalizePathWithoutRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/reviews/550e8400-e29b-41d4-a716-446655440000", "/api/v1/reviews/{id}"},
		{"/api/v1/credentials/17/disable", "/api/v1/credentials/{id}/disable"},
		{"/api/v1/stats", "/api/v1/stats"},
		{"/api/v1/reviews/not-a-uuid", "/api/v1/reviews/not-a-uuid"},
	}

	for _, tt := range tests {
		got := normalizePath(httptest.NewRequest("GET", tt.path, nil))
		if got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestCategorizeStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{500, "server_error"},
		{503, "server_error"},
		{429, "rate_limited"},
		{401, "auth_error"},
		{403, "auth_error"},
		{404, "not_found"},
		{409, "conflict"},
		{400, "bad_request"},
		{422, "client_error"},
		{200, "unknown"},
	}

	for _, tt := range tests {
		if got := categorizeStatus(tt.status); got != tt.expected {
			t.Errorf("categorizeStatus(%d) = %q, want %q", tt.status, got, tt.expected)
		}
	}
}

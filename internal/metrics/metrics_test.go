package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

// counterValue sums a counter family's samples whose labels include want.
func counterValue(t *testing.T, m *Metrics, name string, want map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var total float64
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, want) {
				total += metric.GetCounter().GetValue()
			}
		}
	}
	return total
}

func hasLabels(metric *dto.Metric, want map[string]string) bool {
	got := make(map[string]string)
	for _, lp := range metric.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestMetrics_Recorders(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordAuth("valid")
	m.RecordAuth("valid")
	m.RecordAuth("invalid")
	m.RecordRateLimit("minute", true)
	m.RecordRateLimit("minute", false)
	m.RecordRateLimitStoreError("hour")
	m.RecordUsageWriteError()

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{name: "keygate_auth_validations_total", labels: map[string]string{"outcome": "valid"}, want: 2},
		{name: "keygate_auth_validations_total", labels: map[string]string{"outcome": "invalid"}, want: 1},
		{name: "keygate_ratelimit_decisions_total", labels: map[string]string{"window": "minute", "result": "rejected"}, want: 1},
		{name: "keygate_ratelimit_store_errors_total", labels: map[string]string{"window": "hour"}, want: 1},
		{name: "keygate_usage_write_errors_total", want: 1},
	}

	for _, c := range checks {
		if got := counterValue(t, m, c.name, c.labels); got != c.want {
			t.Errorf("%s%v = %v, want %v", c.name, c.labels, got, c.want)
		}
	}
}

func TestMetrics_MiddlewareUsesRoutePattern(t *testing.T) {
	m := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Delete("/api/admin/keys/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	for _, id := range []string{"a", "b", "c"} {
		req := httptest.NewRequest(http.MethodDelete, "/api/admin/keys/"+id, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	if got := counterValue(t, m, "keygate_http_requests_total", map[string]string{
		"route": "/api/admin/keys/{id}", "status": "204", "method": "DELETE",
	}); got != 3 {
		t.Errorf("route counter = %v, want 3", got)
	}
	if got := counterValue(t, m, "keygate_http_requests_total", map[string]string{
		"route": "unmatched", "status": "404",
	}); got != 1 {
		t.Errorf("unmatched counter = %v, want 1", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordHTTPRequest(context.Background(), "GET", "/health", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"keygate_http_requests_total", "keygate_http_request_duration_seconds_bucket", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordAuth("valid")
	m.RecordRateLimit("minute", true)
	m.RecordRateLimitStoreError("minute")
	m.RecordUsageWriteError()
	m.RecordHTTPRequest(context.Background(), "GET", "/", 200, time.Millisecond)
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	rec := httptest.NewRecorder()
	m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
}

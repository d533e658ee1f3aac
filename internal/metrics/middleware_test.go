package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/storefront-gateway/internal/httpmw"
)

// catalogRouter mounts m.Middleware the way the general branch does: inside
// the router so the route pattern is resolved when the request completes.
func catalogRouter(m *ServerMetrics) http.Handler {
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/products", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[]}`))
	})
	r.Get("/api/products/{id}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Product not found"}`, http.StatusNotFound)
	})
	r.Post("/api/products", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	r.Delete("/api/products/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	return r
}

func findSample(f *dto.MetricFamily, want map[string]string) *dto.Metric {
	if f == nil {
		return nil
	}
outer:
	for _, m := range f.GetMetric() {
		got := labelsOf(m)
		for k, v := range want {
			if got[k] != v {
				continue outer
			}
		}
		return m
	}
	return nil
}

func histogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil {
		t.Fatalf("metric %q not found", name)
	}
	var n uint64
	for _, m := range f.GetMetric() {
		n += m.GetHistogram().GetSampleCount()
	}
	return n
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	m := New()
	h := catalogRouter(m)

	requests := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/products"},
		{http.MethodGet, "/api/products?category=shoes"},
		{http.MethodGet, "/api/products/3f1c2a9e-0b7d-4c55-9d2e-2b8f1c4a7e10"},
		{http.MethodGet, "/api/products/7d0e4b1a-55c2-4f3e-8a91-0c6b2d9e3f44"},
		{http.MethodPost, "/api/products"},
		{http.MethodDelete, "/api/products/3f1c2a9e-0b7d-4c55-9d2e-2b8f1c4a7e10"},
		{http.MethodGet, "/api/orders"},
	}
	for _, rq := range requests {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(rq.method, rq.path, http.NoBody))
	}

	f := gatherMetric(t, m.reg, "http_requests_total")
	tests := []struct {
		labels map[string]string
		want   float64
	}{
		{map[string]string{"method": "GET", "route": "/api/products", "status": "200"}, 2},
		{map[string]string{"method": "GET", "route": "/api/products/{id}", "status": "404"}, 2},
		{map[string]string{"method": "POST", "route": "/api/products", "status": "201"}, 1},
		{map[string]string{"method": "DELETE", "route": "/api/products/{id}", "status": "502"}, 1},
		{map[string]string{"method": "GET", "route": "unmatched", "status": "404"}, 1},
	}
	for _, tt := range tests {
		s := findSample(f, tt.labels)
		if s == nil {
			t.Errorf("no sample for %v", tt.labels)
			continue
		}
		if got := s.GetCounter().GetValue(); got != tt.want {
			t.Errorf("%v = %v, want %v", tt.labels, got, tt.want)
		}
	}

	for _, lp := range f.GetMetric() {
		if strings.Contains(labelsOf(lp)["route"], "3f1c2a9e") {
			t.Fatalf("raw product id leaked into route label: %v", labelsOf(lp))
		}
	}

	if got := histogramCount(t, m.reg, "http_request_duration_seconds"); got != uint64(len(requests)) {
		t.Errorf("duration samples = %d, want %d", got, len(requests))
	}
	if got := histogramCount(t, m.reg, "http_response_size_bytes"); got != uint64(len(requests)) {
		t.Errorf("size samples = %d, want %d", got, len(requests))
	}

	errs := gatherMetric(t, m.reg, "http_errors_total")
	if s := findSample(errs, map[string]string{"method": "DELETE", "route": "/api/products/{id}"}); s == nil || s.GetCounter().GetValue() != 1 {
		t.Fatalf("http_errors_total for 502 missing: %v", errs)
	}
	if len(errs.GetMetric()) != 1 {
		t.Fatalf("only 5xx responses count as errors, got %d series", len(errs.GetMetric()))
	}
}

func TestMiddleware_ImplicitOKAndResponseSize(t *testing.T) {
	m := New()
	body := strings.Repeat("x", 300)
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/products", http.NoBody))

	f := gatherMetric(t, m.reg, "http_requests_total")
	if s := findSample(f, map[string]string{"status": "200", "route": "unmatched"}); s == nil {
		t.Fatalf("write without WriteHeader should count as 200: %v", f)
	}
	sizes := gatherMetric(t, m.reg, "http_response_size_bytes")
	if got := sizes.GetMetric()[0].GetHistogram().GetSampleSum(); got != 300 {
		t.Fatalf("response size sum = %v, want 300", got)
	}
}

func TestMiddleware_InflightGauge(t *testing.T) {
	m := New()
	entered := make(chan struct{})
	release := make(chan struct{})
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	}))

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/products", http.NoBody))
		close(done)
	}()

	<-entered
	if got := gatherMetric(t, m.reg, "http_inflight_requests").GetMetric()[0].GetGauge().GetValue(); got != 1 {
		t.Fatalf("inflight during request = %v, want 1", got)
	}
	close(release)
	<-done
	if got := gatherMetric(t, m.reg, "http_inflight_requests").GetMetric()[0].GetGauge().GetValue(); got != 0 {
		t.Fatalf("inflight after request = %v, want 0", got)
	}
}

// Responses sent by the timeout guard bypass the wrapped writer.
func TestMiddleware_UsesStatusFromRequestState(t *testing.T) {
	m := New()
	h := httpmw.Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		time.Sleep(20 * time.Millisecond)
	}),
		httpmw.Ingress(httpmw.IngressOptions{}),
		httpmw.Timeout(10*time.Millisecond, nil),
		m.Middleware,
	)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/products/search?q=boots", http.NoBody))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	f := gatherMetric(t, m.reg, "http_requests_total")
	if s := findSample(f, map[string]string{"status": "503"}); s == nil {
		t.Fatalf("no 503 sample: %v", f)
	}
	if counterValue(t, m.reg, "http_errors_total") != 1 {
		t.Fatal("timeout should count as a server error")
	}
}

func TestTraceExemplar(t *testing.T) {
	traceID := trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36}
	spanID := trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7}

	tests := []struct {
		name  string
		flags trace.TraceFlags
		valid bool
		want  string
	}{
		{"sampled", trace.FlagsSampled, true, traceID.String()},
		{"not sampled", 0, true, ""},
		{"no span", 0, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.valid {
				sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: tt.flags})
				ctx = trace.ContextWithSpanContext(ctx, sc)
			}
			labels := traceExemplar(ctx)
			if tt.want == "" {
				if labels != nil {
					t.Fatalf("labels = %v, want nil", labels)
				}
				return
			}
			if labels["trace_id"] != tt.want {
				t.Fatalf("trace_id = %q, want %q", labels["trace_id"], tt.want)
			}
		})
	}
}

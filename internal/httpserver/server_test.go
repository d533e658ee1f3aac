package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/storefront-gateway/internal/cfg"
	"github.com/keithlinneman/storefront-gateway/internal/httpmw"
	"github.com/keithlinneman/storefront-gateway/internal/log"
)

// test helpers

const testOrigin = "https://shop.example.com"

// stubProbe implements health.Probe for testing.
type stubProbe struct {
	err error
}

func (p *stubProbe) Check(ctx context.Context) error { return p.err }

// defaultOpts returns minimal valid Options for testing.
func defaultOpts() Options {
	return Options{
		Logger: log.Nop(),
		Pipeline: cfg.Pipeline{
			CORSOrigin:     testOrigin,
			RequestTimeout: 5 * time.Second,
			BodyLimit:      httpmw.DefaultBodyLimit,
		},
	}
}

func mustHandler(t *testing.T, opts Options) http.Handler {
	t.Helper()
	h, err := NewHandler(opts)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

// doRequest is a helper to send a request through a handler and return the recorder.
func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	h.ServeHTTP(rec, req)
	return rec
}

// getFreePort finds a free TCP port.
func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func okRoute(method, pattern string, mode BodyMode, body string) Route {
	return Route{Method: method, Pattern: pattern, Mode: mode, Handler: func(w http.ResponseWriter, r *http.Request) error {
		_, err := io.WriteString(w, body)
		return err
	}}
}

// NewHandler - configuration

func TestNewHandler_RequiresCORSOrigin(t *testing.T) {
	opts := defaultOpts()
	opts.Pipeline.CORSOrigin = ""
	if _, err := NewHandler(opts); err == nil {
		t.Fatal("expected configuration error without an allowed origin")
	}
}

func TestNewHandler_NilLogger(t *testing.T) {
	opts := defaultOpts()
	opts.Logger = nil
	h := mustHandler(t, opts)
	if rec := doRequest(t, h, "GET", "/"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

// NewHandler - security headers

func TestNewHandler_SecurityHeaders(t *testing.T) {
	h := mustHandler(t, defaultOpts())
	rec := doRequest(t, h, "GET", "/anything")

	required := []string{
		"Strict-Transport-Security",
		"Content-Security-Policy",
		"X-Content-Type-Options",
		"X-Frame-Options",
		"Referrer-Policy",
		"Cross-Origin-Opener-Policy",
		"Cross-Origin-Resource-Policy",
	}
	for _, hdr := range required {
		if rec.Header().Get(hdr) == "" {
			t.Errorf("missing security header: %s", hdr)
		}
	}
}

func TestNewHandler_SecurityHeaders_EveryOutcome(t *testing.T) {
	opts := defaultOpts()
	opts.Routes = []Route{
		okRoute(http.MethodPost, "/api/submit", StructuredBody, "ok"),
		{Method: http.MethodGet, Pattern: "/api/fail", Handler: func(w http.ResponseWriter, r *http.Request) error {
			return errors.New("boom")
		}},
		{Method: http.MethodGet, Pattern: "/api/panic", Handler: func(w http.ResponseWriter, r *http.Request) error {
			panic("kaboom")
		}},
	}
	opts.Webhook = func(w http.ResponseWriter, r *http.Request) error { return nil }
	h := mustHandler(t, opts)

	cases := []struct {
		method, path string
		status       int
	}{
		{"POST", "/api/submit", 200},
		{"GET", "/api/fail", 500},
		{"GET", "/api/panic", 500},
		{"GET", "/nope", 404},
		{"DELETE", "/api/submit", 405},
		{"POST", "/webhook", 200},
	}
	for _, c := range cases {
		rec := doRequest(t, h, c.method, c.path)
		if rec.Code != c.status {
			t.Errorf("%s %s: status = %d, want %d", c.method, c.path, rec.Code, c.status)
		}
		if rec.Header().Get("Strict-Transport-Security") == "" {
			t.Errorf("%s %s: HSTS missing", c.method, c.path)
		}
	}
}

// NewHandler - request id

func TestNewHandler_RequestID_Generated(t *testing.T) {
	h := mustHandler(t, defaultOpts())
	rec := doRequest(t, h, "GET", "/")

	id := rec.Header().Get("X-Request-Id")
	if len(id) != 36 {
		t.Fatalf("X-Request-Id = %q, want a uuid", id)
	}
}

func TestNewHandler_RequestID_Propagated(t *testing.T) {
	h := mustHandler(t, defaultOpts())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-Id", "upstream-abc-123")
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "upstream-abc-123" {
		t.Fatalf("X-Request-Id = %q, want %q", got, "upstream-abc-123")
	}
}

func TestNewHandler_RequestID_UniquePerRequest(t *testing.T) {
	h := mustHandler(t, defaultOpts())
	ids := make(map[string]bool)

	for i := 0; i < 50; i++ {
		rec := doRequest(t, h, "GET", "/")
		id := rec.Header().Get("X-Request-Id")
		if ids[id] {
			t.Fatalf("duplicate request ID: %q", id)
		}
		ids[id] = true
	}
}

// NewHandler - routing

func TestNewHandler_Routes(t *testing.T) {
	opts := defaultOpts()
	opts.Routes = []Route{
		okRoute(http.MethodGet, "/api/one", StructuredBody, "one"),
		okRoute(http.MethodGet, "/api/two", StructuredBody, "two"),
	}
	h := mustHandler(t, opts)

	for _, name := range []string{"one", "two"} {
		rec := doRequest(t, h, "GET", "/api/"+name)
		if rec.Code != http.StatusOK || rec.Body.String() != name {
			t.Fatalf("/api/%s: status = %d body = %q", name, rec.Code, rec.Body.String())
		}
	}
}

func TestNewHandler_HeadFallsBackToGet(t *testing.T) {
	opts := defaultOpts()
	opts.Routes = []Route{okRoute(http.MethodGet, "/api/one", StructuredBody, "one")}
	h := mustHandler(t, opts)

	rec := doRequest(t, h, "HEAD", "/api/one")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestNewHandler_NotFoundAndMethodNotAllowed(t *testing.T) {
	opts := defaultOpts()
	opts.Routes = []Route{okRoute(http.MethodGet, "/api/one", StructuredBody, "one")}
	h := mustHandler(t, opts)

	rec := doRequest(t, h, "GET", "/missing")
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), `"error":"Not Found"`) {
		t.Fatalf("404: status = %d body = %q", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h, "POST", "/api/one")
	if rec.Code != http.StatusMethodNotAllowed || !strings.Contains(rec.Body.String(), `"error":"Method Not Allowed"`) {
		t.Fatalf("405: status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestNewHandler_WebhookPath(t *testing.T) {
	opts := defaultOpts()
	opts.Pipeline.WebhookPath = "/hooks/payments"
	opts.Webhook = func(w http.ResponseWriter, r *http.Request) error {
		_, err := io.WriteString(w, "ack")
		return err
	}
	h := mustHandler(t, opts)

	if rec := doRequest(t, h, "POST", "/hooks/payments"); rec.Body.String() != "ack" {
		t.Fatalf("custom webhook path: status = %d body = %q", rec.Code, rec.Body.String())
	}
	if rec := doRequest(t, h, "POST", DefaultWebhookPath); rec.Code != http.StatusNotFound {
		t.Fatalf("default path still mounted: status = %d", rec.Code)
	}
}

func TestBodyMode_SelectedByRouteNotContentType(t *testing.T) {
	var rawSeen, parsedSeen bool
	opts := defaultOpts()
	opts.Routes = []Route{
		{Method: http.MethodPost, Pattern: "/raw", Mode: RawBody, Handler: func(w http.ResponseWriter, r *http.Request) error {
			_, rawSeen = httpmw.RawBodyFrom(r.Context())
			_, parsed := httpmw.ParsedFrom(r.Context())
			if parsed {
				t.Error("raw route was parsed")
			}
			return nil
		}},
		{Method: http.MethodPost, Pattern: "/parsed", Handler: func(w http.ResponseWriter, r *http.Request) error {
			_, parsedSeen = httpmw.ParsedFrom(r.Context())
			if _, raw := httpmw.RawBodyFrom(r.Context()); raw {
				t.Error("structured route captured raw bytes")
			}
			return nil
		}},
	}
	h := mustHandler(t, opts)

	for _, target := range []string{"/raw", "/parsed"} {
		req := httptest.NewRequest("POST", target, strings.NewReader(`{"a":1}`))
		req.Header.Set("Content-Type", "application/json")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	if !rawSeen || !parsedSeen {
		t.Fatalf("rawSeen = %v, parsedSeen = %v", rawSeen, parsedSeen)
	}
}

func TestBodyMode_String(t *testing.T) {
	if RawBody.String() != "raw" || StructuredBody.String() != "structured" {
		t.Fatalf("got %q and %q", RawBody, StructuredBody)
	}
}

// NewHandler - health

func TestNewHandler_HealthEndpoints(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		probe  *stubProbe
		status int
		body   string
	}{
		{"healthy", "/-/healthy", &stubProbe{}, 200, `{"status":"ok"}`},
		{"unhealthy", "/-/healthy", &stubProbe{err: errors.New("redis down")}, 503, `{"status":"unavailable"}`},
		{"ready", "/-/ready", &stubProbe{}, 200, `{"status":"ready"}`},
		{"not ready", "/-/ready", &stubProbe{err: errors.New("draining")}, 503, `{"status":"unavailable"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := defaultOpts()
			opts.Health = tc.probe
			opts.Readiness = tc.probe
			rec := doRequest(t, mustHandler(t, opts), "GET", tc.path)

			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tc.body {
				t.Fatalf("body = %q, want %q", got, tc.body)
			}
		})
	}
}

func TestNewHandler_HealthEndpoint_NilProbe(t *testing.T) {
	rec := doRequest(t, mustHandler(t, defaultOpts()), "GET", "/-/healthy")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when no probe is configured", rec.Code)
	}
}

// NewHandler - hooks

func TestNewHandler_OnPanic(t *testing.T) {
	var panics atomic.Int32
	opts := defaultOpts()
	opts.OnPanic = func() { panics.Add(1) }
	opts.Routes = []Route{{Method: http.MethodGet, Pattern: "/panic", Handler: func(w http.ResponseWriter, r *http.Request) error {
		panic("boom")
	}}}
	h := mustHandler(t, opts)

	rec := doRequest(t, h, "GET", "/panic")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Fatalf("panic value leaked: %q", rec.Body.String())
	}
	if panics.Load() != 1 {
		t.Fatalf("OnPanic called %d times, want 1", panics.Load())
	}
}

func TestNewHandler_OnSanitized(t *testing.T) {
	stages := map[string]int{}
	opts := defaultOpts()
	opts.OnSanitized = func(stage string, n int) { stages[stage] += n }
	opts.Routes = []Route{okRoute(http.MethodPost, "/api/echo", StructuredBody, "ok")}
	h := mustHandler(t, opts)

	req := httptest.NewRequest("POST", "/api/echo?$gt=1&page=2", strings.NewReader(`{"$where":"x","user.role":"admin","name":"n"}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if stages["request"] != 1 || stages["body"] != 2 {
		t.Fatalf("sanitized = %v, want request=1 body=2", stages)
	}
}

func TestNewHandler_MetricsMW_GeneralBranchOnly(t *testing.T) {
	var seen []string
	opts := defaultOpts()
	opts.MetricsMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = append(seen, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
	opts.Webhook = func(w http.ResponseWriter, r *http.Request) error { return nil }
	opts.Routes = []Route{okRoute(http.MethodGet, "/api/one", StructuredBody, "one")}
	h := mustHandler(t, opts)

	doRequest(t, h, "POST", "/webhook")
	doRequest(t, h, "GET", "/api/one")
	doRequest(t, h, "GET", "/missing")

	if strings.Join(seen, ",") != "/api/one,/missing" {
		t.Fatalf("metrics saw %v", seen)
	}
}

// NewServer

func TestNewServer_Configuration(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	srv := NewServer(":8080", handler)

	if srv.Addr != ":8080" {
		t.Fatalf("Addr = %q, want %q", srv.Addr, ":8080")
	}
	if srv.ReadHeaderTimeout != 5*time.Second {
		t.Fatalf("ReadHeaderTimeout = %v, want 5s", srv.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != 10*time.Second {
		t.Fatalf("ReadTimeout = %v, want 10s", srv.ReadTimeout)
	}
	if srv.WriteTimeout != 10*time.Second {
		t.Fatalf("WriteTimeout = %v, want 10s", srv.WriteTimeout)
	}
	if srv.IdleTimeout != 60*time.Second {
		t.Fatalf("IdleTimeout = %v, want 60s", srv.IdleTimeout)
	}
	if srv.MaxHeaderBytes != 1<<20 {
		t.Fatalf("MaxHeaderBytes = %d, want %d", srv.MaxHeaderBytes, 1<<20)
	}
}

// Start - lifecycle

func TestStart_GracefulShutdown(t *testing.T) {
	port := getFreePort(t)

	opts := defaultOpts()
	opts.Port = port

	ctx := context.Background()
	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	addr := fmt.Sprintf("http://127.0.0.1:%d/", port)
	resp, err := http.Get(addr)
	if err != nil {
		t.Fatalf("server not accepting: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("Strict-Transport-Security") == "" {
		t.Fatal("security headers missing from live server response")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := stop(shutdownCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(shutdownCtx); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if _, err := http.Get(addr); err == nil {
		t.Fatal("server still accepting connections after shutdown")
	}
}

func TestStart_PortConflict(t *testing.T) {
	port := getFreePort(t)

	opts := defaultOpts()
	opts.Port = port

	ctx := context.Background()

	stop1, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer stop1(ctx)

	if _, err := Start(ctx, opts); err == nil {
		t.Fatal("expected error for port conflict")
	}
}

func TestStart_InvalidConfig(t *testing.T) {
	opts := defaultOpts()
	opts.Port = getFreePort(t)
	opts.Pipeline.CORSOrigin = "shop.example.com"

	if _, err := Start(context.Background(), opts); err == nil {
		t.Fatal("expected error for origin without scheme")
	}
}

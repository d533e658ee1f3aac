package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/storefront-gateway/internal/httpmw"
	"github.com/keithlinneman/storefront-gateway/internal/log"
	"github.com/keithlinneman/storefront-gateway/internal/xerrors"
)

// NewHandler assembles the public pipeline. Every request passes, in order:
//
//	security headers -> ingress (state, request id, client identity) ->
//	last-resort boundary -> sanitizer -> CORS -> rate limiter -> timeout ->
//	tracing -> router -> raw or general branch
//
// main() owns *http.Server so it can do graceful shutdown.
func NewHandler(opts Options) (http.Handler, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	p := opts.Pipeline

	cors, err := httpmw.CORS(p.CORSOrigin)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.CleanPath)
	r.Use(middleware.GetHead)

	b := newBranches(opts)
	for _, rt := range routeTable(opts) {
		mount(r, b, rt)
	}
	r.NotFound(b.wrap(StructuredBody, "not_found", notFound).ServeHTTP)
	r.MethodNotAllowed(b.wrap(StructuredBody, "method_not_allowed", methodNotAllowed).ServeHTTP)

	// Decide which requests get traced
	shouldTrace := func(urlPath string) bool {
		// dont trace health checks (may re-visit in the future to sample at a really low rate)
		if urlPath == "/-/healthy" || urlPath == "/-/ready" {
			return false
		}
		ext := strings.ToLower(path.Ext(urlPath))
		switch ext {
		case ".ico", ".txt", ".map":
			return false
		}
		return true
	}

	traced := otelhttp.NewHandler(
		r,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return shouldTrace(r.URL.Path)
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute will rename the span later to the final route pattern
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(r *http.Request) bool { return true }),
	)

	sanitize := httpmw.SanitizeOptions{AllowDots: p.SanitizeAllowDots}
	if opts.OnSanitized != nil {
		sanitize.OnRemoved = func(n int) { opts.OnSanitized("request", n) }
	}
	var limit httpmw.Middleware
	if opts.Limiter != nil {
		limit = opts.Limiter.Middleware
	}

	return httpmw.Chain(traced,
		httpmw.SecurityHeaders,
		httpmw.Ingress(httpmw.IngressOptions{
			Logger:          opts.Logger,
			RequestIDHeader: "X-Request-Id",
			ClientIP:        httpmw.ClientIPOptions{TrustedHops: p.TrustedHops},
		}),
		httpmw.ErrorBoundary(opts.Logger, opts.OnPanic),
		httpmw.Sanitize(sanitize),
		cors,
		limit,
		httpmw.Timeout(p.RequestTimeout, opts.OnTimeout),
	), nil
}

// Server timeout defaults.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start public HTTP server
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	handler, err := NewHandler(opts)
	if err != nil {
		return nil, err
	}
	srv := NewServer(addr, handler)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.EnsureTrace(err)
	}

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}

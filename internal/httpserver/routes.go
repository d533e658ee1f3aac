package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/storefront-gateway/internal/catalog"
	"github.com/keithlinneman/storefront-gateway/internal/health"
	"github.com/keithlinneman/storefront-gateway/internal/httpmw"
	"github.com/keithlinneman/storefront-gateway/internal/xerrors"
)

// BodyMode selects how a route's body is read. It is fixed when the route is
// mounted and nothing at request time inspects the path or Content-Type to
// change it.
type BodyMode int

const (
	// StructuredBody parses JSON or urlencoded bodies and runs the general
	// branch: observability, parse, dispatch.
	StructuredBody BodyMode = iota
	// RawBody hands the handler the exact request bytes. No parser runs.
	RawBody
)

func (m BodyMode) String() string {
	if m == RawBody {
		return "raw"
	}
	return "structured"
}

type Route struct {
	Method  string
	Pattern string
	Mode    BodyMode
	// Name tags logs and spans, defaults to Pattern.
	Name    string
	Handler httpmw.HandlerFunc
}

const DefaultWebhookPath = "/webhook"

// plain adapts a handler that writes its own response and never fails.
func plain(h http.Handler) httpmw.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		h.ServeHTTP(w, r)
		return nil
	}
}

func routeTable(opts Options) []Route {
	var rt []Route

	if opts.Webhook != nil {
		path := opts.Pipeline.WebhookPath
		if path == "" {
			path = DefaultWebhookPath
		}
		rt = append(rt, Route{Method: http.MethodPost, Pattern: path, Mode: RawBody, Name: "webhook", Handler: opts.Webhook})
	}

	if opts.Health != nil {
		rt = append(rt, Route{Method: http.MethodGet, Pattern: "/-/healthy", Name: "healthy", Handler: plain(health.PublicHandler(opts.Health, "ok"))})
	}
	if opts.Readiness != nil {
		rt = append(rt, Route{Method: http.MethodGet, Pattern: "/-/ready", Name: "ready", Handler: plain(health.PublicHandler(opts.Readiness, "ready"))})
	}

	if opts.Catalog != nil {
		api := &catalog.API{Service: opts.Catalog}
		rt = append(rt,
			Route{Method: http.MethodGet, Pattern: "/api/products", Name: "products.list", Handler: api.List},
			Route{Method: http.MethodGet, Pattern: "/api/products/search", Name: "products.search", Handler: api.Search},
			Route{Method: http.MethodPost, Pattern: "/api/products", Name: "products.create", Handler: api.Create},
			Route{Method: http.MethodGet, Pattern: "/api/products/{id}", Name: "products.get", Handler: api.Get},
			Route{Method: http.MethodPut, Pattern: "/api/products/{id}", Name: "products.update", Handler: api.Update},
			Route{Method: http.MethodPatch, Pattern: "/api/products/{id}", Name: "products.update", Handler: api.Update},
			Route{Method: http.MethodDelete, Pattern: "/api/products/{id}", Name: "products.delete", Handler: api.Delete},
		)
	}

	return append(rt, opts.Routes...)
}

// branches holds the per-mode middleware shared by every route.
type branches struct {
	raw     []httpmw.Middleware
	general []httpmw.Middleware
}

func newBranches(opts Options) branches {
	limit := opts.Pipeline.BodyLimit
	if limit <= 0 {
		limit = httpmw.DefaultBodyLimit
	}
	sanitize := httpmw.SanitizeOptions{AllowDots: opts.Pipeline.SanitizeAllowDots}
	if opts.OnSanitized != nil {
		sanitize.OnRemoved = func(n int) { opts.OnSanitized("body", n) }
	}
	boundary := httpmw.ErrorBoundary(opts.Logger, opts.OnPanic)

	return branches{
		// raw Body Interpreter -> handler, inside its boundary
		raw: []httpmw.Middleware{
			httpmw.AnnotateHTTPRoute,
			boundary,
			httpmw.RawBody(limit),
		},
		// observability -> structured Body Interpreter -> handler, inside its boundary
		general: []httpmw.Middleware{
			httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
			opts.MetricsMW,
			httpmw.AccessLog(),
			httpmw.AnnotateHTTPRoute,
			boundary,
			httpmw.StructuredBody(limit, sanitize),
		},
	}
}

func (b branches) wrap(mode BodyMode, name string, h httpmw.HandlerFunc) http.Handler {
	mws := b.general
	if mode == RawBody {
		mws = b.raw
	}
	return httpmw.Chain(httpmw.Chain(h, httpmw.Scope(name)), mws...)
}

func mount(r chi.Router, b branches, rt Route) {
	name := rt.Name
	if name == "" {
		name = rt.Pattern
	}
	r.Method(rt.Method, rt.Pattern, b.wrap(rt.Mode, name, rt.Handler))
}

func notFound(w http.ResponseWriter, r *http.Request) error {
	return xerrors.ClientInput(xerrors.Newf("no route for %s", r.URL.Path), http.StatusNotFound, "Not Found")
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) error {
	return xerrors.ClientInput(xerrors.Newf("method %s not allowed", r.Method), http.StatusMethodNotAllowed, "Method Not Allowed")
}

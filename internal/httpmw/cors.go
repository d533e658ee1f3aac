package httpmw

import (
	"errors"
	"net/http"
	"strings"

	"github.com/keithlinneman/storefront-gateway/internal/xerrors"
)

const (
	corsAllowMethods  = "GET,HEAD,PUT,PATCH,POST,DELETE"
	corsExposeHeaders = "X-Request-Id, RateLimit-Limit, RateLimit-Remaining, RateLimit-Reset, Retry-After"
	corsMaxAge        = "600"
)

// CORS allows exactly one configured origin. Credentials are never allowed.
// Preflight requests are answered here with 204 and go no further, so they
// do not count against the rate limit.
func CORS(origin string) (func(http.Handler) http.Handler, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return nil, xerrors.Config(errors.New("cors: allowed origin is required"))
	}
	if origin != "*" && !strings.Contains(origin, "://") {
		return nil, xerrors.Config(xerrors.Newf("cors: origin %q must include a scheme", origin))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := StateFrom(r.Context())
			if st != nil && st.Halted() {
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")

			if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
				h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
				next.ServeHTTP(w, r)
				return
			}

			h.Add("Vary", "Access-Control-Request-Method")
			h.Add("Vary", "Access-Control-Request-Headers")
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				h.Set("Access-Control-Allow-Headers", reqHeaders)
			}
			h.Set("Access-Control-Max-Age", corsMaxAge)
			h.Set("Content-Length", "0")
			w.WriteHeader(http.StatusNoContent)
		})
	}, nil
}

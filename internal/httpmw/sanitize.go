package httpmw

import (
	"net/http"
	"net/url"
	"strings"
)

// SanitizeOptions configures operator-injection stripping.
type SanitizeOptions struct {
	// AllowDots keeps keys containing '.', which some clients use for
	// nested form fields. Keys starting with '$' are always removed.
	AllowDots bool
	// OnRemoved is called with the number of keys or header values removed
	// from a request, when non-zero.
	OnRemoved func(n int)
}

func (o SanitizeOptions) report(n int) {
	if n > 0 && o.OnRemoved != nil {
		o.OnRemoved(n)
	}
}

// hostileKey reports whether a key looks like a query operator ($gt, $where),
// a bracketed operator (price[$gt]) that qs-style parsers nest into one, or a
// nested path (profile.role) that a document store would interpret.
func hostileKey(k string, allowDots bool) bool {
	if strings.HasPrefix(k, "$") || strings.Contains(k, "[$") {
		return true
	}
	return !allowDots && strings.Contains(k, ".")
}

// Sanitize strips operator-injection keys from the query string and drops
// header values carrying CR or LF. It never rejects a request. Bodies are
// handled by StructuredBody once they are decoded.
func Sanitize(opts SanitizeOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := StateFrom(r.Context())
			if st != nil && st.Halted() {
				return
			}

			removed := 0
			if r.URL.RawQuery != "" {
				q := r.URL.Query()
				for k := range q {
					if hostileKey(k, opts.AllowDots) {
						delete(q, k)
						removed++
					}
				}
				if removed > 0 {
					r.URL.RawQuery = q.Encode()
				}
			}
			removed += sanitizeHeader(r.Header)
			opts.report(removed)

			if st != nil {
				st.Advance(PhaseSanitized)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func sanitizeHeader(h http.Header) int {
	removed := 0
	for k, vv := range h {
		kept := vv[:0]
		for _, v := range vv {
			if strings.ContainsAny(v, "\r\n") {
				removed++
				continue
			}
			kept = append(kept, v)
		}
		if len(kept) == 0 {
			delete(h, k)
		} else {
			h[k] = kept
		}
	}
	return removed
}

// SanitizeValue removes hostile keys from a decoded body in place, descending
// into nested objects and arrays. It returns the number of keys removed.
func SanitizeValue(v any, allowDots bool) int {
	removed := 0
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if hostileKey(k, allowDots) {
				delete(t, k)
				removed++
				continue
			}
			removed += SanitizeValue(child, allowDots)
		}
	case []any:
		for _, child := range t {
			removed += SanitizeValue(child, allowDots)
		}
	}
	return removed
}

// formValue converts decoded form values to the same shape a JSON object
// decodes to: single values become strings, repeated keys become arrays.
func formValue(vals url.Values) map[string]any {
	out := make(map[string]any, len(vals))
	for k, vv := range vals {
		if len(vv) == 1 {
			out[k] = vv[0]
			continue
		}
		arr := make([]any, len(vv))
		for i, v := range vv {
			arr[i] = v
		}
		out[k] = arr
	}
	return out
}

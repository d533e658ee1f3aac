package httpmw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/keithlinneman/storefront-gateway/internal/xerrors"
)

// DefaultBodyLimit caps request bodies on every route.
const DefaultBodyLimit int64 = 1 << 20

var (
	errBodyTooLarge = errors.New("request body exceeds limit")
	errBodyRequired = errors.New("request body required")
	errTrailingData = errors.New("unexpected data after JSON value")
)

func tooLarge(err error) error {
	return xerrors.ClientInput(err, http.StatusRequestEntityTooLarge, "Request body too large")
}

// readLimited reads the whole body, refusing anything over limit. A declared
// Content-Length over the limit is refused before any byte is read.
func readLimited(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	if r.ContentLength > limit {
		return nil, tooLarge(errBodyTooLarge)
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, tooLarge(errBodyTooLarge)
		}
		return nil, xerrors.ClientInput(xerrors.Wrap(err, "read request body"), http.StatusBadRequest, "Could not read request body")
	}
	return b, nil
}

// RawBody captures the request body as an exact byte sequence, whatever the
// declared Content-Type. The bytes are kept on the request State and served
// again from r.Body, so signature verification sees what the client sent.
func RawBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := StateFrom(r.Context())
			if st != nil && st.Halted() {
				return
			}
			b, err := readLimited(w, r, limit)
			if err != nil {
				Propagate(w, r, err)
				return
			}
			if b == nil {
				b = []byte{}
			}
			if st != nil {
				st.setRawBody(b)
				st.Advance(PhaseBodyResolved)
			}
			r.Body = io.NopCloser(bytes.NewReader(b))
			r.ContentLength = int64(len(b))
			next.ServeHTTP(w, r)
		})
	}
}

// RawBodyFrom returns the bytes captured by RawBody.
func RawBodyFrom(ctx context.Context) ([]byte, bool) {
	if st := StateFrom(ctx); st != nil {
		return st.RawBody()
	}
	return nil, false
}

// StructuredBody decodes JSON and URL-encoded bodies, strips hostile keys
// and stores the result on the request State. Other media types, and empty
// bodies, pass through unparsed but still capped. Malformed input is a 400,
// an oversized body a 413, and in both cases the State is left untouched.
func StructuredBody(limit int64, sanitize SanitizeOptions) func(http.Handler) http.Handler {
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := StateFrom(r.Context())
			if st != nil && st.Halted() {
				return
			}

			mt := ""
			if ct := r.Header.Get("Content-Type"); ct != "" {
				if parsed, _, err := mime.ParseMediaType(ct); err == nil {
					mt = parsed
				}
			}
			if mt != "application/json" && mt != "application/x-www-form-urlencoded" {
				if r.ContentLength > limit {
					Propagate(w, r, tooLarge(errBodyTooLarge))
					return
				}
				if r.Body != nil && r.Body != http.NoBody {
					r.Body = http.MaxBytesReader(w, r.Body, limit)
				}
				if st != nil {
					st.Advance(PhaseBodyResolved)
				}
				next.ServeHTTP(w, r)
				return
			}

			b, err := readLimited(w, r, limit)
			if err != nil {
				Propagate(w, r, err)
				return
			}
			if len(b) == 0 {
				if st != nil {
					st.Advance(PhaseBodyResolved)
				}
				r.Body = http.NoBody
				next.ServeHTTP(w, r)
				return
			}

			v, err := decodeStructured(mt, b)
			if err != nil {
				Propagate(w, r, err)
				return
			}
			sanitize.report(SanitizeValue(v, sanitize.AllowDots))

			if st != nil {
				st.setParsed(v)
				st.Advance(PhaseBodyResolved)
			}
			// handlers read the sanitized value, never the raw bytes
			r.Body = http.NoBody
			r.ContentLength = 0
			next.ServeHTTP(w, r)
		})
	}
}

func decodeStructured(mediaType string, b []byte) (any, error) {
	if mediaType == "application/x-www-form-urlencoded" {
		vals, err := url.ParseQuery(string(b))
		if err != nil {
			return nil, xerrors.ClientInput(xerrors.Wrap(err, "decode form body"), http.StatusBadRequest, "Malformed form body")
		}
		return formValue(vals), nil
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, xerrors.ClientInput(xerrors.Wrap(err, "decode json body"), http.StatusBadRequest, "Malformed JSON body")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, xerrors.ClientInput(errTrailingData, http.StatusBadRequest, "Malformed JSON body")
	}
	return v, nil
}

// ParsedFrom returns the decoded body stored by StructuredBody.
func ParsedFrom(ctx context.Context) (any, bool) {
	if st := StateFrom(ctx); st != nil {
		return st.Parsed()
	}
	return nil, false
}

// Bind copies the decoded, sanitized body into dst. A request without a
// structured body is a 400.
func Bind(r *http.Request, dst any) error {
	v, ok := ParsedFrom(r.Context())
	if !ok {
		return xerrors.ClientInput(errBodyRequired, http.StatusBadRequest, "Request body required")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return xerrors.Wrap(err, "re-encode parsed body")
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return xerrors.ClientInput(xerrors.Wrap(err, "bind body"), http.StatusBadRequest, "Invalid request body")
	}
	return nil
}

package httpmw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/storefront-gateway/internal/log"
	"github.com/keithlinneman/storefront-gateway/internal/xerrors"
)

// HandlerFunc is a handler that reports failure by returning it. Returned
// errors are forwarded to the nearest ErrorBoundary.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// ServeHTTP dispatches to h unless the request was already halted.
func (h HandlerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if st := StateFrom(r.Context()); st != nil {
		if st.Halted() {
			return
		}
		st.Advance(PhaseDispatched)
	}
	if err := h(w, r); err != nil {
		Propagate(w, r, err)
	}
}

type errSlot struct {
	mu  sync.Mutex
	err error
}

type errSlotKey struct{}

// Propagate hands err to the nearest ErrorBoundary. The first error wins.
// Without a boundary in the chain the error is rendered immediately.
func Propagate(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	if slot, ok := r.Context().Value(errSlotKey{}).(*errSlot); ok {
		slot.mu.Lock()
		if slot.err == nil {
			slot.err = err
		}
		slot.mu.Unlock()
		return
	}
	writeError(w, r, err)
}

// ErrorBoundary converts propagated errors and panics into a single JSON
// response of the form {"error": "<message>"}. When a response was already
// sent the failure is logged as an anomaly and nothing is written.
func ErrorBoundary(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	anomalies := &rate.Sometimes{First: 3, Interval: 10 * time.Second}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			slot := &errSlot{}
			r = r.WithContext(context.WithValue(r.Context(), errSlotKey{}, slot))

			defer func() {
				slot.mu.Lock()
				err := slot.err
				slot.mu.Unlock()
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler { //nolint:errorlint // sentinel panic value
						panic(rec)
					}
					if onPanic != nil {
						onPanic()
					}
					err = xerrors.Upstream(panicError(rec))
					logger.Error(r.Context(), err, "httpserver panic recovered",
						"request_id", RequestIDFromContext(r.Context()),
						"http.request.method", r.Method,
						"url.path", r.URL.Path,
					)
				}
				if err == nil {
					return
				}
				handleError(w, r, logger, anomalies, err)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func handleError(w http.ResponseWriter, r *http.Request, logger log.Logger, anomalies *rate.Sometimes, err error) {
	ctx := r.Context()
	L := log.FromContext(ctx)
	kind := xerrors.KindOf(err)

	switch kind {
	case xerrors.KindUpstream:
		L.Error(ctx, err, "handler failed")
	case xerrors.KindClientInput:
		L.Debug(ctx, "client input rejected", "err", err.Error())
	}

	if writeError(w, r, err) {
		return
	}
	anomalies.Do(func() {
		phase := ""
		if st := StateFrom(ctx); st != nil {
			phase = st.Phase().String()
		}
		logger.Warn(ctx, "error after response was sent",
			"request_id", RequestIDFromContext(ctx),
			"url.path", r.URL.Path,
			"error_kind", kind.String(),
			"phase", phase,
			"err", err.Error(),
		)
	})
}

// writeError renders err as the complete response. It reports false when a
// response had already been sent.
func writeError(w http.ResponseWriter, r *http.Request, err error) bool {
	status, msg := xerrors.HTTPStatus(err)
	phase := PhaseErrored
	if xerrors.KindOf(err) == xerrors.KindTimeout {
		phase = PhaseTimedOut
	}
	return writeJSON(w, r, phase, status, errorBody{Error: msg})
}

type errorBody struct {
	Error string `json:"error"`
}

// WriteJSON sends v as the complete response for r. It reports false, writing
// nothing, when a response was already sent for this request.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, v any) bool {
	return writeJSON(w, r, PhaseResponded, status, v)
}

func writeJSON(w http.ResponseWriter, r *http.Request, phase Phase, status int, v any) bool {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"Internal Server Error"}`)
	}
	body = append(body, '\n')

	st := StateFrom(r.Context())
	if st == nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write(body)
		return true
	}
	h := st.hdr
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Del("Content-Length")
	return st.respond(phase, h, status, body)
}

func panicError(rec any) error {
	if err, ok := rec.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return errors.New(fmt.Sprint("panic: ", rec))
}

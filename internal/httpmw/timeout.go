package httpmw

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/keithlinneman/storefront-gateway/internal/log"
	"github.com/keithlinneman/storefront-gateway/internal/xerrors"
)

// TimeoutMessage is the body message of a timed-out request.
const TimeoutMessage = "Request timed out"

var (
	errTimedOut                = xerrors.Timeout(TimeoutMessage)
	timeoutStatus, timeoutBody = timeoutResponse()
)

func timeoutResponse() (int, []byte) {
	status, msg := xerrors.HTTPStatus(errTimedOut)
	body, _ := json.Marshal(errorBody{Error: msg})
	return status, append(body, '\n')
}

// deadlineCtx reports the guard's deadline to downstream I/O while the guard
// itself decides when Done closes.
type deadlineCtx struct {
	context.Context
	deadline time.Time
}

func (c *deadlineCtx) Deadline() (time.Time, bool) {
	if d, ok := c.Context.Deadline(); ok && d.Before(c.deadline) {
		return d, true
	}
	return c.deadline, true
}

func (c *deadlineCtx) Err() error {
	err := c.Context.Err()
	if err != nil && errors.Is(context.Cause(c.Context), context.DeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return err
}

// Timeout bounds the wall time of everything downstream. When d elapses
// before a response was sent, the request is marked timed-out and a 503 is
// written and flushed at once. The handler is not interrupted: it keeps
// running with a cancelled context and whatever it writes afterwards is
// discarded. onTimeout, if set, is called once per timed-out request.
//
// The 503 is committed before the handler's context is cancelled, so a
// handler woken by Done can never answer first.
func Timeout(d time.Duration, onTimeout func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := StateFrom(r.Context())
			if st == nil {
				http.TimeoutHandler(next, d, TimeoutMessage).ServeHTTP(w, r)
				return
			}
			if st.Halted() {
				return
			}
			st.Advance(PhaseTiming)

			base, cancel := context.WithCancelCause(r.Context())
			ctx := &deadlineCtx{Context: base, deadline: time.Now().Add(d)}

			// headers staged so far (security, CORS, rate limit) go out with the 503
			hdr := st.hdr.Clone()
			hdr.Set("Content-Type", "application/json; charset=utf-8")
			hdr.Del("Content-Length")

			fired := make(chan struct{})
			timer := time.AfterFunc(d, func() {
				defer close(fired)
				defer cancel(context.DeadlineExceeded)
				if r.Context().Err() != nil {
					return
				}
				if !st.respond(PhaseTimedOut, hdr, timeoutStatus, timeoutBody) {
					return
				}
				if onTimeout != nil {
					onTimeout()
				}
				log.FromContext(ctx).Warn(ctx, "request timed out",
					"timeout", d.String(),
					"elapsed", time.Since(st.Start).String(),
					"err", errTimedOut.Error(),
				)
			})
			defer func() {
				// the response writer must not be touched once ServeHTTP returns
				if !timer.Stop() {
					<-fired
				}
				cancel(context.Canceled)
			}()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/storefront-gateway/internal/httpmw"
	"github.com/keithlinneman/storefront-gateway/internal/log"
	"github.com/keithlinneman/storefront-gateway/internal/xerrors"
)

const (
	DefaultMax    = 100
	DefaultWindow = 15 * time.Minute

	// Message is the client-facing body message of a rejected request.
	Message = "Too many requests, please try again later"
)

// Window is the outcome of one Hit.
type Window struct {
	// Count is the number of requests counted in the current window. It
	// never exceeds the limit.
	Count int
	// Allowed reports whether this request fit in the window.
	Allowed bool
	// FirstDenial is set on the first rejection for a key in a window.
	FirstDenial bool
	// ResetAt is when the window ends and the count starts over.
	ResetAt time.Time
}

// Store counts requests per key. Hit must atomically reset an expired
// window, increment the count when it is below max and report the result.
// A rejected request must not increment the count.
type Store interface {
	Hit(ctx context.Context, key string, max int, window time.Duration) (Window, error)
}

// Limiter is the rate limiting stage of the pipeline.
type Limiter struct {
	store  Store
	max    int
	window time.Duration
	now    func() time.Time

	onDenied     func(key string)
	onStoreError func(err error)
	storeErrLog  *rate.Sometimes
}

type Option func(*Limiter)

// WithLimit sets the request ceiling per window.
func WithLimit(max int, window time.Duration) Option {
	return func(l *Limiter) {
		if max > 0 {
			l.max = max
		}
		if window > 0 {
			l.window = window
		}
	}
}

// WithOnDenied sets a callback run for every rejected request.
func WithOnDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.onDenied = fn }
}

// WithOnStoreError sets a callback run when the store fails and the request
// is let through.
func WithOnStoreError(fn func(err error)) Option {
	return func(l *Limiter) { l.onStoreError = fn }
}

// New returns a Limiter over store with the default 100 per 15 minutes.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:       store,
		max:         DefaultMax,
		window:      DefaultWindow,
		now:         time.Now,
		storeErrLog: &rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Max returns the configured ceiling.
func (l *Limiter) Max() int { return l.max }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Allow records one request for key.
func (l *Limiter) Allow(ctx context.Context, key string) (Window, error) {
	if key == "" {
		key = "unknown"
	}
	w, err := l.store.Hit(ctx, key, l.max, l.window)
	if err != nil {
		return Window{}, xerrors.Wrapf(err, "rate limit store hit for %s", key)
	}
	return w, nil
}

// Middleware rejects requests over the limit with 429 before anything else
// downstream runs. Every passing response carries the RateLimit-* headers.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		st := httpmw.StateFrom(ctx)
		if st != nil && st.Halted() {
			return
		}

		key := httpmw.ClientIPFromContext(ctx)
		win, err := l.Allow(ctx, key)
		if st != nil {
			st.Advance(httpmw.PhaseRateChecked)
		}
		if err != nil {
			l.storeErrLog.Do(func() {
				log.FromContext(ctx).Warn(ctx, "rate limit store unavailable, allowing request", "err", err.Error())
			})
			if l.onStoreError != nil {
				l.onStoreError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		resetIn := win.ResetAt.Sub(l.now())
		if resetIn < 0 {
			resetIn = 0
		}
		resetSecs := strconv.Itoa(int((resetIn + time.Second - 1) / time.Second))

		h := w.Header()
		h.Set("RateLimit-Limit", strconv.Itoa(l.max))
		h.Set("RateLimit-Remaining", strconv.Itoa(max(l.max-win.Count, 0)))
		h.Set("RateLimit-Reset", resetSecs)

		if win.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		if st != nil {
			st.Reject()
		}
		h.Set("Retry-After", resetSecs)
		if win.FirstDenial {
			// once per identity per window, never at error severity
			log.FromContext(ctx).Warn(ctx, "rate limit exceeded",
				"client.address", key,
				"limit", l.max,
				"window", l.window.String(),
				"reset_at", win.ResetAt.UTC().Format(time.RFC3339),
			)
		}
		if l.onDenied != nil {
			l.onDenied(key)
		}
		httpmw.Propagate(w, r, xerrors.RateLimited(Message))
	})
}

package httpmw

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/storefront-gateway/internal/log"
)

// Phase is the position of a request in the ingress pipeline. Phases only
// move forward and a terminal phase is never left.
type Phase int32

const (
	PhaseReceived Phase = iota
	PhaseSanitized
	PhaseRateChecked
	PhaseRejected
	PhaseTiming
	PhaseBodyResolved
	PhaseDispatched
	PhaseResponded
	PhaseTimedOut
	PhaseErrored
)

var phaseNames = [...]string{
	PhaseReceived:     "received",
	PhaseSanitized:    "sanitized",
	PhaseRateChecked:  "rate-checked",
	PhaseRejected:     "rejected",
	PhaseTiming:       "timing",
	PhaseBodyResolved: "body-resolved",
	PhaseDispatched:   "dispatched",
	PhaseResponded:    "responded",
	PhaseTimedOut:     "timed-out",
	PhaseErrored:      "errored",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int32(p))
	}
	return phaseNames[p]
}

// Terminal reports whether no further transition is possible from p.
func (p Phase) Terminal() bool {
	return p == PhaseRejected || p >= PhaseResponded
}

// ErrAlreadyResponded is returned by writes made after another stage already
// sent the complete response for the request.
var ErrAlreadyResponded = errors.New("httpmw: response already written")

// State is the per-request context shared by every pipeline stage. It is
// created by Ingress and owns the only writer allowed to reach the client.
type State struct {
	Method    string
	Path      string
	ClientID  string
	RequestID string
	UserAgent string
	Start     time.Time

	phase atomic.Int32

	// guarded by mu
	mu        sync.Mutex
	w         http.ResponseWriter
	hdr       http.Header
	committed bool
	closed    bool
	status    int
	size      int64
	rawBody   []byte
	parsed    any
	hasParsed bool
}

type stateKey struct{}

// StateFrom returns the request State, or nil outside the pipeline.
func StateFrom(ctx context.Context) *State {
	st, _ := ctx.Value(stateKey{}).(*State)
	return st
}

func newState(w http.ResponseWriter, r *http.Request) *State {
	return &State{
		Method:    r.Method,
		Path:      r.URL.Path,
		UserAgent: r.UserAgent(),
		Start:     time.Now(),
		w:         w,
		hdr:       w.Header().Clone(),
	}
}

// Phase returns the current phase.
func (s *State) Phase() Phase { return Phase(s.phase.Load()) }

// Advance moves the request to phase to. It reports false, leaving the phase
// untouched, when to is not ahead of the current phase or the current phase
// is terminal.
func (s *State) Advance(to Phase) bool {
	for {
		cur := Phase(s.phase.Load())
		if cur.Terminal() || to <= cur {
			return false
		}
		if s.phase.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

// Halted reports whether pipeline progress was stopped by a timeout, a rate
// limit rejection or an error. Stages check it before doing any work.
func (s *State) Halted() bool {
	switch s.Phase() {
	case PhaseTimedOut, PhaseRejected, PhaseErrored:
		return true
	}
	return false
}

// Reject marks the request as refused by the rate limiter.
func (s *State) Reject() bool { return s.Advance(PhaseRejected) }

// Committed reports whether a status line has been sent.
func (s *State) Committed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// Status returns the status actually sent to the client, 0 if none yet.
func (s *State) Status() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Size returns the number of body bytes actually sent to the client.
func (s *State) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// RawBody returns the captured webhook payload.
func (s *State) RawBody() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rawBody, s.rawBody != nil
}

// Parsed returns the decoded and sanitized structured body.
func (s *State) Parsed() (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parsed, s.hasParsed
}

func (s *State) setRawBody(b []byte) {
	if b == nil {
		b = []byte{}
	}
	s.mu.Lock()
	s.rawBody = b
	s.mu.Unlock()
}

func (s *State) setParsed(v any) {
	s.mu.Lock()
	s.parsed, s.hasParsed = v, true
	s.mu.Unlock()
}

// respond sends a complete response with the given headers unless one was
// already committed. phase is the terminal phase recorded for the request.
// It is the only write path that may run off the serving goroutine.
func (s *State) respond(phase Phase, h http.Header, status int, body []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.committed {
		return false
	}
	s.committed, s.closed = true, true
	s.Advance(phase)

	dst := s.w.Header()
	for k, vv := range h {
		dst[k] = vv
	}
	s.w.WriteHeader(status)
	s.status = status
	n, _ := s.w.Write(body)
	s.size += int64(n)
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return true
}

// guardedWriter is the ResponseWriter handed to every stage after Ingress.
// Headers are staged in a private map and copied to the connection on commit
// so a concurrent timeout response never races a handler on header access.
type guardedWriter struct {
	st *State
}

func (g *guardedWriter) Header() http.Header { return g.st.hdr }

func (g *guardedWriter) WriteHeader(code int) {
	s := g.st
	s.mu.Lock()
	defer s.mu.Unlock()
	g.commitLocked(code)
}

// commitLocked sends the status line once. Callers hold st.mu.
func (g *guardedWriter) commitLocked(code int) bool {
	s := g.st
	if s.closed {
		return false
	}
	if s.committed {
		return true
	}
	s.committed = true
	s.Advance(PhaseResponded)
	dst := s.w.Header()
	for k, vv := range s.hdr {
		dst[k] = vv
	}
	s.w.WriteHeader(code)
	s.status = code
	return true
}

func (g *guardedWriter) Write(b []byte) (int, error) {
	s := g.st
	s.mu.Lock()
	defer s.mu.Unlock()
	if !g.commitLocked(http.StatusOK) {
		if s.Phase() == PhaseTimedOut {
			return 0, http.ErrHandlerTimeout
		}
		return 0, ErrAlreadyResponded
	}
	n, err := s.w.Write(b)
	s.size += int64(n)
	return n, err
}

func (g *guardedWriter) Flush() {
	s := g.st
	s.mu.Lock()
	defer s.mu.Unlock()
	if !g.commitLocked(http.StatusOK) {
		return
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (g *guardedWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := g.st.w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

// IngressOptions configures the outermost pipeline stage.
type IngressOptions struct {
	Logger          log.Logger
	RequestIDHeader string
	ClientIP        ClientIPOptions
}

// Ingress creates the request State, assigns the request id and resolves the
// client identity. Every later stage finds them in the request context along
// with a request-scoped logger.
func Ingress(opts IngressOptions) func(http.Handler) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.RequestIDHeader == "" {
		opts.RequestIDHeader = "X-Request-Id"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := newState(w, r)
			st.ClientID = extractRealClientAddr(r, opts.ClientIP.TrustedHops)
			st.RequestID = requestIDFor(r, opts.RequestIDHeader)
			st.hdr.Set(opts.RequestIDHeader, st.RequestID)

			L := opts.Logger.With("request_id", st.RequestID)

			ctx := r.Context()
			ctx = context.WithValue(ctx, stateKey{}, st)
			ctx = WithRequestID(ctx, st.RequestID)
			ctx = WithClientIP(ctx, st.ClientID)
			ctx = log.WithContext(ctx, L)

			gw := &guardedWriter{st: st}
			next.ServeHTTP(gw, r.WithContext(ctx))
			// implicit 200 for handlers that wrote nothing, with the staged headers
			gw.WriteHeader(http.StatusOK)
		})
	}
}

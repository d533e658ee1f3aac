package xerrors

import (
	"errors"
	"net/http"
)

// Kind classifies a failure for the error boundary.
type Kind int

const (
	// KindUpstream is any failure raised by a handler. It is the zero value so
	// unclassified errors are treated as server errors.
	KindUpstream Kind = iota
	// KindClientInput covers malformed, oversized or otherwise invalid input.
	KindClientInput
	// KindRateLimited is a request rejected by the rate limiter.
	KindRateLimited
	// KindTimeout is a request whose deadline elapsed before a response was written.
	KindTimeout
	// KindConfig is missing or invalid startup configuration. Never per-request.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindClientInput:
		return "client_input"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindConfig:
		return "config"
	default:
		return "upstream"
	}
}

// classified carries a Kind, the status to answer with and the message that
// is safe to show a client. The wrapped error stays internal.
type classified struct {
	err    error
	kind   Kind
	status int
	public string
	pcs    []uintptr
}

func (c *classified) Error() string       { return c.err.Error() }
func (c *classified) Unwrap() error       { return c.err }
func (c *classified) StackPCs() []uintptr { return c.pcs }
func (c *classified) IsXerrorsWrapper()   {}

func classify(err error, kind Kind, status int, public string) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, kind: kind, status: status, public: public, pcs: captureStack(2)}
}

// ClientInput marks err as a client error answered with status (4xx) and public.
func ClientInput(err error, status int, public string) error {
	if status < 400 || status > 499 {
		status = http.StatusBadRequest
	}
	if public == "" {
		public = http.StatusText(status)
	}
	return classify(err, KindClientInput, status, public)
}

// Upstream marks err as a handler failure, always answered as a bare 500.
func Upstream(err error) error {
	return classify(err, KindUpstream, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
}

// RateLimited builds a rate limit rejection with the given client message.
func RateLimited(public string) error {
	return classify(errors.New("rate limit exceeded"), KindRateLimited, http.StatusTooManyRequests, public)
}

// Timeout builds a timed-out request error with the given client message.
func Timeout(public string) error {
	return classify(errors.New("request deadline exceeded"), KindTimeout, http.StatusServiceUnavailable, public)
}

// Config marks err as a startup configuration failure.
func Config(err error) error {
	return classify(err, KindConfig, 0, "")
}

// KindOf reports the Kind of the outermost classified error in the chain,
// KindUpstream when there is none.
func KindOf(err error) Kind {
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	return KindUpstream
}

// HTTPStatus returns the status code and client message for err. Errors that
// were never classified map to 500 with the generic status text so no internal
// detail is ever echoed back.
func HTTPStatus(err error) (int, string) {
	var c *classified
	if errors.As(err, &c) && c.status != 0 {
		return c.status, c.public
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

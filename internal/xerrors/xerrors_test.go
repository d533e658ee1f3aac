package xerrors

import (
	"errors"
	"net/http"
	"runtime"
	"strings"
	"testing"
)

var errSentinel = errors.New("sentinel")

// stackContains checks if any frame in PCs contains the given function name substring.
func stackContains(pcs []uintptr, substr string) bool {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.Contains(fr.Function, substr) {
			return true
		}
		if !more {
			break
		}
	}
	return false
}

func TestNew_StackContainsCaller(t *testing.T) {
	err := New("test")

	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatal("New error should have StackPCs")
	}
	if !stackContains(hs.StackPCs(), "TestNew_StackContainsCaller") {
		t.Fatal("stack should contain calling function")
	}
}

func TestNewf_FormatsMessage(t *testing.T) {
	err := Newf("invalid port %d for %s", 99999, "server")
	if got, want := err.Error(), "invalid port 99999 for server"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestWrap_NilReturnsNil(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Fatal("Wrap(nil) should return nil")
	}
	if Wrapf(nil, "context %d", 1) != nil {
		t.Fatal("Wrapf(nil) should return nil")
	}
}

func TestWrap_MessageAndUnwrap(t *testing.T) {
	err := Wrapf(Wrap(errSentinel, "read body"), "route %s", "/api/products")

	if got, want := err.Error(), "route /api/products: read body: sentinel"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, errSentinel) {
		t.Fatal("should unwrap to sentinel")
	}

	var hp interface{ PC() uintptr }
	if !errors.As(err, &hp) || hp.PC() == 0 {
		t.Fatal("Wrap should capture a non-zero PC")
	}
}

func TestEnsureTrace_Idempotent(t *testing.T) {
	first := New("already traced")
	if second := EnsureTrace(first); second != first { //nolint:errorlint // testing error identity
		t.Fatal("EnsureTrace should return same error if already stacked")
	}
	if EnsureTrace(nil) != nil {
		t.Fatal("EnsureTrace(nil) should return nil")
	}
}

func TestEnsureTrace_AddsStackToPlainError(t *testing.T) {
	err := EnsureTrace(errSentinel)

	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) || len(hs.StackPCs()) == 0 {
		t.Fatal("should add stack to plain error")
	}
	if !errors.Is(err, errSentinel) {
		t.Fatal("should still unwrap to sentinel")
	}
}

// Kind taxonomy

func TestKindOf_Unclassified(t *testing.T) {
	if got := KindOf(errSentinel); got != KindUpstream {
		t.Fatalf("KindOf(plain) = %v, want upstream", got)
	}
}

func TestKindOf_SurvivesWrapping(t *testing.T) {
	err := Wrap(ClientInput(errSentinel, http.StatusRequestEntityTooLarge, "request entity too large"), "read body")

	if got := KindOf(err); got != KindClientInput {
		t.Fatalf("KindOf = %v, want client_input", got)
	}
	status, msg := HTTPStatus(err)
	if status != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", status)
	}
	if msg != "request entity too large" {
		t.Fatalf("msg = %q", msg)
	}
	if !errors.Is(err, errSentinel) {
		t.Fatal("classified error should unwrap to cause")
	}
}

func TestClientInput_NormalizesStatusAndMessage(t *testing.T) {
	status, msg := HTTPStatus(ClientInput(errSentinel, http.StatusOK, ""))
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if msg != "Bad Request" {
		t.Fatalf("msg = %q, want status text", msg)
	}
}

func TestHTTPStatus_NeverLeaksInternalMessage(t *testing.T) {
	for _, err := range []error{
		errors.New("pq: connection refused on 10.0.0.12"),
		Upstream(errors.New("pq: connection refused on 10.0.0.12")),
	} {
		status, msg := HTTPStatus(err)
		if status != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", status)
		}
		if strings.Contains(msg, "10.0.0.12") {
			t.Fatalf("client message leaked internals: %q", msg)
		}
	}
}

func TestRateLimitedAndTimeout(t *testing.T) {
	tests := []struct {
		err    error
		kind   Kind
		status int
		msg    string
	}{
		{RateLimited("Too many requests, please try again later"), KindRateLimited, 429, "Too many requests, please try again later"},
		{Timeout("Request timed out"), KindTimeout, 503, "Request timed out"},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.kind {
			t.Errorf("KindOf = %v, want %v", got, tt.kind)
		}
		status, msg := HTTPStatus(tt.err)
		if status != tt.status || msg != tt.msg {
			t.Errorf("HTTPStatus = %d %q, want %d %q", status, msg, tt.status, tt.msg)
		}
	}
}

func TestConfig_Kind(t *testing.T) {
	err := Config(errors.New("cors-origin is required"))
	if KindOf(err) != KindConfig {
		t.Fatalf("KindOf = %v, want config", KindOf(err))
	}
	if KindConfig.String() != "config" {
		t.Fatalf("String() = %q", KindConfig.String())
	}
}

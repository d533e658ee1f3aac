package httpmw

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/keithlinneman/storefront-gateway/internal/log"
)

type logEntry struct {
	level slog.Level
	msg   string
	err   error
	kv    []any
}

func (e logEntry) field(key string) any {
	for i := 0; i+1 < len(e.kv); i += 2 {
		if e.kv[i] == key {
			return e.kv[i+1]
		}
	}
	return nil
}

// recordingLogger captures every record. With returns the same logger so
// request-scoped loggers land here too.
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) add(e logEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *recordingLogger) With(...any) log.Logger { return l }
func (l *recordingLogger) Debug(_ context.Context, msg string, kv ...any) {
	l.add(logEntry{level: slog.LevelDebug, msg: msg, kv: kv})
}
func (l *recordingLogger) Info(_ context.Context, msg string, kv ...any) {
	l.add(logEntry{level: slog.LevelInfo, msg: msg, kv: kv})
}
func (l *recordingLogger) Warn(_ context.Context, msg string, kv ...any) {
	l.add(logEntry{level: slog.LevelWarn, msg: msg, kv: kv})
}
func (l *recordingLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	l.add(logEntry{level: slog.LevelError, msg: msg, err: err, kv: kv})
}
func (l *recordingLogger) Sync() error { return nil }

func (l *recordingLogger) find(msg string) []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []logEntry
	for _, e := range l.entries {
		if e.msg == msg {
			out = append(out, e)
		}
	}
	return out
}

// pipeline wraps h in Ingress and an error boundary, the minimum every
// stage expects around it.
func pipeline(logger log.Logger, h http.Handler, mws ...Middleware) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	all := append([]Middleware{
		Ingress(IngressOptions{Logger: logger}),
		ErrorBoundary(logger, nil),
	}, mws...)
	return Chain(h, all...)
}

func serve(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

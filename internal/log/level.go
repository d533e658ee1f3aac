package log

import (
	"context"
	"log/slog"
	"net/http"
)

// LevelForStatus maps a final HTTP status code to the severity of its access
// log record. The order of the checks is part of the contract.
func LevelForStatus(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound:
		return slog.LevelWarn
	case status >= 400:
		return slog.LevelWarn
	case status == http.StatusNotModified:
		return slog.LevelDebug
	case status >= 300 && status < 400:
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}

// At logs msg on L at lvl. Error records carry a nil error so the record is
// emitted at error severity without an error chain.
func At(ctx context.Context, L Logger, lvl slog.Level, msg string, kv ...any) {
	switch {
	case lvl >= slog.LevelError:
		L.Error(ctx, nil, msg, kv...)
	case lvl >= slog.LevelWarn:
		L.Warn(ctx, msg, kv...)
	case lvl >= slog.LevelInfo:
		L.Info(ctx, msg, kv...)
	default:
		L.Debug(ctx, msg, kv...)
	}
}

package httpserver

import (
	"net/http"

	"github.com/keithlinneman/storefront-gateway/internal/catalog"
	"github.com/keithlinneman/storefront-gateway/internal/cfg"
	"github.com/keithlinneman/storefront-gateway/internal/health"
	"github.com/keithlinneman/storefront-gateway/internal/httpmw"
	"github.com/keithlinneman/storefront-gateway/internal/log"
	"github.com/keithlinneman/storefront-gateway/internal/ratelimit"
)

type Options struct {
	Logger   log.Logger
	Port     int
	Pipeline cfg.Pipeline

	// Limiter is the shared rate limiter. Nil disables the stage.
	Limiter *ratelimit.Limiter
	// MetricsMW instruments the general branch.
	MetricsMW func(http.Handler) http.Handler

	// Webhook is mounted at Pipeline.WebhookPath on the raw body branch.
	Webhook httpmw.HandlerFunc
	Catalog catalog.Service
	// Routes are mounted after the built-in ones.
	Routes []Route

	Health    health.Probe
	Readiness health.Probe

	OnPanic     func()
	OnTimeout   func()
	OnSanitized func(stage string, n int)
}

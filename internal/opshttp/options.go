package opshttp

import (
	"net/http"

	"github.com/keithlinneman/storefront-gateway/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// OnPanic is called when a panic in an admin handler is recovered.
	OnPanic func()
}

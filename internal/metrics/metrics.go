package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/storefront-gateway/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	// pipeline stages
	ratelimitDeniedTotal      prometheus.Counter
	ratelimitStoreErrorsTotal prometheus.Counter
	ratelimitBreakerState     *prometheus.GaugeVec
	timeoutsTotal             prometheus.Counter
	sanitizedTotal            *prometheus.CounterVec

	// webhook collaborator
	webhookEventsTotal        *prometheus.CounterVec
	webhookArchiveErrorsTotal prometheus.Counter

	profilingActive prometheus.Gauge
}

// New returns a fresh registry + standard collectors + HTTP and pipeline
// metrics. safe labels only (method, route, code) to avoid path/cardinality
// explosions, client identities never become labels.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitStoreErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_store_errors_total",
			Help: "Total rate limit store failures (request allowed through)",
		}),
		ratelimitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_store_breaker_state",
			Help: "Rate limit store circuit breaker state (1 for the current state)",
		}, []string{"state"}),
		timeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_timed_out_total",
			Help: "Total requests answered by the timeout guard",
		}),
		sanitizedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_sanitized_keys_total",
			Help: "Total operator keys and header values removed by stage",
		}, []string{"stage"}),
		webhookEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Total webhook deliveries by result",
		}, []string{"result"}),
		webhookArchiveErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webhook_archive_errors_total",
			Help: "Total failures archiving raw webhook payloads",
		}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitStoreErrorsTotal,
		m.ratelimitBreakerState,
		m.timeoutsTotal,
		m.sanitizedTotal,
		m.webhookEventsTotal,
		m.webhookArchiveErrorsTotal,
		m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

// Register adds collectors owned by other packages, the redis store's
// latency histogram for one.
func (m *ServerMetrics) Register(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := m.reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitStoreError() {
	m.ratelimitStoreErrorsTotal.Inc()
}

// SetBreakerState records the redis breaker's current state.
func (m *ServerMetrics) SetBreakerState(state string) {
	m.ratelimitBreakerState.Reset()
	m.ratelimitBreakerState.WithLabelValues(state).Set(1)
}

func (m *ServerMetrics) IncTimeout() {
	m.timeoutsTotal.Inc()
}

// AddSanitized counts removed keys for a stage ("ingress" or "body").
func (m *ServerMetrics) AddSanitized(stage string, n int) {
	m.sanitizedTotal.WithLabelValues(stage).Add(float64(n))
}

func (m *ServerMetrics) IncWebhookEvent(result string) {
	m.webhookEventsTotal.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) IncWebhookArchiveError() {
	m.webhookArchiveErrorsTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

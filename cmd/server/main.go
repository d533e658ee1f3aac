package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/storefront-gateway/internal/catalog"
	"github.com/keithlinneman/storefront-gateway/internal/cfg"
	"github.com/keithlinneman/storefront-gateway/internal/health"
	"github.com/keithlinneman/storefront-gateway/internal/opshttp"
	"github.com/keithlinneman/storefront-gateway/internal/ratelimit"
	"github.com/keithlinneman/storefront-gateway/internal/secrets"
	"github.com/keithlinneman/storefront-gateway/internal/webhook"

	"github.com/keithlinneman/storefront-gateway/internal/httpserver"
	"github.com/keithlinneman/storefront-gateway/internal/log"
	"github.com/keithlinneman/storefront-gateway/internal/metrics"
	"github.com/keithlinneman/storefront-gateway/internal/otelx"
	"github.com/keithlinneman/storefront-gateway/internal/prof"
	v "github.com/keithlinneman/storefront-gateway/internal/version"
)

const (
	appName   = "storefront-gateway"
	component = "server"
	// drainPeriod gives the load balancer time to see the failing readiness
	// check before listeners close.
	drainPeriod = 60 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s %s\n", appName, vi)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix STOREFRONT_ and validate
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// missing or malformed configuration is fatal, nothing is served on defaults
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:             appName,
		Component:       component,
		Version:         vi.Version,
		Commit:          vi.Commit,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer lg.Sync()
	L := lg
	ctx = log.WithContext(ctx, L)

	pipeline := conf.Pipeline()
	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"cors_origin", pipeline.CORSOrigin,
		"rate_limit_max", pipeline.RateLimitMax,
		"rate_limit_window", pipeline.RateLimitWindow.String(),
		"request_timeout", pipeline.RequestTimeout.String(),
		"body_limit", pipeline.BodyLimit,
		"trusted_hops", pipeline.TrustedHops,
		"webhook_path", pipeline.WebhookPath,
		"redis_addr", conf.RedisAddr,
		"webhook_archive_bucket", conf.WebhookArchiveBucket,
	)

	// Setup metrics early so profiling and the limiter can report into it
	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, component, vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": component,
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(err == nil && conf.EnablePyroscope)
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// AWS config is only loaded when something needs it, local runs work without credentials
	var awsCfg *aws.Config
	if conf.WebhookSecretSSMParam != "" || conf.WebhookArchiveBucket != "" {
		c, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		awsCfg = &c
	}

	// setup rate limit store, shared through redis when configured so every instance counts the same windows
	var (
		store      ratelimit.Store
		storeProbe health.Probe
	)
	if conf.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: conf.RedisAddr})
		defer rdb.Close()

		redisStore := ratelimit.NewRedisStore(rdb, ratelimit.RedisOptions{
			Prefix: conf.RedisPrefix,
			OnStateChange: func(from, to string) {
				m.SetBreakerState(to)
				L.Warn(ctx, "rate limit store breaker state changed", "from", from, "to", to)
			},
		})
		m.SetBreakerState(redisStore.State())
		if err := m.Register(ratelimit.Collectors()...); err != nil {
			L.Error(ctx, err, "failed to register redis store metrics")
		}
		if err := redisStore.Ping(ctx); err != nil {
			// fail-open limiter, start anyway and let the breaker recover
			L.Warn(ctx, "rate limit store unreachable at startup", "err", err.Error())
		}
		store = redisStore
		storeProbe = health.WithTimeout(health.CheckFunc(redisStore.Ping), time.Second)
	} else {
		store = ratelimit.NewMemoryStore(ctx)
		L.Info(ctx, "using in-process rate limit store, limits are per instance")
	}

	limiter := ratelimit.New(store,
		ratelimit.WithLimit(pipeline.RateLimitMax, pipeline.RateLimitWindow),
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		ratelimit.WithOnStoreError(func(error) { m.IncRateLimitStoreError() }),
	)

	// setup webhook collaborator
	webhookSecrets, err := secrets.Resolve(ctx, secrets.Options{
		Logger:    L,
		Literal:   conf.WebhookSecret,
		SSMParam:  conf.WebhookSecretSSMParam,
		AWSConfig: awsCfg,
	})
	if err != nil {
		L.Error(ctx, err, "failed to resolve webhook signing secret")
		os.Exit(1)
	}

	var archiver webhook.Archiver
	if conf.WebhookArchiveBucket != "" {
		archiver = &webhook.S3Archiver{
			Client: s3.NewFromConfig(*awsCfg),
			Bucket: conf.WebhookArchiveBucket,
			Prefix: conf.WebhookArchivePrefix,
		}
	}

	// order/payment state transitions live behind the router, unknown types are acknowledged
	events := webhook.NewRouter()
	events.Fallback = webhook.ProcessorFunc(func(ctx context.Context, ev webhook.Event) error {
		log.FromContext(ctx).Info(ctx, "webhook event acknowledged", "event.livemode", ev.Livemode)
		return nil
	})

	webhookHandler := &webhook.Handler{
		Verifier: &webhook.Verifier{
			Secrets:   webhookSecrets,
			Tolerance: conf.WebhookTolerance,
		},
		Processor:      events,
		Archiver:       archiver,
		OnResult:       m.IncWebhookEvent,
		OnArchiveError: m.IncWebhookArchiveError,
	}

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// the public listener only follows the gate, a shared store outage must not drain every instance at once
	readiness := gate.Probe()
	opsReadiness := health.All(gate.Probe(), storeProbe)

	// start storefront http server
	siteHTTPStop, err := httpserver.Start(ctx, httpserver.Options{
		Logger:    L,
		Port:      conf.HTTPPort,
		Pipeline:  pipeline,
		Limiter:   limiter,
		MetricsMW: m.Middleware,
		Webhook:   webhookHandler.ServeWebhook,
		Catalog:   catalog.NewMemory(),
		Health:    health.Fixed(true, ""),
		Readiness: readiness,
		OnPanic:   m.IncHttpPanic,
		OnTimeout: m.IncTimeout,
		OnSanitized: func(stage string, n int) {
			m.AddSanitized(stage, n)
		},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start storefront http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof and any future admin APIs
	// sg restricts inbound to internal monitoring infrastructure
	// we reject connections from public ips in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic there
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   opsReadiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err.Error())
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness checks to drain connections
	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining", "drain_period", drainPeriod.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "storefront http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}

	stopProf()

	L.Info(bg, "shutdown complete")
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}

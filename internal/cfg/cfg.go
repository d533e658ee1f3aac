package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/storefront-gateway/internal/log"
	"github.com/keithlinneman/storefront-gateway/internal/xerrors"
)

// EnvPrefix is prepended to every flag name when reading the environment.
const EnvPrefix = "STOREFRONT_"

type App struct {
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string
	HTTPPort        int
	AdminPort       int
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	// ingress pipeline
	CORSOrigin        string
	RateLimitMax      int
	RateLimitWindow   time.Duration
	RequestTimeout    time.Duration
	BodyLimit         int64
	TrustedHops       int
	SanitizeAllowDots bool

	// shared rate limit store, empty = in-process
	RedisAddr   string
	RedisPrefix string

	// webhook collaborator
	WebhookPath           string
	WebhookSecret         string
	WebhookSecretSSMParam string
	WebhookTolerance      time.Duration
	WebhookArchiveBucket  string
	WebhookArchivePrefix  string
}

// Pipeline is the validated subset of App handed to the ingress stages.
type Pipeline struct {
	CORSOrigin        string
	RateLimitMax      int
	RateLimitWindow   time.Duration
	RequestTimeout    time.Duration
	BodyLimit         int64
	WebhookPath       string
	TrustedHops       int
	SanitizeAllowDots bool
}

func (c App) Pipeline() Pipeline {
	return Pipeline{
		CORSOrigin:        c.CORSOrigin,
		RateLimitMax:      c.RateLimitMax,
		RateLimitWindow:   c.RateLimitWindow,
		RequestTimeout:    c.RequestTimeout,
		BodyLimit:         c.BodyLimit,
		WebhookPath:       c.WebhookPath,
		TrustedHops:       c.TrustedHops,
		SanitizeAllowDots: c.SanitizeAllowDots,
	}
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.CORSOrigin, "cors-origin", "", "allowed CORS origin, scheme://host[:port] or * (required)")
	fs.IntVar(&c.RateLimitMax, "rate-limit-max", 100, "requests allowed per client per window")
	fs.DurationVar(&c.RateLimitWindow, "rate-limit-window", 15*time.Minute, "rate limit fixed window length")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", 5*time.Second, "per-request processing deadline")
	fs.Int64Var(&c.BodyLimit, "body-limit", 1<<20, "max request body bytes")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "number of trusted reverse proxies appending X-Forwarded-For")
	fs.BoolVar(&c.SanitizeAllowDots, "sanitize-allow-dots", false, "keep keys containing '.' (keys starting with $ are always removed)")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis host:port for the shared rate limit store (empty = in-memory)")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", "storefront:ratelimit:", "redis key prefix for rate limit windows")

	fs.StringVar(&c.WebhookPath, "webhook-path", "/webhook", "path receiving payment provider webhooks")
	fs.StringVar(&c.WebhookSecret, "webhook-secret", "", "webhook signing secret (prefer -webhook-secret-ssm-param)")
	fs.StringVar(&c.WebhookSecretSSMParam, "webhook-secret-ssm-param", "", "SSM SecureString parameter holding the webhook signing secret")
	fs.DurationVar(&c.WebhookTolerance, "webhook-tolerance", 5*time.Minute, "max age of a signed webhook timestamp")
	fs.StringVar(&c.WebhookArchiveBucket, "webhook-archive-s3-bucket", "", "s3 bucket to archive raw webhook payloads to (empty = off)")
	fs.StringVar(&c.WebhookArchivePrefix, "webhook-archive-s3-prefix", "webhooks/raw", "s3 key prefix for archived webhook payloads")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value overrides env %s", f.Name, key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// Validate checks every value once at startup. The returned error joins all
// problems found and is classified as a configuration error.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Pipeline
	switch {
	case c.CORSOrigin == "":
		errs = append(errs, fmt.Errorf("CORS_ORIGIN is required"))
	case c.CORSOrigin != "*":
		if u, err := url.Parse(c.CORSOrigin); err != nil || u.Scheme == "" || u.Host == "" || (u.Path != "" && u.Path != "/") {
			errs = append(errs, fmt.Errorf("CORS_ORIGIN must be scheme://host[:port] or * (got %q)", c.CORSOrigin))
		}
	}
	if c.RateLimitMax < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_MAX must be positive (got %d)", c.RateLimitMax))
	}
	if c.RateLimitWindow < time.Second {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW must be at least 1s (got %s)", c.RateLimitWindow))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("REQUEST_TIMEOUT must be positive (got %s)", c.RequestTimeout))
	}
	if c.BodyLimit < 1 {
		errs = append(errs, fmt.Errorf("BODY_LIMIT must be positive (got %d)", c.BodyLimit))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 8 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..8 (got %d)", c.TrustedHops))
	}
	if !strings.HasPrefix(c.WebhookPath, "/") || strings.HasPrefix(c.WebhookPath, "/api/") {
		errs = append(errs, fmt.Errorf("WEBHOOK_PATH must be an absolute path outside /api (got %q)", c.WebhookPath))
	}

	if c.RedisAddr != "" {
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err))
		}
	}

	// Webhook signing
	if c.WebhookSecret != "" && c.WebhookSecretSSMParam != "" {
		errs = append(errs, fmt.Errorf("set only one of WEBHOOK_SECRET and WEBHOOK_SECRET_SSM_PARAM"))
	}
	if c.WebhookSecret == "" && c.WebhookSecretSSMParam == "" {
		errs = append(errs, fmt.Errorf("WEBHOOK_SECRET or WEBHOOK_SECRET_SSM_PARAM is required"))
	}
	if c.WebhookTolerance <= 0 {
		errs = append(errs, fmt.Errorf("WEBHOOK_TOLERANCE must be positive (got %s)", c.WebhookTolerance))
	}

	if len(errs) > 0 {
		return xerrors.Config(errors.Join(errs...))
	}
	return nil
}

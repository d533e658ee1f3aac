package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/keithlinneman/storefront-gateway/internal/xerrors"
)

// hitScript runs one fixed-window hit atomically.
// KEYS[1] = counter, KEYS[2] = first-denial marker
// ARGV[1] = limit, ARGV[2] = window in milliseconds
// returns {allowed, count, ttl_ms, first_denial}
var hitScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if count < limit then
	count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], window)
	end
	return {1, count, redis.call('PTTL', KEYS[1]), 0}
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	ttl = window
	redis.call('PEXPIRE', KEYS[1], window)
end
local first = 0
if redis.call('SET', KEYS[2], '1', 'NX', 'PX', ttl) then
	first = 1
end
return {0, count, ttl, first}
`)

var redisHitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "storefront_ratelimit_redis_hit_duration_seconds",
	Help:    "Duration of rate limit hits against redis",
	Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
}, []string{"result"})

// Collectors returns the store's metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{redisHitDuration}
}

// RedisStore shares windows between gateway instances. Calls go through a
// circuit breaker so a dead redis costs one fast failure per request instead
// of a dial timeout.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

type RedisOptions struct {
	// Prefix namespaces every key, default "storefront:ratelimit:".
	Prefix string
	// Timeout bounds a single hit, default 250ms.
	Timeout time.Duration
	// FailureThreshold is the consecutive failures that open the breaker,
	// default 5.
	FailureThreshold uint32
	// OpenFor is how long the breaker stays open before probing, default 30s.
	OpenFor time.Duration
	// OnStateChange is called on every breaker transition.
	OnStateChange func(from, to string)
}

// NewRedisStore wraps client. The caller owns the client and closes it.
func NewRedisStore(client redis.UniversalClient, opts RedisOptions) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = "storefront:ratelimit:"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 250 * time.Millisecond
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenFor <= 0 {
		opts.OpenFor = 30 * time.Second
	}

	threshold := opts.FailureThreshold
	onChange := opts.OnStateChange
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ratelimit-redis",
		MaxRequests: 1,
		Timeout:     opts.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if onChange != nil {
				onChange(from.String(), to.String())
			}
		},
		// the caller giving up is not a redis failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &RedisStore{
		client:  client,
		prefix:  opts.Prefix,
		timeout: opts.Timeout,
		breaker: breaker,
		now:     time.Now,
	}
}

// Hit implements Store.
func (s *RedisStore) Hit(ctx context.Context, key string, max int, window time.Duration) (Window, error) {
	start := time.Now()
	// hash tag keeps both keys in one cluster slot
	base := s.prefix + "{" + key + "}"

	res, err := s.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return hitScript.Run(ctx, s.client,
			[]string{base, base + ":denied"},
			max, window.Milliseconds(),
		).Int64Slice()
	})
	if err != nil {
		redisHitDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return Window{}, xerrors.Wrap(err, "redis rate limit hit")
	}
	redisHitDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	vals, _ := res.([]int64)
	if len(vals) != 4 {
		return Window{}, xerrors.Newf("redis rate limit hit: unexpected reply %v", res)
	}
	ttl := time.Duration(vals[2]) * time.Millisecond
	if ttl < 0 {
		ttl = window
	}
	return Window{
		Allowed:     vals[0] == 1,
		Count:       int(vals[1]),
		ResetAt:     s.now().Add(ttl),
		FirstDenial: vals[3] == 1,
	}, nil
}

// State reports the breaker state, for health checks.
func (s *RedisStore) State() string { return s.breaker.State().String() }

// Ping checks redis through the breaker.
func (s *RedisStore) Ping(ctx context.Context) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/caseguard/pkg/httputil"
	"github.com/platinummonkey/caseguard/pkg/observability"
)

// RateLimiter is a Redis-backed fixed-window limiter. Counters are shared
// by every instance using the same Redis.
type RateLimiter struct {
	redis  redis.UniversalClient
	limit  int
	window time.Duration
	prefix string
	logger *observability.Logger
	now    func() time.Time
}

// NewRateLimiter allows limit requests per window for each key
func NewRateLimiter(client redis.UniversalClient, limit int, window time.Duration, prefix string, logger *observability.Logger) *RateLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		redis:  client,
		limit:  limit,
		window: window,
		prefix: prefix,
		logger: observability.Default(logger),
		now:    time.Now,
	}
}

// Result is the outcome of one Allow call
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Allow counts one request for key in the current window. A Redis error
// allows the request and is returned for logging.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (Result, error) {
	now := rl.now()
	windowStart := now.Truncate(rl.window)
	reset := windowStart.Add(rl.window)
	redisKey := fmt.Sprintf("%s:%s:%d", rl.prefix, key, windowStart.Unix())

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{Allowed: true, Limit: rl.limit, Remaining: rl.limit, Reset: reset}, fmt.Errorf("redis error: %w", err)
	}

	count := int(incr.Val())
	remaining := rl.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: count <= rl.limit, Limit: rl.limit, Remaining: remaining, Reset: reset}, nil
}

// Handler limits next per route and per subject, or per client IP for
// anonymous requests
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := routeKey(r) + ":" + clientKey(r)

		res, err := rl.Allow(ctx, key)
		if err != nil {
			observability.FromContext(ctx).WithError(err).Warn("rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))

		if !res.Allowed {
			retryAfter := int(res.Reset.Sub(rl.now()).Seconds() + 0.5)
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httputil.WriteTooManyRequests(w, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func routeKey(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

func clientKey(r *http.Request) string {
	if identity := IdentityFrom(r); identity != nil {
		return "user:" + identity.SubjectID
	}
	return "ip:" + httputil.ClientIP(r)
}

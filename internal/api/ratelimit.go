package api

import (
	"context"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RateLimiter counts requests per scope and subject within a fixed window.
type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (allowed bool, retryAfterSeconds int, err error)
}

// RedisRateLimiter implements distributed rate limiting using Redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "escrow:rate_limit"
	}
	return &RedisRateLimiter{client: client, prefix: trimmedPrefix}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (bool, int, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return true, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
	rawResult, err := rateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return false, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}
	count, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return count <= int64(limit), retryAfter, nil
}

// LocalRateLimiter is a per-process token bucket used when Redis is not configured.
type LocalRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

func NewLocalRateLimiter() *LocalRateLimiter {
	return &LocalRateLimiter{visitors: make(map[string]*rate.Limiter)}
}

func (l *LocalRateLimiter) Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (bool, int, error) {
	if limit <= 0 || window <= 0 {
		return true, 0, nil
	}
	key := scope + ":" + subject

	l.mu.Lock()
	limiter, ok := l.visitors[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
		l.visitors[key] = limiter
	}
	l.mu.Unlock()

	if limiter.Allow() {
		return true, 0, nil
	}
	retryAfter := int(math.Ceil((window / time.Duration(limit)).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}

// RateLimit rejects callers that exceed perMinute requests on scope. Authenticated callers
// are keyed by their Clerk user id and everyone else by client IP. A limiter error lets
// the request through.
func RateLimit(limiter RateLimiter, scope string, perMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || perMinute <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := GetClerkUserID(r.Context())
			if !ok || subject == "" {
				subject = clientIP(r)
			}

			allowed, retryAfter, err := limiter.Allow(r.Context(), scope, subject, perMinute, time.Minute)
			if err != nil {
				log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" scope=%s err=%v", scope, err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if parsed := net.ParseIP(first); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

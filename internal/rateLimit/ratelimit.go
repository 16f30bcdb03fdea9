package rateLimit

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/robertarktes/ticket-admission/internal/observability"
)

// Counter counts hits in a fixed window that starts with the first hit.
type Counter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
}

type RateLimiter struct {
	counter Counter
	rate    int
	period  time.Duration
	logger  observability.Logger
}

func NewRateLimiter(counter Counter, rate int, period time.Duration, logger observability.Logger) *RateLimiter {
	return &RateLimiter{counter: counter, rate: rate, period: period, logger: logger}
}

func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := rl.counter.Hit(ctx, key, rl.period)
	if err != nil {
		return true, err
	}
	return n <= int64(rl.rate), nil
}

// Middleware limits requests per client IP. When the counter is unavailable
// the request goes through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, err := rl.Allow(r.Context(), "ip:"+ClientIP(r))
		if err != nil {
			rl.logger.WithError(err).Warn("rate limit counter unavailable")
		}
		if !ok {
			observability.RateLimitExceeded.Inc()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.period.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"success":false,"result":"rate_limited","message":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP strips the port from RemoteAddr. chi's RealIP middleware has
// already applied any proxy headers.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

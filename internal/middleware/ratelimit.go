package middleware

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	apperrors "dmserver/internal/errors"
	"dmserver/internal/metrics"
	"dmserver/internal/privacy"
	"dmserver/internal/tracing"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const defaultLimiterIdleTTL = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// UserRateLimiter applies a token bucket per caller. Requests without a user
// are keyed by client IP.
type UserRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
	logger   *logrus.Logger
}

func NewUserRateLimiter(requestsPerSecond float64, burst int, logger *logrus.Logger) *UserRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &UserRateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(requestsPerSecond),
		burst:    burst,
		idleTTL:  defaultLimiterIdleTTL,
		now:      time.Now,
		logger:   logger,
	}
}

// Allow reports whether key may make a request now.
func (l *UserRateLimiter) Allow(key string) bool {
	return l.limiter(key).AllowN(l.now(), 1)
}

func (l *UserRateLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if v, ok := l.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// SetLimits changes the budget for new and existing callers.
func (l *UserRateLimiter) SetLimits(requestsPerSecond float64, burst int) {
	if burst <= 0 {
		burst = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limit = rate.Limit(requestsPerSecond)
	l.burst = burst
	now := l.now()
	for _, v := range l.visitors {
		v.limiter.SetLimitAt(now, l.limit)
		v.limiter.SetBurstAt(now, burst)
	}
}

func (l *UserRateLimiter) limits() (rate.Limit, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit, l.burst
}

// Cleanup drops limiters idle for longer than the idle TTL and returns how
// many were removed.
func (l *UserRateLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idleTTL)
	removed := 0
	for key, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, key)
			removed++
		}
	}
	return removed
}

// CleanupLoop runs Cleanup every interval until stop is closed.
func (l *UserRateLimiter) CleanupLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := l.Cleanup(); n > 0 {
				l.logger.WithField("removed", n).Debug("Evicted idle rate limiters")
			}
		}
	}
}

// Middleware rejects callers over their budget with 429.
func (l *UserRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := UserID(r)
		if key == "" {
			key = "ip:" + ClientIP(r)
		}

		if l.Allow(key) {
			next.ServeHTTP(w, r)
			return
		}

		metrics.IncrementCounter("http_rate_limited_total", nil)
		l.logger.WithFields(logrus.Fields{
			"key":      privacy.MaskUserID(key),
			"endpoint": routeTemplate(r),
		}).Warn("Rate limit exceeded")

		limit, burst := l.limits()
		err := apperrors.NewRateLimitError(float64(limit), burst)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(apperrors.HTTPStatusCode(err))
		_ = json.NewEncoder(w).Encode(apperrors.ToHTTPResponse(err, tracing.GetRequestID(r.Context())))
	})
}

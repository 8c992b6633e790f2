package auth

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"storefront/internal/observability"
)

const (
	defaultLimitHits   = 10
	defaultLimitWindow = time.Minute
	maxTrackedIPs      = 5000
)

// IPStore counts login requests per client IP inside a window. It reports
// whether the current request is allowed and, if not, how long to wait.
type IPStore interface {
	AllowLoginIP(ctx context.Context, ip string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error)
}

type LoginRateLimiter struct {
	store   IPStore
	maxHits int
	window  time.Duration
	logger  *observability.Logger
	now     func() time.Time
}

func NewLoginRateLimiter(store IPStore, maxHits int, window time.Duration) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = defaultLimitHits
	}
	if window <= 0 {
		window = defaultLimitWindow
	}
	if store == nil {
		store = NewMemoryIPStore()
	}

	return &LoginRateLimiter{
		store:   store,
		maxHits: maxHits,
		window:  window,
		logger:  observability.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (l *LoginRateLimiter) WithLogger(logger *observability.Logger) *LoginRateLimiter {
	if logger != nil {
		l.logger = logger
	}
	return l
}

// Middleware rejects requests over the limit with 429 and Retry-After. A
// store failure lets the request through so that login stays available.
func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := observability.ClientIP(r)

		allowed, retryAfter, err := l.store.AllowLoginIP(r.Context(), ip, l.maxHits, l.window, l.now())
		if err != nil {
			sentry.CaptureException(err)
			l.logger.Error("login_rate_limit_store_failed", map[string]any{"ip": ip, "error": err.Error()})
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// MemoryIPStore is a sliding-window limiter for single-instance deployments.
type MemoryIPStore struct {
	mu        sync.Mutex
	hitByIP   map[string][]time.Time
	maxMemory int
}

func NewMemoryIPStore() *MemoryIPStore {
	return &MemoryIPStore{
		hitByIP:   make(map[string][]time.Time),
		maxMemory: maxTrackedIPs,
	}
}

func (m *MemoryIPStore) AllowLoginIP(_ context.Context, ip string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	threshold := now.Add(-window)

	m.mu.Lock()
	defer m.mu.Unlock()

	hits := m.hitByIP[ip]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= maxHits {
		retryAfter := filtered[0].Add(window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		m.hitByIP[ip] = filtered
		return false, retryAfter, nil
	}

	filtered = append(filtered, now)
	m.hitByIP[ip] = filtered

	if len(m.hitByIP) > m.maxMemory {
		for key, value := range m.hitByIP {
			if len(value) == 0 || value[len(value)-1].Before(threshold) {
				delete(m.hitByIP, key)
			}
		}
	}

	return true, 0, nil
}

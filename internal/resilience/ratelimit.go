package resilience

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/askpage/askpage/internal/engine"
	"github.com/askpage/askpage/internal/telemetry"
)

// Limit describes one endpoint class: Requests per rolling Window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Limiter enforces per-(endpoint class, caller) request limits. Buckets are
// token buckets refilled at Requests/Window with burst Requests, created
// lazily per caller.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]Limit
	buckets map[string]*rate.Limiter
}

// NewLimiter builds a Limiter from per-class limits.
func NewLimiter(limits map[string]Limit) *Limiter {
	return &Limiter{
		limits:  limits,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow admits or rejects one request for the class and caller. Rejections
// carry the limit, window, and a retry-after duration capped at the window.
func (l *Limiter) Allow(class, caller string) error {
	limit, ok := l.limit(class)
	if !ok {
		return nil
	}

	bucket := l.bucket(class, caller, limit)
	res := bucket.Reserve()
	if !res.OK() {
		return l.reject(class, limit, limit.Window)
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		if delay > limit.Window {
			delay = limit.Window
		}
		return l.reject(class, limit, delay)
	}
	return nil
}

func (l *Limiter) limit(class string) (Limit, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit, ok := l.limits[class]
	return limit, ok
}

func (l *Limiter) bucket(class, caller string, limit Limit) *rate.Limiter {
	key := class + "|" + caller
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	perSecond := float64(limit.Requests) / limit.Window.Seconds()
	b := rate.NewLimiter(rate.Limit(perSecond), limit.Requests)
	l.buckets[key] = b
	return b
}

func (l *Limiter) reject(class string, limit Limit, retryAfter time.Duration) error {
	telemetry.ObserveRateLimitRejection(class)
	return &engine.RateLimitExceededError{
		Class:      class,
		Limit:      limit.Requests,
		Window:     limit.Window,
		RetryAfter: retryAfter,
	}
}

package serv

import (
	"fmt"
	"sync"
	"time"

	"github.com/flapi-run/flapi/core"
	"golang.org/x/time/rate"
)

// RateLimiter enforces a request budget of Max requests per Interval,
// scoped per (endpoint, principal), with per-user/per-role overrides. Each
// scope's budget is a golang.org/x/time/rate.Limiter token bucket with a
// burst of Max that refills one token every Interval/Max. It is not a fixed
// window: after the burst is spent, the next request is admitted once
// Interval/Max has passed, so more than Max requests can be admitted within
// one Interval.
type RateLimiter struct {
	cfg *core.RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter builds a RateLimiter for cfg. A nil or disabled cfg
// allows every request.
func NewRateLimiter(cfg *core.RateLimitConfig) *RateLimiter {
	return &RateLimiter{cfg: cfg, buckets: map[string]*rate.Limiter{}}
}

// Allow reports whether a request for endpointKey by principal is within
// budget. When denied, retryAfter is how long the caller should wait
// before the next token becomes available (§4.H Retry-After).
func (l *RateLimiter) Allow(endpointKey string, principal *Principal, override *core.RateLimitConfig) (bool, time.Duration) {
	effective := l.cfg
	if override != nil {
		effective = override
	}
	if effective == nil || !effective.Enabled || effective.Max <= 0 {
		return true, 0
	}

	maxReq, interval := effective.Max, effective.Interval
	scopeName := "anonymous"
	if principal != nil && principal.Username != "" {
		scopeName = principal.Username
	}
	if ov, ok := effective.PerUserOverrides[scopeName]; ok {
		if ov.Max > 0 {
			maxReq = ov.Max
		}
		if ov.Interval > 0 {
			interval = ov.Interval
		}
	} else {
		for _, role := range principalRoles(principal) {
			if ov, ok := effective.PerUserOverrides[role]; ok {
				if ov.Max > 0 {
					maxReq = ov.Max
				}
				if ov.Interval > 0 {
					interval = ov.Interval
				}
				break
			}
		}
	}
	if interval <= 0 {
		interval = time.Second
	}

	key := fmt.Sprintf("%s|%s", endpointKey, scopeName)
	limiter := l.bucketFor(key, maxReq, interval)

	res := limiter.Reserve()
	if !res.OK() {
		return false, interval
	}
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

func principalRoles(p *Principal) []string {
	if p == nil {
		return nil
	}
	return p.Roles
}

func (l *RateLimiter) bucketFor(key string, max int, interval time.Duration) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.buckets[key]
	if !ok {
		perSecond := float64(max) / interval.Seconds()
		limiter = rate.NewLimiter(rate.Limit(perSecond), max)
		l.buckets[key] = limiter
	}
	return limiter
}

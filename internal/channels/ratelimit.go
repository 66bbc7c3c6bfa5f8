package channels

import (
	"sync"
	"time"
)

// maxTrackedKeys caps how many limiter keys are held at once, so a
// caller rotating source keys cannot grow the map without bound.
const maxTrackedKeys = 4096

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// WebhookRateLimiter is a bounded per-key fixed-window limiter for the
// gateway's inbound send endpoints. Safe for concurrent use.
type WebhookRateLimiter struct {
	window  time.Duration
	maxHits int

	mu      sync.Mutex
	entries map[string]*rateLimitEntry
}

// NewWebhookRateLimiter allows maxHits requests per key per window.
func NewWebhookRateLimiter(maxHits int, window time.Duration) *WebhookRateLimiter {
	if maxHits <= 0 {
		maxHits = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &WebhookRateLimiter{
		window:  window,
		maxHits: maxHits,
		entries: make(map[string]*rateLimitEntry),
	}
}

// Allow reports whether key may proceed, counting the call. Stale
// entries are pruned when the map nears its cap; if pruning doesn't
// free space, arbitrary entries are evicted so new keys always fit.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= r.window {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= r.window {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}
	e.count++
	return e.count <= r.maxHits
}

package dashboard

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	maxRateLimiterClients      = 4096
	rateLimiterClientTTL       = 10 * time.Minute
	rateLimiterCleanupInterval = time.Minute
)

// tokenBucket refills continuously at rate tokens per nanosecond.
type tokenBucket struct {
	tokens       float64
	maxTokens    float64
	refillRate   float64
	lastRefillNs int64
}

func newTokenBucket(rps float64, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:       float64(burst),
		maxTokens:    float64(burst),
		refillRate:   rps / float64(time.Second),
		lastRefillNs: now.UnixNano(),
	}
}

func (tb *tokenBucket) take(now time.Time) bool {
	ns := now.UnixNano()
	tb.tokens += float64(ns-tb.lastRefillNs) * tb.refillRate
	tb.lastRefillNs = ns
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}
	return false
}

type clientBucket struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

// rateLimiter keeps one bucket per client IP.
type rateLimiter struct {
	rps   float64
	burst int
	now   func() time.Time

	mu          sync.Mutex
	buckets     map[string]*clientBucket
	lastCleanup time.Time
}

// newRateLimiter returns nil when rps is zero, which disables limiting.
func newRateLimiter(rps float64, burst int) *rateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		rps:         rps,
		burst:       burst,
		now:         time.Now,
		buckets:     make(map[string]*clientBucket),
		lastCleanup: time.Now(),
	}
}

func (rl *rateLimiter) allow(key string) bool {
	if rl == nil {
		return true
	}
	if key == "" {
		key = "unknown"
	}

	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanupLocked(now)

	b, ok := rl.buckets[key]
	if !ok {
		if len(rl.buckets) >= maxRateLimiterClients {
			rl.evictOldestLocked()
		}
		b = &clientBucket{bucket: newTokenBucket(rl.rps, rl.burst, now)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.bucket.take(now)
}

func (rl *rateLimiter) cleanupLocked(now time.Time) {
	if now.Sub(rl.lastCleanup) < rateLimiterCleanupInterval {
		return
	}
	rl.lastCleanup = now
	cutoff := now.Add(-rateLimiterClientTTL)
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

func (rl *rateLimiter) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, b := range rl.buckets {
		if oldestKey == "" || b.lastSeen.Before(oldest) {
			oldestKey, oldest = key, b.lastSeen
		}
	}
	delete(rl.buckets, oldestKey)
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientIP(r)) {
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.burst))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests. Please slow down.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

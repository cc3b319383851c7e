package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/amityvox/deliveryservice/internal/identity"
)

// --- Sliding Window Rate Limiting ---

// SlidingWindowConfig configures the sliding window rate limiter.
type SlidingWindowConfig struct {
	// WindowSize is the duration of the sliding window.
	WindowSize time.Duration

	// MaxRequests is the maximum number of requests allowed within the window.
	MaxRequests int

	// PerEndpoint enables per-endpoint rate limiting. When false, all endpoints
	// share a single rate limit per caller.
	PerEndpoint bool

	// CleanupInterval controls how often expired entries are purged.
	CleanupInterval time.Duration
}

// DefaultSlidingWindowConfig returns sensible defaults for the sliding window rate limiter.
func DefaultSlidingWindowConfig() SlidingWindowConfig {
	return SlidingWindowConfig{
		WindowSize:      time.Minute,
		MaxRequests:     60,
		PerEndpoint:     true,
		CleanupInterval: 5 * time.Minute,
	}
}

// EndpointRateConfig defines per-endpoint rate limit overrides, keyed on the
// lexicon method name (e.g. "chat.sendMessage").
type EndpointRateConfig struct {
	Pattern     string
	MaxRequests int
	WindowSize  time.Duration
}

// DefaultEndpointRates returns per-endpoint rate limit overrides for RPCs that
// need tighter limits than the global default (§4.J, §6).
func DefaultEndpointRates() []EndpointRateConfig {
	return []EndpointRateConfig{
		{Pattern: "chat.createConvo", MaxRequests: 10, WindowSize: time.Minute},
		{Pattern: "chat.sendMessage", MaxRequests: 120, WindowSize: time.Minute},
		{Pattern: "chat.getKeyPackages", MaxRequests: 30, WindowSize: time.Minute},
		{Pattern: "chat.publishKeyPackage", MaxRequests: 20, WindowSize: time.Minute},
		{Pattern: "chat.reportMember", MaxRequests: 10, WindowSize: 5 * time.Minute},
		{Pattern: "chat.registerDevice", MaxRequests: 5, WindowSize: time.Minute},
	}
}

// slidingWindowEntry tracks request timestamps for a single caller+endpoint pair.
type slidingWindowEntry struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// SlidingWindowLimiter implements a sliding window rate limiter keyed on the
// authenticated caller's credential DID rather than source IP, since every
// request past identity.RequireAuth already carries a verified identity and
// DIDs behind shared NATs or mobile carriers must not share a rate limit
// bucket. Supports per-endpoint overrides and automatic cleanup of expired
// entries.
type SlidingWindowLimiter struct {
	config    SlidingWindowConfig
	endpoints []EndpointRateConfig
	entries   sync.Map // map[string]*slidingWindowEntry
	stopCh    chan struct{}
}

// NewSlidingWindowLimiter creates a new sliding window rate limiter.
func NewSlidingWindowLimiter(cfg SlidingWindowConfig, endpoints []EndpointRateConfig) *SlidingWindowLimiter {
	l := &SlidingWindowLimiter{
		config:    cfg,
		endpoints: endpoints,
		stopCh:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Allow checks whether a request from the given caller to the given RPC
// method should be allowed. Returns true if the request is within rate
// limits, false if it should be rejected.
func (l *SlidingWindowLimiter) Allow(callerDID, method string) bool {
	maxReqs, window := l.getLimits(method)
	key := l.buildKey(callerDID, method)
	now := time.Now()

	val, _ := l.entries.LoadOrStore(key, &slidingWindowEntry{})
	entry := val.(*slidingWindowEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	cutoff := now.Add(-window)
	valid := entry.timestamps[:0]
	for _, ts := range entry.timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	entry.timestamps = valid

	if len(entry.timestamps) >= maxReqs {
		return false
	}

	entry.timestamps = append(entry.timestamps, now)
	return true
}

// RemainingRequests returns how many requests the caller has left in the
// current window for the given method.
func (l *SlidingWindowLimiter) RemainingRequests(callerDID, method string) int {
	maxReqs, window := l.getLimits(method)
	key := l.buildKey(callerDID, method)
	now := time.Now()

	val, ok := l.entries.Load(key)
	if !ok {
		return maxReqs
	}

	entry := val.(*slidingWindowEntry)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	cutoff := now.Add(-window)
	count := 0
	for _, ts := range entry.timestamps {
		if ts.After(cutoff) {
			count++
		}
	}

	remaining := maxReqs - count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RetryAfter returns the number of seconds until the caller can make another
// request. Returns 0 if the caller is not rate limited.
func (l *SlidingWindowLimiter) RetryAfter(callerDID, method string) int {
	_, window := l.getLimits(method)
	key := l.buildKey(callerDID, method)
	now := time.Now()

	val, ok := l.entries.Load(key)
	if !ok {
		return 0
	}

	entry := val.(*slidingWindowEntry)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if len(entry.timestamps) == 0 {
		return 0
	}

	oldest := entry.timestamps[0]
	expiresAt := oldest.Add(window)
	if expiresAt.After(now) {
		return int(math.Ceil(expiresAt.Sub(now).Seconds()))
	}
	return 0
}

// getLimits returns the rate limit and window for the given method, checking
// per-endpoint overrides first.
func (l *SlidingWindowLimiter) getLimits(method string) (int, time.Duration) {
	for _, ep := range l.endpoints {
		if ep.Pattern == method {
			return ep.MaxRequests, ep.WindowSize
		}
	}
	return l.config.MaxRequests, l.config.WindowSize
}

// buildKey creates a cache key from caller DID and method.
func (l *SlidingWindowLimiter) buildKey(callerDID, method string) string {
	if l.config.PerEndpoint {
		return callerDID + ":" + method
	}
	return callerDID
}

// cleanup periodically removes expired entries from the rate limiter.
func (l *SlidingWindowLimiter) cleanup() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			l.entries.Range(func(key, val interface{}) bool {
				entry := val.(*slidingWindowEntry)
				entry.mu.Lock()
				cutoff := now.Add(-l.config.WindowSize)
				valid := entry.timestamps[:0]
				for _, ts := range entry.timestamps {
					if ts.After(cutoff) {
						valid = append(valid, ts)
					}
				}
				entry.timestamps = valid
				empty := len(entry.timestamps) == 0
				entry.mu.Unlock()

				if empty {
					l.entries.Delete(key)
				}
				return true
			})
		case <-l.stopCh:
			return
		}
	}
}

// Stop halts the cleanup goroutine.
func (l *SlidingWindowLimiter) Stop() {
	close(l.stopCh)
}

// RateLimitMiddleware returns an HTTP middleware using the sliding window rate
// limiter. The rate limit key and the reported "method" are the lexicon RPC
// name (e.g. "chat.sendMessage"), passed in via methodOf since chi's mux
// pattern isn't known until routing completes. Unauthenticated requests (no
// identity in context yet, e.g. before identity.RequireAuth runs) are keyed on
// remote address instead so anonymous endpoints still get a bucket.
// It sets standard rate limit response headers (X-RateLimit-Limit,
// X-RateLimit-Remaining, Retry-After) and responds with 429 Too Many Requests
// when the limit is exceeded.
func RateLimitMiddleware(limiter *SlidingWindowLimiter, methodOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			method := methodOf(r)

			caller := r.RemoteAddr
			if id := identity.FromContext(r.Context()); id != nil {
				caller = id.CredentialDID
			} else if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
				caller = strings.TrimSpace(strings.Split(fwd, ",")[0])
			}

			maxReqs, _ := limiter.getLimits(method)

			if !limiter.Allow(caller, method) {
				retryAfter := limiter.RetryAfter(caller, method)
				w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxReqs))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":{"code":"rate_limited","message":"Too many requests. Retry after %d seconds."}}`, retryAfter)
				return
			}

			remaining := limiter.RemainingRequests(caller, method)
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxReqs))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

			next.ServeHTTP(w, r)
		})
	}
}

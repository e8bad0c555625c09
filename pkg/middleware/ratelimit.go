package middleware

import (
	"sync"

	"impact-donations/pkg/errutil"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per caller. Buckets for idle callers are
// evicted once more than size callers are tracked.
type RateLimiter struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

func NewRateLimiter(perMinute, burst, size int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	if size <= 0 {
		size = 4096
	}
	cache, _ := lru.New[string, *rate.Limiter](size)
	return &RateLimiter{
		buckets: cache,
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
	}
}

func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	l, ok := r.buckets.Get(key)
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.buckets.Add(key, l)
	}
	r.mu.Unlock()
	return l.Allow()
}

// RateLimit keys on the authenticated subject, or the client IP before auth.
func RateLimit(r *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if id, ok := IdentityFromContext(c.Request.Context()); ok {
			key = id.Subject
		}
		if !r.Allow(key) {
			_ = c.Error(errutil.TooManyRequest("too many checkout attempts", nil))
			c.Abort()
			return
		}
		c.Next()
	}
}

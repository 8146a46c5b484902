package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PuyokRfly/Audit-Playground/pkg/logger"
)

type clientWindow struct {
	count int
	start time.Time
}

// RateLimiter is a fixed-window limiter keyed by client.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
	rate    int           // requests per window
	window  time.Duration // time window
	now     func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientWindow),
		rate:    rate,
		window:  window,
		now:     time.Now,
	}
}

// Allow records one request for key and reports whether it is within the
// limit, plus the remaining budget and the time until the window resets.
func (l *RateLimiter) Allow(key string) (bool, int, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.clients[key]
	if !ok || now.Sub(w.start) >= l.window {
		if len(l.clients) > 10000 {
			l.evictExpired(now)
		}
		w = &clientWindow{start: now}
		l.clients[key] = w
	}

	reset := w.start.Add(l.window).Sub(now)
	if w.count >= l.rate {
		return false, 0, reset
	}
	w.count++
	return true, l.rate - w.count, reset
}

// evictExpired drops windows that have ended. Must be called with lock held.
func (l *RateLimiter) evictExpired(now time.Time) {
	for key, w := range l.clients {
		if now.Sub(w.start) >= l.window {
			delete(l.clients, key)
		}
	}
}

// RateLimit middleware limits requests per client IP
func RateLimit(rate int, window time.Duration) gin.HandlerFunc {
	limiter := NewRateLimiter(rate, window)

	return func(c *gin.Context) {
		allowed, remaining, reset := limiter.Allow(c.ClientIP())

		c.Header("X-RateLimit-Limit", strconv.Itoa(rate))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			logger.Warn(c.Request.Context(), "rate limit exceeded", "client_ip", c.ClientIP())
			c.Header("Retry-After", strconv.Itoa(int(reset.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please try again later.",
			})
			return
		}

		c.Next()
	}
}

package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig sizes the per-client token buckets. Submissions draw from
// their own bucket because each one costs a signature recovery and a ledger
// write; everything else shares the API bucket.
type RateLimitConfig struct {
	RPS         float64
	Burst       int
	SubmitRPS   float64
	SubmitBurst int
}

const (
	scopeAPI    = "api"
	scopeSubmit = "submit"
)

type clientBuckets struct {
	api      *rate.Limiter
	submit   *rate.Limiter
	lastSeen time.Time
}

// RateLimiter returns a Gin middleware that enforces per-IP rate limits.
// Change-feed streams and liveness endpoints are exempt: a watcher holds one
// long request and reconnects after lagging. Idle clients are forgotten after
// 10 minutes; the sweep stops when ctx is done.
func RateLimiter(ctx context.Context, cfg RateLimitConfig) gin.HandlerFunc {
	var mu sync.Mutex
	clients := make(map[string]*clientBuckets)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			mu.Lock()
			for ip, b := range clients {
				if time.Since(b.lastSeen) > 10*time.Minute {
					delete(clients, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *gin.Context) {
		scope, limited := rateScope(c)
		if !limited {
			c.Next()
			return
		}

		ip := c.ClientIP()
		mu.Lock()
		b, ok := clients[ip]
		if !ok {
			b = &clientBuckets{
				api:    rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
				submit: rate.NewLimiter(rate.Limit(cfg.SubmitRPS), cfg.SubmitBurst),
			}
			clients[ip] = b
		}
		b.lastSeen = time.Now()
		mu.Unlock()

		lim := b.api
		if scope == scopeSubmit {
			lim = b.submit
		}
		if !lim.Allow() {
			evidenceRateLimitedTotal.WithLabelValues(scope).Inc()
			c.Header("Retry-After", retryAfter(lim))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"scope": scope,
			})
			return
		}
		c.Next()
	}
}

// rateScope picks the bucket for a request. limited is false for exempt routes.
func rateScope(c *gin.Context) (scope string, limited bool) {
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	switch {
	case path == "/healthz" || path == "/readyz" || path == "/metrics":
		return "", false
	case strings.Contains(path, "/feed/"):
		return "", false
	case c.Request.Method == http.MethodPost && strings.HasSuffix(path, "/evidence"):
		return scopeSubmit, true
	default:
		return scopeAPI, true
	}
}

// retryAfter is the whole seconds until lim next has a token, at least 1.
func retryAfter(lim *rate.Limiter) string {
	r := lim.Reserve()
	delay := r.Delay()
	r.Cancel()
	secs := int(math.Ceil(delay.Seconds()))
	if secs < 1 || delay == rate.InfDuration {
		secs = 1
	}
	return strconv.Itoa(secs)
}

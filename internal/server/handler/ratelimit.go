package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Gift providers batch their traffic, so buckets go quiet between streams;
// idle buckets are evicted after limiterIdleEvict, swept every limiterSweep.
const (
	limiterIdleEvict = 10 * time.Minute
	limiterSweep     = 5 * time.Minute
)

type clientBucket struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// RateLimiter returns a per-client-IP token-bucket middleware. Providers
// retry aggressively on timeouts, so instead of queueing, an exhausted
// bucket answers 429 with Retry-After; the ingest idempotency keys make
// those retries harmless.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	var (
		mu      sync.Mutex
		clients = make(map[string]*clientBucket)
	)

	go func() {
		for range time.Tick(limiterSweep) {
			mu.Lock()
			for ip, cl := range clients {
				if time.Since(cl.lastSeen) > limiterIdleEvict {
					delete(clients, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *gin.Context) {
		ip := c.ClientIP()

		mu.Lock()
		cl := clients[ip]
		if cl == nil {
			cl = &clientBucket{bucket: rate.NewLimiter(rate.Limit(rps), burst)}
			clients[ip] = cl
		}
		cl.lastSeen = time.Now()
		mu.Unlock()

		if !cl.bucket.Allow() {
			RecordRateLimited(c.FullPath())
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

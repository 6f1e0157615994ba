package gateway

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RateLimitConfig holds per-IP token-bucket rate limiter configuration
// (spec §4.7: 20 req/s, burst 40 by default).
type RateLimitConfig struct {
	RPS   int
	Burst int
}

type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(rps, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(rps),
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) allow() bool {
	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*tokenBucket
	rps     int
	burst   int
}

// newRateLimitMiddleware returns a per-client-IP token-bucket limiter,
// ported from the reference mgmt package's rate limiter, with a
// Retry-After header added on 429 (spec §4.7).
func newRateLimitMiddleware(cfg RateLimitConfig) fiber.Handler {
	rl := &rateLimiter{clients: make(map[string]*tokenBucket), rps: cfg.RPS, burst: cfg.Burst}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			rl.mu.Lock()
			now := time.Now()
			for k, v := range rl.clients {
				if now.Sub(v.lastRefill) > 10*time.Minute {
					delete(rl.clients, k)
				}
			}
			rl.mu.Unlock()
		}
	}()

	return func(c *fiber.Ctx) error {
		if unauthenticatedPaths[c.Path()] {
			return c.Next()
		}

		ip := c.IP()
		rl.mu.Lock()
		bucket, ok := rl.clients[ip]
		if !ok {
			bucket = newTokenBucket(rl.rps, rl.burst)
			rl.clients[ip] = bucket
		}
		allowed := bucket.allow()
		rl.mu.Unlock()

		if !allowed {
			c.Set("Retry-After", strconv.Itoa(1))
			return problemResponse(c, fiber.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests", "rate limit exceeded, retry shortly")
		}
		return c.Next()
	}
}

package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter is a per-client token bucket. Clients are keyed by IP; idle
// buckets are evicted after ttl.
type RateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*client
	lookups int
}

type client struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// sweepEvery is how many lookups pass between idle-bucket sweeps.
const sweepEvery = 1000

// NewRateLimiter allows rps requests per second per client with the given
// burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		ttl:     10 * time.Minute,
		now:     time.Now,
		clients: make(map[string]*client),
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lookups++
	if rl.lookups >= sweepEvery {
		for k, v := range rl.clients {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.clients, k)
			}
		}
		rl.lookups = 0
	}

	if v, ok := rl.clients[key]; ok {
		v.lastSeen = now
		return v.lim
	}
	lim := rate.NewLimiter(rl.limit, rl.burst)
	rl.clients[key] = &client{lim: lim, lastSeen: now}
	return lim
}

// Handler rejects requests over the limit with 429 and a Retry-After hint.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		lim := rl.limiter(c.ClientIP())
		r := lim.ReserveN(rl.now(), 1)
		if !r.OK() {
			rl.reject(c, time.Second)
			return
		}
		if d := r.DelayFrom(rl.now()); d > 0 {
			r.CancelAt(rl.now())
			rl.reject(c, d)
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) reject(c *gin.Context, wait time.Duration) {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       "too_many_requests",
		"message":    "rate limit exceeded",
	})
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newLimitedRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.Handler())
	r.POST("/runs", func(c *gin.Context) { c.Status(http.StatusAccepted) })
	return r
}

func post(r http.Handler, ip string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/runs", nil)
	req.RemoteAddr = ip + ":1234"
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_BurstThenReject(t *testing.T) {
	now := time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(0.5, 2)
	rl.now = func() time.Time { return now }
	r := newLimitedRouter(rl)

	for i := 0; i < 2; i++ {
		if w := post(r, "10.0.0.1"); w.Code != http.StatusAccepted {
			t.Fatalf("request %d = %d", i, w.Code)
		}
	}
	w := post(r, "10.0.0.1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d; want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q; want 2", got)
	}

	// another client has its own bucket
	if w := post(r, "10.0.0.2"); w.Code != http.StatusAccepted {
		t.Fatalf("other client = %d", w.Code)
	}

	// a rejected request does not consume a token
	now = now.Add(2 * time.Second)
	if w := post(r, "10.0.0.1"); w.Code != http.StatusAccepted {
		t.Fatalf("after refill = %d", w.Code)
	}
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	now := time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 0)
	rl.now = func() time.Time { return now }
	if rl.burst != 1 {
		t.Fatalf("burst should clamp to 1, got %d", rl.burst)
	}

	rl.limiter("stale")
	now = now.Add(rl.ttl)
	rl.lookups = sweepEvery - 1
	rl.limiter("fresh")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.clients["stale"]; ok {
		t.Fatalf("stale client not evicted")
	}
	if _, ok := rl.clients["fresh"]; !ok {
		t.Fatalf("fresh client missing")
	}
}

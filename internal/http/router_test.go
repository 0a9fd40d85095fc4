package httpapi

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-delivery-alerts/internal/config"
	"github.com/tbourn/go-delivery-alerts/internal/pipeline"
	"github.com/tbourn/go-delivery-alerts/internal/repo"
)

type stubTrigger struct {
	busy  atomic.Bool
	calls atomic.Int32
}

func (s *stubTrigger) Trigger(context.Context) (string, error) {
	s.calls.Add(1)
	if s.busy.Load() {
		return "", pipeline.ErrBusy
	}
	return "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", nil
}

func (s *stubTrigger) Busy() bool { return s.busy.Load() }

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "router.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath: "/api/v1",
		RateRPS:     100,
		RateBurst:   10,
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
	}
}

func newEngine(t *testing.T, cfg config.Config, trig *stubTrigger) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(context.Background(), r, newTestDB(t), trig, cfg)
	return r
}

func serve(r http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_HealthMetricsFallbacks(t *testing.T) {
	r := newEngine(t, testConfig(), &stubTrigger{})

	w := serve(r, http.MethodGet, "/health", map[string]string{"Origin": "http://anywhere.test"})
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-all CORS expected '*', got %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" || w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("request id or security headers missing: %v", w.Header())
	}

	w = serve(r, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("deliverycheck_http_requests_total")) {
		t.Fatalf("GET /metrics code=%d", w.Code)
	}

	if w := serve(r, http.MethodGet, "/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope = %d; want 404", w.Code)
	}
	if w := serve(r, http.MethodDelete, "/api/v1/runs", nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("DELETE /api/v1/runs = %d; want 405", w.Code)
	}
}

func TestRegisterRoutes_CORSAllowList(t *testing.T) {
	cfg := testConfig()
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	r := newEngine(t, cfg, &stubTrigger{})

	w := serve(r, http.MethodGet, "/health", map[string]string{"Origin": "http://example.com"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
	w = serve(r, http.MethodGet, "/health", map[string]string{"Origin": "http://evil.test"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("disallowed origin = %d; want 403", w.Code)
	}
}

func TestRegisterRoutes_RunsAPI(t *testing.T) {
	trig := &stubTrigger{}
	r := newEngine(t, testConfig(), trig)

	w := serve(r, http.MethodPost, "/api/v1/runs", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST runs = %d body=%s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Location"); got != "/api/v1/runs/aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee" {
		t.Fatalf("Location = %q", got)
	}

	trig.busy.Store(true)
	if w := serve(r, http.MethodPost, "/api/v1/runs", nil); w.Code != http.StatusConflict {
		t.Fatalf("POST while busy = %d; want 409", w.Code)
	}

	w = serve(r, http.MethodGet, "/api/v1/runs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET runs = %d", w.Code)
	}
	var body struct {
		Running bool `json:"running"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || !body.Running {
		t.Fatalf("running flag: %v %+v", err, body)
	}
}

func TestRegisterRoutes_TriggerRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateRPS = 0.01
	cfg.RateBurst = 1
	trig := &stubTrigger{}
	r := newEngine(t, cfg, trig)

	if w := serve(r, http.MethodPost, "/api/v1/runs", nil); w.Code != http.StatusAccepted {
		t.Fatalf("first POST = %d", w.Code)
	}
	w := serve(r, http.MethodPost, "/api/v1/runs", nil)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Fatalf("second POST = %d retry-after=%q", w.Code, w.Header().Get("Retry-After"))
	}
	if trig.calls.Load() != 1 {
		t.Fatalf("trigger reached %d times", trig.calls.Load())
	}

	// reads are not limited
	for i := 0; i < 3; i++ {
		if w := serve(r, http.MethodGet, "/api/v1/runs", nil); w.Code != http.StatusOK {
			t.Fatalf("GET %d = %d", i, w.Code)
		}
	}
}

func TestRegisterRoutes_Gzip(t *testing.T) {
	r := newEngine(t, testConfig(), &stubTrigger{})

	w := serve(r, http.MethodGet, "/api/v1/runs", map[string]string{"Accept-Encoding": "gzip"})
	if w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("response not compressed: %v", w.Header())
	}
	zr, err := gzip.NewReader(w.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil || !bytes.Contains(raw, []byte(`"runs":[]`)) {
		t.Fatalf("decompressed body %q err=%v", raw, err)
	}
}

func Test_limitBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
}

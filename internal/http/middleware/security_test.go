package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestSecurityHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for _, noStore := range []bool{false, true} {
		r := gin.New()
		r.Use(RequestID(), SecurityHeaders(noStore))
		r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		h := w.Header()
		for k, want := range map[string]string{
			"X-Content-Type-Options":        "nosniff",
			"X-Frame-Options":               "DENY",
			"Referrer-Policy":               "no-referrer",
			"Access-Control-Expose-Headers": requestIDHeader,
		} {
			if got := h.Get(k); got != want {
				t.Fatalf("%s = %q; want %q", k, got, want)
			}
		}
		if got := h.Get("Cache-Control") == "no-store"; got != noStore {
			t.Fatalf("noStore=%v but Cache-Control=%q", noStore, h.Get("Cache-Control"))
		}
	}
}

func TestSecurityHeaders_AppendsExpose(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Expose-Headers", "Content-Length")
		c.Next()
	}, RequestID(), SecurityHeaders(false))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if got := w.Header().Get("Access-Control-Expose-Headers"); got != "Content-Length, X-Request-ID" {
		t.Fatalf("expose = %q", got)
	}
}

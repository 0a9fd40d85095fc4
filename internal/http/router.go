// Package httpapi wires the serve-mode HTTP API: middleware, health and
// metrics endpoints, and the versioned runs API.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-delivery-alerts/internal/config"
	"github.com/tbourn/go-delivery-alerts/internal/http/handlers"
	"github.com/tbourn/go-delivery-alerts/internal/http/middleware"
)

// maxBodyBytes caps request bodies; no endpoint accepts a payload today.
const maxBodyBytes = 64 << 10

// RegisterRoutes installs middleware and routes on r. Runs triggered over
// HTTP are bound to ctx, which should live as long as the server.
//
// Middleware order:
//  1. otelgin tracing
//  2. RequestID
//  3. Logger (Authorization masked)
//  4. Recovery
//  5. body limit, Metrics, gzip
//  6. CORS and security headers
//
// POST routes are additionally rate limited per client.
func RegisterRoutes(ctx context.Context, r *gin.Engine, db *gorm.DB, trigger handlers.Trigger, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(middleware.LogOptions{
		LogHeaders: []string{"Authorization", "X-Forwarded-For"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(gzip.Gzip(gzip.DefaultCompression))
	r.Use(cors.New(corsConfig(cfg.CORS)))
	r.Use(middleware.SecurityHeaders(false))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	h := handlers.New(db, trigger, ctx)
	limiter := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst)

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.GET("/runs", h.ListRuns)
		api.GET("/runs/:id", h.GetRun)
		api.POST("/runs", limiter.Handler(), h.TriggerRun)
	}
}

// corsConfig allows any origin when none are configured. Credentials are
// never allowed.
func corsConfig(c config.CORSConfig) cors.Config {
	cc := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match"},
		ExposeHeaders: []string{"X-Request-ID", "ETag", "Location", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(c.AllowedOrigins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = c.AllowedOrigins
	}
	return cc
}

func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

// Package api exposes the engines over a JSON control API.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/orrn/boothspool/internal/api/handlers"
	"github.com/orrn/boothspool/internal/api/middleware"
	"github.com/orrn/boothspool/internal/core"
	"github.com/orrn/boothspool/internal/ingest"
	"github.com/orrn/boothspool/internal/metrics"
)

type Deps struct {
	Auth        *middleware.AuthMiddleware
	Registry    *core.Registry
	Queue       *core.Queue
	Health      *core.HealthMonitor
	Poller      *ingest.Poller
	JobDefaults handlers.JobDefaults
	Logger      zerolog.Logger
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Logger), instrument())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := r.Group("/api/auth")
	auth.POST("/login", d.Auth.LoginHandler)
	auth.POST("/logout", d.Auth.LogoutHandler)
	auth.GET("/status", d.Auth.StatusHandler)

	api := r.Group("/api", d.Auth.RequireAuth())
	handlers.NewPrinterHandler(d.Registry).RegisterRoutes(api)
	handlers.NewJobHandler(d.Queue, d.JobDefaults).RegisterRoutes(api)
	handlers.NewHealthHandler(d.Health).RegisterRoutes(api)
	if d.Poller != nil {
		handlers.NewIngestHandler(d.Poller, d.Logger).RegisterRoutes(api)
	}

	return r
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	log = log.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ev := log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("dur", time.Since(start)).
			Msg("request")
	}
}

// instrument labels by route pattern so path parameters do not explode cardinality.
func instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(path, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(path, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

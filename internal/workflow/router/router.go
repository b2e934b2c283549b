// Package router exposes the transition engine over HTTP.
package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/OpenNSW/caseflow/internal/auth"
	"github.com/OpenNSW/caseflow/internal/config"
)

// Options assembles the HTTP surface.
type Options struct {
	CORS      config.CORSConfig
	Auth      gin.HandlerFunc // Resolves the caller; RequireAuth rejects anonymous requests
	Timeout   time.Duration   // Deadline of each API request; zero leaves requests unbounded
	Metrics   http.Handler
	Health    func() error
	Alerts    *AlertRouter
	Workflows *WorkflowRouter
}

// NewEngine builds the gin engine with the public and the authenticated API routes.
func NewEngine(opts Options) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), CORS(opts.CORS))

	engine.GET("/health", func(c *gin.Context) {
		if opts.Health != nil {
			if err := opts.Health(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	api := engine.Group("/api/v1")
	if opts.Auth != nil {
		api.Use(opts.Auth)
	}
	api.Use(auth.RequireAuth())
	if opts.Timeout > 0 {
		api.Use(requestTimeout(opts.Timeout))
	}
	if opts.Alerts != nil {
		opts.Alerts.Register(api)
	}
	if opts.Workflows != nil {
		opts.Workflows.Register(api)
	}
	return engine
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		slog.DebugContext(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(started))
	}
}

// requestTimeout bounds the request context, and so every store call made under it.
func requestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

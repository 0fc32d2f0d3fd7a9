package main

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"backtest-dashboard/services/monitoring"
)

func (s *DashboardService) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			s.writeError(c, monitoring.ErrRateLimited)
			return
		}
		c.Next()
	}
}

// requestMiddleware logs each request and counts it by route template.
func (s *DashboardService) requestMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		if s.metrics != nil {
			s.metrics.ObserveRequest(route, status)
		}
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Next()
	}
}

func (s *DashboardService) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), securityHeadersMiddleware(), s.requestMiddleware())
	s.setupHTTPRoutes(r)
	return r
}

package middleware

import (
	"strconv"
	"time"

	"governance-gateway/internal/platform/metrics"

	"github.com/gin-gonic/gin"
)

// MetricsMiddleware 收集 HTTP 請求數與耗時
// 以路由模板（例如 /api/v1/admin/overrides/:user_id）作為標籤，避免高基數.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

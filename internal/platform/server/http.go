package server

import (
	"time"

	"governance-gateway/internal/admin"
	"governance-gateway/internal/constants"
	"governance-gateway/internal/credential"
	"governance-gateway/internal/gateway"
	"governance-gateway/internal/platform/config"
	"governance-gateway/internal/platform/health"
	"governance-gateway/internal/platform/middleware"
	"governance-gateway/internal/quota"
	"governance-gateway/internal/usage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers 路由使用的處理器集合
type Handlers struct {
	Health      *health.Handler
	Credentials *credential.CredentialHandler
	Completions *gateway.CompletionHandler
	Usage       *usage.UsageHandler
	Quota       *quota.QuotaHandler
	Admin       *admin.AdminHandler
}

// securityHeadersMiddleware 添加安全標頭
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 防止點擊劫持
		c.Header("X-Frame-Options", "DENY")

		// 防止 MIME 類型嗅探
		c.Header("X-Content-Type-Options", "nosniff")

		// 內容安全策略；這是純 API 服務
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none';")

		// 回應含金鑰狀態與用量，不可被快取
		c.Header("Cache-Control", "no-store")

		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		c.Next()
	}
}

// corsMiddleware 只允許配置中的來源
func corsMiddleware(origins []string) gin.HandlerFunc {
	allowedOrigins := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowedOrigins[o] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400") // 預檢請求緩存 24 小時

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// newRateLimiter 依配置建立端點速率限制器；未啟用時回傳 nil
func newRateLimiter(cfg *config.Config) *middleware.PerEndpointRateLimiter {
	limits := cfg.Limits.RateLimiting
	if !limits.Enabled {
		return nil
	}

	defaultLimit := constants.DefaultRateLimitPerMinute
	if limits.DefaultPerMinute > 0 {
		defaultLimit = limits.DefaultPerMinute
	}
	adminLimit := constants.DefaultAdminRateLimitPerMinute
	if limits.AdminPerMinute > 0 {
		adminLimit = limits.AdminPerMinute
	}
	maxClients := constants.DefaultRateLimitMaxClients
	if limits.MaxClients > 0 {
		maxClients = limits.MaxClients
	}

	limiter := middleware.NewPerEndpointRateLimiter(middleware.NewRateLimiter("default", defaultLimit, time.Minute, maxClients))
	limiter.SetLimit("/api/v1/admin", middleware.NewRateLimiter("admin", adminLimit, time.Minute, maxClients))
	return limiter
}

// newSSELimiter 依配置建立串流連接限制器
func newSSELimiter(cfg *config.Config) *middleware.SSEConnectionLimiter {
	perUser := constants.DefaultSSEMaxConnectionsPerUser
	total := constants.DefaultSSEMaxTotalConnections
	if cfg.Limits.SSE.MaxConnectionsPerUser > 0 {
		perUser = cfg.Limits.SSE.MaxConnectionsPerUser
	}
	if cfg.Limits.SSE.MaxTotalConnections > 0 {
		total = cfg.Limits.SSE.MaxTotalConnections
	}
	return middleware.NewSSEConnectionLimiter(perUser, total)
}

// Router 設定路由；回傳的 stop 用於關閉時停止速率限制器的清理 goroutine
func Router(cfg *config.Config, auth *middleware.JWTMiddleware, h *Handlers) (*gin.Engine, func()) {
	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(corsMiddleware(cfg.Server.AllowedOrigins))

	// 請求 ID 最優先，之後的錯誤回應都帶上它
	r.Use(middleware.RequestIDMiddleware())
	r.Use(securityHeadersMiddleware())
	r.Use(middleware.RequestMetadataMiddleware())
	r.Use(middleware.MetricsMiddleware())

	maxBody := int64(constants.DefaultMaxRequestBodySize)
	if cfg.Limits.Request.MaxBodySize > 0 {
		maxBody = cfg.Limits.Request.MaxBodySize
	}
	r.Use(middleware.RequestSizeLimiter(maxBody))

	r.GET("/health", h.Health.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 速率限制放在身分驗證之後，已驗證的呼叫者依使用者計數
	chain := []gin.HandlerFunc{auth.GinMiddleware()}
	stop := func() {}
	if limiter := newRateLimiter(cfg); limiter != nil {
		chain = append(chain, limiter.Middleware())
		stop = limiter.Stop
	}
	chain = append(chain, middleware.RequireAuth())

	api := r.Group("/api/v1", chain...)

	creds := api.Group("/credentials")
	creds.PUT("", h.Credentials.SetCredential)
	creds.DELETE("", h.Credentials.RemoveCredential)
	creds.GET("/status", h.Credentials.GetStatus)
	creds.POST("/verify", h.Credentials.VerifyCredential)

	api.POST("/completions", h.Completions.Complete)
	// 串流端點額外限制同時連接數
	api.POST("/completions/stream", newSSELimiter(cfg).Middleware(), h.Completions.Stream)

	api.GET("/usage/rollups", h.Usage.GetRollups)
	api.GET("/usage/events", h.Usage.GetEvents)
	api.GET("/usage/quota", h.Quota.GetQuota)
	api.GET("/roles", h.Quota.ListRoles)

	adm := api.Group("/admin", middleware.RequireAdmin())
	adm.PUT("/overrides/:user_id", h.Admin.SetOverride)
	adm.DELETE("/overrides/:user_id", h.Admin.RemoveOverride)
	adm.PUT("/pool-key", h.Admin.SetPoolKey)
	adm.DELETE("/pool-key", h.Admin.RemovePoolKey)
	adm.GET("/credentials", h.Admin.ListCredentials)
	adm.GET("/usage/export", h.Usage.ExportUsage)
	adm.GET("/usage/totals", h.Usage.ListTotals)
	adm.PUT("/users/:user_id/role", h.Admin.SetRole)

	return r, stop
}

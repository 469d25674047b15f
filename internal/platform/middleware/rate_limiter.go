package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"governance-gateway/internal/platform/metrics"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// fixedWindow 單一呼叫者在目前時間窗內的請求數
type fixedWindow struct {
	count   int
	resetAt time.Time
}

// RateLimiter 進程內固定時間窗限制器，用於防濫用
// 依呼叫者身分計數，未驗證時退回 IP；時間窗過期的記錄由 LRU 自動淘汰.
type RateLimiter struct {
	scope  string
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows *expirable.LRU[string, *fixedWindow]
}

// NewRateLimiter 每個 window 允許 limit 次，最多追蹤 maxClients 位呼叫者
func NewRateLimiter(scope string, limit int, window time.Duration, maxClients int) *RateLimiter {
	return &RateLimiter{
		scope:   scope,
		limit:   limit,
		window:  window,
		windows: expirable.NewLRU[string, *fixedWindow](maxClients, nil, window),
	}
}

// Stop 清空計數
func (rl *RateLimiter) Stop() {
	rl.windows.Purge()
}

// Middleware Gin 中間件
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + GetClientIP(c)
		if p, ok := GetPrincipal(c); ok {
			key = "user:" + p.UserID
		}

		if ok, retryAfter := rl.allowRequest(key, time.Now()); !ok {
			metrics.RateLimitRejections.WithLabelValues(rl.scope).Inc()
			rejectTooManyRequests(c, "請求過於頻繁，請稍後再試", retryAfter)
			return
		}
		c.Next()
	}
}

// allowRequest 計入一次請求；拒絕時回傳距離時間窗重置的秒數
func (rl *RateLimiter) allowRequest(key string, now time.Time) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows.Get(key)
	if !ok || !now.Before(w.resetAt) {
		rl.windows.Add(key, &fixedWindow{count: 1, resetAt: now.Add(rl.window)})
		return true, 0
	}
	if w.count >= rl.limit {
		return false, int(math.Ceil(w.resetAt.Sub(now).Seconds()))
	}
	w.count++
	return true, 0
}

// PerEndpointRateLimiter 依路徑前綴套用不同限制，未命中時使用預設限制
type PerEndpointRateLimiter struct {
	fallback *RateLimiter
	prefixes []string
	limiters map[string]*RateLimiter
}

// NewPerEndpointRateLimiter 以 fallback 作為預設限制
func NewPerEndpointRateLimiter(fallback *RateLimiter) *PerEndpointRateLimiter {
	return &PerEndpointRateLimiter{fallback: fallback, limiters: make(map[string]*RateLimiter)}
}

// SetLimit 設定路徑前綴的限制；先設定的前綴優先比對，須在開始服務前呼叫
func (p *PerEndpointRateLimiter) SetLimit(prefix string, limiter *RateLimiter) {
	if _, exists := p.limiters[prefix]; !exists {
		p.prefixes = append(p.prefixes, prefix)
	}
	p.limiters[prefix] = limiter
}

// Stop 清空所有限制器
func (p *PerEndpointRateLimiter) Stop() {
	p.fallback.Stop()
	for _, l := range p.limiters {
		l.Stop()
	}
}

// Middleware Gin 中間件
func (p *PerEndpointRateLimiter) Middleware() gin.HandlerFunc {
	fallback := p.fallback.Middleware()
	handlers := make(map[string]gin.HandlerFunc, len(p.limiters))
	for prefix, l := range p.limiters {
		handlers[prefix] = l.Middleware()
	}

	return func(c *gin.Context) {
		for _, prefix := range p.prefixes {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				handlers[prefix](c)
				return
			}
		}
		fallback(c)
	}
}

// rejectTooManyRequests 429，retryAfter 大於 0 時帶 Retry-After
func rejectTooManyRequests(c *gin.Context, message string, retryAfter int) {
	if retryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(retryAfter))
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":      message,
		"success":    false,
		"request_id": GetRequestID(c),
	})
}

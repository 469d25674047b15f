package middleware

import (
	"sync"

	"governance-gateway/internal/platform/metrics"

	"github.com/gin-gonic/gin"
)

// SSEConnectionLimiter 限制同時進行的串流數：每位呼叫者與全域各一個上限
type SSEConnectionLimiter struct {
	maxPerUser int
	maxTotal   int

	mu     sync.Mutex
	perKey map[string]int
	total  int
}

// NewSSEConnectionLimiter 創建串流連接限制器
func NewSSEConnectionLimiter(maxPerUser, maxTotal int) *SSEConnectionLimiter {
	return &SSEConnectionLimiter{
		maxPerUser: maxPerUser,
		maxTotal:   maxTotal,
		perKey:     make(map[string]int),
	}
}

// Middleware 佔用一個名額直到串流處理器返回（含客戶端斷線）
func (l *SSEConnectionLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + GetClientIP(c)
		if p, ok := GetPrincipal(c); ok {
			key = p.UserID
		}

		if !l.acquire(key) {
			metrics.RateLimitRejections.WithLabelValues("stream").Inc()
			rejectTooManyRequests(c, "串流連接數已達上限，請稍後再試", 0)
			return
		}
		defer l.release(key)

		c.Next()
	}
}

func (l *SSEConnectionLimiter) acquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.total >= l.maxTotal || l.perKey[key] >= l.maxPerUser {
		return false
	}
	l.perKey[key]++
	l.total++
	metrics.ActiveStreams.Inc()
	return true
}

func (l *SSEConnectionLimiter) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.perKey[key]
	if !ok {
		return
	}
	if n <= 1 {
		delete(l.perKey, key)
	} else {
		l.perKey[key] = n - 1
	}
	l.total--
	metrics.ActiveStreams.Dec()
}

// Stats 目前連接數與上限
func (l *SSEConnectionLimiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]interface{}{
		"total_connections": l.total,
		"unique_users":      len(l.perKey),
		"max_total":         l.maxTotal,
		"max_per_user":      l.maxPerUser,
	}
}

package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequestMetadata 審計與日誌使用的請求來源
type RequestMetadata struct {
	RequestID string
	IPAddress string
	UserAgent string
}

type requestMetadataKey struct{}

// unknownMetadata 非 HTTP 來源（背景工作、測試）的預設值
var unknownMetadata = RequestMetadata{IPAddress: "unknown", UserAgent: "unknown"}

// RequestMetadataMiddleware 將請求來源放入 request context，需在 RequestIDMiddleware 之後
func RequestMetadataMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		meta := &RequestMetadata{
			RequestID: GetRequestID(c),
			IPAddress: GetClientIP(c),
			UserAgent: c.Request.UserAgent(),
		}
		c.Request = c.Request.WithContext(WithRequestMetadata(c.Request.Context(), meta))
		c.Next()
	}
}

// WithRequestMetadata 將請求來源附加到 context（gRPC 攔截器也使用）
func WithRequestMetadata(ctx context.Context, meta *RequestMetadata) context.Context {
	return context.WithValue(ctx, requestMetadataKey{}, meta)
}

// GetRequestMetadata 取得請求來源；不存在時回傳 unknown
func GetRequestMetadata(ctx context.Context) RequestMetadata {
	if meta, ok := ctx.Value(requestMetadataKey{}).(*RequestMetadata); ok && meta != nil {
		return *meta
	}
	return unknownMetadata
}

// GetClientIP 依序讀取 X-Forwarded-For 第一段、X-Real-IP，最後退回連線位址
func GetClientIP(c *gin.Context) string {
	if forwarded := c.GetHeader("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(c.GetHeader("X-Real-IP")); realIP != "" {
		return realIP
	}
	return c.ClientIP()
}

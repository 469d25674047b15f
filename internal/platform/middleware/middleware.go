package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Principal 已驗證的呼叫者
type Principal struct {
	UserID string
	Email  string
	Admin  bool
}

type principalKey struct{}

const principalGinKey = "principal"

// WithPrincipal 將呼叫者存入 context
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext 從 context 取得呼叫者
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// setPrincipal 同時寫入 gin.Context 與 request context
func setPrincipal(c *gin.Context, p *Principal) {
	c.Set(principalGinKey, p)
	c.Request = c.Request.WithContext(WithPrincipal(c.Request.Context(), p))
}

// GetPrincipal 從 gin.Context 取得呼叫者
func GetPrincipal(c *gin.Context) (*Principal, bool) {
	if v, exists := c.Get(principalGinKey); exists {
		if p, ok := v.(*Principal); ok && p != nil {
			return p, true
		}
	}
	return nil, false
}

// RequireAuth 要求已驗證的呼叫者
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetPrincipal(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":      "未授權訪問",
				"success":    false,
				"request_id": GetRequestID(c),
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin 要求管理員身分
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":      "未授權訪問",
				"success":    false,
				"request_id": GetRequestID(c),
			})
			return
		}
		if !p.Admin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":      "需要管理員權限",
				"success":    false,
				"request_id": GetRequestID(c),
			})
			return
		}
		c.Next()
	}
}

package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// 開發模式（JWT 未啟用）使用的身分標頭.
const (
	UserIDHeader  = "X-User-ID"
	EmailHeader   = "X-User-Email"
	AdminIDHeader = "X-Admin-ID"
)

// 驗證失敗原因.
var (
	ErrMissingToken      = errors.New("未提供認證 token")
	ErrInvalidAuthFormat = errors.New("無效的認證格式")
	ErrInvalidToken      = errors.New("無效或過期的 token")
)

// Claims 簽發方提供的 bearer token 內容
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Admin bool   `json:"admin,omitempty"`
}

// JWTMiddleware JWT 驗證中間件（HS256）
// 未啟用時改讀 X-User-ID / X-Admin-ID 標頭，僅供開發環境.
type JWTMiddleware struct {
	secretKey []byte
	issuer    string
	enabled   bool
	leeway    time.Duration
}

// NewJWTMiddleware 創建 JWT 中間件
func NewJWTMiddleware(secretKey, issuer string, enabled bool) *JWTMiddleware {
	return &JWTMiddleware{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		enabled:   enabled,
		leeway:    30 * time.Second,
	}
}

// ParseToken 驗證 token 並取出身分
func (m *JWTMiddleware) ParseToken(tokenString string) (*Principal, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.leeway),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return m.secretKey, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, ErrInvalidToken
	}

	return &Principal{UserID: subject, Email: claims.Email, Admin: claims.Admin}, nil
}

// IssueToken 簽發 HS256 token（管理工具與測試用）
func IssueToken(secretKey, issuer string, p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: p.Email,
		Admin: p.Admin,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secretKey))
}

// bearerToken 解析 "Bearer <token>"
func bearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrInvalidAuthFormat
	}
	return strings.TrimSpace(parts[1]), nil
}

// principalFromHeaders 開發模式身分
func principalFromHeaders(get func(string) string) *Principal {
	if adminID := get(AdminIDHeader); adminID != "" {
		return &Principal{UserID: adminID, Email: get(EmailHeader), Admin: true}
	}
	if userID := get(UserIDHeader); userID != "" {
		return &Principal{UserID: userID, Email: get(EmailHeader)}
	}
	return nil
}

// GinMiddleware Gin HTTP 中間件
// 使用方式：router.Use(jwtMiddleware.GinMiddleware())
func (m *JWTMiddleware) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var principal *Principal

		if !m.enabled {
			principal = principalFromHeaders(c.GetHeader)
		} else {
			token, err := bearerToken(c.GetHeader("Authorization"))
			if err == nil {
				principal, err = m.ParseToken(token)
			}
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":      err.Error(),
					"success":    false,
					"request_id": GetRequestID(c),
				})
				return
			}
		}

		if principal != nil {
			if err := ValidateUserID(principal.UserID); err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":      err.Error(),
					"success":    false,
					"request_id": GetRequestID(c),
				})
				return
			}
			setPrincipal(c, principal)
		}
		c.Next()
	}
}

// GRPCUnaryInterceptor gRPC 一元 RPC 攔截器
// 使用方式：grpc.NewServer(grpc.UnaryInterceptor(jwtMiddleware.GRPCUnaryInterceptor()))
func (m *JWTMiddleware) GRPCUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		get := func(key string) string {
			if values := md.Get(key); len(values) > 0 {
				return values[0]
			}
			return ""
		}

		var principal *Principal
		if !m.enabled {
			principal = principalFromHeaders(get)
		} else {
			token, err := bearerToken(get("authorization"))
			if err == nil {
				principal, err = m.ParseToken(token)
			}
			if err != nil {
				return nil, status.Error(codes.Unauthenticated, err.Error())
			}
		}

		if principal == nil {
			return nil, status.Error(codes.Unauthenticated, ErrMissingToken.Error())
		}
		if err := ValidateUserID(principal.UserID); err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		ctx = WithRequestMetadata(ctx, grpcRequestMetadata(ctx, get))
		return handler(WithPrincipal(ctx, principal), req)
	}
}

// grpcRequestMetadata gRPC 呼叫的來源位址與客戶端標識
func grpcRequestMetadata(ctx context.Context, get func(string) string) *RequestMetadata {
	meta := unknownMetadata
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		meta.IPAddress = p.Addr.String()
	}
	if ua := get("user-agent"); ua != "" {
		meta.UserAgent = ua
	}
	meta.RequestID = get("x-request-id")
	return &meta
}

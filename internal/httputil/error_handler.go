package httputil

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"governance-gateway/internal/platform/logger"
	"governance-gateway/internal/platform/middleware"

	"github.com/gin-gonic/gin"
)

// ErrorResponse 所有錯誤回應的共同格式
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	Success   bool   `json:"success"`
	RequestID string `json:"request_id"`
	Details   gin.H  `json:"details,omitempty"`
}

// internalKeywords 錯誤訊息含這些字時只回傳通用訊息
var internalKeywords = []string{
	"mongo", "database", "connection", "password", "token", "secret",
	"credential", "cipher", "decrypt", "grpc", "internal", "panic", "sk-",
}

// Fail 回傳帶錯誤代碼的錯誤
func Fail(c *gin.Context, statusCode, code int, message string, details gin.H) {
	c.JSON(statusCode, ErrorResponse{
		Error:     message,
		Code:      code,
		RequestID: middleware.GetRequestID(c),
		Details:   details,
	})
}

// SafeError 完整錯誤寫入日誌，回應只帶可公開的訊息
func SafeError(c *gin.Context, statusCode int, err error, userMessage string) {
	requestID := middleware.GetRequestID(c)
	logger.Error(c.Request.Context(), "API 錯誤",
		logger.WithError(err),
		logger.WithRequestID(requestID),
		logger.WithEndpoint(c.FullPath()),
		logger.WithDetails(map[string]interface{}{
			"method": c.Request.Method,
			"status": statusCode,
		}))

	message := userMessage
	if isPublicError(err) {
		message = err.Error()
	}
	Fail(c, statusCode, ErrorCodeProcessingFailed, message, nil)
}

// isPublicError 錯誤訊息不含內部細節時才可回傳給呼叫者
func isPublicError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, keyword := range internalKeywords {
		if strings.Contains(msg, keyword) {
			return false
		}
	}
	return true
}

// InternalServerError 500，訊息一律通用
func InternalServerError(c *gin.Context, err error) {
	SafeError(c, http.StatusInternalServerError, err, "服務器內部錯誤，請稍後再試")
}

// BadRequest 400
func BadRequest(c *gin.Context, message string) {
	Fail(c, http.StatusBadRequest, ErrorCodeInvalidParameter, message, nil)
}

// ValidationError 400，details 帶出錯欄位
func ValidationError(c *gin.Context, field string, message string) {
	Fail(c, http.StatusBadRequest, ErrorCodeInvalidParameter, fmt.Sprintf("%s: %s", field, message), gin.H{"field": field})
}

// RateLimitExceeded 429；retryAfter 秒數大於 0 時設定 Retry-After
func RateLimitExceeded(c *gin.Context, code int, message string, retryAfter int, details gin.H) {
	if message == "" {
		message = "請求過於頻繁，請稍後再試"
	}
	if retryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(retryAfter))
	}
	Fail(c, http.StatusTooManyRequests, code, message, details)
}

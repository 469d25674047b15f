package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"governance-gateway/internal/constants"

	"github.com/gin-gonic/gin"
)

// ReservedIDPrefix 系統保留的身分前綴（管理員金鑰池等），外部呼叫者不可使用
const ReservedIDPrefix = "__"

var (
	ErrEmptyUserID    = errors.New("用戶 ID 不能為空")
	ErrUserIDTooLong  = fmt.Errorf("用戶 ID 超過 %d 字元", constants.MaxUserIDLength)
	ErrUserIDReserved = errors.New("用戶 ID 使用了保留前綴")
	ErrUserIDCharset  = errors.New("用戶 ID 包含非法字符")
)

// ValidateUserID 驗證外部傳入的用戶 ID
// 會作為存儲鍵與 MongoDB 查詢值，拒絕控制字元與查詢運算子.
func ValidateUserID(userID string) error {
	switch {
	case strings.TrimSpace(userID) == "":
		return ErrEmptyUserID
	case len(userID) > constants.MaxUserIDLength:
		return ErrUserIDTooLong
	case strings.HasPrefix(userID, ReservedIDPrefix):
		return ErrUserIDReserved
	}
	for _, r := range userID {
		if unicode.IsControl(r) || strings.ContainsRune("${}[]", r) {
			return ErrUserIDCharset
		}
	}
	return nil
}

// SanitizeInput 移除提示文字中的控制字元，保留換行與 Tab
func SanitizeInput(input string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			return r
		}
		return -1
	}, input)
}

// RequestSizeLimiter 限制請求體大小
func RequestSizeLimiter(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":      fmt.Sprintf("請求體過大，最大允許 %d 字節", maxSize),
				"success":    false,
				"request_id": GetRequestID(c),
			})
			return
		}

		// chunked 請求沒有 Content-Length，讀取時截斷
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

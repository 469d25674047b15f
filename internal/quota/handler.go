package quota

import (
	"errors"
	"math"
	"net/http"
	"time"

	"governance-gateway/internal/httputil"
	"governance-gateway/internal/platform/middleware"

	"github.com/gin-gonic/gin"
)

// QuotaHandler 配額查詢處理器.
type QuotaHandler struct {
	governor *Governor
}

// NewQuotaHandler 創建配額查詢處理器.
func NewQuotaHandler(governor *Governor) *QuotaHandler {
	return &QuotaHandler{governor: governor}
}

// GetQuota 目前用量與上限.
func (h *QuotaHandler) GetQuota(c *gin.Context) {
	principal, _ := middleware.GetPrincipal(c)

	snap, err := h.governor.Snapshot(c.Request.Context(), principal.UserID)
	if err != nil {
		httputil.SafeError(c, http.StatusServiceUnavailable, err, "暫時無法取得配額資訊")
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, snap))
}

// ListRoles 各等級上限.
func (h *QuotaHandler) ListRoles(c *gin.Context) {
	roles := h.governor.Roles().All()
	c.JSON(http.StatusOK, httputil.NewSuccessResponseWithCount(httputil.DataRetrieved, roles, len(roles)))
}

// WriteError 將准入錯誤轉為 HTTP 回應；不屬於准入錯誤時回傳 false
func WriteError(c *gin.Context, err error) bool {
	var (
		rateErr    *RateLimitExceededError
		dailyErr   *DailyQuotaExceededError
		monthlyErr *MonthlyQuotaExceededError
		largeErr   *RequestTooLargeError
	)

	switch {
	case errors.As(err, &largeErr):
		httputil.Fail(c, http.StatusRequestEntityTooLarge, httputil.ErrorCodeRequestTooLarge,
			"單次請求的 max_tokens 超過上限", gin.H{"requested": largeErr.Requested, "limit": largeErr.Limit})
	case errors.As(err, &rateErr):
		httputil.RateLimitExceeded(c, httputil.ErrorCodeRateLimited, "請求過於頻繁，請稍後再試", rateErr.RetryAfter,
			gin.H{"limit": rateErr.Limit, "current": rateErr.Current, "retry_after": rateErr.RetryAfter})
	case errors.As(err, &dailyErr):
		retry := secondsUntil(dailyErr.ResetAt)
		httputil.RateLimitExceeded(c, httputil.ErrorCodeDailyQuotaExceeded, "今日 token 配額已用完", retry,
			gin.H{"used": dailyErr.Used, "limit": dailyErr.Limit, "requested": dailyErr.Requested, "retry_after": retry})
	case errors.As(err, &monthlyErr):
		retry := secondsUntil(monthlyErr.ResetAt)
		httputil.RateLimitExceeded(c, httputil.ErrorCodeMonthlyQuotaExceeded, "本月 token 配額已用完", retry,
			gin.H{"used": monthlyErr.Used, "limit": monthlyErr.Limit, "requested": monthlyErr.Requested, "retry_after": retry})
	case errors.Is(err, ErrGovernorUnavailable):
		httputil.Fail(c, http.StatusServiceUnavailable, httputil.ErrorCodeGovernorUnavailable, "配額服務暫時無法使用", nil)
	default:
		return false
	}
	return true
}

func secondsUntil(t time.Time) int {
	if t.IsZero() {
		return 0
	}
	secs := int(math.Ceil(time.Until(t).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

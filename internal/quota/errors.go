package quota

import (
	"errors"
	"fmt"
	"time"
)

// ErrGovernorUnavailable 計數器存取失敗且設定為 fail-closed
var ErrGovernorUnavailable = errors.New("quota governor is unavailable")

// ErrUnknownRole 未定義的訂閱等級
var ErrUnknownRole = errors.New("unknown role")

// RateLimitExceededError 每分鐘請求數超限
type RateLimitExceededError struct {
	Limit      int
	Current    int
	RetryAfter int // 秒
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d/%d requests per minute, retry after %ds", e.Current, e.Limit, e.RetryAfter)
}

// DailyQuotaExceededError 每日 token 配額不足
type DailyQuotaExceededError struct {
	Used      int64
	Limit     int64
	Requested int64
	ResetAt   time.Time
}

func (e *DailyQuotaExceededError) Error() string {
	return fmt.Sprintf("daily token quota exceeded: used=%d, limit=%d, requested=%d", e.Used, e.Limit, e.Requested)
}

// MonthlyQuotaExceededError 每月 token 配額不足
type MonthlyQuotaExceededError struct {
	Used      int64
	Limit     int64
	Requested int64
	ResetAt   time.Time
}

func (e *MonthlyQuotaExceededError) Error() string {
	return fmt.Sprintf("monthly token quota exceeded: used=%d, limit=%d, requested=%d", e.Used, e.Limit, e.Requested)
}

// RequestTooLargeError 單次請求的 max_tokens 超過等級上限
type RequestTooLargeError struct {
	Requested int
	Limit     int
}

func (e *RequestTooLargeError) Error() string {
	return fmt.Sprintf("requested max_tokens %d exceeds per-request limit %d", e.Requested, e.Limit)
}

package governance

import (
	"context"
	"time"
)

// 集合名稱.
const (
	CollectionRateLimits = "rate_limits"
	CollectionQuotas     = "quotas"
)

// 配額超限的時間窗.
const (
	WindowDaily   = "daily"
	WindowMonthly = "monthly"
)

// CounterRepository 速率與配額計數器倉儲接口
// 所有遞增都必須是單次往返的條件式更新，不可先讀後寫.
type CounterRepository interface {
	// IncrementRequest 在目前時間窗內佔用一個請求名額
	IncrementRequest(ctx context.Context, userID, endpoint string, limit int, window time.Duration, now time.Time) (*RateOutcome, error)
	// ReleaseRequest 歸還先前佔用的名額（僅限同一時間窗）
	ReleaseRequest(ctx context.Context, userID, endpoint string, windowStart time.Time) error
	// ReserveTokens 在不超過每日與每月上限的前提下預留 token
	ReserveTokens(ctx context.Context, req ReserveRequest) (*QuotaOutcome, error)
	// ReleaseTokens 歸還先前預留的 token；預留後已重置或用量不足時不變更
	ReleaseTokens(ctx context.Context, userID string, amount int64, reservedAt time.Time) error
	// GetQuota 讀取配額記錄（已套用延遲重置），不存在時回傳 nil
	GetQuota(ctx context.Context, userID string, now time.Time) (*QuotaRecord, error)
}

// RateCounter 每位使用者每個端點一份的請求計數
type RateCounter struct {
	UserID      string    `bson:"user_id" json:"user_id"`
	Endpoint    string    `bson:"endpoint" json:"endpoint"`
	Requests    int       `bson:"requests" json:"requests"`
	WindowStart time.Time `bson:"window_start" json:"window_start"`
	ResetTime   time.Time `bson:"reset_time" json:"reset_time"`
}

// Live 時間窗在指定時間是否仍有效；超過 reset_time 才算過期
func (c *RateCounter) Live(now time.Time) bool {
	return c != nil && !now.After(c.ResetTime)
}

// RateOutcome 請求計數結果
type RateOutcome struct {
	Allowed bool
	Counter RateCounter
}

// QuotaRecord 每位使用者一份的 token 配額
type QuotaRecord struct {
	UserID        string    `bson:"user_id" json:"user_id"`
	Role          string    `bson:"role" json:"role"`
	DailyTokens   int64     `bson:"daily_tokens" json:"daily_tokens"`
	MonthlyTokens int64     `bson:"monthly_tokens" json:"monthly_tokens"`
	LastReset     time.Time `bson:"last_reset" json:"last_reset"`
	QuotaExceeded bool      `bson:"quota_exceeded" json:"quota_exceeded"`
	UpdatedAt     time.Time `bson:"updated_at" json:"updated_at"`
}

// ReserveRequest 預留 token 的參數
type ReserveRequest struct {
	UserID       string
	Role         string
	Amount       int64
	DailyLimit   int64
	MonthlyLimit int64
	Now          time.Time
}

// QuotaOutcome 預留結果；被拒時 Window 為 daily 或 monthly
type QuotaOutcome struct {
	Allowed bool
	Window  string
	Record  QuotaRecord
}

// StartOfDay UTC 當日零時
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfMonth UTC 當月一日零時
func StartOfMonth(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// ApplyReset 依 lastReset 套用延遲重置，回傳是否有變更
func ApplyReset(rec *QuotaRecord, now time.Time) bool {
	if rec == nil {
		return false
	}
	switch {
	case rec.LastReset.Before(StartOfMonth(now)):
		rec.DailyTokens = 0
		rec.MonthlyTokens = 0
	case rec.LastReset.Before(StartOfDay(now)):
		rec.DailyTokens = 0
	default:
		return false
	}
	rec.LastReset = now.UTC()
	rec.QuotaExceeded = false
	return true
}

// ExceededWindow 判斷預留 amount 會超出哪個時間窗，未超出時回傳空字串
// 每日上限優先於每月上限.
func ExceededWindow(rec QuotaRecord, amount, dailyLimit, monthlyLimit int64) string {
	if rec.DailyTokens+amount > dailyLimit {
		return WindowDaily
	}
	if rec.MonthlyTokens+amount > monthlyLimit {
		return WindowMonthly
	}
	return ""
}

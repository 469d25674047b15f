package quota

import (
	"context"
	"fmt"
	"math"
	"time"

	"governance-gateway/internal/constants"
	"governance-gateway/internal/platform/logger"
	"governance-gateway/internal/platform/metrics"
	"governance-gateway/internal/security/audit"
	"governance-gateway/internal/storage/database/governance"
)

// RoleStore 使用者訂閱等級存取
type RoleStore interface {
	GetRole(ctx context.Context, userID string) (string, error)
	SetRole(ctx context.Context, userID, role string) error
}

// Options 治理器選項
type Options struct {
	Roles    *RoleTable
	Window   time.Duration
	FailOpen bool
	Audit    *audit.AuditService
	Now      func() time.Time
}

// Governor 速率與 token 配額治理器
type Governor struct {
	counters governance.CounterRepository
	roles    RoleStore
	table    *RoleTable
	window   time.Duration
	failOpen bool
	audit    *audit.AuditService
	now      func() time.Time
}

// AdmitRequest 准入請求
type AdmitRequest struct {
	UserID          string
	Endpoint        string
	EstimatedTokens int64
	MaxTokens       int
}

// Admission 准入結果
type Admission struct {
	Role       string
	Limit      RoleLimit
	Reserved   int64
	ReservedAt time.Time
	// FailOpen 計數器無法存取但仍放行
	FailOpen bool
}

// QuotaSnapshot 使用者目前的配額用量
type QuotaSnapshot struct {
	UserID           string    `json:"user_id"`
	Role             string    `json:"role"`
	Limit            RoleLimit `json:"limits"`
	DailyTokens      int64     `json:"daily_tokens"`
	MonthlyTokens    int64     `json:"monthly_tokens"`
	DailyRemaining   int64     `json:"daily_remaining"`
	MonthlyRemaining int64     `json:"monthly_remaining"`
	DailyResetAt     time.Time `json:"daily_reset_at"`
	MonthlyResetAt   time.Time `json:"monthly_reset_at"`
}

// NewGovernor 創建治理器
func NewGovernor(counters governance.CounterRepository, roles RoleStore, opts Options) (*Governor, error) {
	table := opts.Roles
	if table == nil {
		var err error
		if table, err = NewRoleTable(nil, ""); err != nil {
			return nil, err
		}
	}
	window := opts.Window
	if window <= 0 {
		window = time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Governor{
		counters: counters,
		roles:    roles,
		table:    table,
		window:   window,
		failOpen: opts.FailOpen,
		audit:    opts.Audit,
		now:      now,
	}, nil
}

// EstimateTokens 保守估計：每 4 個字元約 1 token，加上最大輸出長度
func EstimateTokens(prompt, systemPrompt string, maxTokens int) int64 {
	chars := len(prompt) + len(systemPrompt)
	promptTokens := (chars + constants.CharsPerTokenEstimate - 1) / constants.CharsPerTokenEstimate
	return int64(promptTokens + maxTokens)
}

// Roles 等級表
func (g *Governor) Roles() *RoleTable {
	return g.table
}

// ResolveRole 讀取使用者等級；未設定時使用預設等級，讀取失敗回傳錯誤與預設等級
func (g *Governor) ResolveRole(ctx context.Context, userID string) (RoleLimit, error) {
	role := ""
	if g.roles != nil {
		r, err := g.roles.GetRole(ctx, userID)
		if err != nil {
			limit, _ := g.table.Lookup("")
			return limit, fmt.Errorf("failed to load role: %w", err)
		}
		role = r
	}

	limit, known := g.table.Lookup(role)
	if !known && role != "" {
		logger.Warning(ctx, "未定義的使用者等級，使用預設等級",
			logger.WithUserID(userID), logger.WithDetails(map[string]interface{}{"role": role}))
	}
	return limit, nil
}

// SetRole 設定使用者等級（管理員）
func (g *Governor) SetRole(ctx context.Context, adminUserID, userID, role string) error {
	if !g.table.Has(role) {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	if g.roles == nil {
		return ErrGovernorUnavailable
	}
	if err := g.roles.SetRole(ctx, userID, role); err != nil {
		return fmt.Errorf("failed to set role: %w", err)
	}
	g.audit.LogRoleChanged(ctx, adminUserID, userID, role)
	return nil
}

// Admit 依序檢查單次上限、請求速率與 token 配額
// 被拒的請求不留下任何計數；計數器存取失敗時依 fail-open 設定處理.
func (g *Governor) Admit(ctx context.Context, req AdmitRequest) (*Admission, error) {
	limit, err := g.ResolveRole(ctx, req.UserID)
	admission := &Admission{Role: limit.Role, Limit: limit}
	if err != nil {
		// 等級未知時不套用任何上限
		return g.persistenceFailure(ctx, req, admission, err)
	}

	if req.MaxTokens > limit.MaxTokensPerRequest {
		return nil, g.reject(ctx, req, "too_large", &RequestTooLargeError{
			Requested: req.MaxTokens,
			Limit:     limit.MaxTokensPerRequest,
		})
	}

	now := g.now()
	rate, err := g.counters.IncrementRequest(ctx, req.UserID, req.Endpoint, limit.RequestsPerMinute, g.window, now)
	if err != nil {
		return g.persistenceFailure(ctx, req, admission, err)
	}
	if !rate.Allowed {
		return nil, g.reject(ctx, req, "rate_limited", &RateLimitExceededError{
			Limit:      limit.RequestsPerMinute,
			Current:    rate.Counter.Requests,
			RetryAfter: retryAfterSeconds(rate.Counter.ResetTime, now),
		})
	}

	outcome, err := g.counters.ReserveTokens(ctx, governance.ReserveRequest{
		UserID:       req.UserID,
		Role:         limit.Role,
		Amount:       req.EstimatedTokens,
		DailyLimit:   limit.TokensPerDay,
		MonthlyLimit: limit.TokensPerMonth,
		Now:          now,
	})
	if err != nil {
		if !g.failOpen {
			g.release(ctx, req, rate.Counter.WindowStart)
		}
		return g.persistenceFailure(ctx, req, admission, err)
	}
	if !outcome.Allowed {
		g.release(ctx, req, rate.Counter.WindowStart)
		if outcome.Window == governance.WindowMonthly {
			return nil, g.reject(ctx, req, "monthly_quota", &MonthlyQuotaExceededError{
				Used:      outcome.Record.MonthlyTokens,
				Limit:     limit.TokensPerMonth,
				Requested: req.EstimatedTokens,
				ResetAt:   governance.StartOfMonth(now).AddDate(0, 1, 0),
			})
		}
		return nil, g.reject(ctx, req, "daily_quota", &DailyQuotaExceededError{
			Used:      outcome.Record.DailyTokens,
			Limit:     limit.TokensPerDay,
			Requested: req.EstimatedTokens,
			ResetAt:   governance.StartOfDay(now).AddDate(0, 0, 1),
		})
	}

	admission.Reserved = req.EstimatedTokens
	admission.ReservedAt = now
	metrics.AdmissionsTotal.WithLabelValues("allowed").Inc()
	return admission, nil
}

// Snapshot 目前配額用量與上限（已套用延遲重置）
func (g *Governor) Snapshot(ctx context.Context, userID string) (*QuotaSnapshot, error) {
	limit, err := g.ResolveRole(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := g.now()

	rec, err := g.counters.GetQuota(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load quota: %w", err)
	}

	snap := &QuotaSnapshot{
		UserID:         userID,
		Role:           limit.Role,
		Limit:          limit,
		DailyResetAt:   governance.StartOfDay(now).AddDate(0, 0, 1),
		MonthlyResetAt: governance.StartOfMonth(now).AddDate(0, 1, 0),
	}
	if rec != nil {
		snap.DailyTokens = rec.DailyTokens
		snap.MonthlyTokens = rec.MonthlyTokens
	}
	snap.DailyRemaining = max(limit.TokensPerDay-snap.DailyTokens, 0)
	snap.MonthlyRemaining = max(limit.TokensPerMonth-snap.MonthlyTokens, 0)
	return snap, nil
}

// Release 呼叫未產生任何 token 時歸還預留量，失敗只記錄
func (g *Governor) Release(ctx context.Context, userID string, admission *Admission) {
	if admission == nil || admission.Reserved <= 0 {
		return
	}
	if err := g.counters.ReleaseTokens(ctx, userID, admission.Reserved, admission.ReservedAt); err != nil {
		logger.Warning(ctx, "歸還預留 token 失敗",
			logger.WithUserID(userID), logger.WithError(err),
			logger.WithDetails(map[string]interface{}{"reserved": admission.Reserved}))
		return
	}
	admission.Reserved = 0
}

// release 歸還已佔用的請求名額，失敗只記錄
func (g *Governor) release(ctx context.Context, req AdmitRequest, windowStart time.Time) {
	if err := g.counters.ReleaseRequest(ctx, req.UserID, req.Endpoint, windowStart); err != nil {
		logger.Warning(ctx, "歸還請求名額失敗",
			logger.WithUserID(req.UserID), logger.WithEndpoint(req.Endpoint), logger.WithError(err))
	}
}

func (g *Governor) reject(ctx context.Context, req AdmitRequest, outcome string, err error) error {
	metrics.AdmissionsTotal.WithLabelValues(outcome).Inc()
	g.audit.LogAdmissionRejected(ctx, req.UserID, req.Endpoint, outcome)
	logger.Info(ctx, "請求未通過准入檢查",
		logger.WithUserID(req.UserID),
		logger.WithEndpoint(req.Endpoint),
		logger.WithAction("admission_rejected"),
		logger.WithDetails(map[string]interface{}{"outcome": outcome, "estimated_tokens": req.EstimatedTokens}),
	)
	return err
}

func (g *Governor) persistenceFailure(ctx context.Context, req AdmitRequest, admission *Admission, err error) (*Admission, error) {
	if g.failOpen {
		metrics.AdmissionsTotal.WithLabelValues("fail_open").Inc()
		logger.Warning(ctx, "計數器存取失敗，依 fail-open 設定放行",
			logger.WithUserID(req.UserID), logger.WithEndpoint(req.Endpoint), logger.WithError(err))
		admission.FailOpen = true
		return admission, nil
	}

	metrics.AdmissionsTotal.WithLabelValues("unavailable").Inc()
	logger.Error(ctx, "計數器存取失敗，拒絕請求",
		logger.WithUserID(req.UserID), logger.WithEndpoint(req.Endpoint), logger.WithError(err))
	return nil, fmt.Errorf("%w: %v", ErrGovernorUnavailable, err)
}

// retryAfterSeconds 無條件進位，至少 1 秒
func retryAfterSeconds(resetTime, now time.Time) int {
	secs := int(math.Ceil(resetTime.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

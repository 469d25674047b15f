package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"governance-gateway/internal/platform/logger"
	"governance-gateway/internal/platform/metrics"
	"governance-gateway/internal/storage/database/account"

	"github.com/google/uuid"
)

// 用量記錄錯誤.
var (
	ErrInvalidEvent    = errors.New("invalid usage event")
	ErrRollupConflict  = errors.New("rollup recompute kept conflicting with concurrent writes")
	ErrUserIDRequired  = errors.New("user id is required")
	ErrInvalidDateSpan = errors.New("start date is after end date")
)

// Store 用量事件與彙總存取
type Store interface {
	AppendUsageEvent(ctx context.Context, userID string, event account.UsageEvent) error
	LoadUsage(ctx context.Context, userID string) (*account.UsageSnapshot, error)
	SaveRollups(ctx context.Context, userID string, rollups *account.RollupSet, version int64) (bool, error)
	GetRollups(ctx context.Context, userID string) (*account.RollupSet, error)
	ListSummaries(ctx context.Context) ([]*account.Summary, error)
	ListUsage(ctx context.Context) ([]*account.UserUsage, error)
}

// Ledger 用量帳本
type Ledger struct {
	store   Store
	retries int
	now     func() time.Time
}

// DateRange 含頭尾的日期範圍（UTC 日）；nil 代表不限
type DateRange struct {
	Start *time.Time
	End   *time.Time
}

// Contains 時間是否落在範圍內
func (r DateRange) Contains(ts time.Time) bool {
	ts = ts.UTC()
	if r.Start != nil && ts.Before(startOfDay(*r.Start)) {
		return false
	}
	if r.End != nil && !ts.Before(startOfDay(*r.End).AddDate(0, 0, 1)) {
		return false
	}
	return true
}

// Validate 檢查開始不晚於結束
func (r DateRange) Validate() error {
	if r.Start != nil && r.End != nil && startOfDay(*r.Start).After(startOfDay(*r.End)) {
		return ErrInvalidDateSpan
	}
	return nil
}

func (r DateRange) dayKeys() (from, to string) {
	if r.Start != nil {
		from = r.Start.UTC().Format(DayLayout)
	}
	if r.End != nil {
		to = r.End.UTC().Format(DayLayout)
	}
	return from, to
}

func (r DateRange) monthKeys() (from, to string) {
	if r.Start != nil {
		from = r.Start.UTC().Format(MonthLayout)
	}
	if r.End != nil {
		to = r.End.UTC().Format(MonthLayout)
	}
	return from, to
}

func startOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// UserExport 單一使用者的匯出資料
type UserExport struct {
	UserID  string               `json:"user_id"`
	Email   string               `json:"email,omitempty"`
	Daily   []account.Rollup     `json:"daily"`
	Monthly []account.Rollup     `json:"monthly"`
	Events  []account.UsageEvent `json:"events"`
	Totals  Totals               `json:"totals"`
}

// UserTotals 管理員檢視的使用者總計
type UserTotals struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	Totals Totals `json:"totals"`
}

// NewLedger 創建用量帳本
func NewLedger(store Store, retries int, now func() time.Time) *Ledger {
	if retries <= 0 {
		retries = 3
	}
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, retries: retries, now: now}
}

// ValidateEvent 檢查事件；totalTokens 必須等於 prompt + completion
func ValidateEvent(e account.UsageEvent) error {
	if e.PromptTokens < 0 || e.CompletionTokens < 0 || e.Cost < 0 {
		return fmt.Errorf("%w: negative tokens or cost", ErrInvalidEvent)
	}
	if e.TotalTokens != e.PromptTokens+e.CompletionTokens {
		return fmt.Errorf("%w: total_tokens %d != %d + %d", ErrInvalidEvent, e.TotalTokens, e.PromptTokens, e.CompletionTokens)
	}
	if e.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidEvent)
	}
	return nil
}

// RecordUsage 追加不可變事件並重建彙總
func (l *Ledger) RecordUsage(ctx context.Context, userID string, event account.UsageEvent) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	if err := ValidateEvent(event); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	event.Timestamp = event.Timestamp.UTC()
	if event.RequestID == "" {
		event.RequestID = uuid.New().String()
	}
	event.Cost = RoundCost(event.Cost)

	if err := l.store.AppendUsageEvent(ctx, userID, event); err != nil {
		return fmt.Errorf("failed to append usage event: %w", err)
	}
	metrics.TokensRecorded.WithLabelValues(event.Model).Add(float64(event.TotalTokens))

	return l.recomputeRollups(ctx, userID)
}

// recomputeRollups 以完整事件重建彙總，版本衝突時重試
func (l *Ledger) recomputeRollups(ctx context.Context, userID string) error {
	for attempt := 1; attempt <= l.retries; attempt++ {
		snapshot, err := l.store.LoadUsage(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to load usage: %w", err)
		}

		rollups := ComputeRollups(snapshot.Events, l.now())
		saved, err := l.store.SaveRollups(ctx, userID, rollups, snapshot.Version)
		if err != nil {
			return fmt.Errorf("failed to save rollups: %w", err)
		}
		if saved {
			return nil
		}

		logger.Debug(ctx, "彙總版本衝突，重新計算",
			logger.WithUserID(userID),
			logger.WithDetails(map[string]interface{}{"attempt": attempt, "version": snapshot.Version}))
	}
	return ErrRollupConflict
}

// GetRollups 每日與每月彙總及總計
func (l *Ledger) GetRollups(ctx context.Context, userID string) (*Rollups, error) {
	set, err := l.store.GetRollups(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rollups: %w", err)
	}

	out := &Rollups{Daily: []account.Rollup{}, Monthly: []account.Rollup{}}
	if set == nil {
		return out, nil
	}
	if set.Daily != nil {
		out.Daily = set.Daily
	}
	if set.Monthly != nil {
		out.Monthly = set.Monthly
	}
	out.Totals = ComputeTotals(out.Monthly, l.now())
	if !set.ComputedAt.IsZero() {
		computed := set.ComputedAt
		out.ComputedAt = &computed
	}
	return out, nil
}

// GetEvents 事件列表，新的在前
func (l *Ledger) GetEvents(ctx context.Context, userID string, span DateRange) ([]account.UsageEvent, error) {
	if err := span.Validate(); err != nil {
		return nil, err
	}
	snapshot, err := l.store.LoadUsage(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load usage: %w", err)
	}
	return filterEvents(snapshot.Events, span), nil
}

func filterEvents(events []account.UsageEvent, span DateRange) []account.UsageEvent {
	out := make([]account.UsageEvent, 0, len(events))
	for _, e := range events {
		if span.Contains(e.Timestamp) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// Export 所有使用者的彙總與事件（管理員）
func (l *Ledger) Export(ctx context.Context, span DateRange) ([]UserExport, error) {
	if err := span.Validate(); err != nil {
		return nil, err
	}
	usages, err := l.store.ListUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}

	dayFrom, dayTo := span.dayKeys()
	monthFrom, monthTo := span.monthKeys()
	now := l.now()

	exports := make([]UserExport, 0, len(usages))
	for _, u := range usages {
		// 彙總可能落後於事件，匯出時以事件重建
		set := ComputeRollups(u.Events, now)
		exports = append(exports, UserExport{
			UserID:  u.UserID,
			Email:   u.Email,
			Daily:   filterRollups(set.Daily, dayFrom, dayTo),
			Monthly: filterRollups(set.Monthly, monthFrom, monthTo),
			Events:  filterEvents(u.Events, span),
			Totals:  ComputeTotals(set.Monthly, now),
		})
	}
	return exports, nil
}

// Totals 所有使用者的總計（不含事件）
func (l *Ledger) Totals(ctx context.Context) ([]UserTotals, error) {
	summaries, err := l.store.ListSummaries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	now := l.now()
	out := make([]UserTotals, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, UserTotals{
			UserID: s.UserID,
			Email:  s.Email,
			Role:   s.Role,
			Totals: ComputeTotals(s.Monthly, now),
		})
	}
	return out, nil
}

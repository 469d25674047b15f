package quota

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"governance-gateway/internal/platform/config"
	"governance-gateway/internal/storage/database/governance"
	"governance-gateway/internal/storage/memory"

	"github.com/gin-gonic/gin"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingRoles 模擬等級讀取失敗
type failingRoles struct{}

func (failingRoles) GetRole(context.Context, string) (string, error) {
	return "", errStoreDown
}

func (failingRoles) SetRole(context.Context, string, string) error {
	return errStoreDown
}

// failingCounters 模擬計數器存取失敗
type failingCounters struct{}

var errStoreDown = errors.New("store down")

func (failingCounters) IncrementRequest(context.Context, string, string, int, time.Duration, time.Time) (*governance.RateOutcome, error) {
	return nil, errStoreDown
}

func (failingCounters) ReleaseRequest(context.Context, string, string, time.Time) error {
	return errStoreDown
}

func (failingCounters) ReserveTokens(context.Context, governance.ReserveRequest) (*governance.QuotaOutcome, error) {
	return nil, errStoreDown
}

func (failingCounters) ReleaseTokens(context.Context, string, int64, time.Time) error {
	return errStoreDown
}

func (failingCounters) GetQuota(context.Context, string, time.Time) (*governance.QuotaRecord, error) {
	return nil, errStoreDown
}

func newTestGovernor(t *testing.T, roles map[string]config.RoleLimitConfig) (*Governor, *memory.CounterStore, *memory.AccountStore, *testClock) {
	t.Helper()
	table, err := NewRoleTable(roles, RoleFree)
	if err != nil {
		t.Fatalf("NewRoleTable 失敗: %v", err)
	}
	counters := memory.NewCounterStore()
	accounts := memory.NewAccountStore()
	clock := &testClock{now: time.Date(2026, 5, 20, 10, 0, 0, 0, time.UTC)}
	g, err := NewGovernor(counters, accounts, Options{Roles: table, Window: time.Minute, FailOpen: true, Now: clock.Now})
	if err != nil {
		t.Fatalf("NewGovernor 失敗: %v", err)
	}
	return g, counters, accounts, clock
}

func TestGovernor_FreeTierDailyScenario(t *testing.T) {
	ctx := context.Background()
	g, _, _, _ := newTestGovernor(t, nil)

	if _, err := g.Admit(ctx, AdmitRequest{UserID: "u1", Endpoint: "/completions", EstimatedTokens: 9999, MaxTokens: 500}); err != nil {
		t.Fatalf("9999 tokens 應通過: %v", err)
	}

	_, err := g.Admit(ctx, AdmitRequest{UserID: "u1", Endpoint: "/completions", EstimatedTokens: 2, MaxTokens: 1})
	var dailyErr *DailyQuotaExceededError
	if !errors.As(err, &dailyErr) {
		t.Fatalf("預期 DailyQuotaExceededError，得到 %v", err)
	}
	if dailyErr.Used != 9999 || dailyErr.Limit != 10000 {
		t.Errorf("used=%d limit=%d", dailyErr.Used, dailyErr.Limit)
	}
	if !dailyErr.ResetAt.Equal(time.Date(2026, 5, 21, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("ResetAt = %v", dailyErr.ResetAt)
	}
}

func TestGovernor_RequestTooLargeTouchesNothing(t *testing.T) {
	ctx := context.Background()
	g, counters, _, clock := newTestGovernor(t, nil)

	_, err := g.Admit(ctx, AdmitRequest{UserID: "u1", Endpoint: "/completions", EstimatedTokens: 1500, MaxTokens: 1001})
	var largeErr *RequestTooLargeError
	if !errors.As(err, &largeErr) {
		t.Fatalf("預期 RequestTooLargeError，得到 %v", err)
	}
	if largeErr.Limit != 1000 || largeErr.Requested != 1001 {
		t.Errorf("錯誤內容不符: %+v", largeErr)
	}

	rec, _ := counters.GetQuota(ctx, "u1", clock.Now())
	if rec != nil {
		t.Errorf("不應建立配額記錄: %+v", rec)
	}
}

func TestGovernor_RateWindowReset(t *testing.T) {
	ctx := context.Background()
	g, _, _, clock := newTestGovernor(t, nil)
	req := AdmitRequest{UserID: "u1", Endpoint: "/completions", EstimatedTokens: 10, MaxTokens: 5}

	for i := 0; i < 10; i++ {
		if _, err := g.Admit(ctx, req); err != nil {
			t.Fatalf("第 %d 次請求應通過: %v", i+1, err)
		}
	}

	clock.Advance(20 * time.Second)
	_, err := g.Admit(ctx, req)
	var rateErr *RateLimitExceededError
	if !errors.As(err, &rateErr) {
		t.Fatalf("預期 RateLimitExceededError，得到 %v", err)
	}
	if rateErr.Limit != 10 || rateErr.Current != 10 || rateErr.RetryAfter != 40 {
		t.Errorf("錯誤內容不符: %+v", rateErr)
	}

	clock.Advance(41 * time.Second)
	if _, err := g.Admit(ctx, req); err != nil {
		t.Fatalf("時間窗重置後應通過: %v", err)
	}
}

func TestGovernor_QuotaRejectReleasesRateSlot(t *testing.T) {
	ctx := context.Background()
	roles := map[string]config.RoleLimitConfig{
		RoleFree: {RequestsPerMinute: 2, TokensPerDay: 100, TokensPerMonth: 1000, MaxTokensPerRequest: 50},
	}
	g, _, _, _ := newTestGovernor(t, roles)

	if _, err := g.Admit(ctx, AdmitRequest{UserID: "u1", Endpoint: "/c", EstimatedTokens: 95, MaxTokens: 10}); err != nil {
		t.Fatalf("第一次請求應通過: %v", err)
	}
	if _, err := g.Admit(ctx, AdmitRequest{UserID: "u1", Endpoint: "/c", EstimatedTokens: 10, MaxTokens: 10}); err == nil {
		t.Fatal("超過每日配額應被拒絕")
	}
	// 被拒的請求已歸還名額，第三次仍在每分鐘 2 次之內
	if _, err := g.Admit(ctx, AdmitRequest{UserID: "u1", Endpoint: "/c", EstimatedTokens: 5, MaxTokens: 5}); err != nil {
		t.Fatalf("第三次請求應通過: %v", err)
	}
}

func TestGovernor_MonthlyQuota(t *testing.T) {
	ctx := context.Background()
	roles := map[string]config.RoleLimitConfig{
		RoleFree: {RequestsPerMinute: 100, TokensPerDay: 100, TokensPerMonth: 150, MaxTokensPerRequest: 100},
	}
	g, _, _, clock := newTestGovernor(t, roles)

	if _, err := g.Admit(ctx, AdmitRequest{UserID: "u1", Endpoint: "/c", EstimatedTokens: 90}); err != nil {
		t.Fatalf("第一天應通過: %v", err)
	}
	clock.Advance(24 * time.Hour)

	_, err := g.Admit(ctx, AdmitRequest{UserID: "u1", Endpoint: "/c", EstimatedTokens: 90})
	var monthlyErr *MonthlyQuotaExceededError
	if !errors.As(err, &monthlyErr) {
		t.Fatalf("預期 MonthlyQuotaExceededError，得到 %v", err)
	}
	if monthlyErr.Used != 90 || monthlyErr.Limit != 150 {
		t.Errorf("錯誤內容不符: %+v", monthlyErr)
	}
}

func TestGovernor_QuotaMonotonicity(t *testing.T) {
	ctx := context.Background()
	roles := map[string]config.RoleLimitConfig{
		RoleFree: {RequestsPerMinute: 1000, TokensPerDay: 1000000, TokensPerMonth: 10000000, MaxTokensPerRequest: 100},
	}
	g, counters, _, clock := newTestGovernor(t, roles)

	const n, perRequest = 50, 37
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Admit(ctx, AdmitRequest{UserID: "u1", Endpoint: "/c", EstimatedTokens: perRequest, MaxTokens: 10}); err != nil {
				t.Errorf("Admit 失敗: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, _ := counters.GetQuota(ctx, "u1", clock.Now())
	if rec == nil || rec.DailyTokens < n*perRequest {
		t.Fatalf("dailyTokens 應至少 %d: %+v", n*perRequest, rec)
	}
}

func TestGovernor_RoleLookup(t *testing.T) {
	ctx := context.Background()
	g, _, accounts, _ := newTestGovernor(t, nil)

	if err := g.SetRole(ctx, "admin", "u1", RolePremium); err != nil {
		t.Fatalf("SetRole 失敗: %v", err)
	}
	if limit, err := g.ResolveRole(ctx, "u1"); err != nil || limit.Role != RolePremium || limit.MaxTokensPerRequest != 8000 {
		t.Errorf("ResolveRole = %+v, err = %v", limit, err)
	}

	if err := g.SetRole(ctx, "admin", "u1", "platinum"); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("未知等級應回傳 ErrUnknownRole，得到 %v", err)
	}

	_ = accounts.SetRole(ctx, "u2", "legacy")
	if limit, _ := g.ResolveRole(ctx, "u2"); limit.Role != RoleFree {
		t.Errorf("未知等級應回到預設: %+v", limit)
	}
	if limit, _ := g.ResolveRole(ctx, "nobody"); limit.Role != RoleFree {
		t.Errorf("未設定等級應為預設: %+v", limit)
	}
}

func TestGovernor_FailOpenAndClosed(t *testing.T) {
	ctx := context.Background()
	table, _ := NewRoleTable(nil, RoleFree)
	req := AdmitRequest{UserID: "u1", Endpoint: "/c", EstimatedTokens: 10, MaxTokens: 10}

	open, _ := NewGovernor(failingCounters{}, nil, Options{Roles: table, FailOpen: true})
	adm, err := open.Admit(ctx, req)
	if err != nil || adm == nil || !adm.FailOpen {
		t.Fatalf("fail-open 應放行: adm=%+v err=%v", adm, err)
	}

	closed, _ := NewGovernor(failingCounters{}, nil, Options{Roles: table, FailOpen: false})
	if _, err := closed.Admit(ctx, req); !errors.Is(err, ErrGovernorUnavailable) {
		t.Fatalf("fail-closed 應回傳 ErrGovernorUnavailable，得到 %v", err)
	}

	// 等級讀取失敗：超過預設等級單次上限的請求也依 fail-open 設定處理
	large := AdmitRequest{UserID: "u1", Endpoint: "/c", EstimatedTokens: 4000, MaxTokens: 4000}
	tests := []struct {
		name     string
		failOpen bool
		wantErr  error
	}{
		{"等級讀取失敗 fail-open", true, nil},
		{"等級讀取失敗 fail-closed", false, ErrGovernorUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := NewGovernor(memory.NewCounterStore(), failingRoles{}, Options{Roles: table, FailOpen: tt.failOpen})
			adm, err := g.Admit(ctx, large)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || adm == nil || !adm.FailOpen {
				t.Fatalf("應放行: adm=%+v err=%v", adm, err)
			}
		})
	}
}

func TestGovernor_Snapshot(t *testing.T) {
	ctx := context.Background()
	g, _, _, _ := newTestGovernor(t, nil)

	snap, err := g.Snapshot(ctx, "u1")
	if err != nil {
		t.Fatalf("Snapshot 失敗: %v", err)
	}
	if snap.DailyTokens != 0 || snap.DailyRemaining != 10000 || snap.MonthlyRemaining != 200000 {
		t.Errorf("初始快照錯誤: %+v", snap)
	}

	_, _ = g.Admit(ctx, AdmitRequest{UserID: "u1", Endpoint: "/c", EstimatedTokens: 1200, MaxTokens: 100})
	snap, _ = g.Snapshot(ctx, "u1")
	if snap.DailyTokens != 1200 || snap.DailyRemaining != 8800 || snap.MonthlyTokens != 1200 {
		t.Errorf("快照錯誤: %+v", snap)
	}
	if !snap.DailyResetAt.Equal(time.Date(2026, 5, 21, 0, 0, 0, 0, time.UTC)) ||
		!snap.MonthlyResetAt.Equal(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("重置時間錯誤: %+v", snap)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name      string
		prompt    string
		system    string
		maxTokens int
		want      int64
	}{
		{"空白", "", "", 0, 0},
		{"整除", "abcdefgh", "", 10, 12},
		{"進位", "abcde", "", 0, 2},
		{"含系統提示", "abc", "de", 100, 102},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.prompt, tt.system, tt.maxTokens); got != tt.want {
				t.Errorf("EstimateTokens = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRoleTable_All(t *testing.T) {
	table, err := NewRoleTable(nil, "")
	if err != nil {
		t.Fatalf("NewRoleTable 失敗: %v", err)
	}
	want := []string{RoleFree, RoleBasic, RoleStandard, RolePremium, RoleEnterprise}
	all := table.All()
	if len(all) != len(want) {
		t.Fatalf("len = %d", len(all))
	}
	for i, r := range want {
		if all[i].Role != r {
			t.Errorf("All()[%d] = %s, want %s", i, all[i].Role, r)
		}
	}

	if _, err := NewRoleTable(nil, "gold"); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("未知預設等級應失敗，得到 %v", err)
	}
}

func TestWriteError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantRetry  bool
	}{
		{"速率", &RateLimitExceededError{Limit: 10, Current: 10, RetryAfter: 30}, http.StatusTooManyRequests, true},
		{"每日", &DailyQuotaExceededError{Used: 9999, Limit: 10000, ResetAt: time.Now().Add(time.Hour)}, http.StatusTooManyRequests, true},
		{"每月", &MonthlyQuotaExceededError{Used: 1, Limit: 1, ResetAt: time.Now().Add(time.Hour)}, http.StatusTooManyRequests, true},
		{"過大", &RequestTooLargeError{Requested: 2000, Limit: 1000}, http.StatusRequestEntityTooLarge, false},
		{"不可用", ErrGovernorUnavailable, http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodPost, "/", nil)

			if !WriteError(c, tt.err) {
				t.Fatal("WriteError 應處理此錯誤")
			}
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Retry-After") != ""; got != tt.wantRetry {
				t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
			}
		})
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	if WriteError(c, errors.New("other")) {
		t.Error("非准入錯誤應回傳 false")
	}
}

func TestGovernor_ReleaseReturnsReservation(t *testing.T) {
	ctx := context.Background()
	g, counters, _, clock := newTestGovernor(t, nil)

	adm, err := g.Admit(ctx, AdmitRequest{UserID: "u1", Endpoint: "/completions", EstimatedTokens: 800, MaxTokens: 500})
	if err != nil {
		t.Fatalf("Admit 失敗: %v", err)
	}
	if adm.Reserved != 800 || !adm.ReservedAt.Equal(clock.Now()) {
		t.Fatalf("admission = %+v", adm)
	}

	g.Release(ctx, "u1", adm)
	g.Release(ctx, "u1", adm)
	rec, _ := counters.GetQuota(ctx, "u1", clock.Now())
	if rec == nil || rec.DailyTokens != 0 || rec.MonthlyTokens != 0 {
		t.Errorf("歸還後配額 = %+v", rec)
	}

	// fail-open 放行沒有預留，不應歸還
	g.Release(ctx, "u1", &Admission{FailOpen: true})
	g.Release(ctx, "u1", nil)
}

package governance

import (
	"testing"
	"time"
)

func TestStartOfDayAndMonth(t *testing.T) {
	taipei := time.FixedZone("UTC+8", 8*3600)
	// 台北 1 日 03:00 仍是 UTC 前一天（上個月最後一天）
	local := time.Date(2026, 3, 1, 3, 0, 0, 0, taipei)

	if got, want := StartOfDay(local), time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("StartOfDay = %v, want %v", got, want)
	}
	if got, want := StartOfMonth(local), time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("StartOfMonth = %v, want %v", got, want)
	}
}

func TestApplyReset(t *testing.T) {
	now := time.Date(2026, 5, 15, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name        string
		lastReset   time.Time
		wantChanged bool
		wantDaily   int64
		wantMonthly int64
	}{
		{"Same day", time.Date(2026, 5, 15, 0, 30, 0, 0, time.UTC), false, 500, 3000},
		{"Previous day", time.Date(2026, 5, 14, 23, 59, 0, 0, time.UTC), true, 0, 3000},
		{"Previous month", time.Date(2026, 4, 30, 23, 59, 0, 0, time.UTC), true, 0, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &QuotaRecord{DailyTokens: 500, MonthlyTokens: 3000, LastReset: tc.lastReset, QuotaExceeded: true}
			changed := ApplyReset(rec, now)
			if changed != tc.wantChanged {
				t.Fatalf("changed = %v, want %v", changed, tc.wantChanged)
			}
			if rec.DailyTokens != tc.wantDaily || rec.MonthlyTokens != tc.wantMonthly {
				t.Errorf("daily/monthly = %d/%d, want %d/%d", rec.DailyTokens, rec.MonthlyTokens, tc.wantDaily, tc.wantMonthly)
			}
			if changed && (rec.QuotaExceeded || !rec.LastReset.Equal(now)) {
				t.Errorf("重置後狀態錯誤: %+v", rec)
			}
		})
	}

	if ApplyReset(nil, now) {
		t.Error("nil 記錄不應變更")
	}
}

func TestExceededWindow(t *testing.T) {
	testCases := []struct {
		name    string
		daily   int64
		monthly int64
		amount  int64
		want    string
	}{
		{"Within limits", 100, 100, 50, ""},
		{"Exactly at daily limit", 9998, 9998, 2, ""},
		{"Daily exceeded", 9999, 9999, 2, WindowDaily},
		{"Monthly exceeded", 0, 199999, 2, WindowMonthly},
		{"Both exceeded reports daily", 9999, 199999, 2, WindowDaily},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := QuotaRecord{DailyTokens: tc.daily, MonthlyTokens: tc.monthly}
			if got := ExceededWindow(rec, tc.amount, 10000, 200000); got != tc.want {
				t.Errorf("ExceededWindow = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRateCounterLive(t *testing.T) {
	now := time.Now()
	c := &RateCounter{ResetTime: now.Add(time.Second)}
	if !c.Live(now) {
		t.Error("未到 reset_time 應仍有效")
	}
	if c.Live(now.Add(time.Second)) {
		t.Error("到達 reset_time 即失效")
	}
	var nilCounter *RateCounter
	if nilCounter.Live(now) {
		t.Error("nil 計數器不應有效")
	}
}

func TestRateCounter_Live(t *testing.T) {
	reset := time.Date(2026, 5, 15, 12, 1, 0, 0, time.UTC)
	c := &RateCounter{ResetTime: reset}

	testCases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"Before reset", reset.Add(-time.Second), true},
		{"Exactly at reset", reset, true},
		{"After reset", reset.Add(time.Millisecond), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.Live(tc.now); got != tc.want {
				t.Errorf("Live = %v, want %v", got, tc.want)
			}
		})
	}

	var missing *RateCounter
	if missing.Live(reset) {
		t.Error("nil 計數器不應有效")
	}
}

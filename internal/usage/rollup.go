package usage

import (
	"math"
	"sort"
	"time"

	"governance-gateway/internal/storage/database/account"
)

// 彙總鍵格式（UTC）.
const (
	DayLayout   = "2006-01-02"
	MonthLayout = "2006-01"
)

// CostPrecision 費用保留的小數位數
const CostPrecision = 4

// Totals 彙總總計
type Totals struct {
	AllTimeTokens      int64   `json:"all_time_tokens"`
	AllTimeCost        float64 `json:"all_time_cost"`
	AllTimeRequests    int64   `json:"all_time_requests"`
	CurrentMonthTokens int64   `json:"current_month_tokens"`
	CurrentMonthCost   float64 `json:"current_month_cost"`
}

// Rollups 使用者彙總與總計
type Rollups struct {
	Daily      []account.Rollup `json:"daily"`
	Monthly    []account.Rollup `json:"monthly"`
	Totals     Totals           `json:"totals"`
	ComputedAt *time.Time       `json:"computed_at,omitempty"`
}

// RoundCost 費用四捨五入至 4 位小數
func RoundCost(v float64) float64 {
	scale := math.Pow10(CostPrecision)
	return math.Round(v*scale) / scale
}

type bucket struct {
	rollup account.Rollup
	models map[string]*account.ModelUsage
}

func (b *bucket) add(e account.UsageEvent) {
	b.rollup.TotalTokens += e.TotalTokens
	b.rollup.TotalCost += e.Cost
	b.rollup.RequestCount++

	m, ok := b.models[e.Model]
	if !ok {
		m = &account.ModelUsage{Model: e.Model}
		b.models[e.Model] = m
	}
	m.Tokens += e.TotalTokens
	m.Cost += e.Cost
	m.Requests++
}

func (b *bucket) finish() account.Rollup {
	r := b.rollup
	r.TotalCost = RoundCost(r.TotalCost)
	r.Models = make([]account.ModelUsage, 0, len(b.models))
	for _, m := range b.models {
		mu := *m
		mu.Cost = RoundCost(mu.Cost)
		r.Models = append(r.Models, mu)
	}
	sort.Slice(r.Models, func(i, j int) bool { return r.Models[i].Model < r.Models[j].Model })
	return r
}

// ComputeRollups 由完整事件重建每日與每月彙總（依鍵遞增排序）
func ComputeRollups(events []account.UsageEvent, computedAt time.Time) *account.RollupSet {
	daily := map[string]*bucket{}
	monthly := map[string]*bucket{}

	for _, e := range events {
		ts := e.Timestamp.UTC()
		addTo(daily, ts.Format(DayLayout), e)
		addTo(monthly, ts.Format(MonthLayout), e)
	}

	return &account.RollupSet{
		Daily:      flatten(daily),
		Monthly:    flatten(monthly),
		ComputedAt: computedAt.UTC(),
	}
}

func addTo(buckets map[string]*bucket, key string, e account.UsageEvent) {
	b, ok := buckets[key]
	if !ok {
		b = &bucket{rollup: account.Rollup{Key: key}, models: map[string]*account.ModelUsage{}}
		buckets[key] = b
	}
	b.add(e)
}

func flatten(buckets map[string]*bucket) []account.Rollup {
	out := make([]account.Rollup, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, b.finish())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ComputeTotals 由每月彙總計算總計
func ComputeTotals(monthly []account.Rollup, now time.Time) Totals {
	current := now.UTC().Format(MonthLayout)
	var t Totals
	for _, m := range monthly {
		t.AllTimeTokens += m.TotalTokens
		t.AllTimeCost += m.TotalCost
		t.AllTimeRequests += m.RequestCount
		if m.Key == current {
			t.CurrentMonthTokens = m.TotalTokens
			t.CurrentMonthCost = m.TotalCost
		}
	}
	t.AllTimeCost = RoundCost(t.AllTimeCost)
	return t
}

// filterRollups 保留鍵落在 [from, to] 之間的彙總；空字串代表不限
func filterRollups(in []account.Rollup, from, to string) []account.Rollup {
	out := make([]account.Rollup, 0, len(in))
	for _, r := range in {
		if from != "" && r.Key < from {
			continue
		}
		if to != "" && r.Key > to {
			continue
		}
		out = append(out, r)
	}
	return out
}

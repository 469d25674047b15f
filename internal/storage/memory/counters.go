package memory

import (
	"context"
	"sync"
	"time"

	"governance-gateway/internal/storage/database/governance"
)

// CounterStore 記憶體版速率與配額計數器
// 以單一互斥鎖保證條件判斷與遞增不可分割.
type CounterStore struct {
	mu     sync.Mutex
	rates  map[string]*governance.RateCounter
	quotas map[string]*governance.QuotaRecord
}

// NewCounterStore 創建記憶體計數器
func NewCounterStore() *CounterStore {
	return &CounterStore{
		rates:  make(map[string]*governance.RateCounter),
		quotas: make(map[string]*governance.QuotaRecord),
	}
}

var _ governance.CounterRepository = (*CounterStore)(nil)

func rateKey(userID, endpoint string) string {
	return userID + "\x00" + endpoint
}

// IncrementRequest 佔用請求名額
func (s *CounterStore) IncrementRequest(_ context.Context, userID, endpoint string, limit int, window time.Duration, now time.Time) (*governance.RateOutcome, error) {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := rateKey(userID, endpoint)
	counter := s.rates[key]
	if !counter.Live(now) {
		// 過期的計數器只會被取代，不會延用
		counter = &governance.RateCounter{
			UserID:      userID,
			Endpoint:    endpoint,
			WindowStart: now,
			ResetTime:   now.Add(window),
		}
		s.rates[key] = counter
	}

	if counter.Requests >= limit {
		return &governance.RateOutcome{Allowed: false, Counter: *counter}, nil
	}
	counter.Requests++
	return &governance.RateOutcome{Allowed: true, Counter: *counter}, nil
}

// ReleaseRequest 歸還名額
func (s *CounterStore) ReleaseRequest(_ context.Context, userID, endpoint string, windowStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.rates[rateKey(userID, endpoint)]
	if ok && counter.WindowStart.Equal(windowStart) && counter.Requests > 0 {
		counter.Requests--
	}
	return nil
}

// ReserveTokens 預留 token
func (s *CounterStore) ReserveTokens(_ context.Context, req governance.ReserveRequest) (*governance.QuotaOutcome, error) {
	now := req.Now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.quotas[req.UserID]
	if !ok {
		record = &governance.QuotaRecord{UserID: req.UserID, LastReset: now}
		s.quotas[req.UserID] = record
	}
	record.Role = req.Role
	record.UpdatedAt = now
	governance.ApplyReset(record, now)

	if window := governance.ExceededWindow(*record, req.Amount, req.DailyLimit, req.MonthlyLimit); window != "" {
		record.QuotaExceeded = true
		return &governance.QuotaOutcome{Allowed: false, Window: window, Record: *record}, nil
	}

	record.DailyTokens += req.Amount
	record.MonthlyTokens += req.Amount
	return &governance.QuotaOutcome{Allowed: true, Record: *record}, nil
}

// ReleaseTokens 歸還預留的 token
func (s *CounterStore) ReleaseTokens(_ context.Context, userID string, amount int64, reservedAt time.Time) error {
	if amount <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.quotas[userID]
	if !ok || record.LastReset.After(reservedAt.UTC()) {
		return nil
	}
	if record.DailyTokens < amount || record.MonthlyTokens < amount {
		return nil
	}
	record.DailyTokens -= amount
	record.MonthlyTokens -= amount
	record.QuotaExceeded = false
	return nil
}

// GetQuota 讀取配額記錄
func (s *CounterStore) GetQuota(_ context.Context, userID string, now time.Time) (*governance.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.quotas[userID]
	if !ok {
		return nil, nil
	}
	view := *record
	governance.ApplyReset(&view, now)
	return &view, nil
}

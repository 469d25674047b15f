package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"governance-gateway/internal/storage/database/account"
)

// AccountStore 記憶體版使用者文件存儲（本機開發與測試用）
type AccountStore struct {
	mu    sync.RWMutex
	users map[string]*account.UserAccount
}

// NewAccountStore 創建記憶體使用者存儲
func NewAccountStore() *AccountStore {
	return &AccountStore{users: make(map[string]*account.UserAccount)}
}

var _ account.Repository = (*AccountStore)(nil)

// upsert 取得或建立使用者文件，呼叫端需持有寫鎖
func (s *AccountStore) upsert(userID string) *account.UserAccount {
	doc, ok := s.users[userID]
	if !ok {
		now := time.Now().UTC()
		doc = &account.UserAccount{UserID: userID, CreatedAt: now, UpdatedAt: now}
		s.users[userID] = doc
	}
	return doc
}

// UpsertProfile 建立或更新使用者基本資料
func (s *AccountStore) UpsertProfile(_ context.Context, userID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if email != "" {
		for id, other := range s.users {
			if id != userID && other.Email == email {
				return account.ErrEmailTaken
			}
		}
	}
	doc := s.upsert(userID)
	if email != "" {
		doc.Email = email
	}
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

// SetRole 設定訂閱等級
func (s *AccountStore) SetRole(_ context.Context, userID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.upsert(userID)
	doc.Role = role
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

// GetRole 取得訂閱等級
func (s *AccountStore) GetRole(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if doc, ok := s.users[userID]; ok {
		return doc.Role, nil
	}
	return "", nil
}

// SaveCredential 整筆取代憑證
func (s *AccountStore) SaveCredential(_ context.Context, userID string, rec *account.CredentialRecord) error {
	if rec == nil || rec.Ciphertext == "" || len(rec.Salt) == 0 {
		return fmt.Errorf("credential record requires ciphertext and salt")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.upsert(userID)
	doc.APICredential = cloneCredential(rec)
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

// GetCredentialState 讀取憑證與覆寫
func (s *AccountStore) GetCredentialState(_ context.Context, userID string) (*account.CredentialState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.users[userID]
	if !ok {
		return &account.CredentialState{}, nil
	}
	return &account.CredentialState{
		Credential: cloneCredential(doc.APICredential),
		Override:   cloneOverride(doc.AdminOverride),
	}, nil
}

// DeleteCredential 刪除憑證
func (s *AccountStore) DeleteCredential(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.users[userID]
	if !ok || doc.APICredential == nil {
		return false, nil
	}
	doc.APICredential = nil
	doc.UpdatedAt = time.Now().UTC()
	return true, nil
}

// UpdateCredentialStatus 更新驗證狀態
func (s *AccountStore) UpdateCredentialStatus(_ context.Context, userID string, isValid bool, validatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.users[userID]
	if !ok || doc.APICredential == nil {
		return nil
	}
	at := validatedAt.UTC()
	doc.APICredential.IsValid = isValid
	doc.APICredential.LastValidatedAt = &at
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

// SaveOverride 取代覆寫
func (s *AccountStore) SaveOverride(_ context.Context, userID string, override *account.OverrideRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.upsert(userID)
	doc.AdminOverride = cloneOverride(override)
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteOverride 移除覆寫
func (s *AccountStore) DeleteOverride(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.users[userID]
	if !ok || doc.AdminOverride == nil {
		return false, nil
	}
	doc.AdminOverride = nil
	doc.UpdatedAt = time.Now().UTC()
	return true, nil
}

// AppendUsageEvent 追加事件並遞增版本
func (s *AccountStore) AppendUsageEvent(_ context.Context, userID string, event account.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.upsert(userID)
	doc.UsageEvents = append(doc.UsageEvents, event)
	doc.UsageVersion++
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

// LoadUsage 讀取事件與版本
func (s *AccountStore) LoadUsage(_ context.Context, userID string) (*account.UsageSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.users[userID]
	if !ok {
		return &account.UsageSnapshot{}, nil
	}
	events := make([]account.UsageEvent, len(doc.UsageEvents))
	copy(events, doc.UsageEvents)
	return &account.UsageSnapshot{Events: events, Version: doc.UsageVersion}, nil
}

// SaveRollups 版本相同時寫入彙總
func (s *AccountStore) SaveRollups(_ context.Context, userID string, rollups *account.RollupSet, version int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.users[userID]
	if !ok || doc.UsageVersion != version {
		return false, nil
	}
	doc.Rollups = cloneRollups(rollups)
	return true, nil
}

// GetRollups 讀取彙總
func (s *AccountStore) GetRollups(_ context.Context, userID string) (*account.RollupSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return cloneRollups(doc.Rollups), nil
}

// ListSummaries 列出摘要（不含密文與 salt）
func (s *AccountStore) ListSummaries(_ context.Context) ([]*account.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]*account.Summary, 0, len(s.users))
	for _, doc := range s.users {
		summary := &account.Summary{
			UserID:    doc.UserID,
			Email:     doc.Email,
			Role:      doc.Role,
			Override:  cloneOverride(doc.AdminOverride),
			UpdatedAt: doc.UpdatedAt,
		}
		if doc.APICredential != nil {
			cred := cloneCredential(doc.APICredential)
			cred.Ciphertext = ""
			cred.IntegrityHash = ""
			cred.Salt = nil
			summary.Credential = cred
		}
		if doc.Rollups != nil {
			summary.Monthly = cloneRollups(doc.Rollups).Monthly
		}
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].UserID < summaries[j].UserID })
	return summaries, nil
}

// ListUsage 列出所有使用者用量
func (s *AccountStore) ListUsage(_ context.Context) ([]*account.UserUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	usages := make([]*account.UserUsage, 0, len(s.users))
	for _, doc := range s.users {
		events := make([]account.UsageEvent, len(doc.UsageEvents))
		copy(events, doc.UsageEvents)
		usages = append(usages, &account.UserUsage{
			UserID:  doc.UserID,
			Email:   doc.Email,
			Events:  events,
			Rollups: cloneRollups(doc.Rollups),
		})
	}
	sort.Slice(usages, func(i, j int) bool { return usages[i].UserID < usages[j].UserID })
	return usages, nil
}

func cloneCredential(rec *account.CredentialRecord) *account.CredentialRecord {
	if rec == nil {
		return nil
	}
	c := *rec
	c.Salt = append([]byte(nil), rec.Salt...)
	if rec.LastValidatedAt != nil {
		at := *rec.LastValidatedAt
		c.LastValidatedAt = &at
	}
	return &c
}

func cloneOverride(o *account.OverrideRecord) *account.OverrideRecord {
	if o == nil {
		return nil
	}
	c := *o
	if o.ExpiresAt != nil {
		at := *o.ExpiresAt
		c.ExpiresAt = &at
	}
	return &c
}

func cloneRollups(r *account.RollupSet) *account.RollupSet {
	if r == nil {
		return nil
	}
	c := &account.RollupSet{ComputedAt: r.ComputedAt}
	c.Daily = cloneRollupSlice(r.Daily)
	c.Monthly = cloneRollupSlice(r.Monthly)
	return c
}

func cloneRollupSlice(in []account.Rollup) []account.Rollup {
	if in == nil {
		return nil
	}
	out := make([]account.Rollup, len(in))
	for i, r := range in {
		out[i] = r
		out[i].Models = append([]account.ModelUsage(nil), r.Models...)
	}
	return out
}

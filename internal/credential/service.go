package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"governance-gateway/internal/platform/logger"
	"governance-gateway/internal/platform/metrics"
	"governance-gateway/internal/security/audit"
	"governance-gateway/internal/security/encryption"
	"governance-gateway/internal/storage/database/account"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Source 有效憑證來源
type Source string

const (
	SourceUser  Source = "user"
	SourceAdmin Source = "admin"
	SourceNone  Source = "none"
)

// Cipher 憑證加解密
type Cipher interface {
	Encrypt(plaintext string, salt []byte) (ciphertext, integrityHash string, err error)
	Decrypt(ciphertext string, salt []byte) (string, error)
	DecryptVerified(ciphertext string, salt []byte, integrityHash string) (string, error)
}

// Resolution 有效憑證解析結果
type Resolution struct {
	Key            string
	Source         Source
	OverrideActive bool
	NotifyUser     bool
}

// Fingerprint 金鑰指紋（用於比對快取，不可逆）
func (r *Resolution) Fingerprint() string {
	if r == nil || r.Key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(r.Key))
	return hex.EncodeToString(sum[:8])
}

// String 遮蔽金鑰，避免意外寫入日誌
func (r Resolution) String() string {
	return fmt.Sprintf("Resolution{Source:%s OverrideActive:%t Key:%s}", r.Source, r.OverrideActive, maskKey(r.Key))
}

// Status 憑證狀態（不含任何金鑰內容）
type Status struct {
	UserID          string                  `json:"user_id"`
	Email           string                  `json:"email,omitempty"`
	Role            string                  `json:"role,omitempty"`
	HasCredential   bool                    `json:"has_credential"`
	IsValid         bool                    `json:"is_valid"`
	Source          string                  `json:"source,omitempty"`
	AddedAt         *time.Time              `json:"added_at,omitempty"`
	LastValidatedAt *time.Time              `json:"last_validated_at,omitempty"`
	Override        *account.OverrideRecord `json:"override,omitempty"`
	OverrideActive  bool                    `json:"override_active"`
}

// InvalidationHook 憑證或覆寫變更時呼叫；userID 為空字串代表全部失效
type InvalidationHook func(userID string)

// Options 憑證服務選項
type Options struct {
	PoolIdentity string
	CacheSize    int
	Audit        *audit.AuditService
	Now          func() time.Time
}

type cachedResolution struct {
	resolution Resolution
	// validUntil 覆寫到期時間；到期後快取不可再使用
	validUntil *time.Time
}

// Service 憑證存儲服務
type Service struct {
	repo         account.Repository
	cipher       Cipher
	cache        *lru.Cache[string, cachedResolution]
	poolIdentity string
	audit        *audit.AuditService
	now          func() time.Time

	// generation 每次失效遞增；解析期間若有失效則不寫入快取
	genMu      sync.Mutex
	generation uint64

	hooksMu sync.RWMutex
	hooks   []InvalidationHook
}

// NewService 創建憑證服務
func NewService(repo account.Repository, cipher Cipher, opts Options) (*Service, error) {
	if opts.PoolIdentity == "" {
		return nil, fmt.Errorf("admin pool identity is required")
	}
	size := opts.CacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, cachedResolution](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolution cache: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		repo:         repo,
		cipher:       cipher,
		cache:        cache,
		poolIdentity: opts.PoolIdentity,
		audit:        opts.Audit,
		now:          now,
	}, nil
}

// OnInvalidate 註冊失效回呼（例如閘道的客戶端快取）
func (s *Service) OnInvalidate(hook InvalidationHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// invalidate 移除快取並通知訂閱者；userID 為空時全部清除
func (s *Service) invalidate(userID string) {
	s.genMu.Lock()
	s.generation++
	if userID == "" {
		s.cache.Purge()
	} else {
		s.cache.Remove(userID)
	}
	s.genMu.Unlock()

	s.hooksMu.RLock()
	hooks := append([]InvalidationHook(nil), s.hooks...)
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(userID)
	}
}

// SetCredential 加密並保存使用者金鑰，取代既有記錄
func (s *Service) SetCredential(ctx context.Context, userID, plaintextKey string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	if err := s.storeKey(ctx, userID, plaintextKey, account.SourceUser); err != nil {
		return err
	}

	s.invalidate(userID)
	s.audit.LogCredentialSet(ctx, userID, account.SourceUser)
	logger.Info(ctx, "使用者憑證已更新", logger.WithUserID(userID), logger.WithAction("set_credential"))
	return nil
}

// storeKey 產生 salt、加密並以單次寫入保存
func (s *Service) storeKey(ctx context.Context, userID, plaintextKey, source string) error {
	if err := ValidateAPIKey(plaintextKey); err != nil {
		return err
	}

	salt, err := encryption.GenerateSalt()
	if err != nil {
		return err
	}
	ciphertext, hash, err := s.cipher.Encrypt(plaintextKey, salt)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}

	now := s.now().UTC()
	rec := &account.CredentialRecord{
		Ciphertext:    ciphertext,
		IntegrityHash: hash,
		Salt:          salt,
		IsValid:       true,
		AddedAt:       now,
		Source:        source,
	}
	if err := s.repo.SaveCredential(ctx, userID, rec); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// GetDecryptedCredential 解密使用者自己的金鑰；不存在時回傳 ("", false, nil)
func (s *Service) GetDecryptedCredential(ctx context.Context, userID string) (string, bool, error) {
	state, err := s.repo.GetCredentialState(ctx, userID)
	if err != nil {
		return "", false, fmt.Errorf("failed to load credential: %w", err)
	}
	if state.Credential == nil {
		return "", false, nil
	}
	key, err := s.decrypt(ctx, userID, state.Credential)
	if err != nil {
		return "", false, err
	}
	return key, true, nil
}

// decrypt 解密並驗證完整性雜湊
func (s *Service) decrypt(ctx context.Context, userID string, rec *account.CredentialRecord) (string, error) {
	var (
		plain string
		err   error
	)
	if rec.IntegrityHash != "" {
		plain, err = s.cipher.DecryptVerified(rec.Ciphertext, rec.Salt, rec.IntegrityHash)
	} else {
		plain, err = s.cipher.Decrypt(rec.Ciphertext, rec.Salt)
	}
	if err != nil {
		logger.Error(ctx, "憑證解密失敗", logger.WithUserID(userID), logger.WithError(err))
		s.audit.LogCredentialCorrupted(ctx, userID)
		return "", &CredentialCorruptedError{UserID: userID, Err: err}
	}
	return plain, nil
}

// RemoveCredential 刪除使用者金鑰
func (s *Service) RemoveCredential(ctx context.Context, userID string) (bool, error) {
	removed, err := s.repo.DeleteCredential(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to remove credential: %w", err)
	}
	s.invalidate(userID)
	s.audit.LogCredentialRemoved(ctx, userID, removed)
	return removed, nil
}

// VerifyCredential 比對候選金鑰與已存雜湊，不解密；比對結果寫回驗證時間
func (s *Service) VerifyCredential(ctx context.Context, userID, candidate string) (bool, error) {
	state, err := s.repo.GetCredentialState(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to load credential: %w", err)
	}
	if state.Credential == nil {
		return false, nil
	}

	match := encryption.ValidateHash(candidate, state.Credential.IntegrityHash)
	if match {
		if err := s.repo.UpdateCredentialStatus(ctx, userID, state.Credential.IsValid, s.now()); err != nil {
			logger.Warning(ctx, "更新驗證時間失敗", logger.WithUserID(userID), logger.WithError(err))
		}
	}
	return match, nil
}

// MarkInvalid 外部服務拒絕使用者金鑰時標記為無效
func (s *Service) MarkInvalid(ctx context.Context, userID, reason string) error {
	if err := s.repo.UpdateCredentialStatus(ctx, userID, false, s.now()); err != nil {
		return fmt.Errorf("failed to mark credential invalid: %w", err)
	}
	s.invalidate(userID)
	s.audit.LogCredentialInvalidated(ctx, userID, reason)
	return nil
}

// SetOverride 設定管理員覆寫（取代既有覆寫）
func (s *Service) SetOverride(ctx context.Context, userID string, override account.OverrideRecord, adminUserID string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	if adminUserID == "" {
		return ErrAdminIDRequired
	}

	override.ActivatedBy = adminUserID
	override.ActivatedAt = s.now().UTC()
	if override.ExpiresAt != nil {
		at := override.ExpiresAt.UTC()
		override.ExpiresAt = &at
	}

	if err := s.repo.SaveOverride(ctx, userID, &override); err != nil {
		return fmt.Errorf("failed to save override: %w", err)
	}
	s.invalidate(userID)
	s.audit.LogOverrideSet(ctx, adminUserID, userID, override.Reason, override.ExpiresAt)
	return nil
}

// RemoveOverride 移除管理員覆寫
func (s *Service) RemoveOverride(ctx context.Context, userID, adminUserID string) (bool, error) {
	removed, err := s.repo.DeleteOverride(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to remove override: %w", err)
	}
	s.invalidate(userID)
	s.audit.LogOverrideRemoved(ctx, adminUserID, userID, removed)
	return removed, nil
}

// SetAdminPoolKey 設定管理員金鑰池（與使用者金鑰相同方式保存）
func (s *Service) SetAdminPoolKey(ctx context.Context, adminUserID, key string) error {
	if adminUserID == "" {
		return ErrAdminIDRequired
	}
	if err := s.storeKey(ctx, s.poolIdentity, key, account.SourceAdmin); err != nil {
		return err
	}
	s.invalidate("")
	s.audit.LogPoolKeyChanged(ctx, adminUserID, "set_pool_key")
	return nil
}

// RemoveAdminPoolKey 移除管理員金鑰池
func (s *Service) RemoveAdminPoolKey(ctx context.Context, adminUserID string) (bool, error) {
	removed, err := s.repo.DeleteCredential(ctx, s.poolIdentity)
	if err != nil {
		return false, fmt.Errorf("failed to remove pool key: %w", err)
	}
	s.invalidate("")
	s.audit.LogPoolKeyChanged(ctx, adminUserID, "remove_pool_key")
	return removed, nil
}

// ResolveEffectiveCredential 解析有效憑證
// 有效覆寫永遠優先於使用者金鑰；沒有覆寫時使用使用者金鑰；都沒有則為 none.
func (s *Service) ResolveEffectiveCredential(ctx context.Context, userID string) (*Resolution, error) {
	now := s.now()

	if cached, ok := s.cache.Get(userID); ok {
		if cached.validUntil == nil || now.Before(*cached.validUntil) {
			metrics.CacheLookups.WithLabelValues("credential", "hit").Inc()
			res := cached.resolution
			return &res, nil
		}
		s.cache.Remove(userID)
	}
	metrics.CacheLookups.WithLabelValues("credential", "miss").Inc()

	s.genMu.Lock()
	gen := s.generation
	s.genMu.Unlock()

	state, err := s.repo.GetCredentialState(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential state: %w", err)
	}

	res, validUntil, err := s.resolve(ctx, userID, state, now)
	if err != nil {
		return nil, err
	}

	metrics.CredentialResolutions.WithLabelValues(string(res.Source)).Inc()
	if res.Source != SourceNone {
		s.cacheIfCurrent(userID, gen, cachedResolution{resolution: *res, validUntil: validUntil})
	}
	return res, nil
}

// cacheIfCurrent 讀取後沒有發生失效時才寫入快取
func (s *Service) cacheIfCurrent(userID string, gen uint64, entry cachedResolution) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	if s.generation != gen {
		return
	}
	s.cache.Add(userID, entry)
}

func (s *Service) resolve(ctx context.Context, userID string, state *account.CredentialState, now time.Time) (*Resolution, *time.Time, error) {
	if state.Override.ActiveAt(now) {
		pool, err := s.repo.GetCredentialState(ctx, s.poolIdentity)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load pool key: %w", err)
		}
		if pool.Credential != nil {
			key, err := s.decrypt(ctx, s.poolIdentity, pool.Credential)
			if err != nil {
				return nil, nil, err
			}
			return &Resolution{
				Key:            key,
				Source:         SourceAdmin,
				OverrideActive: true,
				NotifyUser:     state.Override.NotifyUser,
			}, state.Override.ExpiresAt, nil
		}
		logger.Warning(ctx, "覆寫有效但金鑰池未設定，改用使用者金鑰",
			logger.WithUserID(userID), logger.WithError(ErrPoolKeyMissing))
	}

	if state.Credential != nil {
		key, err := s.decrypt(ctx, userID, state.Credential)
		if err != nil {
			return nil, nil, err
		}
		// 非覆寫結果在覆寫到期前後都一樣，但設定覆寫時會主動失效
		return &Resolution{Key: key, Source: SourceUser}, nil, nil
	}

	return &Resolution{Source: SourceNone}, nil, nil
}

// Status 使用者憑證狀態（不解密）
func (s *Service) Status(ctx context.Context, userID string) (*Status, error) {
	state, err := s.repo.GetCredentialState(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential state: %w", err)
	}
	return buildStatus(userID, "", "", state.Credential, state.Override, s.now()), nil
}

// ListStatus 所有使用者憑證狀態（管理員檢視，不解密）
func (s *Service) ListStatus(ctx context.Context) ([]*Status, error) {
	summaries, err := s.repo.ListSummaries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list credential status: %w", err)
	}
	now := s.now()
	statuses := make([]*Status, 0, len(summaries))
	for _, sum := range summaries {
		if sum.UserID == s.poolIdentity {
			continue
		}
		statuses = append(statuses, buildStatus(sum.UserID, sum.Email, sum.Role, sum.Credential, sum.Override, now))
	}
	return statuses, nil
}

func buildStatus(userID, email, role string, cred *account.CredentialRecord, override *account.OverrideRecord, now time.Time) *Status {
	st := &Status{
		UserID:         userID,
		Email:          email,
		Role:           role,
		Override:       override,
		OverrideActive: override.ActiveAt(now),
	}
	if cred != nil {
		added := cred.AddedAt
		st.HasCredential = true
		st.IsValid = cred.IsValid
		st.Source = cred.Source
		st.AddedAt = &added
		st.LastValidatedAt = cred.LastValidatedAt
	}
	return st
}

// maskKey 只保留前四碼
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****"
}

package account

import (
	"context"
	"errors"
	"time"
)

// CollectionUsers 使用者文件集合.
const CollectionUsers = "users"

// 憑證來源.
const (
	SourceUser  = "user"
	SourceAdmin = "admin"
)

// ErrEmailTaken email 已被其他使用者使用.
var ErrEmailTaken = errors.New("email already belongs to another user")

// Repository 使用者文件倉儲接口
// 每位使用者一份文件，內嵌憑證、覆寫、用量事件與彙總.
type Repository interface {
	UpsertProfile(ctx context.Context, userID, email string) error
	SetRole(ctx context.Context, userID, role string) error
	GetRole(ctx context.Context, userID string) (string, error)

	SaveCredential(ctx context.Context, userID string, rec *CredentialRecord) error
	GetCredentialState(ctx context.Context, userID string) (*CredentialState, error)
	DeleteCredential(ctx context.Context, userID string) (bool, error)
	UpdateCredentialStatus(ctx context.Context, userID string, isValid bool, validatedAt time.Time) error

	SaveOverride(ctx context.Context, userID string, override *OverrideRecord) error
	DeleteOverride(ctx context.Context, userID string) (bool, error)

	AppendUsageEvent(ctx context.Context, userID string, event UsageEvent) error
	LoadUsage(ctx context.Context, userID string) (*UsageSnapshot, error)
	SaveRollups(ctx context.Context, userID string, rollups *RollupSet, version int64) (bool, error)
	GetRollups(ctx context.Context, userID string) (*RollupSet, error)

	ListSummaries(ctx context.Context) ([]*Summary, error)
	ListUsage(ctx context.Context) ([]*UserUsage, error)
}

// UserAccount 使用者文件
type UserAccount struct {
	UserID        string            `bson:"user_id" json:"user_id"`
	Email         string            `bson:"email,omitempty" json:"email,omitempty"`
	Role          string            `bson:"role,omitempty" json:"role,omitempty"`
	APICredential *CredentialRecord `bson:"api_credential,omitempty" json:"-"`
	AdminOverride *OverrideRecord   `bson:"admin_override,omitempty" json:"admin_override,omitempty"`
	UsageEvents   []UsageEvent      `bson:"usage_events,omitempty" json:"-"`
	UsageVersion  int64             `bson:"usage_version" json:"-"`
	Rollups       *RollupSet        `bson:"rollups,omitempty" json:"rollups,omitempty"`
	CreatedAt     time.Time         `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time         `bson:"updated_at" json:"updated_at"`
}

// CredentialRecord 加密後的 API 憑證
// ciphertext 與 salt 總是一起寫入，永遠不保存明文.
type CredentialRecord struct {
	Ciphertext      string     `bson:"ciphertext" json:"-"`
	IntegrityHash   string     `bson:"integrity_hash" json:"-"`
	Salt            []byte     `bson:"salt" json:"-"`
	IsValid         bool       `bson:"is_valid" json:"is_valid"`
	LastValidatedAt *time.Time `bson:"last_validated_at,omitempty" json:"last_validated_at,omitempty"`
	AddedAt         time.Time  `bson:"added_at" json:"added_at"`
	Source          string     `bson:"source" json:"source"`
}

// OverrideConditions 覆寫條件
type OverrideConditions struct {
	OnMissingKey        bool `bson:"on_missing_key" json:"on_missing_key"`
	OnRateLimitExceeded bool `bson:"on_rate_limit_exceeded" json:"on_rate_limit_exceeded"`
	OnKeyExpired        bool `bson:"on_key_expired" json:"on_key_expired"`
}

// OverrideRecord 管理員覆寫記錄
type OverrideRecord struct {
	IsActive    bool               `bson:"is_active" json:"is_active"`
	Reason      string             `bson:"reason" json:"reason"`
	ActivatedBy string             `bson:"activated_by" json:"activated_by"`
	ActivatedAt time.Time          `bson:"activated_at" json:"activated_at"`
	ExpiresAt   *time.Time         `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
	NotifyUser  bool               `bson:"notify_user" json:"notify_user"`
	Conditions  OverrideConditions `bson:"conditions" json:"conditions"`
}

// ActiveAt 覆寫在指定時間是否生效（過期即視為未啟用）
func (o *OverrideRecord) ActiveAt(now time.Time) bool {
	if o == nil || !o.IsActive {
		return false
	}
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}

// CredentialState 憑證與覆寫（一次讀取）
type CredentialState struct {
	Credential *CredentialRecord
	Override   *OverrideRecord
}

// UsageEvent 單次補全請求的用量事件，寫入後不可變
type UsageEvent struct {
	Timestamp        time.Time `bson:"timestamp" json:"timestamp"`
	Model            string    `bson:"model" json:"model"`
	PromptTokens     int64     `bson:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int64     `bson:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int64     `bson:"total_tokens" json:"total_tokens"`
	Cost             float64   `bson:"cost" json:"cost"`
	SessionID        string    `bson:"session_id,omitempty" json:"session_id,omitempty"`
	RequestID        string    `bson:"request_id" json:"request_id"`
	AppName          string    `bson:"app_name" json:"app_name"`
}

// UsageSnapshot 完整事件與其版本
type UsageSnapshot struct {
	Events  []UsageEvent
	Version int64
}

// ModelUsage 單一模型的彙總
// 模型名稱可能含有 "."，因此以陣列而非子文件鍵保存.
type ModelUsage struct {
	Model    string  `bson:"model" json:"model"`
	Tokens   int64   `bson:"tokens" json:"tokens"`
	Cost     float64 `bson:"cost" json:"cost"`
	Requests int64   `bson:"requests" json:"requests"`
}

// Rollup 每日或每月彙總
type Rollup struct {
	Key          string       `bson:"key" json:"key"` // 2006-01-02 或 2006-01
	TotalTokens  int64        `bson:"total_tokens" json:"total_tokens"`
	TotalCost    float64      `bson:"total_cost" json:"total_cost"`
	RequestCount int64        `bson:"request_count" json:"request_count"`
	Models       []ModelUsage `bson:"models" json:"models"`
}

// RollupSet 使用者的全部彙總
type RollupSet struct {
	Daily      []Rollup  `bson:"daily" json:"daily"`
	Monthly    []Rollup  `bson:"monthly" json:"monthly"`
	ComputedAt time.Time `bson:"computed_at" json:"computed_at"`
}

// Summary 管理員檢視用的摘要（不含密文與 salt）
type Summary struct {
	UserID     string
	Email      string
	Role       string
	Credential *CredentialRecord
	Override   *OverrideRecord
	Monthly    []Rollup
	UpdatedAt  time.Time
}

// UserUsage 匯出用的使用者用量
type UserUsage struct {
	UserID  string
	Email   string
	Events  []UsageEvent
	Rollups *RollupSet
}

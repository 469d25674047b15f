package credential

import "time"

// SetCredentialRequest 設定使用者金鑰請求
type SetCredentialRequest struct {
	APIKey string `json:"api_key" binding:"required"`
}

// VerifyCredentialRequest 比對金鑰請求
type VerifyCredentialRequest struct {
	APIKey string `json:"api_key" binding:"required"`
}

// SetOverrideRequest 管理員覆寫請求
type SetOverrideRequest struct {
	IsActive   *bool                `json:"is_active"`
	Reason     string               `json:"reason" binding:"required"`
	ExpiresAt  *time.Time           `json:"expires_at"`
	NotifyUser bool                 `json:"notify_user"`
	Conditions OverrideConditionsIn `json:"conditions"`
}

// OverrideConditionsIn 覆寫條件
type OverrideConditionsIn struct {
	OnMissingKey        bool `json:"on_missing_key"`
	OnRateLimitExceeded bool `json:"on_rate_limit_exceeded"`
	OnKeyExpired        bool `json:"on_key_expired"`
}

// SetPoolKeyRequest 管理員金鑰池請求
type SetPoolKeyRequest struct {
	APIKey string `json:"api_key" binding:"required"`
}

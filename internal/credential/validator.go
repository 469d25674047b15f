package credential

import (
	"fmt"
	"strings"
	"time"

	"governance-gateway/internal/constants"
	"governance-gateway/internal/platform/config"
	"governance-gateway/internal/storage/database/account"
)

// ValidateAPIKey 驗證金鑰格式（長度與可見字元）
func ValidateAPIKey(key string) error {
	if strings.TrimSpace(key) != key || key == "" {
		return fmt.Errorf("%w: must not be empty or padded with whitespace", ErrInvalidKey)
	}

	maxLength := constants.DefaultMaxAPIKeyLength
	if cfg := config.Get(); cfg != nil && cfg.Limits.Prompt.MaxAPIKeyLength > 0 {
		maxLength = cfg.Limits.Prompt.MaxAPIKeyLength
	}
	if len(key) < constants.MinAPIKeyLength || len(key) > maxLength {
		return fmt.Errorf("%w: length must be between %d and %d", ErrInvalidKey, constants.MinAPIKeyLength, maxLength)
	}

	for _, r := range key {
		if r < 0x21 || r > 0x7e {
			return fmt.Errorf("%w: contains non-printable characters", ErrInvalidKey)
		}
	}
	return nil
}

// ValidateSetOverrideRequest 驗證覆寫請求並轉為記錄
func ValidateSetOverrideRequest(req *SetOverrideRequest, now time.Time) (account.OverrideRecord, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return account.OverrideRecord{}, fmt.Errorf("覆寫原因不能為空")
	}
	if len(reason) > 500 {
		return account.OverrideRecord{}, fmt.Errorf("覆寫原因超過最大長度限制 (500 字符)")
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return account.OverrideRecord{}, fmt.Errorf("到期時間必須晚於現在")
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	return account.OverrideRecord{
		IsActive:   active,
		Reason:     reason,
		ExpiresAt:  req.ExpiresAt,
		NotifyUser: req.NotifyUser,
		Conditions: account.OverrideConditions{
			OnMissingKey:        req.Conditions.OnMissingKey,
			OnRateLimitExceeded: req.Conditions.OnRateLimitExceeded,
			OnKeyExpired:        req.Conditions.OnKeyExpired,
		},
	}, nil
}

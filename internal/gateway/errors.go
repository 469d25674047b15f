package gateway

import (
	"errors"
	"fmt"

	"governance-gateway/internal/credential"
)

// ErrNoCredentialAvailable 使用者沒有金鑰且沒有有效覆寫
var ErrNoCredentialAvailable = errors.New("no credential available: add an API key or ask an administrator for access")

// ErrInvalidRequest 補全請求參數錯誤
var ErrInvalidRequest = errors.New("invalid completion request")

// InvalidCredentialError 服務拒絕金鑰（401/403）
type InvalidCredentialError struct {
	Source credential.Source
	Err    error
}

func (e *InvalidCredentialError) Error() string {
	return fmt.Sprintf("provider rejected the %s credential: %v", e.Source, e.Err)
}

func (e *InvalidCredentialError) Unwrap() error {
	return e.Err
}

// ProviderQuotaExceededError 服務端額度不足或限流
type ProviderQuotaExceededError struct {
	Source credential.Source
	Err    error
}

func (e *ProviderQuotaExceededError) Error() string {
	return fmt.Sprintf("provider quota exceeded for the %s credential: %v", e.Source, e.Err)
}

func (e *ProviderQuotaExceededError) Unwrap() error {
	return e.Err
}

// ProviderError 其他服務錯誤
type ProviderError struct {
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider request failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider request failed: %v", e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

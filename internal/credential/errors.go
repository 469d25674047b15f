package credential

import (
	"errors"
	"fmt"
)

// 憑證相關錯誤.
var (
	ErrInvalidKey      = errors.New("api key format is invalid")
	ErrPoolKeyMissing  = errors.New("admin pool key is not configured")
	ErrUserIDRequired  = errors.New("user id is required")
	ErrAdminIDRequired = errors.New("admin user id is required")
)

// CredentialCorruptedError 已儲存的憑證無法解密或完整性檢查失敗
// 與「沒有憑證」區分，呼叫端應提示使用者重新輸入.
type CredentialCorruptedError struct {
	UserID string
	Err    error
}

func (e *CredentialCorruptedError) Error() string {
	return fmt.Sprintf("stored credential for user %s is unreadable: %v", e.UserID, e.Err)
}

func (e *CredentialCorruptedError) Unwrap() error {
	return e.Err
}

package keymanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"governance-gateway/internal/platform/config"
	"governance-gateway/internal/platform/logger"
	"governance-gateway/internal/security/encryption"
)

// ErrMasterSecretMissing 未設定主密鑰.
var ErrMasterSecretMissing = errors.New("master secret is not configured")

// MasterSecret 進程層級的主密鑰
// String 只回傳遮罩，避免被意外寫入日誌.
type MasterSecret struct {
	value string
}

// String 遮罩顯示（只顯示前 2 個字元）
func (m MasterSecret) String() string {
	if len(m.value) < 2 {
		return "****"
	}
	return m.value[:2] + strings.Repeat("*", 6)
}

// GoString 避免 %#v 印出原始值
func (m MasterSecret) GoString() string {
	return m.String()
}

// Len 主密鑰長度
func (m MasterSecret) Len() int {
	return len(m.value)
}

// Reveal 取出原始值，只應交給加密模組
func (m MasterSecret) Reveal() string {
	return m.value
}

// LoadMasterSecret 從環境變量載入主密鑰
// 缺少或長度不足時直接回傳錯誤，啟動流程必須中止，不提供臨時密鑰.
func LoadMasterSecret(ctx context.Context, envName string) (MasterSecret, error) {
	value := os.Getenv(envName)

	logger.Info(ctx, "檢查主密鑰環境變量", logger.WithDetails(map[string]interface{}{
		"env":    envName,
		"exists": value != "",
		"length": len(value),
	}))

	if value == "" {
		logger.Critical(ctx, "主密鑰未設置，拒絕啟動", logger.WithAction("load_master_secret"))
		return MasterSecret{}, fmt.Errorf("%w: set %s", ErrMasterSecretMissing, envName)
	}

	if len(value) < encryption.MinMasterSecretLength {
		logger.Critical(ctx, "主密鑰長度不足，拒絕啟動", logger.WithDetails(map[string]interface{}{
			"expected_min": encryption.MinMasterSecretLength,
			"got":          len(value),
		}))
		return MasterSecret{}, encryption.ErrMasterSecretTooShort
	}

	secret := MasterSecret{value: value}
	logger.Info(ctx, "[SUCCESS] 成功從環境變量載入主密鑰", logger.WithDetails(map[string]interface{}{
		"masked": secret.String(),
		"length": secret.Len(),
	}))
	return secret, nil
}

// NewCredentialCipher 載入主密鑰並建立憑證加密實例
func NewCredentialCipher(ctx context.Context, cfg config.EncryptionConfig) (*encryption.CredentialCipher, error) {
	secret, err := LoadMasterSecret(ctx, cfg.MasterSecretEnv)
	if err != nil {
		return nil, err
	}
	return encryption.NewCredentialCipher(secret.Reveal(), cfg.KDFIterations)
}

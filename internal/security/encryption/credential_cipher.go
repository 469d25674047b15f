package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize 每個憑證獨立的 salt 長度 (256 bits).
	SaltSize = 32
	// KeySize AES-256 密鑰長度.
	KeySize = 32
	// MinMasterSecretLength 主密鑰最短長度（字元）.
	MinMasterSecretLength = 32
	// MinIterations PBKDF2 最低迭代次數.
	MinIterations = 100000

	ciphertextPrefix = "aes256cbc:"
)

// ErrMasterSecretTooShort 主密鑰長度不足.
var ErrMasterSecretTooShort = fmt.Errorf("master secret must be at least %d characters", MinMasterSecretLength)

// DecryptionError 解密失敗（密文損毀、salt 不符或主密鑰錯誤）
// 解密失敗時絕不回傳部分明文.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decryption failed: %s: %v", e.Reason, e.Err)
	}
	return "decryption failed: " + e.Reason
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// CredentialCipher AES-256-CBC 憑證加密實現
// 每次加密使用新的隨機 IV，密鑰由主密鑰與憑證 salt 經 PBKDF2-SHA256 導出.
type CredentialCipher struct {
	secret     []byte
	iterations int
}

// NewCredentialCipher 創建憑證加密實例
func NewCredentialCipher(masterSecret string, iterations int) (*CredentialCipher, error) {
	if len(masterSecret) < MinMasterSecretLength {
		return nil, ErrMasterSecretTooShort
	}
	if iterations < MinIterations {
		iterations = MinIterations
	}

	// 複製一份，避免呼叫端修改
	secret := make([]byte, len(masterSecret))
	copy(secret, masterSecret)

	return &CredentialCipher{
		secret:     secret,
		iterations: iterations,
	}, nil
}

// GenerateSalt 產生密碼學安全的隨機 salt
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey 以 PBKDF2-HMAC-SHA256 從主密鑰與 salt 導出 AES-256 密鑰
func DeriveKey(masterSecret, salt []byte, iterations int) []byte {
	if iterations < MinIterations {
		iterations = MinIterations
	}
	return pbkdf2.Key(masterSecret, salt, iterations, KeySize, sha256.New)
}

// DeriveKey 使用此實例的主密鑰導出密鑰
func (c *CredentialCipher) DeriveKey(salt []byte) []byte {
	return DeriveKey(c.secret, salt, c.iterations)
}

// Encrypt 加密憑證
// 格式: "aes256cbc:" + base64(IV + ciphertext)，integrityHash 為明文的 SHA-256.
func (c *CredentialCipher) Encrypt(plaintext string, salt []byte) (ciphertext, integrityHash string, err error) {
	if plaintext == "" {
		return "", "", errors.New("plaintext cannot be empty")
	}
	if len(salt) == 0 {
		return "", "", errors.New("salt cannot be empty")
	}

	key := c.DeriveKey(salt)
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	defer zero(padded)

	// IV 在前，密文在後
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", "", fmt.Errorf("failed to generate IV: %w", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	return ciphertextPrefix + base64.StdEncoding.EncodeToString(out), HashPlaintext(plaintext), nil
}

// Decrypt 解密憑證
// CBC 沒有驗證：錯誤金鑰約有 1/256 機率通過填充檢查並回傳亂碼，
// 需要確定結果正確時使用 DecryptVerified.
func (c *CredentialCipher) Decrypt(encrypted string, salt []byte) (string, error) {
	if !strings.HasPrefix(encrypted, ciphertextPrefix) {
		return "", &DecryptionError{Reason: "missing '" + ciphertextPrefix + "' prefix"}
	}

	data, err := base64.StdEncoding.DecodeString(encrypted[len(ciphertextPrefix):])
	if err != nil {
		return "", &DecryptionError{Reason: "invalid base64", Err: err}
	}
	defer zero(data)

	// 至少要有 IV 加一個區塊，且長度需對齊區塊
	if len(data) < 2*aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return "", &DecryptionError{Reason: "ciphertext length is not a positive multiple of the block size"}
	}

	key := c.DeriveKey(salt)
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", &DecryptionError{Reason: "failed to create cipher", Err: err}
	}

	iv := data[:aes.BlockSize]
	body := data[aes.BlockSize:]
	plain := make([]byte, len(body))
	defer zero(plain)

	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", &DecryptionError{Reason: "invalid padding (wrong key or corrupted data)", Err: err}
	}

	return string(unpadded), nil
}

// DecryptVerified 解密並比對完整性雜湊；不符時回傳 *DecryptionError 且不回傳任何明文
func (c *CredentialCipher) DecryptVerified(encrypted string, salt []byte, integrityHash string) (string, error) {
	plain, err := c.Decrypt(encrypted, salt)
	if err != nil {
		return "", err
	}
	if !ValidateHash(plain, integrityHash) {
		return "", &DecryptionError{Reason: "integrity hash mismatch (wrong key or corrupted data)"}
	}
	return plain, nil
}

// HashPlaintext 計算明文的 SHA-256（十六進位）
func HashPlaintext(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// ValidateHash 比對候選明文與已儲存的雜湊，不需要解密
func ValidateHash(candidate, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	computed := HashPlaintext(candidate)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(strings.ToLower(storedHash))) == 1
}

// IsEncrypted 檢查文本是否為本模組產生的密文
func IsEncrypted(text string) bool {
	return strings.HasPrefix(text, ciphertextPrefix)
}

// pkcs7Pad 補齊到區塊大小的整數倍
func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	out := make([]byte, len(data), len(data)+padding)
	copy(out, data)
	return append(out, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

// pkcs7Unpad 移除並驗證填充
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, errors.New("invalid padding size")
	}
	// 逐位元組比對，不提前返回
	var bad byte
	for _, b := range data[len(data)-padding:] {
		bad |= b ^ byte(padding)
	}
	if bad != 0 {
		return nil, errors.New("invalid padding bytes")
	}
	out := make([]byte, len(data)-padding)
	copy(out, data[:len(data)-padding])
	return out, nil
}

// zero 使用完後清零緩衝區
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

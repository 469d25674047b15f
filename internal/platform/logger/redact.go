package logger

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveKeys details 中一律遮蔽的欄位
var sensitiveKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"key":           true,
	"plaintext":     true,
	"secret":        true,
	"master_secret": true,
	"token":         true,
	"authorization": true,
	"password":      true,
}

// apiKeyPattern 供應商金鑰的常見形式（sk-...）
var apiKeyPattern = regexp.MustCompile(`sk-[A-Za-z0-9_\-]{8,}`)

// redactValue 遮蔽敏感欄位與字串中的金鑰
func redactValue(key string, v interface{}) interface{} {
	if sensitiveKeys[strings.ToLower(key)] {
		return redacted
	}
	if str, ok := v.(string); ok {
		return redactString(str)
	}
	return v
}

// redactString 以遮蔽值取代字串中的金鑰，保留前綴便於辨識
func redactString(s string) string {
	return apiKeyPattern.ReplaceAllStringFunc(s, func(m string) string {
		return m[:3] + redacted
	})
}

package constants

// HTTP 請求相關常數
const (
	// 默認值（可被配置覆蓋）
	DefaultMaxRequestBodySize = 1 << 20 // 1MB
	DefaultRequestTimeout     = 30      // 秒
)

// Rate Limiting 默認值（IP 層級，配額治理另計）
const (
	DefaultRateLimitPerMinute      = 100
	DefaultAdminRateLimitPerMinute = 30
	DefaultRateLimitMaxClients     = 100000 // 追蹤的呼叫者上限，超過時淘汰最久未用
)

// SSE 連接相關常數
const (
	DefaultSSEMaxConnectionsPerUser = 3
	DefaultSSEMaxTotalConnections   = 1000
	DefaultSSEHeartbeatInterval     = 15 // 秒
	DefaultStreamChunkBuffer        = 16
)

// 補全請求相關常數
const (
	DefaultMaxPromptLength = 32000
	DefaultMaxTokens       = 512
	CharsPerTokenEstimate  = 4
)

// 憑證相關常數
const (
	MinAPIKeyLength        = 20
	DefaultMaxAPIKeyLength = 256
)

// 用戶 ID 相關常數
const (
	MaxUserIDLength = 100
)

// 用量查詢相關常數
const (
	DefaultEventsLimit = 500
	MaxEventsLimit     = 5000
)

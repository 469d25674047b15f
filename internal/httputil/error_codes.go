package httputil

// 錯誤代碼；千位數表示類別.
const (
	// 2xxx 請求參數
	ErrorCodeInvalidParameter = 2001
	ErrorCodeInvalidAPIKey    = 2002

	// 3xxx 治理：憑證、配額、上游
	ErrorCodeNoCredential          = 3001 // 402
	ErrorCodeCredentialCorrupted   = 3002 // 422
	ErrorCodeRateLimited           = 3003 // 429
	ErrorCodeDailyQuotaExceeded    = 3004 // 429
	ErrorCodeMonthlyQuotaExceeded  = 3005 // 429
	ErrorCodeRequestTooLarge       = 3006 // 413
	ErrorCodeInvalidCredential     = 3007 // 401
	ErrorCodeProviderQuotaExceeded = 3008 // 402
	ErrorCodeProviderFailed        = 3009 // 502
	ErrorCodeGovernorUnavailable   = 3010 // 503

	// 5xxx 伺服器內部
	ErrorCodeProcessingFailed = 5001
)

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 資料庫驅動.
const (
	DriverMongo  = "mongo"
	DriverMemory = "memory"
)

// Config 應用程式配置結構.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	GRPC       GRPCConfig       `mapstructure:"grpc"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	Security   SecurityConfig   `mapstructure:"security"`
	Governance GovernanceConfig `mapstructure:"governance"`
	Usage      UsageConfig      `mapstructure:"usage"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Limits     LimitsConfig     `mapstructure:"limits"`
}

// AppConfig 應用程式基本配置.
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Debug   bool   `mapstructure:"debug"`
}

// ServerConfig 伺服器配置.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           string   `mapstructure:"port"`
	Timeout        int      `mapstructure:"timeout"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// GRPCConfig gRPC 配置.
type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
}

// DatabaseConfig 資料庫配置.
type DatabaseConfig struct {
	Driver string      `mapstructure:"driver"` // mongo 或 memory
	Mongo  MongoConfig `mapstructure:"mongo"`
}

// MongoConfig MongoDB 配置.
type MongoConfig struct {
	URL                    string `mapstructure:"url"`
	Database               string `mapstructure:"database"`
	Username               string `mapstructure:"username"`
	Password               string `mapstructure:"password"`
	MaxPoolSize            uint64 `mapstructure:"max_pool_size"`
	MinPoolSize            uint64 `mapstructure:"min_pool_size"`
	MaxConnIdleTime        int    `mapstructure:"max_conn_idle_time"`
	ConnectTimeout         int    `mapstructure:"connect_timeout"`
	ServerSelectionTimeout int    `mapstructure:"server_selection_timeout"`
	TLSEnabled             bool   `mapstructure:"tls_enabled"`
	TLSCAFile              string `mapstructure:"tls_ca_file"`
	TLSCertFile            string `mapstructure:"tls_cert_file"`
	TLSKeyFile             string `mapstructure:"tls_key_file"`
	TLSInsecureSkipVerify  bool   `mapstructure:"tls_insecure_skip_verify"`
}

// LogConfig 日誌配置.
type LogConfig struct {
	RotationTimeHours int `mapstructure:"rotation_time_hours"` // 日誌輪轉時間 (小時).
	MaxAgeDays        int `mapstructure:"max_age_days"`        // 日誌保留天數.
	MaxSizeMB         int `mapstructure:"max_size_mb"`         // 單個日誌檔案最大大小 (MB).
}

// SecurityConfig 安全配置.
type SecurityConfig struct {
	TLS            TLSConfig            `mapstructure:"tls"`
	Authentication AuthenticationConfig `mapstructure:"authentication"`
	Encryption     EncryptionConfig     `mapstructure:"encryption"`
	Audit          AuditConfig          `mapstructure:"audit"`
}

// TLSConfig TLS 配置.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`
}

// AuthenticationConfig 認證配置.
// JWT 未啟用時改用 X-User-ID 等標頭（僅開發環境）.
type AuthenticationConfig struct {
	JWTEnabled bool   `mapstructure:"jwt_enabled"`
	JWTSecret  string `mapstructure:"jwt_secret"`
	Issuer     string `mapstructure:"issuer"`
}

// EncryptionConfig 加密配置.
type EncryptionConfig struct {
	MasterSecretEnv string `mapstructure:"master_secret_env"` // 主密鑰所在的環境變數名稱.
	KDFIterations   int    `mapstructure:"kdf_iterations"`
}

// AuditConfig 審計配置.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Level   string `mapstructure:"level"`
}

// GovernanceConfig 配額與速率治理配置.
type GovernanceConfig struct {
	FailOpen            bool                       `mapstructure:"fail_open"`
	RateWindowSeconds   int                        `mapstructure:"rate_window_seconds"`
	AdminPoolIdentity   string                     `mapstructure:"admin_pool_identity"`
	DefaultRole         string                     `mapstructure:"default_role"`
	CredentialCacheSize int                        `mapstructure:"credential_cache_size"`
	ClientCacheSize     int                        `mapstructure:"client_cache_size"`
	Roles               map[string]RoleLimitConfig `mapstructure:"roles"`
}

// RoleLimitConfig 單一訂閱等級的上限.
type RoleLimitConfig struct {
	RequestsPerMinute   int   `mapstructure:"requests_per_minute"`
	TokensPerDay        int64 `mapstructure:"tokens_per_day"`
	TokensPerMonth      int64 `mapstructure:"tokens_per_month"`
	MaxTokensPerRequest int   `mapstructure:"max_tokens_per_request"`
}

// UsageConfig 用量記錄配置.
type UsageConfig struct {
	RecorderWorkers int `mapstructure:"recorder_workers"`
	RecorderBuffer  int `mapstructure:"recorder_buffer"`
	RecomputeRetry  int `mapstructure:"recompute_retry"`
}

// ProviderConfig 外部補全服務配置.
type ProviderConfig struct {
	BaseURL        string                   `mapstructure:"base_url"`
	TimeoutSeconds int                      `mapstructure:"timeout_seconds"`
	DefaultModel   string                   `mapstructure:"default_model"`
	AdminPoolRPS   float64                  `mapstructure:"admin_pool_rps"`
	AdminPoolBurst int                      `mapstructure:"admin_pool_burst"`
	Pricing        map[string]PricingConfig `mapstructure:"pricing"`
}

// PricingConfig 每 1000 token 的價格.
type PricingConfig struct {
	InputPer1K  float64 `mapstructure:"input_per_1k"`
	OutputPer1K float64 `mapstructure:"output_per_1k"`
}

// LimitsConfig 限制配置.
type LimitsConfig struct {
	Request      RequestLimitsConfig `mapstructure:"request"`
	RateLimiting RateLimitingConfig  `mapstructure:"rate_limiting"`
	SSE          SSELimitsConfig     `mapstructure:"sse"`
	Prompt       PromptLimitsConfig  `mapstructure:"prompt"`
}

// RequestLimitsConfig 請求限制配置.
type RequestLimitsConfig struct {
	MaxBodySize int64 `mapstructure:"max_body_size"`
}

// RateLimitingConfig 進程內防濫用限制；角色配額另由治理器計算.
type RateLimitingConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	DefaultPerMinute int  `mapstructure:"default_per_minute"`
	AdminPerMinute   int  `mapstructure:"admin_per_minute"`
	MaxClients       int  `mapstructure:"max_tracked_clients"`
}

// SSELimitsConfig SSE 限制配置.
type SSELimitsConfig struct {
	MaxConnectionsPerUser int `mapstructure:"max_connections_per_user"`
	MaxTotalConnections   int `mapstructure:"max_total_connections"`
	HeartbeatInterval     int `mapstructure:"heartbeat_interval_seconds"`
	ChunkChannelBuffer    int `mapstructure:"chunk_channel_buffer"`
}

// PromptLimitsConfig 提示詞與 API key 長度限制.
type PromptLimitsConfig struct {
	MaxPromptLength int `mapstructure:"max_prompt_length"`
	MaxAPIKeyLength int `mapstructure:"max_api_key_length"`
}

var (
	config *Config
	// ENV 當前環境變數.
	ENV string = "local"
)

// Load 載入設定檔.
func Load(testCfg ...*Config) error {
	// 如果直接傳入配置（主要用於測試），設定並驗證
	if len(testCfg) > 0 && testCfg[0] != nil {
		applyDefaults(testCfg[0])
		if err := validateConfig(testCfg[0]); err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}
		config = testCfg[0]
		return nil
	}

	// .env 不存在時忽略
	_ = godotenv.Load()

	if env := os.Getenv("APP_ENV"); env != "" {
		ENV = env
	}

	// 模型名稱可能含有 "."（例如 gpt-3.5-turbo），改用 "::" 作為鍵分隔符
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	setViperDefaults(v)

	// 檢查是否有 CONFIG_PATH 環境變數
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		v.SetConfigFile(configPath)
		// 從檔案名稱推斷環境
		baseName := filepath.Base(configPath)
		ENV = strings.TrimSuffix(baseName, filepath.Ext(baseName))
	} else {
		v.SetConfigName(ENV)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
	}

	// 讀取配置檔案
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("讀取配置檔案失敗: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("解析配置失敗: %w", err)
	}

	applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("配置驗證失敗: %w", err)
	}

	config = cfg
	return nil
}

// setViperDefaults 設定 YAML 中可省略的布林值預設.
func setViperDefaults(v *viper.Viper) {
	v.SetDefault("database::driver", DriverMongo)
	v.SetDefault("governance::fail_open", true)
	v.SetDefault("grpc::enabled", true)
	v.SetDefault("security::audit::enabled", true)
	v.SetDefault("limits::rate_limiting::enabled", true)
}

const keyDelimiter = "::"

// applyDefaults 補上未設定的數值型配置.
func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverMongo
	}
	if cfg.Security.Encryption.MasterSecretEnv == "" {
		cfg.Security.Encryption.MasterSecretEnv = "MASTER_SECRET"
	}
	if cfg.Security.Encryption.KDFIterations < MinKDFIterations {
		cfg.Security.Encryption.KDFIterations = MinKDFIterations
	}

	g := &cfg.Governance
	if g.RateWindowSeconds <= 0 {
		g.RateWindowSeconds = 60
	}
	if g.AdminPoolIdentity == "" {
		g.AdminPoolIdentity = "__admin_pool__"
	}
	if g.DefaultRole == "" {
		g.DefaultRole = "free"
	}
	if g.CredentialCacheSize <= 0 {
		g.CredentialCacheSize = 1024
	}
	if g.ClientCacheSize <= 0 {
		g.ClientCacheSize = 512
	}
	if len(g.Roles) == 0 {
		g.Roles = DefaultRoleLimits()
	}

	if cfg.Usage.RecorderWorkers <= 0 {
		cfg.Usage.RecorderWorkers = 4
	}
	if cfg.Usage.RecorderBuffer <= 0 {
		cfg.Usage.RecorderBuffer = 256
	}
	if cfg.Usage.RecomputeRetry <= 0 {
		cfg.Usage.RecomputeRetry = 3
	}

	if cfg.Provider.TimeoutSeconds <= 0 {
		cfg.Provider.TimeoutSeconds = 60
	}
	if cfg.Provider.AdminPoolBurst <= 0 {
		cfg.Provider.AdminPoolBurst = 5
	}
	if cfg.Provider.AdminPoolRPS <= 0 {
		cfg.Provider.AdminPoolRPS = 5
	}
}

// MinKDFIterations PBKDF2 最低迭代次數.
const MinKDFIterations = 100000

// DefaultRoleLimits 五個訂閱等級的預設上限（由低至高）.
func DefaultRoleLimits() map[string]RoleLimitConfig {
	return map[string]RoleLimitConfig{
		"free":       {RequestsPerMinute: 10, TokensPerDay: 10000, TokensPerMonth: 200000, MaxTokensPerRequest: 1000},
		"basic":      {RequestsPerMinute: 20, TokensPerDay: 50000, TokensPerMonth: 1000000, MaxTokensPerRequest: 2000},
		"standard":   {RequestsPerMinute: 30, TokensPerDay: 150000, TokensPerMonth: 3000000, MaxTokensPerRequest: 4000},
		"premium":    {RequestsPerMinute: 60, TokensPerDay: 500000, TokensPerMonth: 10000000, MaxTokensPerRequest: 8000},
		"enterprise": {RequestsPerMinute: 120, TokensPerDay: 2000000, TokensPerMonth: 50000000, MaxTokensPerRequest: 16000},
	}
}

// Get 取得設定.
func Get() *Config {
	return config
}

// SetEnv 設定環境.
func SetEnv(env string) {
	ENV = env
}

// GetEnv 取得當前環境.
func GetEnv() string {
	return ENV
}

// validateConfig 驗證配置的有效性
func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("應用程式名稱不能為空")
	}
	if cfg.App.Version == "" {
		return fmt.Errorf("應用程式版本不能為空")
	}

	if cfg.Server.Host == "" {
		return fmt.Errorf("伺服器主機不能為空")
	}
	if cfg.Server.Port == "" {
		return fmt.Errorf("伺服器端口不能為空")
	}
	if cfg.Server.Timeout <= 0 {
		return fmt.Errorf("伺服器超時時間必須大於 0")
	}

	switch cfg.Database.Driver {
	case DriverMongo:
		if cfg.Database.Mongo.URL == "" {
			return fmt.Errorf("MongoDB URL 不能為空")
		}
		if cfg.Database.Mongo.Database == "" {
			return fmt.Errorf("MongoDB 資料庫名稱不能為空")
		}
		if cfg.Database.Mongo.MaxPoolSize == 0 {
			return fmt.Errorf("MongoDB 最大連接池大小必須大於 0")
		}
		if cfg.Database.Mongo.MinPoolSize > cfg.Database.Mongo.MaxPoolSize {
			return fmt.Errorf("MongoDB 最小連接池大小不能大於最大連接池大小")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("不支援的資料庫驅動: %s", cfg.Database.Driver)
	}

	if cfg.Log.RotationTimeHours <= 0 {
		return fmt.Errorf("日誌輪轉時間必須大於 0")
	}
	if cfg.Log.MaxAgeDays <= 0 {
		return fmt.Errorf("日誌保留天數必須大於 0")
	}
	if cfg.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("日誌檔案最大大小必須大於 0")
	}

	if cfg.Security.Authentication.JWTEnabled && len(cfg.Security.Authentication.JWTSecret) < 32 {
		return fmt.Errorf("JWT 密鑰長度至少 32 字元")
	}

	if _, ok := cfg.Governance.Roles[cfg.Governance.DefaultRole]; !ok {
		return fmt.Errorf("預設角色 %q 未定義上限", cfg.Governance.DefaultRole)
	}
	for role, limit := range cfg.Governance.Roles {
		if limit.RequestsPerMinute <= 0 || limit.TokensPerDay <= 0 || limit.TokensPerMonth <= 0 || limit.MaxTokensPerRequest <= 0 {
			return fmt.Errorf("角色 %q 的上限必須全部大於 0", role)
		}
		if limit.TokensPerDay > limit.TokensPerMonth {
			return fmt.Errorf("角色 %q 的每日上限不能大於每月上限", role)
		}
	}

	for model, price := range cfg.Provider.Pricing {
		if price.InputPer1K < 0 || price.OutputPer1K < 0 {
			return fmt.Errorf("模型 %q 的價格不能為負數", model)
		}
	}

	return nil
}

// IsProduction 目前環境是否為正式環境（APP_ENV=prod 或 production）
func IsProduction() bool {
	return ENV == "prod" || ENV == "production"
}

// GetServerAddr 取得伺服器地址
func GetServerAddr() string {
	if config != nil {
		return fmt.Sprintf("%s:%s", config.Server.Host, config.Server.Port)
	}
	return "localhost:8080"
}

// GetGRPCAddr 取得 gRPC 伺服器地址
func GetGRPCAddr() string {
	if config != nil {
		return fmt.Sprintf("%s:%s", config.GRPC.Host, config.GRPC.Port)
	}
	return "localhost:8081"
}

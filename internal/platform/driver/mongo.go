package driver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"time"

	"governance-gateway/internal/platform/config"
	"governance-gateway/internal/platform/logger"
	"governance-gateway/internal/platform/tlsconf"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	defaultConnectTimeout = 10 * time.Second
	disconnectTimeout     = 5 * time.Second
)

// ErrNotConnected 連接已關閉或尚未建立
var ErrNotConnected = errors.New("mongodb connection not available")

// Mongo 憑證、計數器與用量共用的 MongoDB 連接
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// OpenMongo 連接並 ping MongoDB；失敗時不保留連接.
func OpenMongo(ctx context.Context, cfg config.MongoConfig) (*Mongo, error) {
	timeout := time.Duration(cfg.ConnectTimeout) * time.Second
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts, err := clientOptions(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("連接 MongoDB 失敗: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("MongoDB ping 失敗: %w", err)
	}

	logger.Info(ctx, "MongoDB 連接成功", logger.WithDetails(map[string]interface{}{
		"database": cfg.Database,
		"tls":      cfg.TLSEnabled,
	}))
	return &Mongo{client: client, db: client.Database(cfg.Database)}, nil
}

// clientOptions 由配置組出連接選項；帳密以環境變數為主，配置檔覆蓋.
func clientOptions(ctx context.Context, cfg config.MongoConfig) (*options.ClientOptions, error) {
	opts := options.Client().ApplyURI(cfg.URL)

	username, password := cfg.Username, cfg.Password
	if username == "" {
		username = os.Getenv("MONGO_USERNAME")
	}
	if password == "" {
		password = os.Getenv("MONGO_PASSWORD")
	}
	if username != "" && password != "" {
		opts.SetAuth(options.Credential{Username: username, Password: password})
	} else {
		logger.Warning(ctx, "MongoDB 未設定帳密，僅適用開發環境")
	}

	if cfg.TLSEnabled {
		tlsConfig, err := mongoTLSConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("MongoDB TLS 配置錯誤: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	opts.SetMinPoolSize(cfg.MinPoolSize)
	if cfg.MaxConnIdleTime > 0 {
		opts.SetMaxConnIdleTime(time.Duration(cfg.MaxConnIdleTime) * time.Second)
	}
	if cfg.ServerSelectionTimeout > 0 {
		opts.SetServerSelectionTimeout(time.Duration(cfg.ServerSelectionTimeout) * time.Second)
	}
	return opts, nil
}

// Database 配置指定的資料庫
func (m *Mongo) Database() *mongo.Database {
	return m.db
}

// Ping 健康檢查使用
func (m *Mongo) Ping(ctx context.Context) error {
	if m == nil || m.client == nil {
		return ErrNotConnected
	}
	return m.client.Ping(ctx, nil)
}

// Close 中斷連接；重複呼叫無作用
func (m *Mongo) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	err := m.client.Disconnect(ctx)
	m.client, m.db = nil, nil
	return err
}

// mongoTLSConfig CA 與客戶端憑證皆為選填；跳過驗證只允許開發環境使用
func mongoTLSConfig(ctx context.Context, cfg config.MongoConfig) (*tls.Config, error) {
	if !cfg.TLSInsecureSkipVerify {
		return tlsconf.Client(cfg.TLSCAFile, cfg.TLSCertFile, cfg.TLSKeyFile)
	}
	if config.IsProduction() {
		return nil, errors.New("正式環境不可跳過 MongoDB 憑證驗證")
	}
	logger.Warning(ctx, "MongoDB TLS 憑證驗證已跳過")
	return &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true}, nil //nolint:gosec // 僅開發環境
}

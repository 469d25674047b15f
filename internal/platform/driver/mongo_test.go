package driver

import (
	"context"
	"errors"
	"testing"

	"governance-gateway/internal/platform/config"
)

func TestClientOptions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		cfg      config.MongoConfig
		env      map[string]string
		wantUser string
		wantPool uint64
	}{
		{
			name:     "配置檔帳密",
			cfg:      config.MongoConfig{URL: "mongodb://localhost:27017", Username: "cfg", Password: "p", MaxPoolSize: 50},
			wantUser: "cfg",
			wantPool: 50,
		},
		{
			name:     "環境變數帳密",
			cfg:      config.MongoConfig{URL: "mongodb://localhost:27017"},
			env:      map[string]string{"MONGO_USERNAME": "env", "MONGO_PASSWORD": "p"},
			wantUser: "env",
		},
		{
			name: "無帳密",
			cfg:  config.MongoConfig{URL: "mongodb://localhost:27017"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MONGO_USERNAME", "")
			t.Setenv("MONGO_PASSWORD", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			opts, err := clientOptions(ctx, tt.cfg)
			if err != nil {
				t.Fatalf("clientOptions 失敗: %v", err)
			}
			gotUser := ""
			if opts.Auth != nil {
				gotUser = opts.Auth.Username
			}
			if gotUser != tt.wantUser {
				t.Errorf("username = %q, want %q", gotUser, tt.wantUser)
			}
			if tt.wantPool > 0 && (opts.MaxPoolSize == nil || *opts.MaxPoolSize != tt.wantPool) {
				t.Errorf("MaxPoolSize = %v, want %d", opts.MaxPoolSize, tt.wantPool)
			}
		})
	}
}

func TestMongoTLSConfig(t *testing.T) {
	ctx := context.Background()
	defer config.SetEnv(config.GetEnv())

	config.SetEnv("local")
	tlsConfig, err := mongoTLSConfig(ctx, config.MongoConfig{TLSInsecureSkipVerify: true})
	if err != nil || !tlsConfig.InsecureSkipVerify {
		t.Fatalf("開發環境應允許跳過驗證: %v", err)
	}

	config.SetEnv("production")
	if _, err := mongoTLSConfig(ctx, config.MongoConfig{TLSInsecureSkipVerify: true}); err == nil {
		t.Error("正式環境不應允許跳過驗證")
	}

	if _, err := mongoTLSConfig(ctx, config.MongoConfig{TLSCAFile: "/nonexistent/ca.pem"}); err == nil {
		t.Error("CA 檔案不存在時應回傳錯誤")
	}
}

func TestMongo_ClosedConnection(t *testing.T) {
	var m *Mongo
	if err := m.Ping(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("nil 連接 Ping = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("nil 連接 Close = %v", err)
	}

	if _, err := OpenMongo(context.Background(), config.MongoConfig{URL: "not-a-uri", ConnectTimeout: 1}); err == nil {
		t.Error("無效 URI 應回傳錯誤")
	}
}

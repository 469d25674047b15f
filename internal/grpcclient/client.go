package grpcclient

import (
	"fmt"
	"os"

	"governance-gateway/internal/platform/config"
	"governance-gateway/internal/platform/tlsconf"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Dial 連接管理服務；TLS 啟用時以 CAFile 驗證伺服器，CertFile/KeyFile 有值時為雙向 TLS
func Dial(address string, tlsConfig config.TLSConfig) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if tlsConfig.Enabled {
		clientTLS, err := tlsconf.Client(tlsConfig.CAFile, tlsConfig.CertFile, tlsConfig.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("gRPC TLS 配置錯誤: %w", err)
		}
		creds = credentials.NewTLS(clientTLS)
	} else {
		fmt.Fprintln(os.Stderr, "[WARNING] gRPC 使用不安全連接（開發環境）")
	}

	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("連接 gRPC 服務 %s 失敗: %w", address, err)
	}
	return conn, nil
}

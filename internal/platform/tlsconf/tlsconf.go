// Package tlsconf 組出 HTTP、gRPC 與 MongoDB 共用的 TLS 設定.
package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"governance-gateway/internal/platform/config"
)

// ErrNoCertificates CA 檔案中沒有可用的 PEM 憑證
var ErrNoCertificates = errors.New("CA 檔案不含有效憑證")

// serverCipherSuites TLS 1.2 允許的套件；1.3 不受此設定影響
var serverCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// Server 伺服器端設定；未啟用時回傳 nil
// 設定 CAFile 時要求並驗證客戶端憑證.
func Server(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("載入伺服器憑證失敗: %w", err)
	}
	out := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: serverCipherSuites,
	}

	if cfg.CAFile != "" {
		pool, err := certPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		out.ClientCAs = pool
		out.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return out, nil
}

// Client 客戶端設定；caFile 為空時使用系統 CA，certFile 與 keyFile 都有值時附上客戶端憑證
func Client(caFile, certFile, keyFile string) (*tls.Config, error) {
	out := &tls.Config{MinVersion: tls.VersionTLS12}

	if caFile != "" {
		pool, err := certPool(caFile)
		if err != nil {
			return nil, err
		}
		out.RootCAs = pool
	}

	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("載入客戶端憑證失敗: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

func certPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("讀取 CA 檔案失敗: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%s: %w", path, ErrNoCertificates)
	}
	return pool, nil
}

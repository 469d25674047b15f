package tlsconf

import (
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"governance-gateway/internal/platform/config"
)

func TestServer(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TLSConfig
		wantNil bool
		wantErr bool
	}{
		{"未啟用", config.TLSConfig{}, true, false},
		{"憑證不存在", config.TLSConfig{Enabled: true, CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Server(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if (got == nil) != tt.wantNil {
				t.Errorf("config = %v", got)
			}
		})
	}
}

func TestClient(t *testing.T) {
	dir := t.TempDir()
	notPEM := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(notPEM, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("寫入測試檔案失敗: %v", err)
	}

	got, err := Client("", "", "")
	if err != nil {
		t.Fatalf("Client 失敗: %v", err)
	}
	if got.MinVersion != tls.VersionTLS12 || got.RootCAs != nil || len(got.Certificates) != 0 {
		t.Errorf("預設設定 = %+v", got)
	}

	if _, err := Client(notPEM, "", ""); !errors.Is(err, ErrNoCertificates) {
		t.Errorf("無效 CA err = %v", err)
	}
	if _, err := Client("", filepath.Join(dir, "c.pem"), filepath.Join(dir, "k.pem")); err == nil {
		t.Error("客戶端憑證不存在時應回傳錯誤")
	}
}

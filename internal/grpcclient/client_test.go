package grpcclient

import (
	"context"
	"net"
	"sync"
	"testing"

	grpcserver "governance-gateway/internal/grpc"
	"governance-gateway/internal/platform/config"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// recordingServer 記錄收到的請求與 metadata
type recordingServer struct {
	mu       sync.Mutex
	requests map[string]map[string]interface{}
	auth     []string
}

func (s *recordingServer) record(ctx context.Context, method string, in *structpb.Struct) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requests == nil {
		s.requests = make(map[string]map[string]interface{})
	}
	s.requests[method] = in.AsMap()
	md, _ := metadata.FromIncomingContext(ctx)
	s.auth = append(s.auth, append(md.Get("authorization"), md.Get("x-admin-id")...)...)
}

func (s *recordingServer) SetOverride(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.record(ctx, "SetOverride", in)
	return structpb.NewStruct(map[string]interface{}{"override_active": true})
}

func (s *recordingServer) RemoveOverride(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.record(ctx, "RemoveOverride", in)
	return structpb.NewStruct(map[string]interface{}{"removed": true})
}

func (s *recordingServer) ListCredentialStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.record(ctx, "ListCredentialStatus", in)
	return structpb.NewStruct(map[string]interface{}{
		"items": []interface{}{map[string]interface{}{"user_id": "u1"}, map[string]interface{}{"user_id": "u2"}},
		"count": 2,
	})
}

func (s *recordingServer) ExportUsage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.record(ctx, "ExportUsage", in)
	return structpb.NewStruct(map[string]interface{}{"items": []interface{}{}, "count": 0})
}

func (s *recordingServer) SetRole(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.record(ctx, "SetRole", in)
	return structpb.NewStruct(map[string]interface{}{"role": in.GetFields()["role"].GetStringValue()})
}

func newTestConn(t *testing.T, srv grpcserver.AdminServiceServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	s := grpc.NewServer()
	grpcserver.RegisterAdminServiceServer(s, srv)
	go func() {
		_ = s.Serve(lis)
	}()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("建立連線失敗: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestAdminClient_Calls(t *testing.T) {
	srv := &recordingServer{}
	client := NewAdminClient(newTestConn(t, srv), Credentials{AdminID: "admin-1"})
	ctx := context.Background()

	out, err := client.SetOverride(ctx, "u1", "trial", "2026-12-31T00:00:00Z", true)
	if err != nil || out["override_active"] != true {
		t.Fatalf("SetOverride: %v %v", out, err)
	}
	if req := srv.requests["SetOverride"]; req["user_id"] != "u1" || req["expires_at"] != "2026-12-31T00:00:00Z" || req["notify_user"] != true {
		t.Errorf("SetOverride 請求 = %v", req)
	}

	removed, err := client.RemoveOverride(ctx, "u1")
	if err != nil || !removed {
		t.Errorf("RemoveOverride: %v %v", removed, err)
	}

	items, err := client.ListCredentialStatus(ctx)
	if err != nil || len(items) != 2 {
		t.Errorf("ListCredentialStatus: %v %v", items, err)
	}

	if _, err := client.ExportUsage(ctx, "2026-01-01", ""); err != nil {
		t.Errorf("ExportUsage 失敗: %v", err)
	}
	if req := srv.requests["ExportUsage"]; req["start"] != "2026-01-01" {
		t.Errorf("ExportUsage 請求 = %v", req)
	} else if _, ok := req["end"]; ok {
		t.Error("空的 end 不應送出")
	}

	role, err := client.SetRole(ctx, "u1", "premium")
	if err != nil || role["role"] != "premium" {
		t.Errorf("SetRole: %v %v", role, err)
	}

	for _, a := range srv.auth {
		if a != "admin-1" {
			t.Errorf("身分 metadata = %q", a)
		}
	}
	if len(srv.auth) != 5 {
		t.Errorf("應送出 5 次身分，得到 %d", len(srv.auth))
	}
}

func TestAdminClient_BearerToken(t *testing.T) {
	srv := &recordingServer{}
	client := NewAdminClient(newTestConn(t, srv), Credentials{Token: "abc.def.ghi", AdminID: "ignored"})

	if _, err := client.ListCredentialStatus(context.Background()); err != nil {
		t.Fatalf("ListCredentialStatus 失敗: %v", err)
	}
	if len(srv.auth) != 1 || srv.auth[0] != "Bearer abc.def.ghi" {
		t.Errorf("auth = %v", srv.auth)
	}
}

func TestDial(t *testing.T) {
	tests := []struct {
		name    string
		tls     config.TLSConfig
		wantErr bool
	}{
		{"不加密", config.TLSConfig{}, false},
		{"只驗證服務器", config.TLSConfig{Enabled: true}, false},
		{"CA 檔案不存在", config.TLSConfig{Enabled: true, CAFile: "/nonexistent/ca.pem"}, true},
		{"客戶端證書不存在", config.TLSConfig{Enabled: true, CertFile: "/nonexistent/c.pem", KeyFile: "/nonexistent/k.pem"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := Dial("localhost:8081", tt.tls)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if conn != nil {
				_ = conn.Close()
			}
		})
	}
}

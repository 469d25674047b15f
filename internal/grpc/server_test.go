package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"governance-gateway/internal/admin"
	"governance-gateway/internal/credential"
	"governance-gateway/internal/platform/config"
	"governance-gateway/internal/platform/middleware"
	"governance-gateway/internal/quota"
	"governance-gateway/internal/security/encryption"
	"governance-gateway/internal/storage/database/account"
	"governance-gateway/internal/storage/memory"
	"governance-gateway/internal/usage"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	testSecret  = "test-master-secret-0123456789abcdef"
	testUserKey = "sk-user-0123456789abcdefghij"
	bufSize     = 1024 * 1024
)

var testNow = time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	conn        *grpc.ClientConn
	credentials *credential.Service
	ledger      *usage.Ledger
	accounts    *memory.AccountStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	now := func() time.Time { return testNow }

	cipher, err := encryption.NewCredentialCipher(testSecret, 1000)
	if err != nil {
		t.Fatalf("NewCredentialCipher 失敗: %v", err)
	}
	accounts := memory.NewAccountStore()
	creds, err := credential.NewService(accounts, cipher, credential.Options{PoolIdentity: "__admin_pool__", CacheSize: 16, Now: now})
	if err != nil {
		t.Fatalf("NewService 失敗: %v", err)
	}
	roles, _ := quota.NewRoleTable(nil, quota.RoleFree)
	governor, err := quota.NewGovernor(memory.NewCounterStore(), accounts, quota.Options{Roles: roles, Window: time.Minute, Now: now})
	if err != nil {
		t.Fatalf("NewGovernor 失敗: %v", err)
	}
	ledger := usage.NewLedger(accounts, 3, now)

	srv, err := NewServer(admin.NewService(creds, governor, ledger, nil, now), middleware.NewJWTMiddleware("", "", false), config.TLSConfig{})
	if err != nil {
		t.Fatalf("NewServer 失敗: %v", err)
	}

	lis := bufconn.Listen(bufSize)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.GracefulStop)

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

	return &testEnv{conn: conn, credentials: creds, ledger: ledger, accounts: accounts}
}

func (e *testEnv) call(t *testing.T, ctx context.Context, method string, req map[string]interface{}) (*structpb.Struct, error) {
	t.Helper()
	in, err := structpb.NewStruct(req)
	if err != nil {
		t.Fatalf("NewStruct 失敗: %v", err)
	}
	out := new(structpb.Struct)
	err = e.conn.Invoke(ctx, FullMethod(method), in, out)
	return out, err
}

func adminCtx() context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "x-admin-id", "admin-1")
}

func TestAdminService_Authorization(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		ctx  context.Context
		want codes.Code
	}{
		{"匿名", context.Background(), codes.Unauthenticated},
		{"一般使用者", metadata.AppendToOutgoingContext(context.Background(), "x-user-id", "u1"), codes.PermissionDenied},
		{"管理員", adminCtx(), codes.OK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.call(t, tt.ctx, MethodListCredentialStatus, nil)
			if got := status.Code(err); got != tt.want {
				t.Errorf("code = %v, want %v (%v)", got, tt.want, err)
			}
		})
	}
}

func TestAdminService_OverrideRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_ = env.credentials.SetCredential(ctx, "u1", testUserKey)

	expires := testNow.Add(24 * time.Hour).Format(time.RFC3339)
	out, err := env.call(t, adminCtx(), MethodSetOverride, map[string]interface{}{
		"user_id":     "u1",
		"reason":      "support ticket",
		"expires_at":  expires,
		"notify_user": true,
	})
	if err != nil {
		t.Fatalf("SetOverride 失敗: %v", err)
	}
	fields := out.GetFields()
	if !fields["override_active"].GetBoolValue() || fields["user_id"].GetStringValue() != "u1" {
		t.Errorf("回應 = %v", out.AsMap())
	}

	state, _ := env.accounts.GetCredentialState(ctx, "u1")
	if state.Override == nil || state.Override.ActivatedBy != "admin-1" || state.Override.Reason != "support ticket" {
		t.Errorf("override = %+v", state.Override)
	}

	out, err = env.call(t, adminCtx(), MethodRemoveOverride, map[string]interface{}{"user_id": "u1"})
	if err != nil || !out.GetFields()["removed"].GetBoolValue() {
		t.Fatalf("RemoveOverride: %v %v", out, err)
	}
}

func TestAdminService_InvalidArguments(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		req    map[string]interface{}
	}{
		{"覆寫缺少使用者", MethodSetOverride, map[string]interface{}{"reason": "x"}},
		{"覆寫缺少原因", MethodSetOverride, map[string]interface{}{"user_id": "u1"}},
		{"未知角色", MethodSetRole, map[string]interface{}{"user_id": "u1", "role": "gold"}},
		{"日期格式錯誤", MethodExportUsage, map[string]interface{}{"start": "yesterday"}},
		{"日期顛倒", MethodExportUsage, map[string]interface{}{"start": "2026-08-03", "end": "2026-08-01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.call(t, adminCtx(), tt.method, tt.req)
			if status.Code(err) != codes.InvalidArgument {
				t.Errorf("預期 InvalidArgument，得到 %v", err)
			}
		})
	}
}

func TestAdminService_SetRoleAndExport(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	out, err := env.call(t, adminCtx(), MethodSetRole, map[string]interface{}{"user_id": "u1", "role": "enterprise"})
	if err != nil {
		t.Fatalf("SetRole 失敗: %v", err)
	}
	if out.GetFields()["requests_per_minute"].GetNumberValue() != 120 {
		t.Errorf("回應 = %v", out.AsMap())
	}
	if role, _ := env.accounts.GetRole(ctx, "u1"); role != quota.RoleEnterprise {
		t.Errorf("role = %q", role)
	}

	if err := env.ledger.RecordUsage(ctx, "u1", account.UsageEvent{
		Timestamp:        testNow,
		Model:            "gpt-4o-mini",
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
		Cost:             0.0001,
	}); err != nil {
		t.Fatalf("RecordUsage 失敗: %v", err)
	}

	out, err = env.call(t, adminCtx(), MethodExportUsage, map[string]interface{}{"start": "2026-08-01"})
	if err != nil {
		t.Fatalf("ExportUsage 失敗: %v", err)
	}
	if n := out.GetFields()["count"].GetNumberValue(); n != 1 {
		t.Errorf("count = %v", n)
	}
	items := out.GetFields()["items"].GetListValue().GetValues()
	if len(items) != 1 || items[0].GetStructValue().GetFields()["user_id"].GetStringValue() != "u1" {
		t.Errorf("items = %v", items)
	}
}

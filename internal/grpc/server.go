package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"governance-gateway/internal/admin"
	"governance-gateway/internal/credential"
	"governance-gateway/internal/platform/config"
	"governance-gateway/internal/platform/logger"
	"governance-gateway/internal/platform/middleware"
	"governance-gateway/internal/platform/tlsconf"
	"governance-gateway/internal/quota"
	"governance-gateway/internal/usage"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server gRPC 管理服務器
type Server struct {
	grpcServer *grpc.Server
	admin      *admin.Service
}

// NewServer 創建 gRPC 管理服務器
// 所有方法都經過 JWT 攔截器，且只接受管理員.
func NewServer(adminService *admin.Service, auth *middleware.JWTMiddleware, tlsConfig config.TLSConfig) (*Server, error) {
	ctx := context.Background()
	opts := []grpc.ServerOption{grpc.UnaryInterceptor(auth.GRPCUnaryInterceptor())}

	serverTLS, err := tlsconf.Server(tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("gRPC TLS 配置錯誤: %w", err)
	}
	if serverTLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(serverTLS)))
	} else {
		logger.Warning(ctx, "gRPC 管理服務未加密，僅適用開發環境")
	}

	server := &Server{
		grpcServer: grpc.NewServer(opts...),
		admin:      adminService,
	}
	RegisterAdminServiceServer(server.grpcServer, server)

	logger.Infof(ctx, "gRPC 管理服務初始化 - 服務: %s, TLS: %v", AdminServiceName, tlsConfig.Enabled)
	return server, nil
}

// Serve 在 listener 上提供服務，直到 Stop
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// GracefulStop 等待進行中的請求完成後停止
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

// requireAdmin 取得管理員身分
func requireAdmin(ctx context.Context) (*middleware.Principal, error) {
	p, ok := middleware.PrincipalFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "未授權訪問")
	}
	if !p.Admin {
		return nil, status.Error(codes.PermissionDenied, "需要管理員權限")
	}
	return p, nil
}

// SetOverride 設定覆寫；請求 {user_id, reason, is_active?, expires_at?, notify_user?, conditions?}
func (s *Server) SetOverride(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	p, err := requireAdmin(ctx)
	if err != nil {
		return nil, err
	}

	var req struct {
		UserID string `json:"user_id"`
		credential.SetOverrideRequest
	}
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}

	st, err := s.admin.SetOverride(ctx, p.UserID, req.UserID, &req.SetOverrideRequest)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return encodeStruct(st)
}

// RemoveOverride 移除覆寫；請求 {user_id}
func (s *Server) RemoveOverride(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	p, err := requireAdmin(ctx)
	if err != nil {
		return nil, err
	}

	removed, err := s.admin.RemoveOverride(ctx, p.UserID, stringField(in, "user_id"))
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return encodeStruct(map[string]interface{}{"removed": removed})
}

// ListCredentialStatus 所有使用者的憑證狀態與用量
func (s *Server) ListCredentialStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}

	views, err := s.admin.ListCredentialStatus(ctx)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return encodeStruct(map[string]interface{}{"items": views, "count": len(views)})
}

// ExportUsage 匯出用量；請求 {start?, end?}，格式固定為 json
func (s *Server) ExportUsage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	p, err := requireAdmin(ctx)
	if err != nil {
		return nil, err
	}

	var span usage.DateRange
	if raw := stringField(in, "start"); raw != "" {
		t, err := usage.ParseDate(raw)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "start: %v", err)
		}
		span.Start = &t
	}
	if raw := stringField(in, "end"); raw != "" {
		t, err := usage.ParseDate(raw)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "end: %v", err)
		}
		span.End = &t
	}

	exports, err := s.admin.ExportUsage(ctx, p.UserID, span, usage.FormatJSON)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return encodeStruct(map[string]interface{}{"items": exports, "count": len(exports)})
}

// SetRole 變更角色；請求 {user_id, role}
func (s *Server) SetRole(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	p, err := requireAdmin(ctx)
	if err != nil {
		return nil, err
	}

	limit, err := s.admin.SetRole(ctx, p.UserID, stringField(in, "user_id"), stringField(in, "role"))
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return encodeStruct(limit)
}

// toStatus 將領域錯誤轉為 gRPC 狀態碼
func toStatus(ctx context.Context, err error) error {
	var corrupted *credential.CredentialCorruptedError
	switch {
	case errors.Is(err, admin.ErrInvalidArgument),
		errors.Is(err, quota.ErrUnknownRole),
		errors.Is(err, credential.ErrInvalidKey),
		errors.Is(err, credential.ErrUserIDRequired),
		errors.Is(err, credential.ErrAdminIDRequired),
		errors.Is(err, usage.ErrInvalidDateSpan):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &corrupted):
		return status.Error(codes.FailedPrecondition, "已保存的憑證無法讀取")
	case errors.Is(err, quota.ErrGovernorUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	default:
		logger.Error(ctx, "gRPC 管理操作失敗", logger.WithError(err))
		return status.Error(codes.Internal, "服務器內部錯誤")
	}
}

// decodeStruct Struct 轉為 Go 結構（經由 JSON）
func decodeStruct(in *structpb.Struct, out interface{}) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Error(codes.InvalidArgument, "無效的請求格式")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return status.Errorf(codes.InvalidArgument, "無效的請求格式: %v", err)
	}
	return nil
}

// encodeStruct Go 值轉為 Struct（經由 JSON）
func encodeStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "編碼回應失敗")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, "編碼回應失敗")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "編碼回應失敗")
	}
	return out, nil
}

func stringField(in *structpb.Struct, name string) string {
	if in == nil {
		return ""
	}
	if v, ok := in.GetFields()[name]; ok {
		return v.GetStringValue()
	}
	return ""
}

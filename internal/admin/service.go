package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"governance-gateway/internal/credential"
	"governance-gateway/internal/platform/middleware"
	"governance-gateway/internal/quota"
	"governance-gateway/internal/security/audit"
	"governance-gateway/internal/usage"
)

// ErrInvalidArgument 管理員請求參數錯誤
var ErrInvalidArgument = errors.New("invalid admin request")

// CredentialView 管理員檢視：憑證狀態加上用量總計
type CredentialView struct {
	*credential.Status
	Usage usage.Totals `json:"usage"`
}

// Service 管理員操作，HTTP 與 gRPC 共用
type Service struct {
	credentials *credential.Service
	governor    *quota.Governor
	ledger      *usage.Ledger
	audit       *audit.AuditService
	now         func() time.Time
}

// NewService 創建管理員服務
func NewService(credentials *credential.Service, governor *quota.Governor, ledger *usage.Ledger, auditService *audit.AuditService, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		credentials: credentials,
		governor:    governor,
		ledger:      ledger,
		audit:       auditService,
		now:         now,
	}
}

// SetOverride 驗證並設定覆寫，回傳更新後的狀態
func (s *Service) SetOverride(ctx context.Context, adminID, userID string, req *credential.SetOverrideRequest) (*credential.Status, error) {
	if err := middleware.ValidateUserID(userID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	override, err := credential.ValidateSetOverrideRequest(req, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := s.credentials.SetOverride(ctx, userID, override, adminID); err != nil {
		return nil, err
	}
	return s.credentials.Status(ctx, userID)
}

// RemoveOverride 移除覆寫
func (s *Service) RemoveOverride(ctx context.Context, adminID, userID string) (bool, error) {
	if err := middleware.ValidateUserID(userID); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return s.credentials.RemoveOverride(ctx, userID, adminID)
}

// SetPoolKey 設定管理員金鑰池
func (s *Service) SetPoolKey(ctx context.Context, adminID, key string) error {
	return s.credentials.SetAdminPoolKey(ctx, adminID, key)
}

// RemovePoolKey 移除管理員金鑰池
func (s *Service) RemovePoolKey(ctx context.Context, adminID string) (bool, error) {
	return s.credentials.RemoveAdminPoolKey(ctx, adminID)
}

// ListCredentialStatus 所有使用者的憑證狀態與用量總計
func (s *Service) ListCredentialStatus(ctx context.Context) ([]CredentialView, error) {
	statuses, err := s.credentials.ListStatus(ctx)
	if err != nil {
		return nil, err
	}
	totals, err := s.ledger.Totals(ctx)
	if err != nil {
		return nil, err
	}

	byUser := make(map[string]usage.Totals, len(totals))
	for _, t := range totals {
		byUser[t.UserID] = t.Totals
	}

	views := make([]CredentialView, 0, len(statuses))
	for _, st := range statuses {
		views = append(views, CredentialView{Status: st, Usage: byUser[st.UserID]})
	}
	return views, nil
}

// ExportUsage 匯出指定期間所有使用者的用量
func (s *Service) ExportUsage(ctx context.Context, adminID string, span usage.DateRange, format string) ([]usage.UserExport, error) {
	if format == "" {
		format = usage.FormatJSON
	}
	if format != usage.FormatJSON && format != usage.FormatCSV {
		return nil, fmt.Errorf("%w: format must be json or csv", ErrInvalidArgument)
	}
	exports, err := s.ledger.Export(ctx, span)
	if err != nil {
		return nil, err
	}
	s.audit.LogUsageExported(ctx, adminID, format, len(exports))
	return exports, nil
}

// SetRole 變更使用者角色，回傳新角色的限制
func (s *Service) SetRole(ctx context.Context, adminID, userID, role string) (quota.RoleLimit, error) {
	if err := middleware.ValidateUserID(userID); err != nil {
		return quota.RoleLimit{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if err := s.governor.SetRole(ctx, adminID, userID, role); err != nil {
		return quota.RoleLimit{}, err
	}
	limit, _ := s.governor.Roles().Lookup(role)
	return limit, nil
}

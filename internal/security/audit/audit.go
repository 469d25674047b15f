package audit

import (
	"context"
	"time"

	"governance-gateway/internal/platform/logger"
	"governance-gateway/internal/platform/middleware"
)

// AuditService 審計服務
// 審計事件以 NOTICE 等級寫入結構化日誌，action 固定前綴 "audit."；nil 實例不記錄.
type AuditService struct {
	enabled bool
}

// NewAuditService 創建審計服務
func NewAuditService(enabled bool) *AuditService {
	return &AuditService{enabled: enabled}
}

// AuditEvent 審計事件
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	ActorID   string                 `json:"actor_id"`
	SubjectID string                 `json:"subject_id,omitempty"`
	Action    string                 `json:"action"`
	Result    string                 `json:"result"` // success, failure, blocked
	Details   map[string]interface{} `json:"details,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
}

// LogCredentialSet 記錄憑證設定（絕不包含金鑰內容）
func (a *AuditService) LogCredentialSet(ctx context.Context, userID, source string) {
	a.record(ctx, AuditEvent{
		EventType: "credential",
		ActorID:   userID,
		SubjectID: userID,
		Action:    "set_credential",
		Result:    "success",
		Details:   map[string]interface{}{"source": source},
	})
}

// LogCredentialRemoved 記錄憑證刪除
func (a *AuditService) LogCredentialRemoved(ctx context.Context, userID string, existed bool) {
	a.record(ctx, AuditEvent{
		EventType: "credential",
		ActorID:   userID,
		SubjectID: userID,
		Action:    "remove_credential",
		Result:    "success",
		Details:   map[string]interface{}{"existed": existed},
	})
}

// LogCredentialInvalidated 記錄憑證被外部服務拒絕
func (a *AuditService) LogCredentialInvalidated(ctx context.Context, userID, reason string) {
	a.record(ctx, AuditEvent{
		EventType: "credential",
		ActorID:   "system",
		SubjectID: userID,
		Action:    "invalidate_credential",
		Result:    "success",
		Details:   map[string]interface{}{"reason": reason},
	})
}

// LogCredentialCorrupted 記錄憑證無法解密
func (a *AuditService) LogCredentialCorrupted(ctx context.Context, userID string) {
	a.record(ctx, AuditEvent{
		EventType: "security_event",
		ActorID:   "system",
		SubjectID: userID,
		Action:    "decrypt_credential",
		Result:    "failure",
	})
}

// LogOverrideSet 記錄管理員覆寫設定
func (a *AuditService) LogOverrideSet(ctx context.Context, adminID, userID, reason string, expiresAt *time.Time) {
	details := map[string]interface{}{"reason": reason}
	if expiresAt != nil {
		details["expires_at"] = expiresAt.UTC().Format(time.RFC3339)
	}
	a.record(ctx, AuditEvent{
		EventType: "override",
		ActorID:   adminID,
		SubjectID: userID,
		Action:    "set_override",
		Result:    "success",
		Details:   details,
	})
}

// LogOverrideRemoved 記錄管理員覆寫移除
func (a *AuditService) LogOverrideRemoved(ctx context.Context, adminID, userID string, existed bool) {
	a.record(ctx, AuditEvent{
		EventType: "override",
		ActorID:   adminID,
		SubjectID: userID,
		Action:    "remove_override",
		Result:    "success",
		Details:   map[string]interface{}{"existed": existed},
	})
}

// LogPoolKeyChanged 記錄管理員金鑰池變更
func (a *AuditService) LogPoolKeyChanged(ctx context.Context, adminID, operation string) {
	a.record(ctx, AuditEvent{
		EventType: "pool_key",
		ActorID:   adminID,
		Action:    operation,
		Result:    "success",
	})
}

// LogRoleChanged 記錄訂閱等級變更
func (a *AuditService) LogRoleChanged(ctx context.Context, adminID, userID, role string) {
	a.record(ctx, AuditEvent{
		EventType: "role",
		ActorID:   adminID,
		SubjectID: userID,
		Action:    "set_role",
		Result:    "success",
		Details:   map[string]interface{}{"role": role},
	})
}

// LogAdmissionRejected 記錄配額或速率拒絕
func (a *AuditService) LogAdmissionRejected(ctx context.Context, userID, endpoint, reason string) {
	a.record(ctx, AuditEvent{
		EventType: "admission",
		ActorID:   userID,
		Action:    "admit_request",
		Result:    "blocked",
		Details: map[string]interface{}{
			"endpoint": endpoint,
			"reason":   reason,
		},
	})
}

// LogUsageExported 記錄管理員匯出用量
func (a *AuditService) LogUsageExported(ctx context.Context, adminID, format string, users int) {
	a.record(ctx, AuditEvent{
		EventType: "data_access",
		ActorID:   adminID,
		Action:    "export_usage",
		Result:    "success",
		Details:   map[string]interface{}{"format": format, "users": users},
	})
}

// IsEnabled 檢查審計是否啟用
func (a *AuditService) IsEnabled() bool {
	return a != nil && a.enabled
}

// record 補上時間與請求元數據後寫入日誌
func (a *AuditService) record(ctx context.Context, event AuditEvent) {
	if !a.IsEnabled() {
		return
	}

	event.Timestamp = time.Now().UTC()
	meta := middleware.GetRequestMetadata(ctx)
	event.IPAddress = meta.IPAddress
	event.UserAgent = meta.UserAgent

	details := map[string]interface{}{
		"event_type": event.EventType,
		"result":     event.Result,
		"actor_id":   event.ActorID,
		"ip_address": event.IPAddress,
		"user_agent": event.UserAgent,
	}
	if meta.RequestID != "" {
		details["request_id"] = meta.RequestID
	}
	if event.SubjectID != "" {
		details["subject_id"] = event.SubjectID
	}
	for k, v := range event.Details {
		details[k] = v
	}

	logger.Notice(ctx, "[AUDIT] "+event.Action,
		logger.WithUserID(event.ActorID),
		logger.WithAction("audit."+event.Action),
		logger.WithDetails(details),
		logger.WithLabels(map[string]string{"log_type": "audit"}),
	)
}

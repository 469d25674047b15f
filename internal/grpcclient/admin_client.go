package grpcclient

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// adminService 與伺服端 governance.v1.AdminService 相同
const adminService = "/governance.v1.AdminService/"

// Credentials 呼叫身分：有 Token 時送 bearer token，否則送開發模式的管理員標頭
type Credentials struct {
	Token   string
	AdminID string
}

// AdminClient 管理服務客戶端
type AdminClient struct {
	conn  grpc.ClientConnInterface
	creds Credentials
}

// NewAdminClient 創建管理服務客戶端
func NewAdminClient(conn grpc.ClientConnInterface, creds Credentials) *AdminClient {
	return &AdminClient{conn: conn, creds: creds}
}

// outgoing 附加身分 metadata
func (c *AdminClient) outgoing(ctx context.Context) context.Context {
	if c.creds.Token != "" {
		return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.creds.Token)
	}
	if c.creds.AdminID != "" {
		return metadata.AppendToOutgoingContext(ctx, "x-admin-id", c.creds.AdminID)
	}
	return ctx
}

// call 以 Struct 呼叫一個方法並回傳 map
func (c *AdminClient) call(ctx context.Context, method string, req map[string]interface{}) (map[string]interface{}, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.outgoing(ctx), adminService+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// SetOverride 設定覆寫；expiresAt 為 RFC3339，空字串代表不過期
func (c *AdminClient) SetOverride(ctx context.Context, userID, reason, expiresAt string, notifyUser bool) (map[string]interface{}, error) {
	req := map[string]interface{}{
		"user_id":     userID,
		"reason":      reason,
		"notify_user": notifyUser,
	}
	if expiresAt != "" {
		req["expires_at"] = expiresAt
	}
	return c.call(ctx, "SetOverride", req)
}

// RemoveOverride 移除覆寫
func (c *AdminClient) RemoveOverride(ctx context.Context, userID string) (bool, error) {
	out, err := c.call(ctx, "RemoveOverride", map[string]interface{}{"user_id": userID})
	if err != nil {
		return false, err
	}
	removed, _ := out["removed"].(bool)
	return removed, nil
}

// ListCredentialStatus 所有使用者的憑證狀態
func (c *AdminClient) ListCredentialStatus(ctx context.Context) ([]interface{}, error) {
	out, err := c.call(ctx, "ListCredentialStatus", nil)
	if err != nil {
		return nil, err
	}
	items, _ := out["items"].([]interface{})
	return items, nil
}

// ExportUsage 匯出用量；start、end 為 YYYY-MM-DD，可為空
func (c *AdminClient) ExportUsage(ctx context.Context, start, end string) ([]interface{}, error) {
	req := map[string]interface{}{}
	if start != "" {
		req["start"] = start
	}
	if end != "" {
		req["end"] = end
	}
	out, err := c.call(ctx, "ExportUsage", req)
	if err != nil {
		return nil, err
	}
	items, _ := out["items"].([]interface{})
	return items, nil
}

// SetRole 變更使用者角色
func (c *AdminClient) SetRole(ctx context.Context, userID, role string) (map[string]interface{}, error) {
	return c.call(ctx, "SetRole", map[string]interface{}{"user_id": userID, "role": role})
}

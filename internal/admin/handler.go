package admin

import (
	"errors"
	"net/http"

	"governance-gateway/internal/credential"
	"governance-gateway/internal/httputil"
	"governance-gateway/internal/platform/middleware"
	"governance-gateway/internal/quota"

	"github.com/gin-gonic/gin"
)

// SetRoleRequest 變更角色請求
type SetRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

// AdminHandler 管理員處理器.
type AdminHandler struct {
	service *Service
}

// NewAdminHandler 創建管理員處理器.
func NewAdminHandler(service *Service) *AdminHandler {
	return &AdminHandler{service: service}
}

// SetOverride 設定使用者覆寫.
func (h *AdminHandler) SetOverride(c *gin.Context) {
	principal, _ := middleware.GetPrincipal(c)

	var req credential.SetOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	status, err := h.service.SetOverride(c.Request.Context(), principal.UserID, c.Param("user_id"), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, status))
}

// RemoveOverride 移除使用者覆寫.
func (h *AdminHandler) RemoveOverride(c *gin.Context) {
	principal, _ := middleware.GetPrincipal(c)

	removed, err := h.service.RemoveOverride(c.Request.Context(), principal.UserID, c.Param("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataDeleted, gin.H{"removed": removed}))
}

// SetPoolKey 設定管理員金鑰池.
func (h *AdminHandler) SetPoolKey(c *gin.Context) {
	principal, _ := middleware.GetPrincipal(c)

	var req credential.SetPoolKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	if err := h.service.SetPoolKey(c.Request.Context(), principal.UserID, req.APIKey); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, gin.H{"pool_key_set": true}))
}

// RemovePoolKey 移除管理員金鑰池.
func (h *AdminHandler) RemovePoolKey(c *gin.Context) {
	principal, _ := middleware.GetPrincipal(c)

	removed, err := h.service.RemovePoolKey(c.Request.Context(), principal.UserID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataDeleted, gin.H{"removed": removed}))
}

// ListCredentials 所有使用者的憑證狀態與用量.
func (h *AdminHandler) ListCredentials(c *gin.Context) {
	views, err := h.service.ListCredentialStatus(c.Request.Context())
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponseWithCount(httputil.DataRetrieved, views, len(views)))
}

// SetRole 變更使用者角色.
func (h *AdminHandler) SetRole(c *gin.Context) {
	principal, _ := middleware.GetPrincipal(c)

	var req SetRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	limit, err := h.service.SetRole(c.Request.Context(), principal.UserID, c.Param("user_id"), req.Role)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, limit))
}

// writeError 將管理員錯誤轉為 HTTP 回應
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		httputil.ValidationError(c, "request", err.Error())
	case errors.Is(err, quota.ErrUnknownRole):
		httputil.ValidationError(c, "role", err.Error())
	case errors.Is(err, quota.ErrGovernorUnavailable):
		quota.WriteError(c, err)
	default:
		credential.WriteError(c, err)
	}
}

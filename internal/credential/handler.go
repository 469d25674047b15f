package credential

import (
	"errors"
	"net/http"

	"governance-gateway/internal/httputil"
	"governance-gateway/internal/platform/middleware"

	"github.com/gin-gonic/gin"
)

// CredentialHandler 使用者憑證處理器.
type CredentialHandler struct {
	service *Service
}

// NewCredentialHandler 創建使用者憑證處理器.
func NewCredentialHandler(service *Service) *CredentialHandler {
	return &CredentialHandler{service: service}
}

// SetCredential 設定或取代使用者金鑰.
func (h *CredentialHandler) SetCredential(c *gin.Context) {
	principal, _ := middleware.GetPrincipal(c)

	var req SetCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	if err := h.service.SetCredential(c.Request.Context(), principal.UserID, req.APIKey); err != nil {
		WriteError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponse("憑證已保存", gin.H{"has_credential": true}))
}

// RemoveCredential 刪除使用者金鑰.
func (h *CredentialHandler) RemoveCredential(c *gin.Context) {
	principal, _ := middleware.GetPrincipal(c)

	removed, err := h.service.RemoveCredential(c.Request.Context(), principal.UserID)
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataDeleted, gin.H{"removed": removed}))
}

// GetStatus 查詢憑證狀態.
func (h *CredentialHandler) GetStatus(c *gin.Context) {
	principal, _ := middleware.GetPrincipal(c)

	status, err := h.service.Status(c.Request.Context(), principal.UserID)
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, status))
}

// VerifyCredential 比對金鑰是否與已保存的相同.
func (h *CredentialHandler) VerifyCredential(c *gin.Context) {
	principal, _ := middleware.GetPrincipal(c)

	var req VerifyCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	match, err := h.service.VerifyCredential(c.Request.Context(), principal.UserID, req.APIKey)
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, gin.H{"match": match}))
}

// WriteError 將憑證錯誤轉為 HTTP 回應
func WriteError(c *gin.Context, err error) {
	var corrupted *CredentialCorruptedError
	switch {
	case errors.As(err, &corrupted):
		httputil.Fail(c, http.StatusUnprocessableEntity, httputil.ErrorCodeCredentialCorrupted,
			"已保存的憑證無法讀取，請重新設定", nil)
	case errors.Is(err, ErrInvalidKey):
		httputil.Fail(c, http.StatusBadRequest, httputil.ErrorCodeInvalidAPIKey, err.Error(), nil)
	case errors.Is(err, ErrUserIDRequired), errors.Is(err, ErrAdminIDRequired):
		httputil.BadRequest(c, err.Error())
	default:
		httputil.InternalServerError(c, err)
	}
}

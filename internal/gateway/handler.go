package gateway

import (
	"errors"
	"net/http"
	"time"

	"governance-gateway/internal/constants"
	"governance-gateway/internal/credential"
	"governance-gateway/internal/httputil"
	"governance-gateway/internal/platform/config"
	"governance-gateway/internal/platform/logger"
	"governance-gateway/internal/platform/middleware"
	"governance-gateway/internal/quota"

	"github.com/gin-gonic/gin"
)

// CompletionHandler 補全處理器
type CompletionHandler struct {
	gateway *Gateway
}

// NewCompletionHandler 創建補全處理器
func NewCompletionHandler(gateway *Gateway) *CompletionHandler {
	return &CompletionHandler{gateway: gateway}
}

// bind 解析 body 並組成閘道請求
func (h *CompletionHandler) bind(c *gin.Context) (CompletionRequest, bool) {
	principal, _ := middleware.GetPrincipal(c)

	var body CompletionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return CompletionRequest{}, false
	}
	if err := ValidateCompletionBody(&body); err != nil {
		httputil.ValidationError(c, "prompt", err.Error())
		return CompletionRequest{}, false
	}

	return CompletionRequest{
		UserID:       principal.UserID,
		Endpoint:     c.FullPath(),
		Model:        body.Model,
		Prompt:       body.Prompt,
		SystemPrompt: body.SystemPrompt,
		MaxTokens:    body.MaxTokens,
		Temperature:  body.Temperature,
		SessionID:    body.SessionID,
		AppName:      body.AppName,
		RequestID:    middleware.GetRequestID(c),
	}, true
}

// Complete 非串流補全
func (h *CompletionHandler) Complete(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}

	result, err := h.gateway.Complete(c.Request.Context(), req)
	if err != nil {
		WriteError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponse("補全完成", result))
}

// Stream 以 SSE 推送補全
func (h *CompletionHandler) Stream(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}

	session, err := h.gateway.StreamCompletion(c.Request.Context(), req)
	if err != nil {
		WriteError(c, err)
		return
	}

	setupSSEHeaders(c, session)
	handleSSELoop(c, session)
}

// setupSSEHeaders 設置 SSE headers
func setupSSEHeaders(c *gin.Context, session *StreamSession) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("connected", gin.H{
		"request_id":        session.RequestID,
		"credential_source": session.Source,
		"override_active":   session.OverrideActive,
		"notify_user":       session.NotifyUser,
	})
	c.Writer.Flush()
}

// handleSSELoop 處理 SSE 循環
func handleSSELoop(c *gin.Context, session *StreamSession) {
	heartbeatInterval := constants.DefaultSSEHeartbeatInterval
	if cfg := config.Get(); cfg != nil && cfg.Limits.SSE.HeartbeatInterval > 0 {
		heartbeatInterval = cfg.Limits.SSE.HeartbeatInterval
	}

	ticker := time.NewTicker(time.Duration(heartbeatInterval) * time.Second)
	defer ticker.Stop()

	chunks := session.Chunks()
	for {
		select {
		case <-c.Request.Context().Done():
			return

		case <-ticker.C:
			c.SSEvent("ping", gin.H{"timestamp": time.Now().Unix()})
			c.Writer.Flush()

		case delta, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			c.SSEvent("chunk", gin.H{"content": delta})
			c.Writer.Flush()

		case out := <-session.Done():
			// 結果送出前的增量可能還在通道裡
			if chunks != nil {
				for delta := range chunks {
					c.SSEvent("chunk", gin.H{"content": delta})
				}
			}
			if out.Err != nil {
				status, code, msg := describeError(out.Err)
				logger.Warning(c.Request.Context(), "串流中斷", logger.WithRequestID(session.RequestID), logger.WithError(out.Err))
				c.SSEvent("error", gin.H{"error": msg, "code": code, "status": status})
			}
			if out.Result != nil {
				c.SSEvent("done", out.Result)
			}
			c.Writer.Flush()
			return
		}
	}
}

// describeError 串流中途的錯誤已無法改變 HTTP 狀態，改以事件回報
func describeError(err error) (status, code int, message string) {
	var (
		invalid  *InvalidCredentialError
		provQuot *ProviderQuotaExceededError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusUnauthorized, httputil.ErrorCodeInvalidCredential, "服務拒絕了此金鑰"
	case errors.As(err, &provQuot):
		return http.StatusPaymentRequired, httputil.ErrorCodeProviderQuotaExceeded, "服務端額度不足"
	default:
		return http.StatusBadGateway, httputil.ErrorCodeProviderFailed, "補全服務發生錯誤"
	}
}

// WriteError 將閘道錯誤轉為 HTTP 回應
func WriteError(c *gin.Context, err error) {
	if quota.WriteError(c, err) {
		return
	}

	var (
		corrupted *credential.CredentialCorruptedError
		invalid   *InvalidCredentialError
		provQuota *ProviderQuotaExceededError
		provErr   *ProviderError
	)
	switch {
	case errors.As(err, &corrupted):
		credential.WriteError(c, err)
	case errors.Is(err, ErrNoCredentialAvailable):
		httputil.Fail(c, http.StatusPaymentRequired, httputil.ErrorCodeNoCredential, err.Error(), nil)
	case errors.As(err, &invalid):
		httputil.Fail(c, http.StatusUnauthorized, httputil.ErrorCodeInvalidCredential,
			"服務拒絕了此金鑰", gin.H{"credential_source": invalid.Source})
	case errors.As(err, &provQuota):
		httputil.Fail(c, http.StatusPaymentRequired, httputil.ErrorCodeProviderQuotaExceeded,
			"服務端額度不足", gin.H{"credential_source": provQuota.Source})
	case errors.As(err, &provErr):
		logger.Error(c.Request.Context(), "補全服務呼叫失敗", logger.WithRequestID(middleware.GetRequestID(c)), logger.WithError(err))
		httputil.Fail(c, http.StatusBadGateway, httputil.ErrorCodeProviderFailed, "補全服務發生錯誤", nil)
	case errors.Is(err, ErrInvalidRequest):
		httputil.ValidationError(c, "request", err.Error())
	default:
		httputil.InternalServerError(c, err)
	}
}

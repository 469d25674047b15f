package usage

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"governance-gateway/internal/constants"
	"governance-gateway/internal/httputil"
	"governance-gateway/internal/platform/logger"
	"governance-gateway/internal/platform/middleware"
	"governance-gateway/internal/security/audit"

	"github.com/gin-gonic/gin"
)

// UsageHandler 用量查詢處理器.
type UsageHandler struct {
	ledger *Ledger
	audit  *audit.AuditService
}

// NewUsageHandler 創建用量查詢處理器.
func NewUsageHandler(ledger *Ledger, auditService *audit.AuditService) *UsageHandler {
	return &UsageHandler{ledger: ledger, audit: auditService}
}

// GetRollups 使用者的每日、每月彙總與總計.
func (h *UsageHandler) GetRollups(c *gin.Context) {
	principal, _ := middleware.GetPrincipal(c)

	rollups, err := h.ledger.GetRollups(c.Request.Context(), principal.UserID)
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, rollups))
}

// GetEvents 使用者的用量事件（新的在前）.
func (h *UsageHandler) GetEvents(c *gin.Context) {
	principal, _ := middleware.GetPrincipal(c)

	span, err := parseDateRange(c)
	if err != nil {
		httputil.ValidationError(c, "date", err.Error())
		return
	}

	limit := constants.DefaultEventsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > constants.MaxEventsLimit {
			httputil.ValidationError(c, "limit", fmt.Sprintf("必須介於 1 與 %d 之間", constants.MaxEventsLimit))
			return
		}
		limit = n
	}

	events, err := h.ledger.GetEvents(c.Request.Context(), principal.UserID, span)
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}
	if len(events) > limit {
		events = events[:limit]
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponseWithCount(httputil.DataRetrieved, events, len(events)))
}

// ExportUsage 管理員匯出所有使用者的用量.
func (h *UsageHandler) ExportUsage(c *gin.Context) {
	principal, _ := middleware.GetPrincipal(c)

	span, err := parseDateRange(c)
	if err != nil {
		httputil.ValidationError(c, "date", err.Error())
		return
	}
	format := c.DefaultQuery("format", FormatJSON)
	if format != FormatJSON && format != FormatCSV {
		httputil.ValidationError(c, "format", "只支援 json 或 csv")
		return
	}

	exports, err := h.ledger.Export(c.Request.Context(), span)
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}
	h.audit.LogUsageExported(c.Request.Context(), principal.UserID, format, len(exports))

	if format == FormatCSV {
		c.Header("Content-Disposition", `attachment; filename="usage-export.csv"`)
		c.Status(http.StatusOK)
		c.Writer.Header().Set("Content-Type", "text/csv; charset=utf-8")
		if err := WriteCSV(c.Writer, exports); err != nil {
			logger.Error(c.Request.Context(), "CSV 匯出失敗", logger.WithError(err))
		}
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponseWithCount(httputil.DataRetrieved, exports, len(exports)))
}

// ListTotals 管理員檢視所有使用者的用量總計.
func (h *UsageHandler) ListTotals(c *gin.Context) {
	totals, err := h.ledger.Totals(c.Request.Context())
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponseWithCount(httputil.DataRetrieved, totals, len(totals)))
}

// parseDateRange 解析 start、end 查詢參數（YYYY-MM-DD 或 RFC3339）
func parseDateRange(c *gin.Context) (DateRange, error) {
	var span DateRange
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"start", &span.Start},
		{"end", &span.End},
	} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		t, err := ParseDate(raw)
		if err != nil {
			return span, fmt.Errorf("%s: %w", p.name, err)
		}
		*p.dst = &t
	}
	if err := span.Validate(); err != nil {
		return span, err
	}
	return span, nil
}

// ParseDate 接受 YYYY-MM-DD 或 RFC3339
func ParseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(DayLayout, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New("日期格式必須為 YYYY-MM-DD 或 RFC3339")
	}
	return t, nil
}

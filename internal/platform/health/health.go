package health

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"governance-gateway/internal/platform/logger"

	"github.com/gin-gonic/gin"
)

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
	statusDown     = "unhealthy"

	pingTimeout = 5 * time.Second

	// 用量佇列使用率超過此比例視為壅塞
	backlogWarnRatio = 0.8
)

// Pinger 檢查存儲是否可用；nil 代表記憶體存儲.
type Pinger func(ctx context.Context) error

// BacklogFunc 用量佇列的待寫數量與容量
type BacklogFunc func() (pending, capacity int)

// Options 健康檢查的依賴
type Options struct {
	AppName  string
	Driver   string
	FailOpen bool
	Ping     Pinger
	Backlog  BacklogFunc
}

// Handler 健康檢查處理器.
type Handler struct {
	opts    Options
	started time.Time
	version string
}

// NewHealthHandler 創建健康檢查處理器；版本取自 APP_VERSION.
func NewHealthHandler(opts Options) *Handler {
	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "dev"
	}
	return &Handler{opts: opts, started: time.Now(), version: version}
}

// HealthCheck 回報存儲、配額治理與用量佇列狀態
// 存儲或佇列異常時為 degraded，仍回 200；只有存儲不可用且 fail-closed 時回 503.
func (h *Handler) HealthCheck(c *gin.Context) {
	ctx := c.Request.Context()

	storage := gin.H{"driver": h.opts.Driver, "status": statusHealthy}
	storageDown := false
	if err := h.ping(ctx); err != nil {
		storageDown = true
		storage["status"] = statusDown
		storage["error"] = "存儲無法連線"
		logger.Error(ctx, "健康檢查 - 存儲連線失敗", logger.WithError(err))
	}

	governance := gin.H{"fail_open": h.opts.FailOpen, "admission": "enforced"}
	if storageDown {
		governance["admission"] = "rejecting"
		if h.opts.FailOpen {
			governance["admission"] = "fail_open"
		}
	}

	queue, congested := h.backlog()

	status := statusHealthy
	code := http.StatusOK
	switch {
	case storageDown && !h.opts.FailOpen:
		status = statusDown
		code = http.StatusServiceUnavailable
	case storageDown || congested:
		status = statusDegraded
	}

	c.JSON(code, gin.H{
		"status":      status,
		"timestamp":   time.Now().Unix(),
		"app":         gin.H{"name": h.opts.AppName, "version": h.version},
		"database":    storage,
		"governance":  governance,
		"usage_queue": queue,
		"runtime": gin.H{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(h.started).Round(time.Second).String(),
		},
	})
}

func (h *Handler) ping(ctx context.Context) error {
	if h.opts.Ping == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return h.opts.Ping(ctx)
}

// backlog 佇列狀態與是否壅塞
func (h *Handler) backlog() (gin.H, bool) {
	if h.opts.Backlog == nil {
		return gin.H{"pending": 0, "capacity": 0}, false
	}
	pending, capacity := h.opts.Backlog()
	congested := capacity > 0 && float64(pending) >= float64(capacity)*backlogWarnRatio
	return gin.H{"pending": pending, "capacity": capacity, "congested": congested}, congested
}

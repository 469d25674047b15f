package usage

import (
	"context"
	"errors"
	"sync"
	"time"

	"governance-gateway/internal/platform/logger"
	"governance-gateway/internal/platform/metrics"
	"governance-gateway/internal/storage/database/account"
)

// ErrRecorderClosed 記錄器已關閉
var ErrRecorderClosed = errors.New("usage recorder is closed")

// ErrRecorderFull 佇列已滿
var ErrRecorderFull = errors.New("usage recorder queue is full")

// recordTimeout 單筆寫入的時限
const recordTimeout = 10 * time.Second

// UsageWriter 用量寫入
type UsageWriter interface {
	RecordUsage(ctx context.Context, userID string, event account.UsageEvent) error
}

type recordJob struct {
	ctx    context.Context
	userID string
	event  account.UsageEvent
}

// Recorder 非同步用量記錄器
// 固定數量的 worker 從有界佇列取出事件寫入帳本；失敗只記錄日誌.
type Recorder struct {
	writer UsageWriter
	jobs   chan recordJob
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewRecorder 創建並啟動記錄器
func NewRecorder(writer UsageWriter, workers, buffer int) *Recorder {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}

	r := &Recorder{
		writer: writer,
		jobs:   make(chan recordJob, buffer),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Record 將事件排入佇列，不等待寫入完成
// 請求 context 的取消不影響寫入，但保留 trace 等值.
func (r *Recorder) Record(ctx context.Context, userID string, event account.UsageEvent) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.drop(ctx, userID, ErrRecorderClosed)
		return ErrRecorderClosed
	}

	job := recordJob{ctx: context.WithoutCancel(ctx), userID: userID, event: event}
	select {
	case r.jobs <- job:
		return nil
	default:
		r.drop(ctx, userID, ErrRecorderFull)
		return ErrRecorderFull
	}
}

// Close 停止接收並等待佇列清空，ctx 到期時放棄等待
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.jobs)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for job := range r.jobs {
		r.write(job)
	}
}

func (r *Recorder) write(job recordJob) {
	ctx, cancel := context.WithTimeout(job.ctx, recordTimeout)
	defer cancel()

	if err := r.writer.RecordUsage(ctx, job.userID, job.event); err != nil {
		metrics.UsageRecordFailures.Inc()
		logger.Error(ctx, "用量記錄失敗",
			logger.WithUserID(job.userID),
			logger.WithAction("record_usage"),
			logger.WithError(err),
			logger.WithDetails(map[string]interface{}{
				"model":        job.event.Model,
				"total_tokens": job.event.TotalTokens,
				"request_id":   job.event.RequestID,
			}))
	}
}

func (r *Recorder) drop(ctx context.Context, userID string, err error) {
	metrics.UsageRecordFailures.Inc()
	logger.Warning(ctx, "用量事件未排入佇列", logger.WithUserID(userID), logger.WithError(err))
}

// Backlog 佇列中尚未寫入的事件數與佇列容量
func (r *Recorder) Backlog() (pending, capacity int) {
	return len(r.jobs), cap(r.jobs)
}

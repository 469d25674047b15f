package gateway

import (
	"context"
	"strings"
	"time"

	"governance-gateway/internal/constants"
	"governance-gateway/internal/credential"
	"governance-gateway/internal/platform/config"
	"governance-gateway/internal/platform/logger"
	"governance-gateway/internal/platform/metrics"
	"governance-gateway/internal/provider"
)

// StreamOutcome 串流結束時的結果
// Result 在有用量時非空（含中途取消），Err 為串流錯誤或取消原因.
type StreamOutcome struct {
	Result *CompletionResult
	Err    error
}

// StreamSession 一次串流補全
type StreamSession struct {
	RequestID      string
	Source         credential.Source
	OverrideActive bool
	NotifyUser     bool

	chunks chan string
	done   chan StreamOutcome
}

// Chunks 文字增量；串流結束後關閉
func (s *StreamSession) Chunks() <-chan string {
	return s.chunks
}

// Done 串流結束後送出一次結果
func (s *StreamSession) Done() <-chan StreamOutcome {
	return s.done
}

// StreamCompletion 串流補全
// 治理檢查同步完成；串流期間累積文字與用量，結束時只記錄一次.
func (g *Gateway) StreamCompletion(ctx context.Context, req CompletionRequest) (*StreamSession, error) {
	p, err := g.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	p.chat.Stream = true
	p.chat.StreamOptions = &provider.StreamOptions{IncludeUsage: true}

	start := time.Now()
	stream, err := p.client.Stream(ctx, p.chat)
	if err != nil {
		metrics.ProviderRequestDuration.WithLabelValues("stream").Observe(time.Since(start).Seconds())
		g.release(ctx, p)
		return nil, g.classify(ctx, p, err)
	}

	session := &StreamSession{
		RequestID:      p.req.RequestID,
		Source:         p.resolution.Source,
		OverrideActive: p.resolution.OverrideActive,
		NotifyUser:     p.resolution.NotifyUser,
		chunks:         make(chan string, chunkBuffer()),
		done:           make(chan StreamOutcome, 1),
	}

	go g.pump(ctx, p, stream, session, start)
	return session, nil
}

// chunkBuffer 串流通道大小
func chunkBuffer() int {
	if cfg := config.Get(); cfg != nil && cfg.Limits.SSE.ChunkChannelBuffer > 0 {
		return cfg.Limits.SSE.ChunkChannelBuffer
	}
	return constants.DefaultStreamChunkBuffer
}

// pump 讀取服務串流並轉送給呼叫端
func (g *Gateway) pump(ctx context.Context, p *prepared, stream provider.ChunkStream, s *StreamSession, start time.Time) {
	defer close(s.chunks)
	defer stream.Close()

	var (
		text     strings.Builder
		reported *provider.Usage
		model    = p.req.Model
		received bool
	)

	finish := func(err error) {
		metrics.ProviderRequestDuration.WithLabelValues("stream").Observe(time.Since(start).Seconds())
		var result *CompletionResult
		if received || reported != nil {
			result = g.buildResult(p, model, text.String(), reported)
			g.record(context.WithoutCancel(ctx), p, result)
		} else {
			g.release(ctx, p)
		}
		s.done <- StreamOutcome{Result: result, Err: err}
	}

	for {
		chunk, err := stream.Next()
		if provider.IsStreamEnd(err) {
			finish(nil)
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Info(ctx, "串流已被呼叫端取消", logger.WithUserID(p.req.UserID), logger.WithRequestID(p.req.RequestID))
				finish(ctx.Err())
				return
			}
			finish(g.classify(ctx, p, err))
			return
		}

		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			reported = chunk.Usage
		}
		delta := chunk.Content()
		if delta == "" {
			continue
		}
		received = true
		text.WriteString(delta)

		select {
		case s.chunks <- delta:
		case <-ctx.Done():
			logger.Info(ctx, "串流已被呼叫端取消", logger.WithUserID(p.req.UserID), logger.WithRequestID(p.req.RequestID))
			finish(ctx.Err())
			return
		}
	}
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"governance-gateway/internal/constants"
	"governance-gateway/internal/credential"
	"governance-gateway/internal/platform/logger"
	"governance-gateway/internal/platform/metrics"
	"governance-gateway/internal/provider"
	"governance-gateway/internal/quota"
	"governance-gateway/internal/storage/database/account"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// CredentialResolver 有效憑證解析
type CredentialResolver interface {
	ResolveEffectiveCredential(ctx context.Context, userID string) (*credential.Resolution, error)
	MarkInvalid(ctx context.Context, userID, reason string) error
	OnInvalidate(hook credential.InvalidationHook)
}

// Admitter 准入檢查
type Admitter interface {
	Admit(ctx context.Context, req quota.AdmitRequest) (*quota.Admission, error)
	Release(ctx context.Context, userID string, admission *quota.Admission)
}

// UsageRecorder 非同步用量記錄
type UsageRecorder interface {
	Record(ctx context.Context, userID string, event account.UsageEvent) error
}

// Options 閘道選項
type Options struct {
	DefaultModel   string
	AppName        string
	AdminPoolRPS   float64
	AdminPoolBurst int
	Now            func() time.Time
}

// Gateway 補全閘道
// 依序解析憑證、准入檢查、呼叫服務、非同步記錄用量；失敗時不留下用量事件.
type Gateway struct {
	credentials  CredentialResolver
	admitter     Admitter
	recorder     UsageRecorder
	clients      *ClientCache
	prices       *PriceTable
	poolLimiter  *rate.Limiter
	defaultModel string
	appName      string
	now          func() time.Time
}

// CompletionRequest 補全請求
type CompletionRequest struct {
	UserID       string
	Endpoint     string
	Model        string
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Temperature  *float64
	SessionID    string
	AppName      string
	RequestID    string
}

// TokenUsage 實際用量
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// CompletionResult 補全結果
type CompletionResult struct {
	Content        string            `json:"content"`
	Model          string            `json:"model"`
	Usage          TokenUsage        `json:"usage"`
	Cost           float64           `json:"cost"`
	Source         credential.Source `json:"credential_source"`
	OverrideActive bool              `json:"override_active"`
	NotifyUser     bool              `json:"notify_user"`
	RequestID      string            `json:"request_id"`
}

// NewGateway 創建閘道，並讓客戶端快取訂閱憑證失效事件
func NewGateway(credentials CredentialResolver, admitter Admitter, recorder UsageRecorder, clients *ClientCache, prices *PriceTable, opts Options) *Gateway {
	rps := opts.AdminPoolRPS
	if rps <= 0 {
		rps = 5
	}
	burst := opts.AdminPoolBurst
	if burst <= 0 {
		burst = 5
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if prices == nil {
		prices = NewPriceTable(nil)
	}

	g := &Gateway{
		credentials:  credentials,
		admitter:     admitter,
		recorder:     recorder,
		clients:      clients,
		prices:       prices,
		poolLimiter:  rate.NewLimiter(rate.Limit(rps), burst),
		defaultModel: opts.DefaultModel,
		appName:      opts.AppName,
		now:          now,
	}
	credentials.OnInvalidate(clients.Invalidate)
	return g
}

// prepared 已通過治理檢查、可呼叫服務的請求
type prepared struct {
	req        CompletionRequest
	resolution *credential.Resolution
	admission  *quota.Admission
	client     provider.Completer
	chat       *provider.ChatRequest
}

// prepare 解析憑證、准入檢查並取得客戶端
func (g *Gateway) prepare(ctx context.Context, req CompletionRequest) (*prepared, error) {
	if req.UserID == "" || req.Prompt == "" {
		return nil, fmt.Errorf("%w: user id and prompt are required", ErrInvalidRequest)
	}
	if req.Model == "" {
		req.Model = g.defaultModel
	}
	if req.Model == "" {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = constants.DefaultMaxTokens
	}
	if req.AppName == "" {
		req.AppName = g.appName
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	res, err := g.credentials.ResolveEffectiveCredential(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if res.Source == credential.SourceNone {
		return nil, ErrNoCredentialAvailable
	}

	admission, err := g.admitter.Admit(ctx, quota.AdmitRequest{
		UserID:          req.UserID,
		Endpoint:        req.Endpoint,
		EstimatedTokens: quota.EstimateTokens(req.Prompt, req.SystemPrompt, req.MaxTokens),
		MaxTokens:       req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	if res.Source == credential.SourceAdmin {
		if err := g.poolLimiter.Wait(ctx); err != nil {
			g.admitter.Release(context.WithoutCancel(ctx), req.UserID, admission)
			return nil, &ProviderError{Err: fmt.Errorf("admin pool throttled: %w", err)}
		}
	}

	messages := make([]provider.Message, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, provider.Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, provider.Message{Role: "user", Content: req.Prompt})

	return &prepared{
		req:        req,
		resolution: res,
		admission:  admission,
		client:     g.clients.Get(req.UserID, res),
		chat: &provider.ChatRequest{
			Model:       req.Model,
			Messages:    messages,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			User:        req.UserID,
		},
	}, nil
}

// Complete 非串流補全
func (g *Gateway) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	p, err := g.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := p.client.Complete(ctx, p.chat)
	metrics.ProviderRequestDuration.WithLabelValues("complete").Observe(time.Since(start).Seconds())
	if err != nil {
		g.release(ctx, p)
		return nil, g.classify(ctx, p, err)
	}

	content := resp.Content()
	model := p.req.Model
	if resp.Model != "" {
		model = resp.Model
	}
	result := g.buildResult(p, model, content, resp.Usage)
	g.record(ctx, p, result)
	return result, nil
}

// buildResult 以服務回報的用量為準，沒有時由實際長度估算
func (g *Gateway) buildResult(p *prepared, model, content string, reported *provider.Usage) *CompletionResult {
	var u TokenUsage
	if reported != nil && (reported.PromptTokens > 0 || reported.CompletionTokens > 0) {
		u.PromptTokens = reported.PromptTokens
		u.CompletionTokens = reported.CompletionTokens
	} else {
		u.PromptTokens = estimateFromChars(len(p.req.Prompt) + len(p.req.SystemPrompt))
		u.CompletionTokens = estimateFromChars(len(content))
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens

	return &CompletionResult{
		Content:        content,
		Model:          model,
		Usage:          u,
		Cost:           g.prices.Cost(model, u.PromptTokens, u.CompletionTokens),
		Source:         p.resolution.Source,
		OverrideActive: p.resolution.OverrideActive,
		NotifyUser:     p.resolution.NotifyUser,
		RequestID:      p.req.RequestID,
	}
}

// record 交給非同步記錄器，不影響回應
func (g *Gateway) record(ctx context.Context, p *prepared, result *CompletionResult) {
	if result.Usage.TotalTokens == 0 {
		return
	}
	event := account.UsageEvent{
		Timestamp:        g.now().UTC(),
		Model:            result.Model,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		TotalTokens:      result.Usage.TotalTokens,
		Cost:             result.Cost,
		SessionID:        p.req.SessionID,
		RequestID:        p.req.RequestID,
		AppName:          p.req.AppName,
	}
	_ = g.recorder.Record(ctx, p.req.UserID, event)
}

// release 服務沒有產生任何輸出時歸還預留的 token
func (g *Gateway) release(ctx context.Context, p *prepared) {
	g.admitter.Release(context.WithoutCancel(ctx), p.req.UserID, p.admission)
}

// classify 將服務錯誤分類；使用者金鑰被拒時標記為無效
func (g *Gateway) classify(ctx context.Context, p *prepared, err error) error {
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) {
		metrics.ProviderErrors.WithLabelValues("other").Inc()
		return &ProviderError{Err: err}
	}

	switch {
	case apiErr.IsAuth():
		metrics.ProviderErrors.WithLabelValues("invalid_credential").Inc()
		if p.resolution.Source == credential.SourceUser {
			if markErr := g.credentials.MarkInvalid(context.WithoutCancel(ctx), p.req.UserID, apiErr.Error()); markErr != nil {
				logger.Warning(ctx, "標記無效憑證失敗", logger.WithUserID(p.req.UserID), logger.WithError(markErr))
			}
		} else {
			logger.Error(ctx, "管理員金鑰池被服務拒絕", logger.WithUserID(p.req.UserID), logger.WithError(apiErr))
			g.clients.Invalidate(p.req.UserID)
		}
		return &InvalidCredentialError{Source: p.resolution.Source, Err: apiErr}
	case apiErr.IsQuota():
		metrics.ProviderErrors.WithLabelValues("quota").Inc()
		return &ProviderQuotaExceededError{Source: p.resolution.Source, Err: apiErr}
	default:
		metrics.ProviderErrors.WithLabelValues("other").Inc()
		return &ProviderError{StatusCode: apiErr.StatusCode, Err: apiErr}
	}
}

// estimateFromChars 每 4 個字元約 1 token，無條件進位
func estimateFromChars(chars int) int64 {
	if chars <= 0 {
		return 0
	}
	return int64((chars + constants.CharsPerTokenEstimate - 1) / constants.CharsPerTokenEstimate)
}

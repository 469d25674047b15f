package gateway

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"governance-gateway/internal/credential"
	"governance-gateway/internal/platform/config"
	"governance-gateway/internal/provider"
	"governance-gateway/internal/quota"
	"governance-gateway/internal/security/encryption"
	"governance-gateway/internal/storage/database/account"
	"governance-gateway/internal/storage/memory"
)

const (
	testSecret  = "test-master-secret-0123456789abcdef"
	testUserKey = "sk-user-0123456789abcdefghij"
	testPoolKey = "sk-pool-0123456789abcdefghij"
	poolID      = "__admin_pool__"
)

// fakeCompleter 依設定回應的補全客戶端
type fakeCompleter struct {
	mu        sync.Mutex
	resp      *provider.ChatResponse
	err       error
	chunks    []*provider.StreamChunk
	streamErr error
	block     bool
	calls     int
}

func (f *fakeCompleter) Complete(_ context.Context, _ *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeCompleter) Stream(ctx context.Context, req *provider.ChatRequest) (provider.ChunkStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if !req.Stream {
		return nil, errors.New("stream flag not set")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &fakeStream{ctx: ctx, chunks: f.chunks, err: f.streamErr, block: f.block}, nil
}

func (f *fakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStream struct {
	ctx    context.Context
	chunks []*provider.StreamChunk
	err    error
	block  bool
}

func (s *fakeStream) Next() (*provider.StreamChunk, error) {
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		return c, nil
	}
	if s.block {
		<-s.ctx.Done()
		return nil, s.ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *fakeStream) Close() error { return nil }

// captureRecorder 同步收集用量事件
type captureRecorder struct {
	mu     sync.Mutex
	events map[string][]account.UsageEvent
}

func (r *captureRecorder) Record(_ context.Context, userID string, event account.UsageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = make(map[string][]account.UsageEvent)
	}
	r.events[userID] = append(r.events[userID], event)
	return nil
}

func (r *captureRecorder) Events(userID string) []account.UsageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]account.UsageEvent(nil), r.events[userID]...)
}

type harness struct {
	gateway   *Gateway
	creds     *credential.Service
	accounts  *memory.AccountStore
	counters  *memory.CounterStore
	recorder  *captureRecorder
	completer *fakeCompleter

	mu   sync.Mutex
	keys []string
}

func (h *harness) factoryKeys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.keys...)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cipher, err := encryption.NewCredentialCipher(testSecret, 1000)
	if err != nil {
		t.Fatalf("NewCredentialCipher 失敗: %v", err)
	}
	accounts := memory.NewAccountStore()
	now := func() time.Time { return time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC) }

	creds, err := credential.NewService(accounts, cipher, credential.Options{PoolIdentity: poolID, CacheSize: 16, Now: now})
	if err != nil {
		t.Fatalf("NewService 失敗: %v", err)
	}
	roles, err := quota.NewRoleTable(nil, quota.RoleFree)
	if err != nil {
		t.Fatalf("NewRoleTable 失敗: %v", err)
	}
	counters := memory.NewCounterStore()
	governor, err := quota.NewGovernor(counters, accounts, quota.Options{Roles: roles, Window: time.Minute, FailOpen: true, Now: now})
	if err != nil {
		t.Fatalf("NewGovernor 失敗: %v", err)
	}

	h := &harness{
		creds:     creds,
		accounts:  accounts,
		counters:  counters,
		recorder:  &captureRecorder{},
		completer: &fakeCompleter{},
	}
	clients, err := NewClientCache(8, func(apiKey string) provider.Completer {
		h.mu.Lock()
		h.keys = append(h.keys, apiKey)
		h.mu.Unlock()
		return h.completer
	})
	if err != nil {
		t.Fatalf("NewClientCache 失敗: %v", err)
	}
	prices := NewPriceTable(map[string]config.PricingConfig{
		"gpt-4o-mini": {InputPer1K: 0.15, OutputPer1K: 0.6},
		"default":     {InputPer1K: 1, OutputPer1K: 2},
	})
	h.gateway = NewGateway(creds, governor, h.recorder, clients, prices, Options{
		DefaultModel:   "gpt-4o-mini",
		AppName:        "test",
		AdminPoolRPS:   1000,
		AdminPoolBurst: 1000,
		Now:            now,
	})
	return h
}

func okResponse(content string, prompt, completion int64) *provider.ChatResponse {
	return &provider.ChatResponse{
		Model:   "gpt-4o-mini",
		Choices: []provider.Choice{{Message: provider.Message{Role: "assistant", Content: content}}},
		Usage:   &provider.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
	}
}

func TestGateway_CompleteWithUserKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if err := h.creds.SetCredential(ctx, "u1", testUserKey); err != nil {
		t.Fatalf("SetCredential 失敗: %v", err)
	}
	h.completer.resp = okResponse("hi there", 1000, 500)

	result, err := h.gateway.Complete(ctx, CompletionRequest{UserID: "u1", Prompt: "hello", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Complete 失敗: %v", err)
	}
	if result.Content != "hi there" || result.Source != credential.SourceUser {
		t.Errorf("result = %+v", result)
	}
	if result.Usage.TotalTokens != 1500 {
		t.Errorf("TotalTokens = %d", result.Usage.TotalTokens)
	}
	// 1000/1000*0.15 + 500/1000*0.6
	if result.Cost != 0.45 {
		t.Errorf("Cost = %v", result.Cost)
	}
	if keys := h.factoryKeys(); len(keys) != 1 || keys[0] != testUserKey {
		t.Errorf("factory keys = %v", keys)
	}

	events := h.recorder.Events("u1")
	if len(events) != 1 {
		t.Fatalf("預期 1 筆用量，得到 %d", len(events))
	}
	if ev := events[0]; ev.TotalTokens != 1500 || ev.SessionID != "s1" || ev.AppName != "test" || ev.RequestID != result.RequestID {
		t.Errorf("event = %+v", ev)
	}
}

func TestGateway_NoCredential(t *testing.T) {
	h := newHarness(t)

	_, err := h.gateway.Complete(context.Background(), CompletionRequest{UserID: "u1", Prompt: "hello"})
	if !errors.Is(err, ErrNoCredentialAvailable) {
		t.Fatalf("預期 ErrNoCredentialAvailable，得到 %v", err)
	}
	if h.completer.Calls() != 0 {
		t.Error("沒有憑證時不應呼叫服務")
	}
	if len(h.recorder.Events("u1")) != 0 {
		t.Error("不應記錄用量")
	}
}

func TestGateway_OverrideUsesPoolKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if err := h.creds.SetCredential(ctx, "u1", testUserKey); err != nil {
		t.Fatalf("SetCredential 失敗: %v", err)
	}
	if err := h.creds.SetAdminPoolKey(ctx, "admin", testPoolKey); err != nil {
		t.Fatalf("SetAdminPoolKey 失敗: %v", err)
	}
	if err := h.creds.SetOverride(ctx, "u1", account.OverrideRecord{IsActive: true, Reason: "trial", NotifyUser: true}, "admin"); err != nil {
		t.Fatalf("SetOverride 失敗: %v", err)
	}
	h.completer.resp = okResponse("ok", 10, 10)

	result, err := h.gateway.Complete(ctx, CompletionRequest{UserID: "u1", Prompt: "hello"})
	if err != nil {
		t.Fatalf("Complete 失敗: %v", err)
	}
	if result.Source != credential.SourceAdmin || !result.OverrideActive || !result.NotifyUser {
		t.Errorf("result = %+v", result)
	}
	keys := h.factoryKeys()
	if len(keys) != 1 || keys[0] != testPoolKey {
		t.Errorf("應使用金鑰池，factory keys = %v", keys)
	}
}

func TestGateway_ClientCacheFollowsKeyChanges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.completer.resp = okResponse("ok", 1, 1)

	if err := h.creds.SetCredential(ctx, "u1", testUserKey); err != nil {
		t.Fatalf("SetCredential 失敗: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := h.gateway.Complete(ctx, CompletionRequest{UserID: "u1", Prompt: "hello"}); err != nil {
			t.Fatalf("Complete 失敗: %v", err)
		}
	}
	if n := len(h.factoryKeys()); n != 1 {
		t.Fatalf("相同金鑰應重用客戶端，建立了 %d 次", n)
	}

	newKey := "sk-user-rotated-0123456789abc"
	if err := h.creds.SetCredential(ctx, "u1", newKey); err != nil {
		t.Fatalf("SetCredential 失敗: %v", err)
	}
	if _, err := h.gateway.Complete(ctx, CompletionRequest{UserID: "u1", Prompt: "hello"}); err != nil {
		t.Fatalf("Complete 失敗: %v", err)
	}
	keys := h.factoryKeys()
	if len(keys) != 2 || keys[1] != newKey {
		t.Errorf("換金鑰後應建立新客戶端，factory keys = %v", keys)
	}
}

func TestGateway_ProviderErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		check       func(error) bool
		wantInvalid bool
	}{
		{
			name:        "401 標記使用者金鑰無效",
			err:         &provider.APIError{StatusCode: 401, Code: "invalid_api_key", Message: "bad key"},
			check:       func(err error) bool { var e *InvalidCredentialError; return errors.As(err, &e) },
			wantInvalid: true,
		},
		{
			name:  "429 為服務端額度",
			err:   &provider.APIError{StatusCode: 429, Message: "slow down"},
			check: func(err error) bool { var e *ProviderQuotaExceededError; return errors.As(err, &e) },
		},
		{
			name:  "500 為服務錯誤",
			err:   &provider.APIError{StatusCode: 500, Message: "boom"},
			check: func(err error) bool { var e *ProviderError; return errors.As(err, &e) && e.StatusCode == 500 },
		},
		{
			name:  "網路錯誤",
			err:   errors.New("connection reset"),
			check: func(err error) bool { var e *ProviderError; return errors.As(err, &e) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			if err := h.creds.SetCredential(ctx, "u1", testUserKey); err != nil {
				t.Fatalf("SetCredential 失敗: %v", err)
			}
			h.completer.err = tt.err

			_, err := h.gateway.Complete(ctx, CompletionRequest{UserID: "u1", Prompt: "hello"})
			if !tt.check(err) {
				t.Fatalf("錯誤類型不符: %v", err)
			}
			if len(h.recorder.Events("u1")) != 0 {
				t.Error("失敗時不應記錄用量")
			}

			state, _ := h.accounts.GetCredentialState(ctx, "u1")
			if invalid := !state.Credential.IsValid; invalid != tt.wantInvalid {
				t.Errorf("IsValid = %v", state.Credential.IsValid)
			}
		})
	}
}

func TestGateway_PoolKeyRejectionKeepsUserKeyValid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_ = h.creds.SetCredential(ctx, "u1", testUserKey)
	_ = h.creds.SetAdminPoolKey(ctx, "admin", testPoolKey)
	_ = h.creds.SetOverride(ctx, "u1", account.OverrideRecord{IsActive: true}, "admin")
	h.completer.err = &provider.APIError{StatusCode: 401, Message: "bad key"}

	_, err := h.gateway.Complete(ctx, CompletionRequest{UserID: "u1", Prompt: "hello"})
	var invalid *InvalidCredentialError
	if !errors.As(err, &invalid) || invalid.Source != credential.SourceAdmin {
		t.Fatalf("預期金鑰池被拒，得到 %v", err)
	}
	state, _ := h.accounts.GetCredentialState(ctx, "u1")
	if !state.Credential.IsValid {
		t.Error("金鑰池被拒不應影響使用者金鑰")
	}
}

func TestGateway_AdmissionRejectsBeforeProvider(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_ = h.creds.SetCredential(ctx, "u1", testUserKey)
	h.completer.resp = okResponse("ok", 1, 1)

	// free 每分鐘 10 次
	for i := 0; i < 10; i++ {
		if _, err := h.gateway.Complete(ctx, CompletionRequest{UserID: "u1", Endpoint: "/completions", Prompt: "hi", MaxTokens: 10}); err != nil {
			t.Fatalf("第 %d 次失敗: %v", i+1, err)
		}
	}
	_, err := h.gateway.Complete(ctx, CompletionRequest{UserID: "u1", Endpoint: "/completions", Prompt: "hi", MaxTokens: 10})
	var rateErr *quota.RateLimitExceededError
	if !errors.As(err, &rateErr) {
		t.Fatalf("預期 RateLimitExceededError，得到 %v", err)
	}
	if h.completer.Calls() != 10 {
		t.Errorf("被拒的請求不應呼叫服務，calls = %d", h.completer.Calls())
	}

	_, err = h.gateway.Complete(ctx, CompletionRequest{UserID: "u1", Endpoint: "/other", Prompt: "hi", MaxTokens: 5000})
	var tooLarge *quota.RequestTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Errorf("預期 RequestTooLargeError，得到 %v", err)
	}
}

func TestGateway_UsageFallbackEstimate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_ = h.creds.SetCredential(ctx, "u1", testUserKey)
	h.completer.resp = &provider.ChatResponse{
		Choices: []provider.Choice{{Message: provider.Message{Content: "hello"}}},
	}

	result, err := h.gateway.Complete(ctx, CompletionRequest{UserID: "u1", Prompt: "abcdefgh", Model: "custom-model"})
	if err != nil {
		t.Fatalf("Complete 失敗: %v", err)
	}
	// 8 字元 -> 2，5 字元 -> 2
	if result.Usage.PromptTokens != 2 || result.Usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v", result.Usage)
	}
	if result.Model != "custom-model" {
		t.Errorf("Model = %s", result.Model)
	}
	// default: 2/1000*1 + 2/1000*2 = 0.006
	if result.Cost != 0.006 {
		t.Errorf("Cost = %v", result.Cost)
	}
}

func TestGateway_Stream(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_ = h.creds.SetCredential(ctx, "u1", testUserKey)
	h.completer.chunks = []*provider.StreamChunk{
		{Choices: []provider.StreamChoice{{Delta: provider.Delta{Content: "Hel"}}}},
		{Choices: []provider.StreamChoice{{Delta: provider.Delta{Content: "lo"}}}},
		{Usage: &provider.Usage{PromptTokens: 7, CompletionTokens: 2, TotalTokens: 9}},
	}

	session, err := h.gateway.StreamCompletion(ctx, CompletionRequest{UserID: "u1", Prompt: "hello"})
	if err != nil {
		t.Fatalf("StreamCompletion 失敗: %v", err)
	}

	var text string
	for delta := range session.Chunks() {
		text += delta
	}
	out := <-session.Done()
	if out.Err != nil {
		t.Fatalf("串流錯誤: %v", out.Err)
	}
	if text != "Hello" || out.Result.Content != "Hello" {
		t.Errorf("text = %q, result = %q", text, out.Result.Content)
	}
	if out.Result.Usage.TotalTokens != 9 {
		t.Errorf("usage = %+v", out.Result.Usage)
	}

	events := h.recorder.Events("u1")
	if len(events) != 1 || events[0].TotalTokens != 9 {
		t.Errorf("串流應只記錄一次用量: %+v", events)
	}
}

func TestGateway_StreamCancelRecordsPartialUsage(t *testing.T) {
	h := newHarness(t)
	_ = h.creds.SetCredential(context.Background(), "u1", testUserKey)
	h.completer.chunks = []*provider.StreamChunk{
		{Choices: []provider.StreamChoice{{Delta: provider.Delta{Content: "partial answer"}}}},
	}
	h.completer.block = true

	ctx, cancel := context.WithCancel(context.Background())
	session, err := h.gateway.StreamCompletion(ctx, CompletionRequest{UserID: "u1", Prompt: "hello"})
	if err != nil {
		t.Fatalf("StreamCompletion 失敗: %v", err)
	}

	if delta := <-session.Chunks(); delta != "partial answer" {
		t.Fatalf("第一塊 = %q", delta)
	}
	cancel()

	select {
	case out := <-session.Done():
		if !errors.Is(out.Err, context.Canceled) {
			t.Errorf("預期 context.Canceled，得到 %v", out.Err)
		}
		if out.Result == nil || out.Result.Usage.CompletionTokens != 4 {
			t.Errorf("應估算部分用量: %+v", out.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("取消後串流未結束")
	}

	events := h.recorder.Events("u1")
	if len(events) != 1 {
		t.Fatalf("預期 1 筆部分用量，得到 %d", len(events))
	}
}

func TestGateway_StreamProviderErrorBeforeOutput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_ = h.creds.SetCredential(ctx, "u1", testUserKey)
	h.completer.streamErr = &provider.APIError{StatusCode: 502, Message: "upstream"}

	session, err := h.gateway.StreamCompletion(ctx, CompletionRequest{UserID: "u1", Prompt: "hello"})
	if err != nil {
		t.Fatalf("StreamCompletion 失敗: %v", err)
	}
	for range session.Chunks() {
	}
	out := <-session.Done()
	var provErr *ProviderError
	if !errors.As(out.Err, &provErr) {
		t.Errorf("預期 ProviderError，得到 %v", out.Err)
	}
	if out.Result != nil || len(h.recorder.Events("u1")) != 0 {
		t.Error("沒有輸出時不應記錄用量")
	}
	if rec, _ := h.counters.GetQuota(ctx, "u1", time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)); rec == nil || rec.DailyTokens != 0 {
		t.Errorf("沒有輸出時應歸還預留量: %+v", rec)
	}
}

func TestGateway_ProviderFailureReleasesReservation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if err := h.creds.SetCredential(ctx, "u1", testUserKey); err != nil {
		t.Fatalf("SetCredential 失敗: %v", err)
	}
	h.completer.err = &provider.APIError{StatusCode: 500, Message: "boom"}

	// 免費等級每日 10000 tokens、每分鐘 10 次；每次預留約 1000
	for i := 0; i < 9; i++ {
		_, err := h.gateway.Complete(ctx, CompletionRequest{UserID: "u1", Prompt: "hello", MaxTokens: 1000})
		var provErr *ProviderError
		if !errors.As(err, &provErr) {
			t.Fatalf("第 %d 次應為 ProviderError，得到 %v", i+1, err)
		}
	}

	rec, err := h.counters.GetQuota(ctx, "u1", time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("GetQuota 失敗: %v", err)
	}
	if rec == nil || rec.DailyTokens != 0 || rec.MonthlyTokens != 0 {
		t.Errorf("失敗的呼叫不應佔用配額: %+v", rec)
	}

	h.completer.err = nil
	h.completer.resp = okResponse("hi", 10, 5)
	if _, err := h.gateway.Complete(ctx, CompletionRequest{UserID: "u1", Prompt: "hello", MaxTokens: 1000}); err != nil {
		t.Fatalf("恢復後應可呼叫: %v", err)
	}
}

func TestPriceTable_Lookup(t *testing.T) {
	table := NewPriceTable(map[string]config.PricingConfig{
		"gpt-4o":      {InputPer1K: 2.5, OutputPer1K: 10},
		"gpt-4o-mini": {InputPer1K: 0.15, OutputPer1K: 0.6},
		"default":     {InputPer1K: 1, OutputPer1K: 1},
	})

	tests := []struct {
		model string
		want  float64
	}{
		{"gpt-4o", 2.5},
		{"GPT-4o-mini", 0.15},
		{"gpt-4o-mini-2024-07-18", 0.15},
		{"gpt-4o-2024-08-06", 2.5},
		{"llama-3", 1},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p, ok := table.Lookup(tt.model)
			if !ok || p.InputPer1K != tt.want {
				t.Errorf("Lookup(%s) = %+v, %v", tt.model, p, ok)
			}
		})
	}

	if _, ok := NewPriceTable(nil).Lookup("anything"); ok {
		t.Error("空價格表不應找到價格")
	}
}

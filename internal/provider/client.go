package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	maxErrorBody   = 64 * 1024
	maxSSELine     = 1024 * 1024
)

// Completer 補全服務客戶端
type Completer interface {
	Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	Stream(ctx context.Context, req *ChatRequest) (ChunkStream, error)
}

// ChunkStream 串流讀取；結束時 Next 回傳 io.EOF
type ChunkStream interface {
	Next() (*StreamChunk, error)
	Close() error
}

// Config 客戶端配置
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client OpenAI 相容的 HTTP 客戶端，每把金鑰一個實例
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient 創建客戶端
func NewClient(apiKey string, cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, http: httpClient}
}

// Complete 非串流補全
func (c *Client) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body := *req
	body.Stream = false
	body.StreamOptions = nil

	resp, err := c.do(ctx, &body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode completion response: %w", err)
	}
	return &out, nil
}

// Stream 串流補全；呼叫端負責 Close
func (c *Client) Stream(ctx context.Context, req *ChatRequest) (ChunkStream, error) {
	body := *req
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := c.do(ctx, &body, true)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &sseStream{body: resp.Body, scanner: scanner}, nil
}

func (c *Client) do(ctx context.Context, body *ChatRequest, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, parseAPIError(resp.StatusCode, data)
	}
	return resp, nil
}

// sseStream 逐行解析 "data:" 事件，遇到 [DONE] 結束
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func (s *sseStream) Next() (*StreamChunk, error) {
	if s.done {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// event:、id: 等欄位不影響內容
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = true
			return nil, io.EOF
		}

		if strings.Contains(data, `"error"`) {
			var env errorEnvelope
			if err := json.Unmarshal([]byte(data), &env); err == nil && env.Error.Message != "" {
				s.done = true
				return nil, &APIError{
					StatusCode: http.StatusBadGateway,
					Type:       env.Error.Type,
					Code:       decodeCode(env.Error.Code),
					Message:    env.Error.Message,
				}
			}
		}

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("failed to decode stream chunk: %w", err)
		}
		return &chunk, nil
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	// 連線在 [DONE] 之前結束
	return nil, io.ErrUnexpectedEOF
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}

// IsStreamEnd 是否為正常結束
func IsStreamEnd(err error) bool {
	return errors.Is(err, io.EOF)
}

package gateway

// CompletionBody 補全請求 body
type CompletionBody struct {
	Prompt       string   `json:"prompt" binding:"required"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Model        string   `json:"model,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
	AppName      string   `json:"app_name,omitempty"`
}

// 溫度範圍
const (
	minTemperature = 0.0
	maxTemperature = 2.0
)

package gateway

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"governance-gateway/internal/constants"
	"governance-gateway/internal/platform/config"
	"governance-gateway/internal/platform/middleware"
)

// ValidateCompletionBody 驗證補全請求並清除控制字元
func ValidateCompletionBody(body *CompletionBody) error {
	body.Prompt = middleware.SanitizeInput(body.Prompt)
	body.SystemPrompt = middleware.SanitizeInput(body.SystemPrompt)

	if strings.TrimSpace(body.Prompt) == "" {
		return fmt.Errorf("%w: prompt cannot be empty", ErrInvalidRequest)
	}

	limit := maxPromptLength()
	if n := utf8.RuneCountInString(body.Prompt) + utf8.RuneCountInString(body.SystemPrompt); n > limit {
		return fmt.Errorf("%w: prompt exceeds %d characters", ErrInvalidRequest, limit)
	}

	if body.MaxTokens < 0 {
		return fmt.Errorf("%w: max_tokens must be positive", ErrInvalidRequest)
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = constants.DefaultMaxTokens
	}

	if t := body.Temperature; t != nil && (*t < minTemperature || *t > maxTemperature) {
		return fmt.Errorf("%w: temperature must be between %.0f and %.0f", ErrInvalidRequest, minTemperature, maxTemperature)
	}

	return nil
}

func maxPromptLength() int {
	if cfg := config.Get(); cfg != nil && cfg.Limits.Prompt.MaxPromptLength > 0 {
		return cfg.Limits.Prompt.MaxPromptLength
	}
	return constants.DefaultMaxPromptLength
}

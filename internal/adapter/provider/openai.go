package provider

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/tokencount"
)

// OpenAI implements domain.ProviderClient for OpenAI-compatible chat
// completion APIs.
type OpenAI struct {
	base
}

// NewOpenAI constructs the OpenAI client.
func NewOpenAI(cfg domain.ProviderConfig, retries BackoffSettings) *OpenAI {
	return &OpenAI{base: newBase(cfg, retries)}
}

// Initialize verifies credentials are present. Connectivity is the health
// monitor's job.
func (c *OpenAI) Initialize(_ domain.Context) error {
	if c.cfg.APIKey == "" {
		return fmt.Errorf("%w: openai api key missing", domain.ErrInvalidArgument)
	}
	return nil
}

type openAIChatRequest struct {
	Model            string          `json:"model"`
	Messages         []openAIMessage `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	Stream           bool            `json:"stream"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate calls POST {baseURL}/chat/completions and normalizes the
// response.
func (c *OpenAI) Generate(ctx domain.Context, prompt string, opts domain.GenerateOptions) (*domain.Response, error) {
	model, mc, _ := c.resolveModel(opts)

	msgs := make([]openAIMessage, 0, 2)
	if opts.SystemPrompt != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: opts.SystemPrompt})
	}
	msgs = append(msgs, openAIMessage{Role: "user", Content: prompt})

	req := openAIChatRequest{
		Model:            model,
		Messages:         msgs,
		Temperature:      opts.Temperature,
		MaxTokens:        opts.MaxTokens,
		TopP:             opts.TopP,
		FrequencyPenalty: opts.FrequencyPenalty,
		PresencePenalty:  opts.PresencePenalty,
		Stop:             opts.StopSequences,
	}

	var out openAIChatResponse
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
	if err := c.doJSON(ctx, "POST", c.cfg.BaseURL+"/chat/completions", headers, req, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, &domain.ProviderError{Provider: c.cfg.Name, Kind: domain.ProviderUnknown, Err: fmt.Errorf("empty choices")}
	}

	content := out.Choices[0].Message.Content
	usage := domain.TokenUsage{
		Prompt:     out.Usage.PromptTokens,
		Completion: out.Usage.CompletionTokens,
		Total:      out.Usage.TotalTokens,
	}
	if usage.Total == 0 {
		usage.Prompt = tokencount.Estimate(prompt, model)
		usage.Completion = tokencount.Estimate(content, model)
		usage.Total = usage.Prompt + usage.Completion
	}

	slog.Debug("openai generate ok",
		slog.String("model", model),
		slog.Int("total_tokens", usage.Total),
		slog.String("finish_reason", out.Choices[0].FinishReason))

	return &domain.Response{
		Content:    content,
		Model:      model,
		Provider:   c.cfg.Name,
		TokensUsed: usage,
		Cost:       cost(mc, usage),
		RequestID:  opts.RequestID,
		Timestamp:  time.Now(),
		Metadata:   map[string]string{"finish_reason": out.Choices[0].FinishReason},
	}, nil
}

// HealthCheck probes GET {baseURL}/models.
func (c *OpenAI) HealthCheck(ctx domain.Context) domain.ProviderHealth {
	return c.probe(ctx, c.cfg.BaseURL+"/models", map[string]string{
		"Authorization": "Bearer " + c.cfg.APIKey,
	})
}

package provider

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/tokencount"
)

const anthropicVersion = "2023-06-01"

// Anthropic implements domain.ProviderClient for the Anthropic messages
// API.
type Anthropic struct {
	base
}

// NewAnthropic constructs the Anthropic client.
func NewAnthropic(cfg domain.ProviderConfig, retries BackoffSettings) *Anthropic {
	return &Anthropic{base: newBase(cfg, retries)}
}

func (c *Anthropic) Initialize(_ domain.Context) error {
	if c.cfg.APIKey == "" {
		return fmt.Errorf("%w: anthropic api key missing", domain.ErrInvalidArgument)
	}
	return nil
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Generate calls POST {baseURL}/messages with the x-api-key scheme.
func (c *Anthropic) Generate(ctx domain.Context, prompt string, opts domain.GenerateOptions) (*domain.Response, error) {
	model, mc, _ := c.resolveModel(opts)

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		// The messages API requires max_tokens.
		maxTokens = mc.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 1024
		}
	}

	req := anthropicRequest{
		Model:         model,
		MaxTokens:     maxTokens,
		Temperature:   opts.Temperature,
		TopP:          opts.TopP,
		StopSequences: opts.StopSequences,
		System:        opts.SystemPrompt,
		Messages:      []anthropicMessage{{Role: "user", Content: prompt}},
	}

	var out anthropicResponse
	headers := map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": anthropicVersion,
	}
	if err := c.doJSON(ctx, "POST", c.cfg.BaseURL+"/messages", headers, req, &out); err != nil {
		return nil, err
	}
	if len(out.Content) == 0 {
		return nil, &domain.ProviderError{Provider: c.cfg.Name, Kind: domain.ProviderUnknown, Err: fmt.Errorf("empty content")}
	}

	content := out.Content[0].Text
	usage := domain.TokenUsage{
		Prompt:     out.Usage.InputTokens,
		Completion: out.Usage.OutputTokens,
		Total:      out.Usage.InputTokens + out.Usage.OutputTokens,
	}
	if usage.Total == 0 {
		usage.Prompt = tokencount.Estimate(prompt, model)
		usage.Completion = tokencount.Estimate(content, model)
		usage.Total = usage.Prompt + usage.Completion
	}

	slog.Debug("anthropic generate ok",
		slog.String("model", model),
		slog.Int("total_tokens", usage.Total),
		slog.String("stop_reason", out.StopReason))

	return &domain.Response{
		Content:    content,
		Model:      model,
		Provider:   c.cfg.Name,
		TokensUsed: usage,
		Cost:       cost(mc, usage),
		RequestID:  opts.RequestID,
		Timestamp:  time.Now(),
		Metadata:   map[string]string{"stop_reason": out.StopReason},
	}, nil
}

// HealthCheck probes GET {baseURL}/models.
func (c *Anthropic) HealthCheck(ctx domain.Context) domain.ProviderHealth {
	return c.probe(ctx, c.cfg.BaseURL+"/models", map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": anthropicVersion,
	})
}

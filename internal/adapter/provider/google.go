package provider

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/tokencount"
)

// Google implements domain.ProviderClient for the Gemini generateContent
// API.
type Google struct {
	base
}

// NewGoogle constructs the Google client.
func NewGoogle(cfg domain.ProviderConfig, retries BackoffSettings) *Google {
	return &Google{base: newBase(cfg, retries)}
}

func (c *Google) Initialize(_ domain.Context) error {
	if c.cfg.APIKey == "" {
		return fmt.Errorf("%w: google api key missing", domain.ErrInvalidArgument)
	}
	return nil
}

type googleRequest struct {
	Contents         []googleContent  `json:"contents"`
	GenerationConfig googleGenConfig  `json:"generationConfig"`
	SafetySettings   []map[string]any `json:"safetySettings,omitempty"`
}

type googleContent struct {
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text string `json:"text"`
}

type googleGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type googleResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// Generate calls POST {baseURL}/models/{model}:generateContent.
func (c *Google) Generate(ctx domain.Context, prompt string, opts domain.GenerateOptions) (*domain.Response, error) {
	model, mc, _ := c.resolveModel(opts)

	text := prompt
	if opts.SystemPrompt != "" {
		// Gemini v1beta has no dedicated system role; prepend.
		text = opts.SystemPrompt + "\n\n" + prompt
	}

	req := googleRequest{
		Contents: []googleContent{{Parts: []googlePart{{Text: text}}}},
		GenerationConfig: googleGenConfig{
			Temperature:     opts.Temperature,
			MaxOutputTokens: opts.MaxTokens,
			TopP:            opts.TopP,
			StopSequences:   opts.StopSequences,
		},
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.cfg.BaseURL, model, url.QueryEscape(c.cfg.APIKey))
	var out googleResponse
	if err := c.doJSON(ctx, "POST", endpoint, nil, req, &out); err != nil {
		return nil, err
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, &domain.ProviderError{Provider: c.cfg.Name, Kind: domain.ProviderUnknown, Err: fmt.Errorf("empty candidates")}
	}

	content := out.Candidates[0].Content.Parts[0].Text
	usage := domain.TokenUsage{
		Prompt:     out.UsageMetadata.PromptTokenCount,
		Completion: out.UsageMetadata.CandidatesTokenCount,
		Total:      out.UsageMetadata.TotalTokenCount,
	}
	if usage.Total == 0 {
		usage.Prompt = tokencount.Estimate(prompt, model)
		usage.Completion = tokencount.Estimate(content, model)
		usage.Total = usage.Prompt + usage.Completion
	}

	slog.Debug("google generate ok",
		slog.String("model", model),
		slog.Int("total_tokens", usage.Total),
		slog.String("finish_reason", out.Candidates[0].FinishReason))

	return &domain.Response{
		Content:    content,
		Model:      model,
		Provider:   c.cfg.Name,
		TokensUsed: usage,
		Cost:       cost(mc, usage),
		RequestID:  opts.RequestID,
		Timestamp:  time.Now(),
		Metadata:   map[string]string{"finish_reason": out.Candidates[0].FinishReason},
	}, nil
}

// HealthCheck probes GET {baseURL}/models?key=….
func (c *Google) HealthCheck(ctx domain.Context) domain.ProviderHealth {
	return c.probe(ctx, fmt.Sprintf("%s/models?key=%s", c.cfg.BaseURL, url.QueryEscape(c.cfg.APIKey)), nil)
}

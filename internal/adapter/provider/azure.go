package provider

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/tokencount"
)

// Azure implements domain.ProviderClient for Azure OpenAI deployments.
// The wire format matches OpenAI minus the model field; the deployment
// name selects the model server-side.
type Azure struct {
	base
}

// NewAzure constructs the Azure OpenAI client.
func NewAzure(cfg domain.ProviderConfig, retries BackoffSettings) *Azure {
	return &Azure{base: newBase(cfg, retries)}
}

func (c *Azure) Initialize(_ domain.Context) error {
	if c.cfg.APIKey == "" || c.cfg.BaseURL == "" || c.cfg.Deployment == "" {
		return fmt.Errorf("%w: azure endpoint, deployment and api key required", domain.ErrInvalidArgument)
	}
	return nil
}

type azureChatRequest struct {
	Messages         []openAIMessage `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
}

// Generate calls POST {endpoint}/openai/deployments/{deployment}/chat/completions.
func (c *Azure) Generate(ctx domain.Context, prompt string, opts domain.GenerateOptions) (*domain.Response, error) {
	model, mc, _ := c.resolveModel(opts)

	msgs := make([]openAIMessage, 0, 2)
	if opts.SystemPrompt != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: opts.SystemPrompt})
	}
	msgs = append(msgs, openAIMessage{Role: "user", Content: prompt})

	req := azureChatRequest{
		Messages:         msgs,
		Temperature:      opts.Temperature,
		MaxTokens:        opts.MaxTokens,
		TopP:             opts.TopP,
		FrequencyPenalty: opts.FrequencyPenalty,
		PresencePenalty:  opts.PresencePenalty,
		Stop:             opts.StopSequences,
	}

	endpoint := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		c.cfg.BaseURL, url.PathEscape(c.cfg.Deployment), url.QueryEscape(c.cfg.APIVersion))

	var out openAIChatResponse
	headers := map[string]string{"api-key": c.cfg.APIKey}
	if err := c.doJSON(ctx, "POST", endpoint, headers, req, &out); err != nil {
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

	slog.Debug("azure generate ok",
		slog.String("deployment", c.cfg.Deployment),
		slog.Int("total_tokens", usage.Total))

	return &domain.Response{
		Content:    content,
		Model:      model,
		Provider:   c.cfg.Name,
		TokensUsed: usage,
		Cost:       cost(mc, usage),
		RequestID:  opts.RequestID,
		Timestamp:  time.Now(),
		Metadata:   map[string]string{"deployment": c.cfg.Deployment},
	}, nil
}

// HealthCheck probes GET {endpoint}/openai/models?api-version=….
func (c *Azure) HealthCheck(ctx domain.Context) domain.ProviderHealth {
	endpoint := fmt.Sprintf("%s/openai/models?api-version=%s", c.cfg.BaseURL, url.QueryEscape(c.cfg.APIVersion))
	return c.probe(ctx, endpoint, map[string]string{"api-key": c.cfg.APIKey})
}

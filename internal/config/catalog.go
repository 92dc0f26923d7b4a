package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

// catalogFile is the YAML shape of the provider catalog on disk.
type catalogFile struct {
	Providers []domain.ProviderConfig `yaml:"providers"`
}

// LoadCatalog reads the provider catalog YAML and merges credentials and
// endpoints from the environment config. Providers without an API key are
// skipped (Azure additionally requires an endpoint). A missing file falls
// back to the built-in catalog.
func LoadCatalog(cfg Config) ([]domain.ProviderConfig, error) {
	providers := DefaultCatalog()
	if raw, err := os.ReadFile(cfg.ProviderCatalogPath); err == nil {
		var f catalogFile
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("op=config.LoadCatalog path=%s: %w", cfg.ProviderCatalogPath, err)
		}
		if len(f.Providers) > 0 {
			providers = f.Providers
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("op=config.LoadCatalog path=%s: %w", cfg.ProviderCatalogPath, err)
	}

	out := make([]domain.ProviderConfig, 0, len(providers))
	for _, p := range providers {
		switch p.Name {
		case "openai":
			p.APIKey = cfg.OpenAIAPIKey
			if cfg.OpenAIBaseURL != "" {
				p.BaseURL = cfg.OpenAIBaseURL
			}
		case "anthropic":
			p.APIKey = cfg.AnthropicAPIKey
			if cfg.AnthropicBaseURL != "" {
				p.BaseURL = cfg.AnthropicBaseURL
			}
		case "google":
			p.APIKey = cfg.GoogleAPIKey
			if cfg.GoogleBaseURL != "" {
				p.BaseURL = cfg.GoogleBaseURL
			}
		case "azure":
			p.APIKey = cfg.AzureAPIKey
			p.BaseURL = cfg.AzureEndpoint
			p.Deployment = cfg.AzureDeployment
			p.APIVersion = cfg.AzureAPIVersion
		}
		if p.APIKey == "" || p.BaseURL == "" {
			continue
		}
		if p.Timeout <= 0 {
			p.Timeout = 30 * time.Second
		}
		if p.MaxRetries <= 0 {
			p.MaxRetries = 3
		}
		if p.RetryDelay <= 0 {
			p.RetryDelay = time.Second
		}
		out = append(out, p)
	}
	return out, nil
}

// DefaultCatalog returns the built-in provider catalog with the canonical
// model tables and published per-token prices.
func DefaultCatalog() []domain.ProviderConfig {
	return []domain.ProviderConfig{
		{
			Name:         "openai",
			DefaultModel: "gpt-4o",
			Timeout:      30 * time.Second,
			MaxRetries:   3,
			RetryDelay:   time.Second,
			Models: map[string]domain.ModelConfig{
				"gpt-3.5-turbo":     {MaxTokens: 4096, ContextWindow: 16385, InputCostPerToken: 0.0000005, OutputCostPerToken: 0.0000015, SupportsStreaming: true, SupportsFunctions: true},
				"gpt-3.5-turbo-16k": {MaxTokens: 16384, ContextWindow: 16385, InputCostPerToken: 0.000003, OutputCostPerToken: 0.000004, SupportsStreaming: true, SupportsFunctions: true},
				"gpt-4":             {MaxTokens: 8192, ContextWindow: 8192, InputCostPerToken: 0.00003, OutputCostPerToken: 0.00006, SupportsStreaming: true, SupportsFunctions: true},
				"gpt-4-turbo":       {MaxTokens: 4096, ContextWindow: 128000, InputCostPerToken: 0.00001, OutputCostPerToken: 0.00003, SupportsStreaming: true, SupportsFunctions: true},
				"gpt-4o":            {MaxTokens: 4096, ContextWindow: 128000, InputCostPerToken: 0.000005, OutputCostPerToken: 0.000015, SupportsStreaming: true, SupportsFunctions: true},
			},
		},
		{
			Name:         "anthropic",
			DefaultModel: "claude-3-sonnet-20240229",
			Timeout:      30 * time.Second,
			MaxRetries:   3,
			RetryDelay:   time.Second,
			Models: map[string]domain.ModelConfig{
				"claude-3-haiku-20240307":  {MaxTokens: 4096, ContextWindow: 200000, InputCostPerToken: 0.00000025, OutputCostPerToken: 0.00000125, SupportsStreaming: true},
				"claude-3-sonnet-20240229": {MaxTokens: 4096, ContextWindow: 200000, InputCostPerToken: 0.000003, OutputCostPerToken: 0.000015, SupportsStreaming: true},
				"claude-3-opus-20240229":   {MaxTokens: 4096, ContextWindow: 200000, InputCostPerToken: 0.000015, OutputCostPerToken: 0.000075, SupportsStreaming: true},
				"claude-2.1":               {MaxTokens: 4096, ContextWindow: 200000, InputCostPerToken: 0.000008, OutputCostPerToken: 0.000024, SupportsStreaming: true},
			},
		},
		{
			Name:         "google",
			DefaultModel: "gemini-pro",
			Timeout:      30 * time.Second,
			MaxRetries:   3,
			RetryDelay:   time.Second,
			Models: map[string]domain.ModelConfig{
				"gemini-pro":       {MaxTokens: 2048, ContextWindow: 32760, InputCostPerToken: 0.000000125, OutputCostPerToken: 0.000000375, SupportsStreaming: true},
				"gemini-1.5-pro":   {MaxTokens: 8192, ContextWindow: 1048576, InputCostPerToken: 0.0000035, OutputCostPerToken: 0.0000105, SupportsStreaming: true},
				"gemini-1.5-flash": {MaxTokens: 8192, ContextWindow: 1048576, InputCostPerToken: 0.00000035, OutputCostPerToken: 0.00000105, SupportsStreaming: true},
				"gemini-ultra":     {MaxTokens: 2048, ContextWindow: 32760, InputCostPerToken: 0.000007, OutputCostPerToken: 0.000021, SupportsStreaming: true},
			},
		},
		{
			Name:         "azure",
			DefaultModel: "gpt-4o",
			Timeout:      30 * time.Second,
			MaxRetries:   3,
			RetryDelay:   time.Second,
			Models: map[string]domain.ModelConfig{
				"gpt-4o":      {MaxTokens: 4096, ContextWindow: 128000, InputCostPerToken: 0.000005, OutputCostPerToken: 0.000015, SupportsStreaming: true, SupportsFunctions: true},
				"gpt-4-turbo": {MaxTokens: 4096, ContextWindow: 128000, InputCostPerToken: 0.00001, OutputCostPerToken: 0.00003, SupportsStreaming: true, SupportsFunctions: true},
			},
		},
	}
}

package provider

// modelProviders is the canonical static model→provider table. Unknown
// models map to no provider and leave selection to the strategy.
var modelProviders = map[string]string{
	"gpt-3.5-turbo":     "openai",
	"gpt-3.5-turbo-16k": "openai",
	"gpt-4":             "openai",
	"gpt-4-turbo":       "openai",
	"gpt-4o":            "openai",

	"claude-3-haiku-20240307":  "anthropic",
	"claude-3-sonnet-20240229": "anthropic",
	"claude-3-opus-20240229":   "anthropic",
	"claude-2.1":               "anthropic",

	"gemini-pro":       "google",
	"gemini-1.5-pro":   "google",
	"gemini-1.5-flash": "google",
	"gemini-ultra":     "google",
}

// ForModel returns the provider name pinned to model, if any.
func ForModel(model string) (string, bool) {
	p, ok := modelProviders[model]
	return p, ok
}

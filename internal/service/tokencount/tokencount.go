// Package tokencount estimates token counts when a provider response
// omits usage metadata.
//
// It uses tiktoken-go, a Go port of OpenAI's official tiktoken library,
// for models with a known encoding, and falls back to a chars/4
// approximation for everything else. Provider-reported counts always take
// precedence; this package is only the fallback path.
package tokencount

import (
	"strings"
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
)

// The offline loader reads the embedded BPE dictionaries, so the first
// estimate never blocks on a network fetch.
func init() {
	tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
}

// Counter provides thread-safe token estimation for LLM models.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{encodingCache: make(map[string]*tiktoken.Tiktoken)}
}

// DefaultCounter is a global token counter instance.
var DefaultCounter = NewCounter()

// getEncodingForModel returns the tiktoken encoding for a model, caching
// encodings for reuse.
func (c *Counter) getEncodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalized]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[normalized]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		// cl100k_base covers GPT-4, GPT-3.5-turbo and most modern models.
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.encodingCache[normalized] = enc
	return enc, nil
}

// normalizeModelName maps vendor model IDs onto tiktoken-compatible names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	case strings.Contains(model, "claude"), strings.Contains(model, "gemini"):
		// Non-OpenAI tokenizers; cl100k_base is a reasonable approximation.
		return "gpt-4"
	default:
		return "gpt-4"
	}
}

// Count counts the tokens in text for model.
func (c *Counter) Count(text, model string) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// Estimate returns a token estimate for text, never failing: tiktoken
// first, chars/4 when no encoding can be loaded.
func (c *Counter) Estimate(text, model string) int {
	n, err := c.Count(text, model)
	if err != nil {
		slog.Warn("token count failed, using chars/4 estimate",
			slog.String("model", model),
			slog.Any("error", err))
		return len(text) / 4
	}
	return n
}

// Estimate uses the default counter.
func Estimate(text, model string) int {
	return DefaultCounter.Estimate(text, model)
}

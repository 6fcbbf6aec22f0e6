// Package llm abstracts chat-completion providers behind a streaming
// interface. The engine consumes chunks; providers handle transport.
package llm

import (
	"context"
	"errors"
	"sync"
)

var ErrProviderNotFound = errors.New("llm provider not found")

// Request is a single completion request.
type Request struct {
	Model        string  `json:"model"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Prompt       string  `json:"prompt"`
	Temperature  float64 `json:"temperature"`
	JSONOutput   bool    `json:"json_output"`
}

// Usage is the token accounting reported by the provider, when available.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one streamed piece of a completion. The final chunk has Done set
// and may carry Usage; a failed stream delivers Err on its last chunk.
type Chunk struct {
	Text  string
	Done  bool
	Usage *Usage
	Err   error
}

// Provider streams completions. The returned channel is closed after the
// terminal chunk; cancelling the context stops the stream.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Registry routes model names to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  Provider
}

// NewRegistry creates a registry with an optional fallback provider used for
// models with no explicit route.
func NewRegistry(fallback Provider) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		fallback:  fallback,
	}
}

// Route binds a model name to a provider.
func (r *Registry) Route(model string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[model] = p
}

// ForModel resolves the provider for a model name.
func (r *Registry) ForModel(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[model]; ok {
		return p, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, ErrProviderNotFound
}

// Collect drains a chunk stream into the full text and usage. Used where
// streaming granularity is not needed, like enrichment tasks.
func Collect(ch <-chan Chunk) (string, *Usage, error) {
	var text string
	var usage *Usage
	for c := range ch {
		if c.Err != nil {
			return text, usage, c.Err
		}
		text += c.Text
		if c.Usage != nil {
			usage = c.Usage
		}
	}
	return text, usage, nil
}

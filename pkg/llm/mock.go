package llm

import (
	"context"
	"sync"
)

// MockProvider streams scripted responses for tests. Respond registers a
// reply function; the default echoes the prompt. Responses are split into
// rune-sized chunks of ChunkSize so token events actually stream.
type MockProvider struct {
	mu        sync.Mutex
	respond   func(req Request) (string, error)
	calls     []Request
	ChunkSize int
}

// NewMockProvider creates a mock that echoes prompts.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		respond:   func(req Request) (string, error) { return req.Prompt, nil },
		ChunkSize: 4,
	}
}

// Respond replaces the reply function.
func (m *MockProvider) Respond(fn func(req Request) (string, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respond = fn
}

// RespondWith replaces the reply function with a fixed string.
func (m *MockProvider) RespondWith(text string) {
	m.Respond(func(Request) (string, error) { return text, nil })
}

// Calls returns the requests seen so far.
func (m *MockProvider) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	respond := m.respond
	size := m.ChunkSize
	m.mu.Unlock()

	text, err := respond(req)
	if err != nil {
		return nil, err
	}
	if size < 1 {
		size = 4
	}

	out := make(chan Chunk, 8)
	go func() {
		defer close(out)
		runes := []rune(text)
		n := 0
		for i := 0; i < len(runes); i += size {
			end := i + size
			if end > len(runes) {
				end = len(runes)
			}
			select {
			case out <- Chunk{Text: string(runes[i:end])}:
				n++
			case <-ctx.Done():
				out <- Chunk{Done: true, Err: ctx.Err()}
				return
			}
		}
		out <- Chunk{Done: true, Usage: &Usage{
			PromptTokens:     len([]rune(req.Prompt)) / 4,
			CompletionTokens: n,
			TotalTokens:      len([]rune(req.Prompt))/4 + n,
		}}
	}()
	return out, nil
}

package llm

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockProvider is a Provider implementation for testing. Behavior is
// overridable per test via the function fields; when a field is nil a
// canned response is returned. When Responses is non-empty, successive
// Complete calls consume it in order, repeating the final entry once
// exhausted.
type MockProvider struct {
	// ProviderName overrides the reported name. Defaults to "mock".
	ProviderName string

	// CompleteFunc overrides Complete when set.
	CompleteFunc func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamFunc overrides Stream when set.
	StreamFunc func(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)

	// Responses scripts the contents of successive Complete calls.
	Responses []string

	mu       sync.Mutex
	calls    []CompletionRequest
	response int
}

// NewMockProvider creates a mock provider with default canned behavior.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string {
	if m.ProviderName != "" {
		return m.ProviderName
	}
	return "mock"
}

// Capabilities reports full feature support so tests exercise every path.
func (m *MockProvider) Capabilities() Capabilities {
	return Capabilities{
		Streaming: true,
		Tools:     true,
		Models: []ModelInfo{
			{ID: "mock-fast", Name: "Mock Fast", Tier: ModelTierFast, MaxTokens: 128000, MaxOutputTokens: 4096, SupportsTools: true},
			{ID: "mock-balanced", Name: "Mock Balanced", Tier: ModelTierBalanced, MaxTokens: 128000, MaxOutputTokens: 8192, SupportsTools: true},
		},
	}
}

// Complete returns the scripted or canned response.
func (m *MockProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	content := "mock response"
	if len(m.Responses) > 0 {
		idx := m.response
		if idx >= len(m.Responses) {
			idx = len(m.Responses) - 1
		}
		content = m.Responses[idx]
		m.response++
	}
	m.mu.Unlock()

	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	promptTokens := estimateMessageTokens(req.Messages)
	completionTokens := (len(content) + 3) / 4
	return &CompletionResponse{
		Content:      content,
		FinishReason: FinishReasonStop,
		Usage: TokenUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		Model:     req.Model,
		RequestID: uuid.New().String(),
		Created:   time.Now(),
	}, nil
}

// Stream sends the canned response word by word, then a final chunk with usage.
func (m *MockProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req)
	}

	resp, err := m.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	requestID := resp.RequestID
	chunks := make(chan StreamChunk, 10)
	go func() {
		defer close(chunks)

		remaining := resp.Content
		const step = 8
		for len(remaining) > 0 {
			n := step
			if n > len(remaining) {
				n = len(remaining)
			}
			select {
			case chunks <- StreamChunk{RequestID: requestID, Delta: StreamDelta{Content: remaining[:n]}}:
			case <-ctx.Done():
				chunks <- StreamChunk{RequestID: requestID, Error: ctx.Err(), FinishReason: FinishReasonError}
				return
			}
			remaining = remaining[n:]
		}

		usage := resp.Usage
		chunks <- StreamChunk{
			RequestID:    requestID,
			FinishReason: FinishReasonStop,
			Usage:        &usage,
		}
	}()

	return chunks, nil
}

// Calls returns a copy of every request seen so far.
func (m *MockProvider) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]CompletionRequest, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// CallCount returns the number of Complete calls made.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// estimateMessageTokens provides a rough token count estimate (4 chars ≈ 1 token).
func estimateMessageTokens(messages []Message) int {
	totalChars := 0
	for _, msg := range messages {
		totalChars += len(msg.Content)
	}
	return (totalChars + 3) / 4
}

var _ Provider = (*MockProvider)(nil)

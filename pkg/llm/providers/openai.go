// Package providers contains concrete implementations of LLM providers.
package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/weaver/pkg/errors"
	"github.com/tombee/weaver/pkg/httpclient"
	"github.com/tombee/weaver/pkg/llm"
)

// openAIAPIBaseURL is the default base URL for the OpenAI API. Any
// OpenAI-compatible server can be targeted via APIKeyCredentials.BaseURL.
const openAIAPIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider implements the Provider interface for the OpenAI Chat
// Completions API and compatible servers.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	lastUsage  *llm.TokenUsage
	usageMu    sync.RWMutex
}

// NewOpenAIProvider creates a new OpenAI provider instance.
// The apiKey should be retrieved from secure storage (keychain or encrypted config).
// An empty baseURL uses the official OpenAI endpoint.
func NewOpenAIProvider(apiKey, baseURL string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, &errors.ConfigError{
			Key:    "openai.api_key",
			Reason: "API key is required for OpenAI provider",
		}
	}

	if baseURL == "" {
		baseURL = openAIAPIBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 120 * time.Second // LLM requests can take a while
	cfg.UserAgent = "weaver-openai/1.0"
	// Retry logic is handled by the LLM retry wrapper (pkg/llm/retry.go)
	// which classifies provider errors by kind.
	cfg.RetryAttempts = 0

	httpClient, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	return &OpenAIProvider{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// NewOpenAIWithCredentials creates an OpenAI provider from generic credentials.
// Used as a factory for registry activation.
func NewOpenAIWithCredentials(creds llm.Credentials) (llm.Provider, error) {
	apiCreds, ok := creds.(llm.APIKeyCredentials)
	if !ok {
		return nil, &errors.ValidationError{
			Field:      "credentials",
			Message:    fmt.Sprintf("OpenAI provider requires API key credentials, got %s", creds.ProviderType()),
			Suggestion: "Configure an api_key for the openai provider",
		}
	}
	if err := apiCreds.Validate(); err != nil {
		return nil, &errors.ConfigError{
			Key:    "openai.api_key",
			Reason: err.Error(),
		}
	}
	return NewOpenAIProvider(apiCreds.APIKey, apiCreds.BaseURL)
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Capabilities returns the features supported by this provider.
func (p *OpenAIProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Streaming: true,
		Tools:     true,
		Models:    openAIModels,
	}
}

// Complete sends a synchronous completion request to the Chat Completions API.
func (p *OpenAIProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	requestID := uuid.New().String()

	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:      "messages",
			Message:    "completion request must have at least one message",
			Suggestion: "Add at least one message to the completion request",
		}
	}

	apiReq := p.buildAPIRequest(req, false)

	respBody, statusCode, err := p.doRequest(ctx, apiReq, requestID)
	if err != nil {
		return nil, err
	}

	var apiResp openaiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &errors.ProviderError{
			Provider:   "openai",
			Kind:       errors.KindTransport,
			StatusCode: statusCode,
			Message:    fmt.Sprintf("failed to parse response: %v", err),
			RequestID:  requestID,
		}
	}

	return p.parseResponse(&apiResp, requestID)
}

// buildAPIRequest constructs an openaiRequest from a CompletionRequest.
func (p *OpenAIProvider) buildAPIRequest(req llm.CompletionRequest, stream bool) *openaiRequest {
	model := p.resolveModel(req.Model)

	apiMessages := make([]openaiMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		apiMsg := openaiMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		for _, tc := range msg.ToolCalls {
			apiMsg.ToolCalls = append(apiMsg.ToolCalls, openaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiFunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		if msg.Role == llm.MessageRoleTool {
			apiMsg.ToolCallID = msg.ToolCallID
			apiMsg.Name = msg.Name
		}
		apiMessages = append(apiMessages, apiMsg)
	}

	var tools []openaiTool
	for _, tool := range req.Tools {
		tools = append(tools, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	apiReq := &openaiRequest{
		Model:       model,
		Messages:    apiMessages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Tools:       tools,
		Stop:        req.StopSequences,
		Stream:      stream,
	}
	if stream {
		apiReq.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}

	return apiReq
}

// doRequest sends the API request and returns the raw response body.
// Non-2xx responses and transport failures are returned as ProviderError
// with the kind set for retry and breaker classification.
func (p *OpenAIProvider) doRequest(ctx context.Context, apiReq *openaiRequest, requestID string) ([]byte, int, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, 0, &errors.ProviderError{
			Provider:  "openai",
			Kind:      errors.KindBadRequest,
			Message:   fmt.Sprintf("failed to marshal request: %v", err),
			RequestID: requestID,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, 0, &errors.ProviderError{
			Provider:  "openai",
			Kind:      errors.KindBadRequest,
			Message:   fmt.Sprintf("failed to create request: %v", err),
			RequestID: requestID,
		}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, &errors.ProviderError{
			Provider:  "openai",
			Kind:      classifyTransportError(err),
			Message:   fmt.Sprintf("request failed: %v", err),
			RequestID: requestID,
			Cause:     err,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &errors.ProviderError{
			Provider:   "openai",
			Kind:       errors.KindTransport,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to read response: %v", err),
			RequestID:  requestID,
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, p.errorFromStatus(resp.StatusCode, respBody, requestID)
	}

	return respBody, resp.StatusCode, nil
}

// errorFromStatus builds a kind-classified ProviderError from an error response.
func (p *OpenAIProvider) errorFromStatus(statusCode int, respBody []byte, requestID string) *errors.ProviderError {
	message := fmt.Sprintf("API request failed with status %d", statusCode)
	var errResp openaiErrorResponse
	if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	return &errors.ProviderError{
		Provider:   "openai",
		Kind:       classifyStatus(statusCode),
		StatusCode: statusCode,
		Message:    message,
		Suggestion: suggestionForStatus(statusCode),
		RequestID:  requestID,
	}
}

// classifyStatus maps an HTTP status code to a provider error kind.
func classifyStatus(statusCode int) errors.ProviderErrorKind {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return errors.KindRateLimited
	case statusCode >= 500:
		return errors.KindUnavailable
	default:
		return errors.KindBadRequest
	}
}

// classifyTransportError distinguishes deadline expiry from other network faults.
func classifyTransportError(err error) errors.ProviderErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.KindTimeout
	}
	return errors.KindTransport
}

// suggestionForStatus returns a helpful suggestion based on the status code.
func suggestionForStatus(statusCode int) string {
	switch statusCode {
	case http.StatusUnauthorized:
		return "Check that your API key is valid and correctly configured"
	case http.StatusForbidden:
		return "Your API key may not have access to this model"
	case http.StatusTooManyRequests:
		return "Rate limit exceeded. Reduce request frequency or raise your quota"
	case http.StatusBadRequest:
		return "Review the request format and parameters"
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return "The provider is experiencing issues. Retry after a short delay"
	default:
		return "Check the provider API documentation for more details"
	}
}

// parseResponse converts an openaiResponse to a CompletionResponse.
func (p *OpenAIProvider) parseResponse(resp *openaiResponse, requestID string) (*llm.CompletionResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, &errors.ProviderError{
			Provider:  "openai",
			Kind:      errors.KindUnavailable,
			Message:   "response contained no choices",
			RequestID: requestID,
		}
	}

	choice := resp.Choices[0]

	var toolCalls []llm.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	usage := llm.TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	p.setLastUsage(usage)

	return &llm.CompletionResponse{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		FinishReason: mapFinishReason(choice.FinishReason),
		Usage:        usage,
		Model:        resp.Model,
		RequestID:    requestID,
		Created:      time.Now(),
	}, nil
}

// mapFinishReason converts the API finish_reason to our FinishReason.
func mapFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "stop":
		return llm.FinishReasonStop
	case "length":
		return llm.FinishReasonLength
	case "tool_calls", "function_call":
		return llm.FinishReasonToolCalls
	case "content_filter":
		return llm.FinishReasonContentFilter
	default:
		return llm.FinishReasonStop
	}
}

// Stream sends a streaming completion request to the Chat Completions API.
func (p *OpenAIProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	requestID := uuid.New().String()

	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:      "messages",
			Message:    "completion request must have at least one message",
			Suggestion: "Add at least one message to the completion request",
		}
	}

	apiReq := p.buildAPIRequest(req, true)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "openai",
			Kind:      errors.KindBadRequest,
			Message:   fmt.Sprintf("failed to marshal request: %v", err),
			RequestID: requestID,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "openai",
			Kind:      errors.KindBadRequest,
			Message:   fmt.Sprintf("failed to create request: %v", err),
			RequestID: requestID,
		}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "openai",
			Kind:      classifyTransportError(err),
			Message:   fmt.Sprintf("request failed: %v", err),
			RequestID: requestID,
			Cause:     err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, p.errorFromStatus(resp.StatusCode, respBody, requestID)
	}

	chunks := make(chan llm.StreamChunk, 10)
	go p.processStream(ctx, resp, chunks, requestID)

	return chunks, nil
}

// processStream reads the SSE stream and sends chunks to the channel.
func (p *OpenAIProvider) processStream(ctx context.Context, resp *http.Response, chunks chan<- llm.StreamChunk, requestID string) {
	defer close(chunks)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var totalUsage *llm.TokenUsage

	for {
		select {
		case <-ctx.Done():
			chunks <- llm.StreamChunk{
				RequestID:    requestID,
				Error:        ctx.Err(),
				FinishReason: llm.FinishReasonError,
			}
			return
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				if totalUsage != nil {
					p.setLastUsage(*totalUsage)
				}
				return
			}
			chunks <- llm.StreamChunk{
				RequestID:    requestID,
				Error:        fmt.Errorf("stream read error: %w", err),
				FinishReason: llm.FinishReasonError,
			}
			return
		}

		// SSE format: "data: <json>\n\n" terminated by "data: [DONE]"
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			if totalUsage != nil {
				p.setLastUsage(*totalUsage)
			}
			return
		}

		var event openaiStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // Skip malformed events
		}

		// The usage-only frame has an empty choices array.
		if event.Usage != nil {
			totalUsage = &llm.TokenUsage{
				PromptTokens:     event.Usage.PromptTokens,
				CompletionTokens: event.Usage.CompletionTokens,
				TotalTokens:      event.Usage.TotalTokens,
			}
			chunks <- llm.StreamChunk{
				RequestID: requestID,
				Usage:     totalUsage,
			}
		}

		if len(event.Choices) == 0 {
			continue
		}
		choice := event.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- llm.StreamChunk{
				RequestID: requestID,
				Delta: llm.StreamDelta{
					Content: choice.Delta.Content,
				},
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			chunks <- llm.StreamChunk{
				RequestID: requestID,
				Delta: llm.StreamDelta{
					ToolCallDelta: &llm.ToolCallDelta{
						Index:          tc.Index,
						ID:             tc.ID,
						Name:           tc.Function.Name,
						ArgumentsDelta: tc.Function.Arguments,
					},
				},
			}
		}

		if choice.FinishReason != "" {
			chunks <- llm.StreamChunk{
				RequestID:    requestID,
				FinishReason: mapFinishReason(choice.FinishReason),
			}
		}
	}
}

// GetLastUsage returns the token usage from the most recent request.
func (p *OpenAIProvider) GetLastUsage() *llm.TokenUsage {
	p.usageMu.RLock()
	defer p.usageMu.RUnlock()

	if p.lastUsage == nil {
		return nil
	}

	// Return a copy to prevent mutation
	usage := *p.lastUsage
	return &usage
}

// setLastUsage updates the cached usage from a response.
func (p *OpenAIProvider) setLastUsage(usage llm.TokenUsage) {
	p.usageMu.Lock()
	defer p.usageMu.Unlock()
	p.lastUsage = &usage
}

// resolveModel converts a tier or model ID to an OpenAI model ID.
func (p *OpenAIProvider) resolveModel(modelOrTier string) string {
	switch llm.ModelTier(modelOrTier) {
	case llm.ModelTierFast:
		return "gpt-4o-mini"
	case llm.ModelTierBalanced:
		return "gpt-4o"
	case llm.ModelTierStrategic:
		return "o1"
	}

	// Otherwise assume it's a specific model ID
	return modelOrTier
}

// openAIModels contains metadata for commonly used OpenAI models.
var openAIModels = []llm.ModelInfo{
	{
		ID:              "gpt-4o-mini",
		Name:            "GPT-4o mini",
		Tier:            llm.ModelTierFast,
		MaxTokens:       128000,
		MaxOutputTokens: 16384,
		SupportsTools:   true,
		Description:     "Fast and cost-effective for routing, planning and verification.",
	},
	{
		ID:              "gpt-4o",
		Name:            "GPT-4o",
		Tier:            llm.ModelTierBalanced,
		MaxTokens:       128000,
		MaxOutputTokens: 16384,
		SupportsTools:   true,
		Description:     "Balanced capability and cost for synthesis and general tasks.",
	},
	{
		ID:              "o1",
		Name:            "o1",
		Tier:            llm.ModelTierStrategic,
		MaxTokens:       200000,
		MaxOutputTokens: 100000,
		SupportsTools:   true,
		Description:     "Maximum capability for complex multi-step reasoning.",
	},
}

// openaiRequest represents the request body for the Chat Completions API.
type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Temperature   *float64             `json:"temperature,omitempty"`
	MaxTokens     *int                 `json:"max_tokens,omitempty"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	Stop          []string             `json:"stop,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

// openaiStreamOptions controls streaming behavior.
type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// openaiMessage represents a message in the Chat Completions format.
type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

// openaiToolCall represents a tool invocation in a message.
type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiFunctionCall `json:"function"`
}

// openaiFunctionCall holds the function name and arguments of a tool call.
type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// openaiTool represents a tool definition in the API format.
type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

// openaiFunction describes a callable function.
type openaiFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// openaiResponse represents a non-streaming Chat Completions response.
type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

// openaiChoice is a single completion choice.
type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// openaiUsage represents token usage in an API response.
type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// openaiErrorResponse represents an error response from the API.
type openaiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// openaiStreamEvent represents a streaming event frame.
type openaiStreamEvent struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
}

// openaiStreamChoice is a single choice within a streaming frame.
type openaiStreamChoice struct {
	Index        int               `json:"index"`
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason string            `json:"finish_reason"`
}

// openaiStreamDelta holds incremental message content.
type openaiStreamDelta struct {
	Role      string                `json:"role,omitempty"`
	Content   string                `json:"content,omitempty"`
	ToolCalls []openaiToolCallDelta `json:"tool_calls,omitempty"`
}

// openaiToolCallDelta holds incremental tool call content.
type openaiToolCallDelta struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openaiFunctionCall `json:"function"`
}

var _ llm.Provider = (*OpenAIProvider)(nil)

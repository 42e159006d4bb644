package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"finsight/pkg/errors"
	"finsight/pkg/logger"
)

// Ensure OpenAIClient implements ChatProvider
var _ ChatProvider = (*OpenAIClient)(nil)

// OpenAIClient talks to any OpenAI-compatible chat completion endpoint.
// A process-wide rate limiter is shared by every session using the client.
type OpenAIClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Logger
}

// OpenAIConfig configures the client.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per minute, 0 disables limiting
}

// NewOpenAIClient constructs the chat client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit/60.0), 1)
	}

	return &OpenAIClient{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		log:     logger.Get().With("component", "ai_client"),
	}
}

// Name returns the provider identifier.
func (c *OpenAIClient) Name() string { return "openai" }

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c.apiKey == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "chat API key not configured")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(errors.ErrCancelled, "chat rate limit wait aborted")
			}
			return nil, errors.Wrap(errors.ErrRateLimitExceeded, err.Error())
		}
	}

	wireReq := wireRequest{
		Model:             req.Model,
		Temperature:       req.Temperature,
		MaxTokens:         req.MaxTokens,
		ParallelToolCalls: req.ParallelToolCalls,
	}
	if wireReq.MaxTokens == 0 {
		wireReq.MaxTokens = 4096
	}

	for _, msg := range req.Messages {
		wm := wireMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: wireFunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		wireReq.Messages = append(wireReq.Messages, wm)
	}

	for _, tool := range req.Tools {
		wireReq.Tools = append(wireReq.Tools, wireTool{
			Type: tool.Type,
			Function: wireFunctionDef{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			},
		})
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, errors.Wrap(err, "marshal chat request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create chat request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.ErrCancelled, "chat request aborted")
		}
		return nil, retryable(errors.Wrap(err, "send chat request"))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retryable(errors.Wrap(err, "read chat response"))
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := c.decodeError(resp.StatusCode, respBody)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, retryable(apiErr)
		}
		return nil, apiErr
	}

	var wireResp wireResponse
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		return nil, errors.Wrap(err, "unmarshal chat response")
	}

	out := &ChatResponse{
		ID:    wireResp.ID,
		Model: wireResp.Model,
		Usage: Usage{
			PromptTokens:     wireResp.Usage.PromptTokens,
			CompletionTokens: wireResp.Usage.CompletionTokens,
			TotalTokens:      wireResp.Usage.TotalTokens,
		},
	}

	for _, ch := range wireResp.Choices {
		choice := Choice{
			Index:        ch.Index,
			FinishReason: FinishReason(ch.FinishReason),
			Message: Message{
				Role:    MessageRole(ch.Message.Role),
				Content: ch.Message.Content,
			},
		}
		for _, tc := range ch.Message.ToolCalls {
			choice.Message.ToolCalls = append(choice.Message.ToolCalls, ToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out.Choices = append(out.Choices, choice)
	}

	return out, nil
}

func (c *OpenAIClient) decodeError(status int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return errors.Wrapf(errors.ErrExternal, "chat API error (%d): %s - %s",
			status, errResp.Error.Type, errResp.Error.Message)
	}
	return errors.Wrapf(errors.ErrExternal, "chat API error (%d): %s", status, string(body))
}

// retryableError marks a chat failure the caller may retry.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func retryable(err error) error {
	return &retryableError{err: err}
}

// IsRetryable reports whether a chat failure is worth another attempt.
// Network errors, 429s and 5xx responses qualify; everything else does not.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// Wire types for the OpenAI-compatible protocol.
type wireRequest struct {
	Model             string        `json:"model"`
	Messages          []wireMessage `json:"messages"`
	Temperature       float64       `json:"temperature,omitempty"`
	MaxTokens         int           `json:"max_tokens,omitempty"`
	Tools             []wireTool    `json:"tools,omitempty"`
	ParallelToolCalls *bool         `json:"parallel_tool_calls,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireFunctionCall `json:"function"`
}

type wireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string          `json:"type"`
	Function wireFunctionDef `json:"function"`
}

type wireFunctionDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

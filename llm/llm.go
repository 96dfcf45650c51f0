// Package llm provides a unified client over the OpenAI and Anthropic chat
// completion APIs, normalizing both into one Response shape and applying a
// fixed per-model pricing table to compute call cost.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/apexrun/agentruntime/apexerr"
	"github.com/apexrun/agentruntime/resilience"
)

// Provider identifies which upstream API family a model belongs to.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// Usage reports token accounting for a single call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolCall is a normalized function invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Response is the provider-neutral shape every Client.Create call returns,
// regardless of which upstream API served it.
type Response struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls"`
	Usage        Usage      `json:"usage"`
	Model        string     `json:"model"`
	Cost         float64    `json:"cost"`
	FinishReason string     `json:"finish_reason"`
}

// Message is the neutral chat message shape passed to Create; Content
// carries plain text, ToolCallID is set only on role "tool" messages.
type Message struct {
	Role       string
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolSpec describes a callable tool in the provider-neutral shape; the
// adapter translates it into each API's own tool schema at call time.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// pricing is (input, output) USD cost per 1,000 tokens. Unknown models
// fall back to the most expensive row so a pricing-table gap degrades to
// "looks expensive" rather than "looks free".
var pricing = map[string][2]float64{
	"gpt-4o":            {0.005, 0.015},
	"gpt-4o-mini":       {0.00015, 0.0006},
	"gpt-4-turbo":       {0.01, 0.03},
	"gpt-3.5-turbo":     {0.0005, 0.0015},
	"claude-3-opus":     {0.015, 0.075},
	"claude-3-sonnet":   {0.003, 0.015},
	"claude-3.5-sonnet": {0.003, 0.015},
	"claude-3-haiku":    {0.00025, 0.00125},
	"claude-3.5-haiku":  {0.00025, 0.00125},
}

var defaultPricing = [2]float64{0.015, 0.075}

// CalculateCost applies the pricing table to a token count.
func CalculateCost(model string, promptTokens, completionTokens int) float64 {
	rate, ok := pricing[model]
	if !ok {
		rate = defaultPricing
	}
	inputCost := (float64(promptTokens) / 1000.0) * rate[0]
	outputCost := (float64(completionTokens) / 1000.0) * rate[1]
	return inputCost + outputCost
}

// Client is a functional-options-configured adapter over the OpenAI and
// Anthropic chat completion APIs.
type Client struct {
	openaiAPIKey    string
	anthropicAPIKey string
	timeout         time.Duration
	httpClient      *http.Client
	maxRetries      int
	breaker         *resilience.CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

func WithOpenAIAPIKey(key string) Option {
	return func(c *Client) { c.openaiAPIKey = key }
}

func WithAnthropicAPIKey(key string) Option {
	return func(c *Client) { c.anthropicAPIKey = key }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithCircuitBreaker overrides the breaker wrapping every provider call.
// Passing a disabled config (Enabled: false) turns the breaker into a
// pass-through.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// New builds a Client with defaults (60s timeout, 3 retries) overridden by
// opts. Provider calls are wrapped in a circuit breaker so a sustained run
// of failures against one provider stops adding load to it between
// retries, rather than retrying a dead dependency forever.
func New(opts ...Option) *Client {
	c := &Client{
		timeout:    60 * time.Second,
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	if c.breaker == nil {
		c.breaker = resilience.New("llm", resilience.DefaultConfig(), nil)
	}
	return c
}

func providerFor(model string) (Provider, error) {
	switch {
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1"):
		return ProviderOpenAI, nil
	case strings.HasPrefix(model, "claude"):
		return ProviderAnthropic, nil
	default:
		return "", apexerr.New("llm.providerFor", apexerr.KindConfiguration,
			fmt.Errorf("%w: %s", apexerr.ErrUnknownProvider, model))
	}
}

// CreateParams bundles the arguments to Create so the call site reads
// cleanly regardless of how many optional knobs are set.
type CreateParams struct {
	Model       string
	Messages    []Message
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
}

// Create dispatches to the provider implied by params.Model, retrying
// transient failures up to the client's configured retry budget.
// Misconfiguration (unknown provider, missing API key) is never retried.
func (c *Client) Create(ctx context.Context, params CreateParams) (*Response, error) {
	provider, err := providerFor(params.Model)
	if err != nil {
		return nil, err
	}

	var resp *Response
	var callErr error
	backoff := time.Second

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		callErr = c.breaker.Execute(ctx, func() error {
			var err error
			switch provider {
			case ProviderOpenAI:
				resp, err = c.openAICreate(ctx, params)
			case ProviderAnthropic:
				resp, err = c.anthropicCreate(ctx, params)
			}
			return err
		})
		if callErr == nil {
			return resp, nil
		}
		if !apexerr.IsRetryable(callErr) {
			return nil, callErr
		}
		if attempt == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
	}
	return nil, apexerr.New("llm.Create", apexerr.KindProvider, fmt.Errorf("%w: %v", apexerr.ErrMaxRetriesExceeded, callErr))
}

type openAIFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	Tools       []openAITool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *Client) openAICreate(ctx context.Context, p CreateParams) (*Response, error) {
	if c.openaiAPIKey == "" {
		return nil, apexerr.New("llm.openAICreate", apexerr.KindConfiguration,
			fmt.Errorf("%w: OpenAI API key not configured", apexerr.ErrMissingConfiguration))
	}

	req := openAIRequest{Model: p.Model, Temperature: p.Temperature, MaxTokens: p.MaxTokens}
	for _, m := range p.Messages {
		req.Messages = append(req.Messages, openAIMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID})
	}
	for _, t := range p.Tools {
		req.Tools = append(req.Tools, openAITool{Type: "function", Function: openAIFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters}})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, apexerr.New("llm.openAICreate", apexerr.KindUnknown, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, apexerr.New("llm.openAICreate", apexerr.KindUnknown, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.openaiAPIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	data, err := c.doRequest(httpReq)
	if err != nil {
		return nil, err
	}

	var out openAIResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, apexerr.New("llm.openAICreate", apexerr.KindProvider, err)
	}
	if len(out.Choices) == 0 {
		return nil, apexerr.New("llm.openAICreate", apexerr.KindProvider, fmt.Errorf("empty choices in response"))
	}
	choice := out.Choices[0]

	var toolCalls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		toolCalls = append(toolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}

	usage := Usage{PromptTokens: out.Usage.PromptTokens, CompletionTokens: out.Usage.CompletionTokens, TotalTokens: out.Usage.TotalTokens}
	return &Response{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		Usage:        usage,
		Model:        p.Model,
		Cost:         CalculateCost(p.Model, usage.PromptTokens, usage.CompletionTokens),
		FinishReason: choice.FinishReason,
	}, nil
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type  string                 `json:"type"`
		Text  string                 `json:"text"`
		ID    string                 `json:"id"`
		Name  string                 `json:"name"`
		Input map[string]interface{} `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Client) anthropicCreate(ctx context.Context, p CreateParams) (*Response, error) {
	if c.anthropicAPIKey == "" {
		return nil, apexerr.New("llm.anthropicCreate", apexerr.KindConfiguration,
			fmt.Errorf("%w: Anthropic API key not configured", apexerr.ErrMissingConfiguration))
	}

	var system string
	var messages []anthropicMessage
	for _, m := range p.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := p.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	req := anthropicRequest{Model: p.Model, Messages: messages, System: system, MaxTokens: maxTokens}
	for _, t := range p.Tools {
		req.Tools = append(req.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, apexerr.New("llm.anthropicCreate", apexerr.KindUnknown, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.anthropic.com/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, apexerr.New("llm.anthropicCreate", apexerr.KindUnknown, err)
	}
	httpReq.Header.Set("x-api-key", c.anthropicAPIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("Content-Type", "application/json")

	data, err := c.doRequest(httpReq)
	if err != nil {
		return nil, err
	}

	var out anthropicResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, apexerr.New("llm.anthropicCreate", apexerr.KindProvider, err)
	}

	var content string
	var toolCalls []ToolCall
	for _, block := range out.Content {
		switch block.Type {
		case "text":
			content = block.Text
		case "tool_use":
			toolCalls = append(toolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Input})
		}
	}

	usage := Usage{
		PromptTokens:     out.Usage.InputTokens,
		CompletionTokens: out.Usage.OutputTokens,
		TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
	}
	return &Response{
		Content:      content,
		ToolCalls:    toolCalls,
		Usage:        usage,
		Model:        p.Model,
		Cost:         CalculateCost(p.Model, usage.PromptTokens, usage.CompletionTokens),
		FinishReason: out.StopReason,
	}, nil
}

func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apexerr.New("llm.doRequest", apexerr.KindTransientIO, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apexerr.New("llm.doRequest", apexerr.KindTransientIO, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, apexerr.New("llm.doRequest", apexerr.KindRateLimit, fmt.Errorf("rate limited: %s", string(data)))
	}
	if resp.StatusCode >= 500 {
		return nil, apexerr.New("llm.doRequest", apexerr.KindTransientIO, fmt.Errorf("server error %d: %s", resp.StatusCode, string(data)))
	}
	if resp.StatusCode >= 400 {
		return nil, apexerr.New("llm.doRequest", apexerr.KindProvider, fmt.Errorf("request failed %d: %s", resp.StatusCode, string(data)))
	}
	return data, nil
}

// CountTokens is a best-effort token estimator; nothing in the runtime
// calls it, and cost is always computed from the provider's returned
// usage, never from this estimate. Approximates tiktoken's
// cl100k_base behavior at roughly 4 characters per token.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

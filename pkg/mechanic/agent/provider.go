// provider.go implements the OpenAI-compatible chat-completions client used
// for both the primary and secondary endpoints: bearer auth, bounded retries
// with linear backoff, Retry-After handling, and sequential model fallback.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrAPIKeyMissing means the provider has no credential configured. It is
// fatal for the call: never retried, never escalated, aborts model fallback.
var ErrAPIKeyMissing = errors.New("api key not configured")

// ErrAllModelsFailed wraps the last error after every model in the fallback
// chain has been exhausted.
var ErrAllModelsFailed = errors.New("all models failed")

// errEmptyResponse marks a 200 response whose message carried neither
// content nor tool calls. Treated as retryable.
var errEmptyResponse = errors.New("provider returned empty content and no tool calls")

// retryableStatuses are the HTTP statuses worth another attempt. 429 is
// handled separately: retryable only when retry_on_rate_limit is set.
var retryableStatuses = map[int]bool{
	408: true,
	409: true,
	425: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// escalatableStatuses are the failures the runtime may hand to the secondary
// provider mid-turn.
var escalatableStatuses = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// apiError is a non-2xx response from a provider.
type apiError struct {
	provider   string
	statusCode int
	body       string
	retryAfter time.Duration
}

func (e *apiError) Error() string {
	body := e.body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.provider, e.statusCode, body)
}

// ChatMessage is one entry of the chat-completions messages array. The same
// shape serves requests, assistant responses, and tool result messages.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested function invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and raw JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes one callable tool to the model.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef is the function portion of a tool definition.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Usage is the token accounting block of a completion response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionOptions are per-call parameters for Complete.
type CompletionOptions struct {
	// Model overrides the client default when Models is empty.
	Model string

	// Models is an ordered fallback chain tried strictly sequentially.
	Models []string

	MaxTokens   int
	Temperature float64
	Tools       []ToolDefinition
	ToolChoice  string

	// OnRetry is invoked synchronously before each backoff sleep.
	OnRetry func(model string, attempt int, delay time.Duration)

	// OnModelFallback is invoked synchronously before trying the next
	// model in the chain.
	OnModelFallback func(from, to string)
}

// CompletionResult is a successful completion plus fallback accounting.
// FallbackCount is the index of the winning model within AttemptedModels.
type CompletionResult struct {
	Message         ChatMessage
	Model           string
	FallbackCount   int
	AttemptedModels []string
	Usage           *Usage
}

// completer is the provider surface the runtime and renderer depend on, so
// tests can substitute a stub.
type completer interface {
	Complete(ctx context.Context, messages []ChatMessage, opts CompletionOptions) (*CompletionResult, error)
	HasAPIKey() bool
	Name() string
}

// Client talks to one OpenAI-compatible chat-completions endpoint.
type Client struct {
	name             string
	baseURL          string
	apiKey           string
	model            string
	attempts         int
	baseDelay        time.Duration
	retryOnRateLimit bool
	httpClient       *http.Client
	logger           *slog.Logger
}

// NewClient builds a provider client from its config section.
func NewClient(cfg ProviderConfig, logger *slog.Logger) *Client {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		name:             cfg.Name,
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:           cfg.APIKey,
		model:            cfg.Model,
		attempts:         attempts,
		baseDelay:        baseDelay,
		retryOnRateLimit: cfg.RetryOnRateLimit,
		httpClient:       &http.Client{Timeout: timeout},
		logger:           logger.With("component", "provider", "provider", cfg.Name),
	}
}

// Name returns the provider label used in logs and metadata.
func (c *Client) Name() string { return c.name }

// HasAPIKey reports whether a credential is configured. The runtime checks
// this before escalating to the secondary provider.
func (c *Client) HasAPIKey() bool { return c.apiKey != "" }

// Complete runs the fallback chain: each model gets its own retry budget,
// models are tried strictly in order, and the first success wins. A missing
// API key fails immediately without touching the network.
func (c *Client) Complete(ctx context.Context, messages []ChatMessage, opts CompletionOptions) (*CompletionResult, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%s: %w", c.name, ErrAPIKeyMissing)
	}

	models := opts.Models
	if len(models) == 0 {
		model := opts.Model
		if model == "" {
			model = c.model
		}
		models = []string{model}
	}

	attempted := make([]string, 0, len(models))
	var lastErr error

	for i, model := range models {
		if i > 0 {
			c.logger.Warn("model failed, falling back",
				"failed_model", models[i-1],
				"next_model", model,
				"error", lastErr)
			if opts.OnModelFallback != nil {
				opts.OnModelFallback(models[i-1], model)
			}
		}
		attempted = append(attempted, model)

		result, err := c.completeModel(ctx, model, messages, opts)
		if err == nil {
			result.Model = model
			result.FallbackCount = i
			result.AttemptedModels = attempted
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrAPIKeyMissing) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("completion aborted: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("%s: %w after %d model(s): %w", c.name, ErrAllModelsFailed, len(attempted), lastErr)
}

// completeModel runs the per-model attempt loop with linear backoff
// (baseDelay * attempt), honoring a larger Retry-After when present.
func (c *Client) completeModel(ctx context.Context, model string, messages []ChatMessage, opts CompletionOptions) (*CompletionResult, error) {
	var lastErr error

	for attempt := 1; attempt <= c.attempts; attempt++ {
		result, err := c.completeOnce(ctx, model, messages, opts)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !c.retryable(err) || attempt == c.attempts {
			return nil, err
		}

		delay := c.baseDelay * time.Duration(attempt)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.retryAfter > delay {
			delay = apiErr.retryAfter
		}

		c.logger.Warn("completion attempt failed, retrying",
			"model", model,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		if opts.OnRetry != nil {
			opts.OnRetry(model, attempt, delay)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

// retryable decides whether an error is worth another attempt on the same
// model. Transport failures default to retryable; rate limits only when the
// client is configured for it.
func (c *Client) retryable(err error) bool {
	if errors.Is(err, ErrAPIKeyMissing) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		if apiErr.statusCode == http.StatusTooManyRequests {
			return c.retryOnRateLimit
		}
		return retryableStatuses[apiErr.statusCode]
	}
	return true
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []ChatMessage    `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// completeOnce performs a single HTTP round trip.
func (c *Client) completeOnce(ctx context.Context, model string, messages []ChatMessage, opts CompletionOptions) (*CompletionResult, error) {
	reqBody := chatRequest{
		Model:      model,
		Messages:   messages,
		MaxTokens:  opts.MaxTokens,
		Tools:      opts.Tools,
		ToolChoice: opts.ToolChoice,
	}
	if opts.Temperature > 0 {
		temp := opts.Temperature
		reqBody.Temperature = &temp
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, &apiError{
			provider:   c.name,
			statusCode: resp.StatusCode,
			body:       strings.TrimSpace(string(body)),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", c.name, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%s: %w", c.name, errEmptyResponse)
	}

	msg := parsed.Choices[0].Message
	msg.Content = strings.TrimSpace(msg.Content)
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return nil, fmt.Errorf("%s: %w", c.name, errEmptyResponse)
	}

	return &CompletionResult{Message: msg, Usage: parsed.Usage}, nil
}

// parseRetryAfter handles the delta-seconds form of the Retry-After header.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// shouldEscalate reports whether a primary-provider failure qualifies for
// same-round escalation to the secondary: rate limits, 5xx, timeouts, and
// network failures. Config errors never escalate.
func shouldEscalate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAPIKeyMissing) {
		return false
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return escalatableStatuses[apiErr.statusCode]
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// isRateLimited reports whether the error chain contains a 429.
func isRateLimited(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.statusCode == http.StatusTooManyRequests
}

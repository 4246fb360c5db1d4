package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Reasoner performs one reasoning call: a system instruction plus a user
// prompt in, the raw model text out. Stages decode the text themselves.
type Reasoner interface {
	Evaluate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Defaults for the chat completions call.
const (
	DefaultModel       = "gpt-4.1-mini"
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 2000
)

// Client is a Reasoner backed by an OpenAI-compatible chat completions API.
// Responses are requested in JSON object format.
type Client struct {
	api         *openai.Client
	model       string
	temperature float32
	maxTokens   int
	retry       RetryConfig
	logger      *slog.Logger

	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithModel overrides the model name.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = float32(t) }
}

// WithMaxTokens overrides the completion token limit.
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithBaseURL points the client at another OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(r RetryConfig) Option {
	return func(c *Client) { c.retry = r }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a Client authenticating with apiKey.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		model:       DefaultModel,
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
		retry:       DefaultRetryConfig(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	cfg := openai.DefaultConfig(apiKey)
	if c.baseURL != "" {
		cfg.BaseURL = c.baseURL
	}
	if c.httpClient != nil {
		cfg.HTTPClient = c.httpClient
	}
	c.api = openai.NewClientWithConfig(cfg)
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Evaluate sends the prompts and returns the first choice's content.
// Transient failures are retried with backoff; the last error is returned
// once attempts are exhausted.
func (c *Client) Evaluate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	attempts := c.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		content, err := c.complete(ctx, req)
		if err == nil {
			c.logger.DebugContext(ctx, "reasoning call completed",
				"model", c.model, "attempt", attempt, "duration", time.Since(start))
			return content, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == attempts {
			break
		}

		wait := c.retry.backoff(attempt)
		c.logger.WarnContext(ctx, "reasoning call failed, retrying",
			"model", c.model, "attempt", attempt, "backoff", wait, "error", err)
		select {
		case <-ctx.Done():
			return "", NewFatalError(ctx.Err())
		case <-time.After(wait):
		}
	}
	return "", fmt.Errorf("reasoning call: %w", lastErr)
}

func (c *Client) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", NewTransientError(errors.New("empty choices in response"))
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", NewTransientError(errors.New("empty content in response"))
	}
	return content, nil
}

// Unavailable is a Reasoner that always fails. It stands in when no API key
// is configured, so every stage runs on its fallback.
type Unavailable struct {
	Reason string
}

// Evaluate always returns a FatalError.
func (u Unavailable) Evaluate(context.Context, string, string) (string, error) {
	reason := u.Reason
	if reason == "" {
		reason = "reasoning backend not configured"
	}
	return "", NewFatalError(errors.New(reason))
}

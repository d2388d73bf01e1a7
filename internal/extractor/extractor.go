// Package extractor turns receipt text into structured transaction fields by
// asking an OpenAI-compatible chat completion endpoint.
package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// Defaults for the extraction service.
const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "openai/gpt-4.1-nano"
	DefaultTimeout = time.Minute
)

// Limiter gates outbound calls to the extraction service.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Options configure a Client.
type Options struct {
	BaseURL           string
	APIKey            string
	Model             string
	Timeout           time.Duration // per request
	RequestsPerMinute int           // 0 disables the limiter
	HTTPClient        *http.Client
}

// Client calls the chat completion API once per receipt.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	limiter Limiter
	logger  *slog.Logger
}

// New creates a Client.
func New(opts Options, logger *slog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	cfg.BaseURL = opts.BaseURL
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}

	c := &Client{
		api:     openai.NewClientWithConfig(cfg),
		model:   opts.Model,
		timeout: opts.Timeout,
		logger:  logger,
	}
	if opts.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	return c
}

// Extract sends text with the fixed prompt and parses the model's answer.
// Errors are *CallError when the request failed and *ResponseError when the
// answer could not be used.
func (c *Client) Extract(ctx context.Context, text string) (Fields, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Fields{}, &CallError{Err: fmt.Errorf("rate wait: %w", err)}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: Prompt + text},
		},
	})
	if err != nil {
		return Fields{}, &CallError{Err: err}
	}
	if len(resp.Choices) == 0 {
		return Fields{}, &ResponseError{Err: ErrEmptyResponse}
	}

	content := resp.Choices[0].Message.Content
	fields, err := ParseContent(content)
	if err != nil {
		return Fields{}, err
	}

	category, ok := NormalizeCategory(fields.Category)
	if !ok {
		c.logger.Warn("category outside vocabulary",
			"category", fields.Category,
			"replacement", category,
		)
	}
	fields.Category = category

	c.logger.Debug("receipt extracted",
		"model", c.model,
		"category", fields.Category,
		"total", fields.Total.String(),
		"date", fields.Date,
		"place", fields.Place,
	)
	return fields, nil
}

// Package genai provides GenAI-enhanced operations using the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"
)

// Default settings for the chat completion client.
const (
	DefaultModel       = string(openai.ChatModelGPT4oMini)
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 400
)

var (
	// ErrAPIKeyNotSet is returned when no API key is configured.
	ErrAPIKeyNotSet = errors.New("OPENAI_API_KEY not set")
	// ErrNoChoicesReturned is returned when the API responds without any choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
)

// chatService defines the minimal interface for chat completions.
// *openai.ChatCompletionService satisfies it.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int64
	RatePerSec  float64 // zero disables client-side rate limiting
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithRateLimit limits outgoing requests to perSec per second.
func WithRateLimit(perSec float64) Option {
	return func(o *Opts) { o.RatePerSec = perSec }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
	limiter     *rate.Limiter
}

// NewClient initializes a new GenAI client. The API key falls back to the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel, Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI.NewClient: client created", "model", cfg.Model, "ratePerSec", cfg.RatePerSec)
	return newClient(&cli.Chat.Completions, cfg), nil
}

func newClient(chat chatService, cfg Opts) *Client {
	c := &Client{
		chat:        chat,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return c
}

// Complete sends one system + user exchange and returns the first choice's content.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(c.maxTokens),
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Warn("GenAI.Complete: request failed", "model", c.model, "error", err)
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

package perception

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"deskpilot/internal/fault"
	"deskpilot/internal/logging"
)

// DefaultGeminiModel balances latency against reasoning quality for
// step-level decisions.
const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiConfig configures the Gemini model backend.
type GeminiConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// GeminiClient implements ModelBackend over the Google GenAI SDK.
type GeminiClient struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

var _ ModelBackend = (*GeminiClient)(nil)

// NewGeminiClient creates a Gemini-backed model client.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultGeminiModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiClient{client: client, model: model, timeout: timeout}, nil
}

// Generate runs one completion. Errors come back as *fault.Record with
// Kind ModelFailure; retryability follows the transient heuristic over
// the API status code. A cancelled context yields CancelRequested.
func (c *GeminiClient) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cfg := &genai.GenerateContentConfig{}
	if opts.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(opts.SystemPrompt, genai.RoleUser)
	}
	if opts.Temperature > 0 {
		cfg.Temperature = genai.Ptr(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}

	start := time.Now()
	result, err := c.client.Models.GenerateContent(ctx, c.model,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, cfg)
	lg := logging.Get(logging.CategoryAPI)
	if err != nil {
		rec := classifyGenAIError(err)
		lg.Warnw("generate failed", "model", c.model, "retryable", rec.Retryable, "err", err)
		return "", rec
	}

	text := result.Text()
	if text == "" {
		return "", fault.New(fault.ModelFailure, "model returned empty response")
	}
	lg.Debugw("generate ok", "model", c.model, "dur_ms", time.Since(start).Milliseconds(), "chars", len(text))
	return text, nil
}

// classifyGenAIError maps SDK errors to the taxonomy without string
// matching: the API status code decides retryability.
func classifyGenAIError(err error) *fault.Record {
	if errors.Is(err, context.Canceled) {
		return fault.New(fault.CancelRequested, err.Error())
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return fault.FromModelError(apiErr.Code, err)
	}
	return fault.FromModelError(0, err)
}

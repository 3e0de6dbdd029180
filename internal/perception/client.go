// Package perception defines the model and screen collaborator contracts
// the engine consumes, plus the Gemini model client. The engine never
// talks to a provider directly; it sees only these interfaces and typed
// fault records.
package perception

import (
	"context"
	"time"
)

// GenerateOptions tunes a single model call.
type GenerateOptions struct {
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
	// Deadline bounds the call; zero leaves the backend's default timeout
	// in force. The caller's context deadline applies either way.
	Deadline time.Duration
}

// ModelBackend is the language-model contract: one prompt in, one text
// out. Failures are *fault.Record values with Kind ModelFailure and a
// retryability that already reflects the transient heuristic, or Kind
// CancelRequested when the caller's context was cancelled.
type ModelBackend interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// Image is an opaque captured frame. The core never inspects pixels; it
// hands the bytes back to Analyze.
type Image struct {
	Data   []byte
	Format string // "png", "jpeg", ...
}

// ScreenBackend is the perception contract: capture a frame, or answer a
// query about one. Failures are *fault.Record values with Kind
// PerceptionFailure.
type ScreenBackend interface {
	Capture(ctx context.Context) (Image, error)
	Analyze(ctx context.Context, img Image, query string) (string, error)
}

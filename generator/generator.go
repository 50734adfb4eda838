// Package generator abstracts the upstream text generation provider.
package generator

import (
	"context"

	"github.com/c360/tokenstream/config"
	"github.com/c360/tokenstream/errors"
)

// Request describes one generation call.
type Request struct {
	// Prompt is the full prompt text
	Prompt string

	// SystemPrompt seeds the conversation with system-role instructions;
	// empty means none
	SystemPrompt string

	// Model overrides the configured default model when non-empty
	Model string

	// MaxTokens caps the completion length; zero uses the configured default
	MaxTokens int

	// Temperature is the sampling temperature
	Temperature float64
}

// Response is the result of a generation call.
type Response struct {
	// Content is the complete generated text
	Content string

	// Model is the model that actually served the request
	Model string

	// TokensUsed is the total token count reported by the provider,
	// zero when the provider does not report usage
	TokensUsed int
}

// Generator produces text for prompts. Implementations must be safe
// for concurrent use; sessions in the parallel strategy issue several
// calls at once.
type Generator interface {
	// Generate produces a completion for the request. Blocking;
	// honors ctx cancellation and deadline.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Name identifies the provider for logging and metrics.
	Name() string
}

// New builds the generator selected by the configuration.
func New(cfg config.GeneratorConfig) (Generator, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAI(cfg)
	case config.ProviderStub:
		return NewStub(), nil
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "generator", "New",
			"unknown provider: "+cfg.Provider)
	}
}

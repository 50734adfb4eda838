package generator

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/c360/tokenstream/config"
	"github.com/c360/tokenstream/errors"
	"github.com/c360/tokenstream/pkg/retry"
)

// OpenAIGenerator calls an OpenAI-compatible chat completion API.
//
// Works with OpenAI cloud and any compatible server (LocalAI, vLLM,
// Ollama with the OpenAI shim) via the BaseURL override.
type OpenAIGenerator struct {
	client    *openai.Client
	model     string
	maxTokens int
	retryCfg  retry.Config
}

// NewOpenAI creates a generator backed by the OpenAI chat API.
func NewOpenAI(cfg config.GeneratorConfig) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "OpenAIGenerator", "New",
			"api key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.RequestTimeout.Std() > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout.Std()}
	}

	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	return &OpenAIGenerator{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     model,
		maxTokens: cfg.MaxTokens,
		retryCfg:  retry.Generation(),
	}, nil
}

// Name implements Generator.
func (g *OpenAIGenerator) Name() string {
	return config.ProviderOpenAI
}

// Generate implements Generator. Transient API failures are retried
// with exponential backoff; authentication and request errors fail
// immediately.
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidKey, "OpenAIGenerator", "Generate",
			"prompt cannot be empty")
	}

	model := req.Model
	if model == "" {
		model = g.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.maxTokens
	}

	var messages []openai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: req.Prompt,
	})

	apiReq := openai.ChatCompletionRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: float32(req.Temperature),
		Messages:    messages,
	}

	resp, err := retry.DoWithResult(ctx, g.retryCfg, func() (openai.ChatCompletionResponse, error) {
		r, err := g.client.CreateChatCompletion(ctx, apiReq)
		if err != nil && !isRetryableAPIError(err) {
			return r, retry.NonRetryable(err)
		}
		return r, err
	})
	if err != nil {
		return nil, errors.WrapTransient(errors.ErrGenerationFailed, "OpenAIGenerator", "Generate",
			err.Error())
	}

	if len(resp.Choices) == 0 {
		return nil, errors.WrapTransient(errors.ErrGenerationFailed, "OpenAIGenerator", "Generate",
			"api returned no choices")
	}

	return &Response{
		Content:    resp.Choices[0].Message.Content,
		Model:      resp.Model,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

// isRetryableAPIError reports whether an API error is worth retrying.
// Rate limits and server errors are transient; 4xx request errors are not.
func isRetryableAPIError(err error) bool {
	var apiErr *openai.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	// Network-level failures arrive as plain errors
	return true
}

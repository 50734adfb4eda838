package generator

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/c360/tokenstream/config"
	"github.com/c360/tokenstream/errors"
)

func TestNew_SelectsProvider(t *testing.T) {
	g, err := New(config.GeneratorConfig{Provider: config.ProviderStub})
	if err != nil {
		t.Fatalf("New stub failed: %v", err)
	}
	if g.Name() != config.ProviderStub {
		t.Errorf("expected stub, got %s", g.Name())
	}

	g, err = New(config.GeneratorConfig{Provider: config.ProviderOpenAI, APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("New openai failed: %v", err)
	}
	if g.Name() != config.ProviderOpenAI {
		t.Errorf("expected openai, got %s", g.Name())
	}

	if _, err := New(config.GeneratorConfig{Provider: "unknown"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestNewOpenAI_RequiresKey(t *testing.T) {
	if _, err := NewOpenAI(config.GeneratorConfig{}); err == nil {
		t.Error("expected error without api key")
	}
}

func TestStub_EchoesPrompt(t *testing.T) {
	g := NewStub()

	resp, err := g.Generate(context.Background(), Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Content != "stub response for: hello" {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if g.Calls() != 1 {
		t.Errorf("expected 1 call, got %d", g.Calls())
	}
}

func TestStub_CannedResponse(t *testing.T) {
	g := NewStub()
	g.Respond("the prompt", "the answer")

	resp, err := g.Generate(context.Background(), Request{Prompt: "the prompt"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Content != "the answer" {
		t.Errorf("expected canned answer, got %q", resp.Content)
	}
}

func TestStub_FailureInjection(t *testing.T) {
	g := NewStub()
	g.FailWith("bad prompt", stderrors.New("upstream exploded"))

	_, err := g.Generate(context.Background(), Request{Prompt: "bad prompt"})
	if !stderrors.Is(err, errors.ErrGenerationFailed) {
		t.Errorf("expected ErrGenerationFailed, got %v", err)
	}
}

func TestStub_EmptyPrompt(t *testing.T) {
	g := NewStub()
	if _, err := g.Generate(context.Background(), Request{Prompt: "  "}); err == nil {
		t.Error("expected error for blank prompt")
	}
}

func TestStub_ContextCancellation(t *testing.T) {
	g := NewStub()
	g.SetDelay(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := g.Generate(ctx, Request{Prompt: "slow"})
	if !stderrors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("cancellation took too long: %v", elapsed)
	}
}

func TestIsRetryableAPIError(t *testing.T) {
	// Plain network errors retry
	if !isRetryableAPIError(stderrors.New("connection refused")) {
		t.Error("network errors should be retryable")
	}
}

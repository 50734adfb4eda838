package generator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/tokenstream/config"
	"github.com/c360/tokenstream/errors"
)

// StubGenerator is a deterministic in-process generator for tests and
// local development. By default it echoes a transformation of the
// prompt; canned responses and failure injection cover specific cases.
type StubGenerator struct {
	mu        sync.Mutex
	responses map[string]string
	failWith  map[string]error
	requests  []Request
	delay     time.Duration

	calls atomic.Int64
}

// NewStub creates a stub generator.
func NewStub() *StubGenerator {
	return &StubGenerator{
		responses: make(map[string]string),
		failWith:  make(map[string]error),
	}
}

// Name implements Generator.
func (g *StubGenerator) Name() string {
	return config.ProviderStub
}

// Respond registers a canned response for an exact prompt.
func (g *StubGenerator) Respond(prompt, response string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.responses[prompt] = response
}

// FailWith makes generation fail for an exact prompt.
func (g *StubGenerator) FailWith(prompt string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failWith[prompt] = err
}

// SetDelay adds an artificial delay to every call, for pacing and
// cancellation tests.
func (g *StubGenerator) SetDelay(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delay = d
}

// Calls returns the number of Generate invocations.
func (g *StubGenerator) Calls() int64 {
	return g.calls.Load()
}

// Requests returns every request seen so far, in arrival order.
func (g *StubGenerator) Requests() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Request(nil), g.requests...)
}

// Generate implements Generator.
func (g *StubGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	g.calls.Add(1)

	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidKey, "StubGenerator", "Generate",
			"prompt cannot be empty")
	}

	g.mu.Lock()
	g.requests = append(g.requests, req)
	delay := g.delay
	failErr, shouldFail := g.failWith[req.Prompt]
	canned, hasCanned := g.responses[req.Prompt]
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	if shouldFail {
		return nil, errors.WrapTransient(errors.ErrGenerationFailed, "StubGenerator", "Generate",
			failErr.Error())
	}

	content := canned
	if !hasCanned {
		content = fmt.Sprintf("stub response for: %s", req.Prompt)
	}

	return &Response{
		Content:    content,
		Model:      "stub",
		TokensUsed: len(strings.Fields(content)),
	}, nil
}

package session

import (
	"context"
	stderrors "errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/tokenstream/errors"
	"github.com/c360/tokenstream/generator"
	"github.com/c360/tokenstream/respcache"
)

// runSequential generates the full response in one call, then streams
// it as paced word chunks. Cache hits skip generation entirely; cache
// misses write the response through before streaming begins.
func (m *Manager) runSequential(ctx context.Context, sess *Session, req StartRequest) {
	content, source, err := m.resolveContent(ctx, sess, req)
	if err != nil {
		m.failSession(sess, err)
		return
	}

	chunks := splitChunks(content, m.cfg.ChunkSize)
	if err := m.streamChunks(ctx, sess, chunks, source); err != nil {
		m.failSession(sess, err)
		return
	}

	m.finish(sess, StateCompleted, nil)
}

// resolveContent returns the response text for a request, preferring
// the cache. A hit issues zero generator calls.
func (m *Manager) resolveContent(ctx context.Context, sess *Session, req StartRequest) (string, string, error) {
	var fingerprint string
	if m.cache != nil {
		fingerprint = respcache.Request{
			Prompt:       req.Prompt,
			SystemPrompt: req.SystemPrompt,
			Model:        req.Model,
			MaxTokens:    req.MaxTokens,
			Temperature:  req.Temperature,
		}.Fingerprint()

		if cached, ok := m.cache.Get(ctx, fingerprint); ok {
			m.logger.Debug("serving session from cache",
				"session", sess.ID, "fingerprint", fingerprint)
			return cached.Content, SourceCache, nil
		}
	}

	start := time.Now()
	resp, err := m.gen.Generate(ctx, generator.Request{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	})
	if m.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.metrics.RecordGenerationDuration(m.gen.Name(), status, time.Since(start))
	}
	if err != nil {
		return "", "", err
	}

	if m.cache != nil {
		if err := m.cache.Put(ctx, fingerprint, &respcache.CachedResponse{
			Content:   resp.Content,
			Model:     resp.Model,
			Provider:  m.gen.Name(),
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			// Write-through is best effort
			m.logger.Warn("cache write-through failed",
				"session", sess.ID, "error", err)
		}
	}

	return resp.Content, SourceGenerated, nil
}

// streamChunks delivers chunks in sequence order with the configured
// pacing delay between them. The first chunk goes out immediately.
func (m *Manager) streamChunks(ctx context.Context, sess *Session, chunks []string, source string) error {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if delay := m.cfg.ChunkDelay.Std(); delay > 0 {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
	}

	// Chunking is decided here; an empty response still emits one
	// terminating chunk
	total := len(chunks)
	if total == 0 {
		total = 1
	}
	sess.setTotalChunks(total)

	for i, content := range chunks {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		chunk := Chunk{
			SessionID: sess.ID,
			Sequence:  i,
			Content:   content,
			IsFinal:   i == len(chunks)-1,
			Source:    source,
			Priority:  sess.Priority,
		}
		if err := m.deliver(ctx, sess, chunk); err != nil {
			return err
		}
	}

	if len(chunks) == 0 {
		return m.deliver(ctx, sess, Chunk{
			SessionID: sess.ID,
			Sequence:  0,
			Content:   "",
			IsFinal:   true,
			Source:    source,
			Priority:  sess.Priority,
		})
	}

	return nil
}

// failSession records a terminal failure, distinguishing cancellation
// from genuine errors. A session cancelled through Cancel has already
// transitioned; the context error here simply loses the race.
func (m *Manager) failSession(sess *Session, err error) {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, errors.ErrSessionCancelled) {
		m.finish(sess, StateCancelled, errors.ErrSessionCancelled)
		return
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		m.finish(sess, StateTimedOut, errors.ErrSessionTimeout)
		return
	}

	if m.metrics != nil {
		m.metrics.RecordError("session", "generation")
	}
	m.finish(sess, StateErrored, err)
}

package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/c360/tokenstream/errors"
	"github.com/c360/tokenstream/generator"
	"github.com/c360/tokenstream/respcache"
)

// subResult is the outcome of one sub-prompt generation.
type subResult struct {
	index   int
	content string
	err     error
}

// runParallel splits the prompt into sub-prompts, generates them
// concurrently on the shared pool, and streams the surviving results
// re-sequenced in original order. Partial failure is tolerated: failed
// sub-prompts are dropped, the survivors are re-sorted by original
// index and re-numbered from zero, and the session records
// partial-failure metadata. Nothing is cached unless every sub-prompt
// succeeded.
func (m *Manager) runParallel(ctx context.Context, sess *Session, req StartRequest) {
	subPrompts := splitPrompt(req.Prompt, m.cfg.ParallelSplits)
	if len(subPrompts) == 0 {
		m.failSession(sess, errors.WrapInvalid(errors.ErrInvalidKey, "SessionManager", "runParallel",
			"prompt contains no words"))
		return
	}

	results := m.generateSubPrompts(ctx, sess, req, subPrompts)

	if err := ctx.Err(); err != nil {
		m.failSession(sess, err)
		return
	}

	var succeeded []subResult
	var failedIndices []int
	for _, r := range results {
		if r.err != nil {
			failedIndices = append(failedIndices, r.index)
			m.logger.Warn("sub-prompt generation failed",
				"session", sess.ID, "sub_prompt", r.index, "error", r.err)
			continue
		}
		succeeded = append(succeeded, r)
	}

	if len(succeeded) == 0 {
		m.failSession(sess, errors.WrapTransient(errors.ErrGenerationFailed,
			"SessionManager", "runParallel", "all sub-prompts failed"))
		return
	}

	// Surviving sub-responses stream in original prompt order with a
	// fresh gapless sequence
	sort.Slice(succeeded, func(i, j int) bool {
		return succeeded[i].index < succeeded[j].index
	})

	var chunks []string
	for _, r := range succeeded {
		chunks = append(chunks, splitChunks(r.content, m.cfg.ChunkSize)...)
	}

	partial := len(failedIndices) > 0
	if partial {
		sort.Ints(failedIndices)
		sess.setPartial(&PartialFailure{
			FailedSubPrompts: failedIndices,
			Requested:        len(subPrompts),
			Succeeded:        len(succeeded),
		})
	}

	if err := m.streamChunks(ctx, sess, chunks, SourceGenerated); err != nil {
		m.failSession(sess, err)
		return
	}

	// Only complete results are cacheable; a partial assembly must
	// never satisfy a future identical request
	if !partial && m.cache != nil {
		var full strings.Builder
		for i, r := range succeeded {
			if i > 0 {
				full.WriteByte(' ')
			}
			full.WriteString(r.content)
		}
		fingerprint := respcache.Request{
			Prompt:       req.Prompt,
			SystemPrompt: req.SystemPrompt,
			Model:        req.Model,
			MaxTokens:    req.MaxTokens,
			Temperature:  req.Temperature,
		}.Fingerprint()
		if err := m.cache.Put(ctx, fingerprint, &respcache.CachedResponse{
			Content:   full.String(),
			Model:     req.Model,
			Provider:  m.gen.Name(),
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			m.logger.Warn("cache write-through failed",
				"session", sess.ID, "error", err)
		}
	}

	if partial {
		m.finish(sess, StateCompleted, errors.WrapTransient(errors.ErrPartialGeneration,
			"SessionManager", "runParallel",
			fmt.Sprintf("%d of %d sub-prompts failed", len(failedIndices), len(subPrompts))))
		return
	}
	m.finish(sess, StateCompleted, nil)
}

// generateSubPrompts fans the sub-prompts out on the shared worker
// pool and gathers every result. A pool submission failure counts as a
// failed sub-prompt rather than aborting the session.
func (m *Manager) generateSubPrompts(ctx context.Context, sess *Session, req StartRequest, subPrompts []string) []subResult {
	out := make(chan subResult, len(subPrompts))

	for i, sub := range subPrompts {
		index, prompt := i, sub
		task := generationTask{
			ctx: ctx,
			run: func(ctx context.Context) {
				start := time.Now()
				resp, err := m.gen.Generate(ctx, generator.Request{
					Prompt:       prompt,
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
					out <- subResult{index: index, err: err}
					return
				}
				out <- subResult{index: index, content: resp.Content}
			},
		}
		if err := m.pool.Submit(task); err != nil {
			out <- subResult{index: index, err: errors.Wrap(err, "SessionManager",
				"generateSubPrompts", "pool submission failed")}
		}
	}

	results := make([]subResult, 0, len(subPrompts))
	for range subPrompts {
		select {
		case r := <-out:
			results = append(results, r)
		case <-ctx.Done():
			// Collect whatever already arrived; the rest count as failed
			for len(results) < len(subPrompts) {
				select {
				case r := <-out:
					results = append(results, r)
				default:
					results = append(results, subResult{
						index: -1, err: ctx.Err(),
					})
				}
			}
			return results
		}
	}
	return results
}

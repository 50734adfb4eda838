package session

import "strings"

// splitChunks splits text into chunks of at most chunkSize words,
// preserving word order. Whitespace runs collapse to single spaces.
// Empty or all-whitespace text yields no chunks.
func splitChunks(text string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = 1
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	chunks := make([]string, 0, (len(words)+chunkSize-1)/chunkSize)
	for i := 0; i < len(words); i += chunkSize {
		end := i + chunkSize
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[i:end], " "))
	}
	return chunks
}

// splitPrompt divides a prompt into at most n contiguous sub-prompts of
// near-equal word count. Prompts with fewer words than n yield one
// sub-prompt per word.
func splitPrompt(prompt string, n int) []string {
	if n <= 1 {
		return []string{prompt}
	}

	words := strings.Fields(prompt)
	if len(words) == 0 {
		return nil
	}
	if n > len(words) {
		n = len(words)
	}

	subs := make([]string, 0, n)
	base := len(words) / n
	extra := len(words) % n

	start := 0
	for i := 0; i < n; i++ {
		size := base
		// Spread the remainder across the leading sub-prompts
		if i < extra {
			size++
		}
		subs = append(subs, strings.Join(words[start:start+size], " "))
		start += size
	}
	return subs
}

package respcache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Request carries the fields that determine response identity. Two
// requests with the same fingerprint are interchangeable for caching.
type Request struct {
	// Prompt is the full user prompt text
	Prompt string `json:"prompt"`

	// SystemPrompt is the system-role instruction text, empty for none.
	// Requests that differ only in system prompt must never share an
	// entry.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Model identifies the generator model
	Model string `json:"model"`

	// MaxTokens caps the completion length
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature is the sampling temperature, rendered with fixed
	// precision so equal values always fingerprint identically
	Temperature float64 `json:"temperature,omitempty"`
}

// Fingerprint computes the cache key for a request: the hex-encoded
// SHA-256 digest of its canonical form. Client identity is deliberately
// excluded so identical requests from different clients share entries.
func (r Request) Fingerprint() string {
	var b strings.Builder
	b.WriteString(r.Model)
	b.WriteByte(0)
	b.WriteString(r.Prompt)
	b.WriteByte(0)
	b.WriteString(r.SystemPrompt)
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(r.MaxTokens))
	b.WriteByte(0)
	b.WriteString(strconv.FormatFloat(r.Temperature, 'f', 4, 64))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

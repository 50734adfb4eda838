// Package session manages streaming delivery sessions: lifecycle state,
// generation strategies, pacing, and cache write-through.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a session.
type State string

// Session states. Active is the only non-terminal state; every other
// state is terminal and write-once.
const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateErrored   State = "errored"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether the state is one of the terminal states.
func (s State) Terminal() bool {
	return s != StateActive
}

// Strategy selects how a session produces its chunks.
type Strategy string

// Generation strategies.
const (
	// StrategySequential generates the full response in one call and
	// streams it as paced chunks.
	StrategySequential Strategy = "sequential"

	// StrategyParallel splits the prompt into sub-prompts generated
	// concurrently, tolerating partial failure.
	StrategyParallel Strategy = "parallel"
)

// Chunk is one unit of streamed content.
type Chunk struct {
	// SessionID identifies the owning session
	SessionID string `json:"session_id"`

	// Sequence is the zero-based position of the chunk in the stream
	Sequence int `json:"sequence"`

	// Content is the chunk text
	Content string `json:"content"`

	// IsFinal marks the last chunk of the session
	IsFinal bool `json:"is_final"`

	// Source records where the content came from: generated or cache
	Source string `json:"source,omitempty"`

	// Priority carries the session's delivery priority to the transport
	Priority int `json:"priority,omitempty"`
}

// Chunk sources.
const (
	SourceGenerated = "generated"
	SourceCache     = "cache"
)

// PartialFailure describes a parallel session that lost some of its
// sub-prompts but still delivered the survivors.
type PartialFailure struct {
	// FailedSubPrompts holds the original indices of the failed sub-prompts
	FailedSubPrompts []int `json:"failed_sub_prompts"`

	// Requested is the total number of sub-prompts
	Requested int `json:"requested"`

	// Succeeded is the number of sub-prompts that generated successfully
	Succeeded int `json:"succeeded"`
}

// Session is a single streaming delivery session. State transitions are
// write-once: the first transition out of Active wins and later
// attempts are ignored.
type Session struct {
	ID           string
	ClientID     string
	Prompt       string
	SystemPrompt string
	Priority     int
	Strategy     Strategy

	mu        sync.Mutex
	state     State
	startedAt time.Time
	endedAt   time.Time
	failure   error
	partial   *PartialFailure

	// Chunk accounting, updated as delivery progresses. totalChunks is
	// set once chunking is decided; completedChunks never exceeds it.
	totalChunks     int
	completedChunks int
	bytesEmitted    int64
	latencySum      time.Duration

	// cancel aborts the running strategy goroutine
	cancel func()
}

// NewSession creates an active session from a start request. The cancel
// function aborts the running strategy; pass nil when no goroutine
// backs the session.
func NewSession(req StartRequest, strategy Strategy, cancel func()) *Session {
	return &Session{
		ID:           uuid.NewString(),
		ClientID:     req.ClientID,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Priority:     req.Priority,
		Strategy:     strategy,
		state:        StateActive,
		startedAt:    time.Now(),
		cancel:       cancel,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// Err returns the failure recorded at the terminal transition, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Partial returns partial-failure metadata for parallel sessions that
// lost sub-prompts, nil otherwise.
func (s *Session) Partial() *PartialFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial
}

// transition moves the session to a terminal state. Returns true on
// the first transition; the session is already terminal otherwise.
func (s *Session) transition(to State, cause error) bool {
	if !to.Terminal() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return false
	}
	s.state = to
	s.endedAt = time.Now()
	s.failure = cause
	return true
}

func (s *Session) setPartial(p *PartialFailure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial = p
}

// setTotalChunks records how many chunks the session will emit. Called
// once streaming begins, when the chunk count is known.
func (s *Session) setTotalChunks(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalChunks = n
}

// recordChunk accounts one delivered chunk.
func (s *Session) recordChunk(bytes int, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completedChunks++
	s.bytesEmitted += int64(bytes)
	s.latencySum += latency
}

// Progress returns the delivered and expected chunk counts. The total
// is zero until chunking is decided.
func (s *Session) Progress() (completed, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedChunks, s.totalChunks
}

// endedAt under lock, zero while active
func (s *Session) endedAtLocked() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// Snapshot is a point-in-time view of a session for status queries.
type Snapshot struct {
	ID              string          `json:"id"`
	ClientID        string          `json:"client_id"`
	Strategy        Strategy        `json:"strategy"`
	State           State           `json:"state"`
	StartedAt       time.Time       `json:"started_at"`
	EndedAt         time.Time       `json:"ended_at"`
	TotalChunks     int             `json:"total_chunks"`
	CompletedChunks int             `json:"completed_chunks"`
	BytesEmitted    int64           `json:"bytes_emitted"`
	AvgChunkLatency time.Duration   `json:"avg_chunk_latency,omitempty"`
	DurationMs      int64           `json:"duration_ms,omitempty"`
	Error           string          `json:"error,omitempty"`
	Partial         *PartialFailure `json:"partial,omitempty"`
}

// Snapshot returns a consistent copy of the session's current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:              s.ID,
		ClientID:        s.ClientID,
		Strategy:        s.Strategy,
		State:           s.state,
		StartedAt:       s.startedAt,
		EndedAt:         s.endedAt,
		TotalChunks:     s.totalChunks,
		CompletedChunks: s.completedChunks,
		BytesEmitted:    s.bytesEmitted,
		Partial:         s.partial,
	}
	if s.completedChunks > 0 {
		snap.AvgChunkLatency = s.latencySum / time.Duration(s.completedChunks)
	}
	if !s.endedAt.IsZero() {
		snap.DurationMs = s.endedAt.Sub(s.startedAt).Milliseconds()
	}
	if s.failure != nil {
		snap.Error = s.failure.Error()
	}
	return snap
}

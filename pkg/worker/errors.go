package worker

import "errors"

// Pool lifecycle and submission sentinels. Submit callers in the
// session layer treat ErrQueueFull as a failed sub-prompt rather than
// a fatal condition.
var (
	// ErrPoolNotStarted is returned by Submit before Start has run
	ErrPoolNotStarted = errors.New("pool not started")

	// ErrPoolStopped is returned by Submit after Stop
	ErrPoolStopped = errors.New("pool stopped")

	// ErrPoolAlreadyStarted is returned by a second Start
	ErrPoolAlreadyStarted = errors.New("pool already started")

	// ErrQueueFull means the task queue is at capacity; the task was
	// not accepted
	ErrQueueFull = errors.New("task queue full")

	// ErrNilProcessor panics pool construction; a pool without a
	// processor can never make progress
	ErrNilProcessor = errors.New("nil processor")

	// ErrStopTimeout means workers were still running when the stop
	// deadline passed
	ErrStopTimeout = errors.New("workers did not stop before deadline")
)

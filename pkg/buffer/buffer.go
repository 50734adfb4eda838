// Package buffer provides a generic, thread-safe circular buffer with
// configurable overflow policies.
//
// Statistics are always collected for observability. Prometheus metrics
// can be optionally enabled via the WithMetrics() functional option.
package buffer

import "time"

// Buffer represents a generic buffer parameterized by item type T.
type Buffer[T any] interface {
	// Write adds an item to the buffer. Behavior when full depends on
	// the overflow policy.
	Write(item T) error

	// WriteWithTimeout adds an item, waiting at most the given duration
	// for space under the Block policy. Other policies behave like Write.
	WriteWithTimeout(item T, timeout time.Duration) error

	// Read retrieves and removes one item from the buffer.
	Read() (T, bool)

	// ReadBatch retrieves and removes up to max items from the buffer.
	ReadBatch(max int) []T

	// Peek retrieves one item without removing it from the buffer.
	Peek() (T, bool)

	// Size returns the current number of items in the buffer.
	Size() int

	// Capacity returns the maximum number of items the buffer can hold.
	Capacity() int

	// IsFull returns true if the buffer is at maximum capacity.
	IsFull() bool

	// IsEmpty returns true if the buffer contains no items.
	IsEmpty() bool

	// Clear removes all items from the buffer.
	Clear()

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close shuts down the buffer and releases any resources.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest

	// Block causes Write operations to block until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is called when an item is dropped due to overflow policy.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a new circular buffer with the specified capacity and options.
// Returns an error if metrics registration fails when metrics are requested.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}

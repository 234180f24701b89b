package queue

import "errors"

var (
	// ErrQueueFull is returned by Put when a band is at capacity and the
	// caller-supplied deadline passes before space frees up.
	ErrQueueFull = errors.New("queue: full")

	// ErrClosed is returned by Put once the queue has been closed.
	ErrClosed = errors.New("queue: closed")

	// ErrCorrupt wraps an on-disk record that fails its minimum length
	// check (shorter than the fixed EventId prefix).
	ErrCorrupt = errors.New("queue: corrupt record")
)

package event

import "errors"

// ErrSizeExceeded is returned by any builder call that would grow the
// event past the allocator's size limit. The caller treats this as "drop
// the event", per spec.
var ErrSizeExceeded = errors.New("event: size exceeded")

// ErrSequence is returned when builder calls are made out of order (e.g.
// end_event before the current record is closed, or a field added
// without an open record).
var ErrSequence = errors.New("event: builder call sequence violation")

// ErrNoActiveBuild is returned when a builder method that requires an
// in-progress event is called without one.
var ErrNoActiveBuild = errors.New("event: no event in progress")

// ErrTruncated is returned by the reader when the buffer is shorter than
// its own header claims.
var ErrTruncated = errors.New("event: truncated buffer")

// ErrBadOffset is returned by the reader when an internal offset/length
// does not fit within the buffer (invariant (a) in spec.md §3).
var ErrBadOffset = errors.New("event: offset out of range")

// ErrBadVersion is returned when the header version is not one this
// reader understands.
var ErrBadVersion = errors.New("event: unsupported version")

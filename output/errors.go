package output

import "errors"

var (
	// ErrAckTimeout marks an in-flight event whose peer never acked it
	// within ack_timeout; the worker treats this as a connection
	// failure and reconnects, per spec.md §4.6.
	ErrAckTimeout = errors.New("output: ack timeout")

	// ErrProtocol marks a malformed frame or ack on the wire.
	ErrProtocol = errors.New("output: protocol error")
)

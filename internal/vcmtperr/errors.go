// Package vcmtperr defines the sentinel error kinds shared across the
// sender's components, per the error kinds table in the protocol design.
package vcmtperr

import "errors"

var (
	// ErrInvalidArgument marks a rejected SendProduct call (nil data, an
	// oversized product, or metadata too large for a single-datagram BOP)
	// or a second call to Start.
	ErrInvalidArgument = errors.New("vcmtp: invalid argument")

	// ErrIO marks a socket read/write/accept failure.
	ErrIO = errors.New("vcmtp: i/o error")

	// ErrSystem marks a failure to open the sender's multicast or TCP
	// socket while constructing it.
	ErrSystem = errors.New("vcmtp: system error")

	// ErrTableMiss is internal: a lookup against the retransmission table
	// found no entry. It never crosses a package boundary as-is — workers
	// translate it into a RETX_REJ reply instead of propagating it.
	ErrTableMiss = errors.New("vcmtp: retransmission entry not found")

	// ErrQueueDisabled is internal: it labels, in the timer task's debug
	// log, the exit that follows the delay queue's Pop reporting ok=false
	// because Disable has been called.
	ErrQueueDisabled = errors.New("vcmtp: delay queue disabled")
)

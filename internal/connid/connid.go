// Package connid defines the receiver/connection identifier type shared by
// the stream acceptor, the retransmission table, and the per-receiver
// workers, so those packages don't need to import one another just to name
// a connection.
package connid

import "sync/atomic"

// ID stably identifies one open TCP control connection for its lifetime.
// Values are assigned in increasing order and never reused.
type ID uint64

// Generator hands out strictly increasing IDs, starting at 1.
type Generator struct {
	next atomic.Uint64
}

// Next returns the next unused ID.
func (g *Generator) Next() ID {
	return ID(g.next.Add(1))
}

// Package worker implements the sender's per-receiver dispatch loop (C6):
// one goroutine per connected control connection, reading framed
// retransmission requests and completion messages and driving the
// retransmission table and multicast sink in response.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/vcmtp-project/sender3/internal/connid"
	"github.com/vcmtp-project/sender3/internal/notify"
	"github.com/vcmtp-project/sender3/internal/retx"
	"github.com/vcmtp-project/sender3/internal/util"
	"github.com/vcmtp-project/sender3/internal/vcmtperr"
	"github.com/vcmtp-project/sender3/internal/wire"
)

// Conn is the subset of stream.Conn a Worker needs, kept narrow so this
// package doesn't import the stream package.
type Conn interface {
	ID() connid.ID
	Send(h wire.Header, body []byte) error
	ReadMessage() (wire.Header, []byte, error)
	Close() error
}

// Registry is the subset of the acceptor's bookkeeping a Worker needs to
// deregister itself on exit.
type Registry interface {
	Remove(id connid.ID)
}

// Worker owns the lifecycle of one receiver's control connection: it
// reads framed messages until the connection closes or ctx is cancelled,
// handling retransmission requests and retx-end confirmations.
type Worker struct {
	conn     Conn
	table    *retx.Table
	registry Registry
	onDone   notify.Func
	dequeue  Dequeue

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	log *util.Logger
}

// Dequeue cancels a product's pending age-out timer, called when a
// worker observes early completion so the timer task never fires for a
// product that finished normally.
type Dequeue func(prodIndex uint32)

// New creates a Worker for an already-accepted connection. onDone is
// called exactly once per product when this receiver's confirmation
// empties that product's unfinished set. dequeue is called at the same
// moment, to cancel that product's pending age-out timer.
func New(parentCtx context.Context, conn Conn, table *retx.Table, registry Registry, onDone notify.Func, dequeue Dequeue) *Worker {
	ctx, cancel := context.WithCancel(parentCtx)
	return &Worker{
		conn:     conn,
		table:    table,
		registry: registry,
		onDone:   onDone,
		dequeue:  dequeue,
		ctx:      ctx,
		cancel:   cancel,
		log:      util.Tagged("worker"),
	}
}

// Run is the worker's main loop. It blocks until the connection closes,
// an unrecoverable read error occurs, or ctx is cancelled. Run always
// calls cleanup before returning, so it is safe to invoke as a bare `go
// w.Run()`.
func (w *Worker) Run() {
	defer w.cleanup()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.readLoop()
	}()

	select {
	case <-done:
	case <-w.ctx.Done():
		w.conn.Close() // unblock the blocking Read in readLoop
		<-done
	}
}

func (w *Worker) readLoop() {
	for {
		h, body, err := w.conn.ReadMessage()
		if err != nil {
			return
		}
		w.handle(h, body)
	}
}

func (w *Worker) handle(h wire.Header, body []byte) {
	switch h.Flags {
	case wire.FlagRetxReq:
		w.handleRetxReq(h)
	case wire.FlagBopReq:
		w.handleBopReq(h)
	case wire.FlagEopReq:
		w.handleEopReq(h)
	case wire.FlagRetxEnd:
		w.handleRetxEnd(h)
	default:
		w.log.Warn("unrecognized control message flag %d from %v", h.Flags, w.conn.ID())
	}
}

// handleRetxReq answers a request for the byte range
// [h.SeqNum, h.SeqNum+h.PayloadLen) of the product, clamped to the
// product's actual length. The start is aligned down to the wire.DataLen
// boundary of the block containing h.SeqNum, and the range is served as
// a sequence of wire.DataLen-sized RETX_DATA frames, same as the
// multicast blocking.
func (w *Worker) handleRetxReq(h wire.Header) {
	e, ok := w.table.Get(h.ProdIndex)
	if !ok {
		w.rejectTableMiss(h.ProdIndex)
		return
	}
	start := h.SeqNum - h.SeqNum%wire.DataLen
	if int(start) >= len(e.Data) {
		w.rejectTableMiss(h.ProdIndex)
		return
	}
	end := int(h.SeqNum) + int(h.PayloadLen)
	if end > len(e.Data) {
		end = len(e.Data)
	}
	for offset := int(start); offset < end; offset += wire.DataLen {
		blockEnd := offset + wire.DataLen
		if blockEnd > end {
			blockEnd = end
		}
		block := e.Data[offset:blockEnd]
		w.conn.Send(wire.Header{
			ProdIndex:  h.ProdIndex,
			SeqNum:     uint32(offset),
			PayloadLen: uint16(len(block)),
			Flags:      wire.FlagRetxData,
		}, block)
	}
}

func (w *Worker) handleBopReq(h wire.Header) {
	e, ok := w.table.Get(h.ProdIndex)
	if !ok {
		w.rejectTableMiss(h.ProdIndex)
		return
	}
	body := wire.EncodeBOPFixed(e.ProdLength, uint16(len(e.Metadata)))
	body = append(body, e.Metadata...)
	w.conn.Send(wire.Header{ProdIndex: h.ProdIndex, PayloadLen: uint16(len(body)), Flags: wire.FlagRetxBOP}, body)
}

func (w *Worker) handleEopReq(h wire.Header) {
	if _, ok := w.table.Get(h.ProdIndex); !ok {
		w.rejectTableMiss(h.ProdIndex)
		return
	}
	w.conn.Send(wire.Header{ProdIndex: h.ProdIndex, Flags: wire.FlagRetxEOP}, nil)
}

// rejectTableMiss answers a retransmission request for a prodIndex this
// sender no longer has (never received, or already aged out) with a
// RETX_REJ. ErrTableMiss never crosses the connection or this package
// boundary as a Go error value; it only labels the condition in the
// debug log.
func (w *Worker) rejectTableMiss(prodIndex uint32) {
	w.log.Debug("%v", fmt.Errorf("prodindex %d: %w", prodIndex, vcmtperr.ErrTableMiss))
	w.conn.Send(wire.Header{ProdIndex: prodIndex, Flags: wire.FlagRetxRej}, nil)
}

func (w *Worker) handleRetxEnd(h wire.Header) {
	// ClearUnfinished removes the table entry atomically when it empties,
	// so it is itself the "exactly once" arbiter: if the timer task aged
	// this product out in the same instant, at most one of the two racing
	// removals observes completed=true.
	completed, ok := w.table.ClearUnfinished(h.ProdIndex, w.conn.ID())
	if !ok || !completed {
		return
	}
	if w.dequeue != nil {
		w.dequeue(h.ProdIndex)
	}
	w.onDone.Call(h.ProdIndex)
}

// Shutdown requests that the worker stop; it does not block. Safe to
// call from any goroutine, including this worker's own.
func (w *Worker) Shutdown() {
	w.cancel()
}

func (w *Worker) cleanup() {
	w.closeOnce.Do(func() {
		w.cancel()
		w.registry.Remove(w.conn.ID())
		w.log.Debug("connection %v closed", w.conn.ID())
	})
}

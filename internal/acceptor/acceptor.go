// Package acceptor implements the sender's control-connection accept
// task (C8): it runs the TCP accept loop and spawns one worker goroutine
// per connected receiver, tracking the live set so the façade can join
// them all on shutdown.
package acceptor

import (
	"context"
	"sync"

	"github.com/vcmtp-project/sender3/internal/connid"
	"github.com/vcmtp-project/sender3/internal/notify"
	"github.com/vcmtp-project/sender3/internal/retx"
	"github.com/vcmtp-project/sender3/internal/stream"
	"github.com/vcmtp-project/sender3/internal/util"
	"github.com/vcmtp-project/sender3/internal/worker"
)

// Task owns the stream.Acceptor and the set of currently running
// per-receiver workers.
type Task struct {
	listener *stream.Acceptor
	table    *retx.Table
	onDone   notify.Func
	dequeue  worker.Dequeue
	log      *util.Logger

	mu      sync.Mutex
	workers map[connid.ID]*worker.Worker

	wg sync.WaitGroup
}

// New wraps an already-bound stream.Acceptor with worker-spawning
// behavior. dequeue is forwarded to every spawned worker so it can
// cancel a product's pending age-out timer on early completion.
func New(listener *stream.Acceptor, table *retx.Table, onDone notify.Func, dequeue worker.Dequeue) *Task {
	return &Task{
		listener: listener,
		table:    table,
		onDone:   onDone,
		dequeue:  dequeue,
		log:      util.Tagged("acceptor"),
		workers:  make(map[connid.ID]*worker.Worker),
	}
}

// Remove implements worker.Registry: it deregisters a worker from the
// live set and from the underlying listener's connected-set bookkeeping.
// A receiver that disconnects without ever sending RETX_END must not
// block a product it was never going to confirm, so Remove also drops
// it from every in-flight product's unfinished set, completing any
// product that was waiting on it alone.
func (t *Task) Remove(id connid.ID) {
	t.mu.Lock()
	delete(t.workers, id)
	t.mu.Unlock()
	t.listener.Remove(id)

	for _, prodIndex := range t.table.DropReceiver(id) {
		if t.dequeue != nil {
			t.dequeue(prodIndex)
		}
		t.onDone.Call(prodIndex)
	}
}

// Port returns the bound TCP control port.
func (t *Task) Port() int {
	return t.listener.Port()
}

// Run accepts connections and spawns a worker for each until ctx is
// cancelled. It blocks; callers typically invoke it as `go task.Run(ctx)`.
func (t *Task) Run(ctx context.Context) error {
	t.wg.Add(1)
	defer t.wg.Done()

	return t.listener.Serve(ctx, func(c *stream.Conn) {
		w := worker.New(ctx, c, t.table, t, t.onDone, t.dequeue)

		t.mu.Lock()
		t.workers[c.ID()] = w
		t.mu.Unlock()

		t.log.Debug("spawned worker for connection %v", c.ID())

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			w.Run()
		}()
	})
}

// Shutdown stops accepting new connections and signals every live worker
// to stop, without blocking. It is idempotent and safe to call from any
// goroutine, including a worker's own.
func (t *Task) Shutdown() {
	t.listener.Close()

	t.mu.Lock()
	workers := make([]*worker.Worker, 0, len(t.workers))
	for _, w := range t.workers {
		workers = append(workers, w)
	}
	t.mu.Unlock()

	for _, w := range workers {
		w.Shutdown()
	}
}

// Wait blocks until Run and every spawned worker have returned. Callers
// should call Shutdown first to unblock them.
func (t *Task) Wait() {
	t.wg.Wait()
}

// ConnectedIDs returns a snapshot of currently connected receiver IDs.
func (t *Task) ConnectedIDs() []connid.ID {
	return t.listener.ConnectedIDs()
}

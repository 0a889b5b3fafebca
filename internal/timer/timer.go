// Package timer implements the sender's retransmission-timeout task
// (C7): a single background goroutine that pops aged-out entries from
// the delay queue and, for each, removes it from the retransmission
// table and fires the completion notification.
//
// The reference implementation's timer thread declares the popped
// product index in an inner block that shadows the loop's own variable,
// so its completion notification reads a variable that was never
// assigned. This implementation always acts on the index returned
// directly from the queue pop, never a variable that could be shadowed
// in between.
package timer

import (
	"context"
	"fmt"
	"sync"

	"github.com/vcmtp-project/sender3/internal/delayqueue"
	"github.com/vcmtp-project/sender3/internal/notify"
	"github.com/vcmtp-project/sender3/internal/retx"
	"github.com/vcmtp-project/sender3/internal/util"
	"github.com/vcmtp-project/sender3/internal/vcmtperr"
)

// Task runs the timer loop. Construct with New and start with Run in its
// own goroutine.
type Task struct {
	queue  *delayqueue.Queue
	table  *retx.Table
	onDone notify.Func
	log    *util.Logger

	wg sync.WaitGroup
}

// New creates a Task reading from queue and table. onDone is invoked
// exactly once per product that ages out (i.e. the retransmission
// deadline passed before every receiver confirmed completion).
func New(queue *delayqueue.Queue, table *retx.Table, onDone notify.Func) *Task {
	return &Task{queue: queue, table: table, onDone: onDone, log: util.Tagged("timer")}
}

// Run pops due entries from the queue until ctx is cancelled or the
// queue is disabled. It blocks; callers typically invoke it as `go
// task.Run(ctx)`.
func (t *Task) Run(ctx context.Context) {
	t.wg.Add(1)
	defer t.wg.Done()

	for {
		item, ok := t.queue.Pop(ctx)
		if !ok {
			if t.queue.Disabled() {
				t.log.Debug("%v", fmt.Errorf("stopping: %w", vcmtperr.ErrQueueDisabled))
			}
			return
		}
		prodIndex := item.ProdIndex // always act on the popped value directly
		// table.Remove is the single point of truth for "exactly once": if
		// a worker completed this product in the same instant, only one of
		// the two racing removals observes true.
		if !t.table.Remove(prodIndex) {
			continue
		}
		t.log.Debug("product %d aged out of the retransmission table", prodIndex)
		t.onDone.Call(prodIndex)
	}
}

// Wait blocks until Run has returned. Intended for orderly shutdown
// sequencing by the owning façade.
func (t *Task) Wait() {
	t.wg.Wait()
}

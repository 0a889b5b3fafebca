// Package delayqueue implements the sender's timer-ordered priority
// queue: retransmission entries wait here until their timeout deadline
// elapses, at which point the timer task pops them for aging out.
package delayqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Item is one delay-queue entry: a product index that becomes due at Due.
type Item struct {
	ProdIndex uint32
	Due       time.Time
}

// Queue is a blocking, goroutine-safe priority queue ordered by Due time.
// A single background goroutine (the timer task) calls Pop in a loop;
// any number of goroutines may call Push concurrently.
type Queue struct {
	mu       sync.Mutex
	items    itemHeap
	wakeup   chan struct{}
	disabled bool
}

// New returns an empty, enabled Queue.
func New() *Queue {
	return &Queue{wakeup: make(chan struct{}, 1)}
}

// Push inserts item, reordering the heap by Due time. It is a no-op once
// the queue has been Disabled.
func (q *Queue) Push(item Item) {
	q.mu.Lock()
	if q.disabled {
		q.mu.Unlock()
		return
	}
	heap.Push(&q.items, item)
	q.mu.Unlock()

	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

// Remove deletes the first queued item for prodIndex, if present. It
// reports whether an item was removed.
func (q *Queue) Remove(prodIndex uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ProdIndex == prodIndex {
			heap.Remove(&q.items, i)
			return true
		}
	}
	return false
}

// Pop blocks until the earliest item's Due time has elapsed, ctx is done,
// or the queue is Disabled. ok is false in the latter two cases.
func (q *Queue) Pop(ctx context.Context) (item Item, ok bool) {
	for {
		q.mu.Lock()
		if q.disabled {
			q.mu.Unlock()
			return Item{}, false
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wakeup:
				continue
			case <-ctx.Done():
				return Item{}, false
			}
		}

		next := q.items[0]
		wait := time.Until(next.Due)
		if wait <= 0 {
			popped := heap.Pop(&q.items).(Item)
			q.mu.Unlock()
			return popped, true
		}
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			continue
		case <-q.wakeup:
			timer.Stop()
			continue
		case <-ctx.Done():
			timer.Stop()
			return Item{}, false
		}
	}
}

// Disable marks the queue disabled: pending and future Push calls become
// no-ops, and any blocked or future Pop call returns immediately with
// ok=false. Disable is idempotent and safe to call from any goroutine.
func (q *Queue) Disable() {
	q.mu.Lock()
	q.disabled = true
	q.mu.Unlock()

	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

// Disabled reports whether Disable has been called.
func (q *Queue) Disabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.disabled
}

// Len returns the number of items currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// itemHeap implements a min-heap over Item ordered by Due time.
type itemHeap []Item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].Due.Before(h[j].Due) }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(Item)) }

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

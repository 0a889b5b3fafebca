package timer

import (
	"context"
	"testing"
	"time"

	"github.com/vcmtp-project/sender3/internal/connid"
	"github.com/vcmtp-project/sender3/internal/delayqueue"
	"github.com/vcmtp-project/sender3/internal/retx"
)

func TestTimerAgesOutEntry(t *testing.T) {
	q := delayqueue.New()
	table := retx.NewTable()
	table.Add(&retx.Entry{ProdIndex: 1, Unfinished: map[connid.ID]struct{}{}})
	q.Push(delayqueue.Item{ProdIndex: 1, Due: time.Now().Add(10 * time.Millisecond)})

	notified := make(chan uint32, 1)
	task := New(q, table, func(prodIndex uint32) { notified <- prodIndex })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go task.Run(ctx)

	select {
	case got := <-notified:
		if got != 1 {
			t.Fatalf("notified = %d, want 1", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for age-out notification")
	}

	if _, ok := table.Get(1); ok {
		t.Fatal("entry should be removed from the table after aging out")
	}
}

func TestTimerStopsOnQueueDisable(t *testing.T) {
	q := delayqueue.New()
	table := retx.NewTable()
	task := New(q, table, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go task.Run(ctx)

	q.Disable()

	done := make(chan struct{})
	go func() { task.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer task did not exit after queue disable")
	}
}

func TestTimerUsesPoppedIndexNotLoopVariable(t *testing.T) {
	q := delayqueue.New()
	table := retx.NewTable()
	table.Add(&retx.Entry{ProdIndex: 10})
	table.Add(&retx.Entry{ProdIndex: 20})
	now := time.Now()
	q.Push(delayqueue.Item{ProdIndex: 10, Due: now.Add(5 * time.Millisecond)})
	q.Push(delayqueue.Item{ProdIndex: 20, Due: now.Add(10 * time.Millisecond)})

	var notified []uint32
	done := make(chan struct{})
	count := 0
	task := New(q, table, func(prodIndex uint32) {
		notified = append(notified, prodIndex)
		count++
		if count == 2 {
			close(done)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go task.Run(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for both entries to age out")
	}

	if len(notified) != 2 || notified[0] != 10 || notified[1] != 20 {
		t.Fatalf("notified = %v, want [10 20] in order", notified)
	}
}

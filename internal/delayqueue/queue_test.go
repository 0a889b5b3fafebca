package delayqueue

import (
	"context"
	"testing"
	"time"
)

func TestPopOrdersByDue(t *testing.T) {
	q := New()
	now := time.Now()
	q.Push(Item{ProdIndex: 2, Due: now.Add(20 * time.Millisecond)})
	q.Push(Item{ProdIndex: 1, Due: now.Add(5 * time.Millisecond)})
	q.Push(Item{ProdIndex: 3, Due: now.Add(40 * time.Millisecond)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, want := range []uint32{1, 2, 3} {
		item, ok := q.Pop(ctx)
		if !ok {
			t.Fatalf("Pop returned ok=false, want item %d", want)
		}
		if item.ProdIndex != want {
			t.Fatalf("Pop() = %d, want %d", item.ProdIndex, want)
		}
	}
}

func TestPopBlocksUntilDue(t *testing.T) {
	q := New()
	start := time.Now()
	q.Push(Item{ProdIndex: 1, Due: start.Add(50 * time.Millisecond)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, ok := q.Pop(ctx)
	elapsed := time.Since(start)
	if !ok {
		t.Fatal("Pop returned ok=false")
	}
	if elapsed < 40*time.Millisecond {
		t.Fatalf("Pop returned after %v, expected to block roughly 50ms", elapsed)
	}
}

func TestPopContextCancel(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := q.Pop(ctx)
	if ok {
		t.Fatal("Pop should return ok=false on a cancelled context")
	}
}

func TestRemove(t *testing.T) {
	q := New()
	now := time.Now()
	q.Push(Item{ProdIndex: 1, Due: now.Add(time.Hour)})
	q.Push(Item{ProdIndex: 2, Due: now.Add(2 * time.Hour)})

	if !q.Remove(1) {
		t.Fatal("Remove(1) = false, want true")
	}
	if q.Remove(1) {
		t.Fatal("second Remove(1) = true, want false")
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
}

func TestDisableStopsPushAndPop(t *testing.T) {
	q := New()
	if q.Disabled() {
		t.Fatal("new queue should not report disabled")
	}
	q.Disable()
	q.Push(Item{ProdIndex: 1, Due: time.Now()})

	if q.Len() != 0 {
		t.Fatal("Push after Disable should be a no-op")
	}
	if !q.Disabled() {
		t.Fatal("Disabled() should report true after Disable")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, ok := q.Pop(ctx)
	if ok {
		t.Fatal("Pop on a disabled queue should return ok=false")
	}
}

func TestDisableWakesBlockedPop(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(ctx)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Disable()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("Pop should report ok=false after Disable")
		}
	case <-time.After(time.Second):
		t.Fatal("Disable did not wake a blocked Pop")
	}
}

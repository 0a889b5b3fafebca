// Package retx holds the sender's retransmission table: one Entry per
// in-flight product, tracking which connected receivers have not yet
// confirmed completion and the timing data used to size a retransmission
// timeout.
package retx

import (
	"sync"
	"time"

	"github.com/vcmtp-project/sender3/internal/connid"
)

// Entry is the retransmission bookkeeping record for a single product.
// Metadata must be a copy the inserting caller owns: the sender copies it
// before insertion, and Add stores the slice as given without copying.
type Entry struct {
	ProdIndex    uint32
	ProdLength   uint32
	Metadata     []byte
	Data         []byte // full product bytes, retained for the life of the entry so data retx requests can be answered
	McastStart   time.Time
	McastEnd     time.Time
	TimeoutRatio float32

	// Unfinished is the set of connections that multicast reached but have
	// not yet sent a retx-end confirmation. A product is complete once this
	// set is empty.
	Unfinished map[connid.ID]struct{}
}

// Timeout returns the retransmission timeout for this product: the
// multicast duration scaled by TimeoutRatio, per the reference
// implementation's sizing rule.
func (e *Entry) Timeout() time.Duration {
	mcastDur := e.McastEnd.Sub(e.McastStart)
	if mcastDur <= 0 {
		mcastDur = time.Microsecond
	}
	return time.Duration(float32(mcastDur) * e.TimeoutRatio)
}

// Table is the sender's map of in-flight products, indexed by product
// index. It is safe for concurrent use by the acceptor, per-receiver
// workers, and the timer task.
type Table struct {
	mu  sync.RWMutex
	idx map[uint32]*Entry
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{idx: make(map[uint32]*Entry)}
}

// Add inserts e, replacing any existing entry for the same ProdIndex. The
// caller must not mutate e.Metadata afterward; Add does not copy it, so
// callers should pass a slice they are done writing to.
func (t *Table) Add(e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.idx[e.ProdIndex] = e
}

// Get returns the entry for prodIndex, or (nil, false) if none exists.
func (t *Table) Get(prodIndex uint32) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.idx[prodIndex]
	return e, ok
}

// Remove deletes the entry for prodIndex, if any, and reports whether an
// entry was actually present. Because it is atomic with the presence
// check, two goroutines racing to remove the same prodIndex — e.g. the
// timer task aging it out at the same moment a worker sees the last
// confirmation — see exactly one true and one false, giving callers a
// safe way to act exactly once per product.
func (t *Table) Remove(prodIndex uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.idx[prodIndex]; !ok {
		return false
	}
	delete(t.idx, prodIndex)
	return true
}

// ClearUnfinished removes receiver from prodIndex's unfinished set and
// reports whether doing so completed the product (i.e. the set is now
// empty). If it did, the entry is removed from the table in the same
// atomic step, so a true return implies a subsequent Get(prodIndex)
// finds nothing — callers need no follow-up Remove call. It returns
// false, false if no entry exists for prodIndex.
func (t *Table) ClearUnfinished(prodIndex uint32, receiver connid.ID) (completed bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.idx[prodIndex]
	if !ok {
		return false, false
	}
	delete(e.Unfinished, receiver)
	if len(e.Unfinished) != 0 {
		return false, true
	}
	delete(t.idx, prodIndex)
	return true, true
}

// DropReceiver removes receiver from every entry's unfinished set, used
// when a connection closes so its absence can't block products it never
// confirmed. Like ClearUnfinished, any entry that becomes complete as a
// result is removed from the table in the same atomic step, so the
// returned indexes are the exactly-once set a caller should act on.
func (t *Table) DropReceiver(receiver connid.ID) []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var completed []uint32
	for idx, e := range t.idx {
		if _, present := e.Unfinished[receiver]; !present {
			continue
		}
		delete(e.Unfinished, receiver)
		if len(e.Unfinished) == 0 {
			completed = append(completed, idx)
			delete(t.idx, idx)
		}
	}
	return completed
}

// Len returns the number of in-flight products.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.idx)
}

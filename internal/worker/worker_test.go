package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vcmtp-project/sender3/internal/connid"
	"github.com/vcmtp-project/sender3/internal/retx"
	"github.com/vcmtp-project/sender3/internal/wire"
)

// fakeConn is an in-memory Conn for unit-testing Worker without real
// sockets: inbound messages are fed through `inbox`, outbound sends are
// recorded in `sent`.
type fakeConn struct {
	id    connid.ID
	inbox chan wireMsg

	mu   sync.Mutex
	sent []wireMsg

	closed chan struct{}
	once   sync.Once
}

type wireMsg struct {
	h    wire.Header
	body []byte
}

func newFakeConn(id connid.ID) *fakeConn {
	return &fakeConn{id: id, inbox: make(chan wireMsg, 8), closed: make(chan struct{})}
}

func (f *fakeConn) ID() connid.ID { return f.id }

func (f *fakeConn) Send(h wire.Header, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, wireMsg{h, body})
	return nil
}

func (f *fakeConn) ReadMessage() (wire.Header, []byte, error) {
	select {
	case m := <-f.inbox:
		return m.h, m.body, nil
	case <-f.closed:
		return wire.Header{}, nil, errClosed
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) lastSent() (wireMsg, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return wireMsg{}, false
	}
	return f.sent[len(f.sent)-1], true
}

type fakeRegistry struct {
	mu      sync.Mutex
	removed []connid.ID
}

func (r *fakeRegistry) Remove(id connid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
}

var errClosed = fakeErr("fake conn closed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func TestWorkerBopReqAnswered(t *testing.T) {
	table := retx.NewTable()
	table.Add(&retx.Entry{ProdIndex: 1, ProdLength: 500, Metadata: []byte("meta"), Unfinished: map[connid.ID]struct{}{}})

	conn := newFakeConn(1)
	reg := &fakeRegistry{}
	w := New(context.Background(), conn, table, reg, nil, nil)

	go w.Run()
	defer w.Shutdown()

	conn.inbox <- wireMsg{h: wire.Header{ProdIndex: 1, Flags: wire.FlagBopReq}}

	waitFor(t, func() bool {
		m, ok := conn.lastSent()
		return ok && m.h.Flags == wire.FlagRetxBOP
	})
}

func TestWorkerRetxReqServesDataBlock(t *testing.T) {
	table := retx.NewTable()
	data := []byte("the-full-product-bytes-for-this-test")
	table.Add(&retx.Entry{ProdIndex: 2, Data: data, Unfinished: map[connid.ID]struct{}{}})

	conn := newFakeConn(1)
	reg := &fakeRegistry{}
	w := New(context.Background(), conn, table, reg, nil, nil)

	go w.Run()
	defer w.Shutdown()

	conn.inbox <- wireMsg{h: wire.Header{ProdIndex: 2, SeqNum: 4, PayloadLen: uint16(len(data) - 4), Flags: wire.FlagRetxReq}}

	waitFor(t, func() bool {
		m, ok := conn.lastSent()
		return ok && m.h.Flags == wire.FlagRetxData
	})
	// SeqNum 4 lies in the block starting at 0, so the whole block is served.
	m, _ := conn.lastSent()
	if m.h.SeqNum != 0 || string(m.body) != string(data) {
		t.Fatalf("served block = offset %d %q, want offset 0 %q", m.h.SeqNum, m.body, data)
	}
}

func TestWorkerRetxReqServesMultipleBlocks(t *testing.T) {
	table := retx.NewTable()
	data := make([]byte, wire.DataLen+100)
	for i := range data {
		data[i] = byte(i)
	}
	table.Add(&retx.Entry{ProdIndex: 3, Data: data, Unfinished: map[connid.ID]struct{}{}})

	conn := newFakeConn(1)
	reg := &fakeRegistry{}
	w := New(context.Background(), conn, table, reg, nil, nil)

	go w.Run()
	defer w.Shutdown()

	conn.inbox <- wireMsg{h: wire.Header{ProdIndex: 3, SeqNum: 0, PayloadLen: uint16(len(data)), Flags: wire.FlagRetxReq}}

	waitFor(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.sent) >= 2
	})

	conn.mu.Lock()
	sent := append([]wireMsg(nil), conn.sent...)
	conn.mu.Unlock()

	if len(sent) != 2 {
		t.Fatalf("got %d RETX_DATA frames, want 2", len(sent))
	}
	if sent[0].h.SeqNum != 0 || len(sent[0].body) != wire.DataLen {
		t.Fatalf("first frame = offset %d len %d, want offset 0 len %d", sent[0].h.SeqNum, len(sent[0].body), wire.DataLen)
	}
	if sent[1].h.SeqNum != wire.DataLen || len(sent[1].body) != 100 {
		t.Fatalf("second frame = offset %d len %d, want offset %d len 100", sent[1].h.SeqNum, len(sent[1].body), wire.DataLen)
	}
	if string(sent[0].body)+string(sent[1].body) != string(data) {
		t.Fatal("concatenated frames do not reconstruct original data")
	}
}

func TestWorkerBopReqUnknownProductRejected(t *testing.T) {
	table := retx.NewTable()
	conn := newFakeConn(1)
	reg := &fakeRegistry{}
	w := New(context.Background(), conn, table, reg, nil, nil)

	go w.Run()
	defer w.Shutdown()

	conn.inbox <- wireMsg{h: wire.Header{ProdIndex: 99, Flags: wire.FlagBopReq}}

	waitFor(t, func() bool {
		m, ok := conn.lastSent()
		return ok && m.h.Flags == wire.FlagRetxRej
	})
}

func TestWorkerRetxEndTriggersNotify(t *testing.T) {
	table := retx.NewTable()
	table.Add(&retx.Entry{ProdIndex: 7, Unfinished: map[connid.ID]struct{}{1: {}}})

	conn := newFakeConn(1)
	reg := &fakeRegistry{}

	notified := make(chan uint32, 1)
	w := New(context.Background(), conn, table, reg, func(prodIndex uint32) { notified <- prodIndex }, nil)

	go w.Run()
	defer w.Shutdown()

	conn.inbox <- wireMsg{h: wire.Header{ProdIndex: 7, Flags: wire.FlagRetxEnd}}

	select {
	case got := <-notified:
		if got != 7 {
			t.Fatalf("notified prodIndex = %d, want 7", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion notification")
	}
}

func TestWorkerCleanupRemovesFromRegistry(t *testing.T) {
	table := retx.NewTable()
	conn := newFakeConn(3)
	reg := &fakeRegistry{}
	w := New(context.Background(), conn, table, reg, nil, nil)

	done := make(chan struct{})
	go func() { w.Run(); close(done) }()

	conn.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after connection closed")
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if len(reg.removed) != 1 || reg.removed[0] != 3 {
		t.Fatalf("removed = %v, want [3]", reg.removed)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

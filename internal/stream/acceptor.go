// Package stream implements the sender's TCP control-connection acceptor
// (C3): the listening socket that receivers connect to for retransmission
// requests and completion notifications, plus the per-connection framed
// read/write helpers the rest of the sender builds on.
package stream

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/vcmtp-project/sender3/internal/connid"
	"github.com/vcmtp-project/sender3/internal/vcmtperr"
	"github.com/vcmtp-project/sender3/internal/wire"
)

// Conn is one accepted receiver control connection, identified by a
// stable ID assigned at accept time.
type Conn struct {
	connID connid.ID
	Raw    net.Conn
	Addr   net.Addr

	mu sync.Mutex // serializes writes from concurrent senders of this Conn
}

// ID returns the connection's stable identifier.
func (c *Conn) ID() connid.ID { return c.connID }

// Send writes a framed message (header plus body) to the connection.
// Safe for concurrent use.
func (c *Conn) Send(h wire.Header, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := make([]byte, wire.HeaderSize+len(body))
	wire.EncodeInto(buf[:wire.HeaderSize], h)
	copy(buf[wire.HeaderSize:], body)

	if _, err := c.Raw.Write(buf); err != nil {
		return fmt.Errorf("stream: write to %s: %w: %v", c.Addr, vcmtperr.ErrIO, err)
	}
	return nil
}

// ReadMessage blocks until a full header-plus-body message arrives, or the
// connection is closed/errors.
func (c *Conn) ReadMessage() (wire.Header, []byte, error) {
	hdrBuf := make([]byte, wire.HeaderSize)
	if _, err := readFull(c.Raw, hdrBuf); err != nil {
		return wire.Header{}, nil, err
	}
	h, err := wire.Decode(hdrBuf)
	if err != nil {
		return wire.Header{}, nil, err
	}
	if h.PayloadLen == 0 {
		return h, nil, nil
	}
	body := make([]byte, h.PayloadLen)
	if _, err := readFull(c.Raw, body); err != nil {
		return wire.Header{}, nil, err
	}
	return h, body, nil
}

func (c *Conn) Close() error {
	return c.Raw.Close()
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Acceptor owns the TCP listener and the set of currently connected
// receivers. Serve hands each new connection to a caller-supplied
// callback, called on Serve's own goroutine; Acceptor itself only tracks
// bookkeeping.
type Acceptor struct {
	listener net.Listener
	gen      connid.Generator

	mu    sync.RWMutex
	conns map[connid.ID]*Conn
}

// Listen binds addr:port for control connections. Port 0 lets the OS
// choose a free port; the chosen port is available via Port().
func Listen(addr string, port int) (*Acceptor, error) {
	laddr := fmt.Sprintf("%s:%d", addr, port)
	l, err := net.Listen("tcp", laddr)
	if err != nil {
		return nil, fmt.Errorf("stream: listen on %s: %w", laddr, err)
	}
	return &Acceptor{listener: l, conns: make(map[connid.ID]*Conn)}, nil
}

// Port returns the bound TCP port, resolved from the OS when the
// acceptor was constructed with port 0.
func (a *Acceptor) Port() int {
	return a.listener.Addr().(*net.TCPAddr).Port
}

// Serve accepts connections until ctx is cancelled or the listener
// errors, invoking onAccept for each new Conn. It closes the listener
// when ctx is done, unblocking Accept. Serve returns nil on a clean
// shutdown via ctx cancellation.
func (a *Acceptor) Serve(ctx context.Context, onAccept func(*Conn)) error {
	go func() {
		<-ctx.Done()
		a.listener.Close()
	}()

	for {
		raw, err := a.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("stream: accept: %w: %v", vcmtperr.ErrIO, err)
			}
		}

		c := &Conn{connID: a.gen.Next(), Raw: raw, Addr: raw.RemoteAddr()}
		a.mu.Lock()
		a.conns[c.ID()] = c
		a.mu.Unlock()

		onAccept(c)
	}
}

// Remove drops id from the connected set and closes its socket. Safe to
// call more than once for the same id.
func (a *Acceptor) Remove(id connid.ID) {
	a.mu.Lock()
	c, ok := a.conns[id]
	if ok {
		delete(a.conns, id)
	}
	a.mu.Unlock()
	if ok {
		c.Close()
	}
}

// ConnectedIDs returns a snapshot of currently connected receiver IDs.
func (a *Acceptor) ConnectedIDs() []connid.ID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]connid.ID, 0, len(a.conns))
	for id := range a.conns {
		ids = append(ids, id)
	}
	return ids
}

// Get returns the Conn for id, if still connected.
func (a *Acceptor) Get(id connid.ID) (*Conn, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.conns[id]
	return c, ok
}

// Close shuts down the listener and every tracked connection.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	conns := a.conns
	a.conns = make(map[connid.ID]*Conn)
	a.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return a.listener.Close()
}

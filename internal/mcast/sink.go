// Package mcast implements the sender's UDP multicast datagram sink: one
// socket that gathers a wire header and payload into a single atomic
// datagram, optionally paced to a configured link speed.
package mcast

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"

	"github.com/vcmtp-project/sender3/internal/vcmtperr"
	"github.com/vcmtp-project/sender3/internal/wire"
)

// Sink is the multicast send side of the sender: a bound UDP socket
// addressed at the multicast group, with TTL and outgoing-interface
// control and optional link-speed pacing.
type Sink struct {
	conn    *net.UDPConn
	pktConn *ipv4.PacketConn
	group   *net.UDPAddr

	limiter *rate.Limiter

	// testHooks, when non-nil, lets package-local tests drop outgoing
	// datagrams to exercise receiver-side fault paths without a
	// real lossy network.
	testHooks *FaultHooks
}

// FaultHooks lets tests inject the TEST_BOP / TEST_EOP / TEST_DATA_MISS
// fault conditions described for multicast sends: dropping a BOP, an EOP,
// or an arbitrary data block so retransmission logic can be exercised
// deterministically.
type FaultHooks struct {
	DropBOP     bool
	DropEOP     bool
	DropSeqNums map[uint32]bool
}

// Open creates a Sink bound to groupAddr:groupPort, sending with the given
// TTL. If iface is non-empty it names the outgoing interface by IP; an
// empty string lets the OS pick the default multicast interface.
func Open(groupAddr string, groupPort int, ttl int, iface string) (*Sink, error) {
	group := &net.UDPAddr{IP: net.ParseIP(groupAddr), Port: groupPort}
	if group.IP == nil {
		return nil, fmt.Errorf("mcast: invalid group address %q", groupAddr)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("mcast: listen: %w", err)
	}

	pktConn := ipv4.NewPacketConn(conn)
	if err := pktConn.SetMulticastTTL(ttl); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mcast: set TTL: %w", err)
	}

	s := &Sink{conn: conn, pktConn: pktConn, group: group}
	if iface != "" {
		if err := s.SetDefaultIF(iface); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return s, nil
}

// SetDefaultIF selects the outgoing interface for subsequent sends by its
// local IP address.
func (s *Sink) SetDefaultIF(iface string) error {
	ip := net.ParseIP(iface)
	if ip == nil {
		return fmt.Errorf("mcast: invalid interface address %q", iface)
	}
	ifi, err := interfaceForIP(ip)
	if err != nil {
		return fmt.Errorf("mcast: %w", err)
	}
	if err := s.pktConn.SetMulticastInterface(ifi); err != nil {
		return fmt.Errorf("mcast: set interface: %w", err)
	}
	return nil
}

// SetFaultHooks installs hooks, enabling deterministic fault injection
// for tests. Passing nil disables fault injection.
func (s *Sink) SetFaultHooks(hooks *FaultHooks) {
	s.testHooks = hooks
}

// SetLinkSpeed paces SendData calls to approximately bytesPerSec bytes per
// second. A value of 0 disables pacing.
func (s *Sink) SetLinkSpeed(bytesPerSec uint64) {
	if bytesPerSec == 0 {
		s.limiter = nil
		return
	}
	burst := int(bytesPerSec)
	if burst > 1<<20 {
		burst = 1 << 20
	}
	s.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// SendBOP sends a BOP message for prodIndex: header followed by the fixed
// BOP prefix and metadata, gathered into one datagram.
func (s *Sink) SendBOP(prodIndex uint32, prodSize uint32, metadata []byte) error {
	if s.testHooks != nil && s.testHooks.DropBOP {
		return nil
	}
	body := wire.EncodeBOPFixed(prodSize, uint16(len(metadata)))
	body = append(body, metadata...)
	return s.send(wire.Header{
		ProdIndex:  prodIndex,
		SeqNum:     0,
		PayloadLen: uint16(len(body)),
		Flags:      wire.FlagBOP,
	}, body)
}

// SendEOP sends an end-of-product message for prodIndex.
func (s *Sink) SendEOP(prodIndex uint32) error {
	if s.testHooks != nil && s.testHooks.DropEOP {
		return nil
	}
	return s.send(wire.Header{ProdIndex: prodIndex, Flags: wire.FlagEOP}, nil)
}

// SendData sends one data block at the given byte offset within the
// product, pacing the send if a link speed limit is configured.
func (s *Sink) SendData(prodIndex uint32, seqNum uint32, payload []byte) error {
	if s.testHooks != nil && s.testHooks.DropSeqNums != nil && s.testHooks.DropSeqNums[seqNum] {
		return nil
	}
	if s.limiter != nil {
		if err := s.limiter.WaitN(context.Background(), len(payload)+wire.HeaderSize); err != nil {
			return fmt.Errorf("mcast: pacing wait: %w", err)
		}
	}
	return s.send(wire.Header{
		ProdIndex:  prodIndex,
		SeqNum:     seqNum,
		PayloadLen: uint16(len(payload)),
		Flags:      wire.FlagMemData,
	}, payload)
}

// send gathers header and body into one buffer and writes it as a single
// UDP datagram to the multicast group.
func (s *Sink) send(h wire.Header, body []byte) error {
	buf := make([]byte, wire.HeaderSize+len(body))
	wire.EncodeInto(buf[:wire.HeaderSize], h)
	copy(buf[wire.HeaderSize:], body)

	_, err := s.conn.WriteToUDP(buf, s.group)
	if err != nil {
		return fmt.Errorf("mcast: write: %w: %v", vcmtperr.ErrIO, err)
	}
	return nil
}

// Close releases the underlying socket.
func (s *Sink) Close() error {
	return s.conn.Close()
}

// LocalPort returns the UDP port the sink is bound to, mainly useful in
// tests.
func (s *Sink) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

func interfaceForIP(ip net.IP) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if ok && ipNet.IP.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no local interface has address %s", ip)
}

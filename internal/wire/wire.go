// Package wire defines the VCMTP-v3 on-the-wire message format: the fixed
// 12-byte header shared by every multicast and control message, the
// beginning-of-product (BOP) body, and the flag values that discriminate
// message kinds. All multi-byte fields are big-endian.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the on-wire size of Header: ProdIndex(4) + SeqNum(4) +
// PayloadLen(2) + Flags(2).
const HeaderSize = 12

// Flag values discriminate the tagged union of message kinds. Distinct
// integer tags are used instead of single-bit encoding, per the protocol
// design.
const (
	FlagBOP      uint16 = iota + 1 // beginning of product (multicast)
	FlagMemData                    // data block (multicast)
	FlagEOP                        // end of product (multicast)
	FlagRetxReq                    // data retransmit request (TCP)
	FlagRetxData                   // data retransmit response (TCP)
	FlagRetxBOP                    // BOP retransmit response (TCP)
	FlagRetxEOP                    // EOP retransmit response (TCP)
	FlagBopReq                     // BOP retransmit request (TCP)
	FlagEopReq                     // EOP retransmit request (TCP)
	FlagRetxRej                    // request rejected, aged out (TCP)
	FlagRetxEnd                    // receiver fully reassembled (TCP)
)

// DataLen is the fixed UDP payload size for multicast data blocks,
// matching the reference implementation's VCMTP_DATA_LEN.
const DataLen = 1448

// AvailBOPLen is the metadata capacity of a single-datagram BOP message:
// DataLen minus the fixed BOP prefix.
const AvailBOPLen = DataLen - BOPFixedLen

// Header is the fixed 12-byte message header prefixing every VCMTP message.
type Header struct {
	ProdIndex  uint32
	SeqNum     uint32 // byte offset within the product for data messages, 0 for control
	PayloadLen uint16 // length in bytes of the body following the header
	Flags      uint16
}

// Encode serializes h into a new 12-byte big-endian buffer.
func Encode(h Header) []byte {
	buf := make([]byte, HeaderSize)
	EncodeInto(buf, h)
	return buf
}

// EncodeInto serializes h into buf, which must be at least HeaderSize bytes.
func EncodeInto(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.ProdIndex)
	binary.BigEndian.PutUint32(buf[4:8], h.SeqNum)
	binary.BigEndian.PutUint16(buf[8:10], h.PayloadLen)
	binary.BigEndian.PutUint16(buf[10:12], h.Flags)
}

// Decode parses a Header from buf, which must be at least HeaderSize bytes.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: header too short: %d bytes (need %d)", len(buf), HeaderSize)
	}
	return Header{
		ProdIndex:  binary.BigEndian.Uint32(buf[0:4]),
		SeqNum:     binary.BigEndian.Uint32(buf[4:8]),
		PayloadLen: binary.BigEndian.Uint16(buf[8:10]),
		Flags:      binary.BigEndian.Uint16(buf[10:12]),
	}, nil
}

// BOPFixedLen is the size of BOPMessage's fixed fields, before the opaque
// metadata bytes: ProdSize(4) + MetaSize(2).
const BOPFixedLen = 6

// BOPMessage is the beginning-of-product body: product size, metadata
// size, and the metadata bytes themselves.
type BOPMessage struct {
	ProdSize uint32
	MetaSize uint16
	Metadata []byte
}

// EncodeBOPFixed serializes the fixed-size prefix of a BOPMessage (not
// including the metadata bytes, which are appended separately so callers
// can gather-send without an extra copy).
func EncodeBOPFixed(prodSize uint32, metaSize uint16) []byte {
	buf := make([]byte, BOPFixedLen)
	binary.BigEndian.PutUint32(buf[0:4], prodSize)
	binary.BigEndian.PutUint16(buf[4:6], metaSize)
	return buf
}

// DecodeBOP parses a BOPMessage from buf, which must contain the fixed
// prefix plus at least metaSize trailing bytes; any bytes beyond
// metaSize are ignored.
func DecodeBOP(buf []byte) (BOPMessage, error) {
	if len(buf) < BOPFixedLen {
		return BOPMessage{}, fmt.Errorf("wire: BOP body too short: %d bytes (need %d)", len(buf), BOPFixedLen)
	}
	msg := BOPMessage{
		ProdSize: binary.BigEndian.Uint32(buf[0:4]),
		MetaSize: binary.BigEndian.Uint16(buf[4:6]),
	}
	rest := buf[BOPFixedLen:]
	if len(rest) < int(msg.MetaSize) {
		return BOPMessage{}, fmt.Errorf("wire: BOP metadata truncated: have %d bytes, want %d", len(rest), msg.MetaSize)
	}
	if msg.MetaSize > 0 {
		msg.Metadata = make([]byte, msg.MetaSize)
		copy(msg.Metadata, rest[:msg.MetaSize])
	}
	return msg, nil
}

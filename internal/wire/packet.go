// Package wire implements the Speech2Prompt framing layer: MTU-bounded
// packet chunking/reassembly and the JSON message envelope.
package wire

import (
	"errors"
	"fmt"
)

// Packet flag bits.
const (
	FlagStart  byte = 1 << 0
	FlagEnd    byte = 1 << 1
	FlagSingle byte = 1 << 2
)

// HeaderSize is the fixed 3-byte packet header: flags, seq, total.
const HeaderSize = 3

// Packet is one MTU-bounded framing unit.
type Packet struct {
	Flags byte
	Seq   uint8
	Total uint8
	Body  []byte
}

// Encode serializes a packet to wire bytes (header || body).
func (p Packet) Encode() []byte {
	buf := make([]byte, HeaderSize+len(p.Body))
	buf[0] = p.Flags
	buf[1] = p.Seq
	buf[2] = p.Total
	copy(buf[HeaderSize:], p.Body)
	return buf
}

// DecodePacket parses wire bytes into a Packet.
func DecodePacket(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, fmt.Errorf("wire: %w: packet shorter than header (%d bytes)", ErrFraming, len(data))
	}
	return Packet{
		Flags: data[0],
		Seq:   data[1],
		Total: data[2],
		Body:  data[HeaderSize:],
	}, nil
}

// ErrFraming is returned for any malformed or out-of-sequence packet.
var ErrFraming = errors.New("wire: framing error")

// Chunk splits message into packets whose body each fits within
// mtu-HeaderSize bytes. A message that fits in one packet emits a
// single SINGLE packet. Otherwise emits START, zero or more interior
// packets, then END, all sharing the same Total.
func Chunk(message []byte, mtu int) ([]Packet, error) {
	maxBody := mtu - HeaderSize
	if maxBody <= 0 {
		return nil, fmt.Errorf("wire: mtu %d too small for %d-byte header", mtu, HeaderSize)
	}

	if len(message) <= maxBody {
		return []Packet{{Flags: FlagSingle, Seq: 0, Total: 1, Body: message}}, nil
	}

	var bodies [][]byte
	for rest := message; len(rest) > 0; {
		n := maxBody
		if n > len(rest) {
			n = len(rest)
		}
		bodies = append(bodies, rest[:n])
		rest = rest[n:]
	}

	total := len(bodies)
	if total > 255 {
		return nil, fmt.Errorf("wire: message requires %d packets, exceeds 255-packet limit", total)
	}

	packets := make([]Packet, total)
	for i, body := range bodies {
		var flags byte
		switch i {
		case 0:
			flags = FlagStart
		case total - 1:
			flags = FlagEnd
		}
		packets[i] = Packet{Flags: flags, Seq: uint8(i), Total: uint8(total), Body: body}
	}
	return packets, nil
}

// Reassembler rebuilds one in-flight message per direction from an
// ordered stream of packets. It matches a single BLE characteristic's
// notification order; there is no reorder buffer by design (spec.md
// §4.1 rationale).
type Reassembler struct {
	inProgress bool
	expected   uint8
	nextSeq    uint8
	buf        []byte
}

// Feed consumes one packet. It returns (message, true, nil) when a
// complete message has been reassembled. Any out-of-order, duplicate,
// or mismatched-total packet resets the buffer and returns ErrFraming;
// the next START packet re-enters the normal path.
func (r *Reassembler) Feed(p Packet) ([]byte, bool, error) {
	switch {
	case p.Flags&FlagSingle != 0:
		r.reset()
		return p.Body, true, nil

	case p.Flags&FlagStart != 0:
		r.reset()
		r.inProgress = true
		r.expected = p.Total
		r.nextSeq = 1
		r.buf = append(r.buf, p.Body...)
		return nil, false, nil

	default:
		if !r.inProgress || p.Seq != r.nextSeq || p.Total != r.expected {
			r.reset()
			return nil, false, fmt.Errorf("wire: %w: seq=%d total=%d expected_seq=%d expected_total=%d in_progress=%v",
				ErrFraming, p.Seq, p.Total, r.nextSeq, r.expected, r.inProgress)
		}
		r.buf = append(r.buf, p.Body...)
		r.nextSeq++
		if p.Flags&FlagEnd != 0 {
			msg := r.buf
			r.reset()
			return msg, true, nil
		}
		return nil, false, nil
	}
}

func (r *Reassembler) reset() {
	r.inProgress = false
	r.expected = 0
	r.nextSeq = 0
	r.buf = nil
}

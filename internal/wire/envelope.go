package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ProtocolVersion is the single version value both peers must agree on
// (spec.md §9 open question 2: picked 1, no legacy mobile install to
// stay compatible with).
const ProtocolVersion = 1

// MessageType identifies the envelope's payload kind.
type MessageType string

const (
	TypeText      MessageType = "TEXT"
	TypeWord      MessageType = "WORD"
	TypeCommand   MessageType = "COMMAND"
	TypeHeartbeat MessageType = "HEARTBEAT"
	TypeAck       MessageType = "ACK"
	TypePairReq   MessageType = "PAIR_REQ"
	TypePairAck   MessageType = "PAIR_ACK"

	// TypeConfirm carries the PIN-mode post-pair confirmation payload
	// (pairing.ConfirmEncrypted): a ciphertext the sender already produced
	// under the freshly installed key. The round trip itself is the proof
	// both sides agree, so it needs no further envelope-level encryption
	// or checksum.
	TypeConfirm MessageType = "CONFIRM"
)

// Encrypted reports whether this type's payload is end-to-end encrypted.
func (t MessageType) Encrypted() bool {
	switch t {
	case TypeText, TypeWord, TypeCommand:
		return true
	default:
		return false
	}
}

// AutoAcks reports whether the receiver must auto-ACK this type
// (spec.md §4.3 dispatch table).
func (t MessageType) AutoAcks() bool {
	switch t {
	case TypeText, TypeWord, TypeCommand, TypeHeartbeat:
		return true
	default:
		return false
	}
}

// WaitsForAck reports whether the sender must allocate an ack-waiter and
// block (up to the ack timeout) for this type (spec.md §4.6: TEXT, WORD,
// COMMAND only — HEARTBEAT is fire-and-forget from the sender's side
// even though the receiver still ACKs it).
func (t MessageType) WaitsForAck() bool {
	switch t {
	case TypeText, TypeWord, TypeCommand:
		return true
	default:
		return false
	}
}

// SkipsVerification reports whether the receive contract exempts this
// type from checksum verification entirely (spec.md §4.3 step 2: ACK
// and, per the mobile implementation's behavior, PAIR_ACK since the
// receiver has no key yet when it arrives).
func (t MessageType) SkipsVerification() bool {
	return t == TypeAck || t == TypePairAck || t == TypeConfirm
}

// BypassesQueue reports whether this type is sent directly even when
// the connection is not yet Connected (pairing messages are sent during
// the Pairing state, before the queue's target state).
func (t MessageType) BypassesQueue() bool {
	return t == TypePairReq || t == TypePairAck || t == TypeConfirm
}

// Envelope is the wire message, serialized as compact JSON with short
// field names (v,t,p,ts,cs) per spec.md §3.
type Envelope struct {
	Version   uint8       `json:"v"`
	Type      MessageType `json:"t"`
	Payload   string      `json:"p"`
	Timestamp uint64      `json:"ts"`
	Checksum  string      `json:"cs"`
}

// Marshal renders the envelope as canonical JSON bytes.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses an Envelope from JSON bytes. Field order is not
// canonical on decode; parsers are lenient per spec.md §4.3.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("wire: %w: %v", ErrProtocol, err)
	}
	if e.Version != ProtocolVersion {
		return Envelope{}, fmt.Errorf("wire: %w: version mismatch, got %d want %d", ErrProtocol, e.Version, ProtocolVersion)
	}
	return e, nil
}

// ErrProtocol covers malformed envelopes, unknown types, and version
// mismatches (spec.md §7 taxonomy item 4).
var ErrProtocol = errors.New("wire: protocol error")

// ErrCrypto covers checksum/decrypt failures (spec.md §7 item 3).
var ErrCrypto = errors.New("wire: crypto error")

// Clock produces strictly monotonic millisecond Unix timestamps for a
// session so that two messages never alias as ACK-correlation keys
// (spec.md §9 open question 5, §5 ordering guarantee).
type Clock struct {
	mu   sync.Mutex
	last uint64
	now  func() time.Time
}

// NewClock returns a Clock using wall-clock time.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockWithSource returns a Clock driven by a custom time source,
// for deterministic tests.
func NewClockWithSource(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Next returns the next strictly increasing millisecond timestamp.
func (c *Clock) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := uint64(c.now().UnixMilli())
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

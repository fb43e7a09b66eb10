package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/speech2prompt/s2p/internal/crypto"
	"github.com/speech2prompt/s2p/internal/wire"
)

// pairedBus wires two Sessions together in-process, feeding each
// other's WritePacket calls straight into HandleFrame: a mock BLE
// characteristic pair, symmetric for both directions.
type pairedBus struct {
	mu   sync.Mutex
	peer *Session
}

func (b *pairedBus) WritePacket(data []byte) error {
	b.mu.Lock()
	peer := b.peer
	b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	go peer.HandleFrame(cp)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) HandleEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func newPairedSessions(key []byte) (*Session, *recordingSink, *Session, *recordingSink) {
	sinkA := &recordingSink{}
	sinkB := &recordingSink{}
	busA := &pairedBus{}
	busB := &pairedBus{}

	sessA := New(sinkA, busA, DefaultOptions())
	sessB := New(sinkB, busB, DefaultOptions())
	busA.peer = sessB
	busB.peer = sessA

	if key != nil {
		sessA.InstallKey(key)
		sessB.InstallKey(key)
	}
	sessA.SetConnected(true)
	sessB.SetConnected(true)
	return sessA, sinkA, sessB, sinkB
}

func TestSendReceiveTextRoundTripAndAutoAck(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, 32)
	sessA, _, sessB, sinkB := newPairedSessions(key)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sessA.Send(ctx, wire.TypeText, "hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		for _, e := range sinkB.all() {
			if e.Kind == EventText && e.Text == "hello" {
				return true
			}
		}
		return false
	})
	_ = sessB
}

func TestAckTimeoutWhenPeerNeverAcks(t *testing.T) {
	sink := &recordingSink{}
	var noop discardWriter
	opts := DefaultOptions()
	opts.AckTimeout = 50 * time.Millisecond
	s := New(sink, noop, opts)
	s.InstallKey(bytes.Repeat([]byte{0x02}, 32))
	s.SetConnected(true)

	ctx := context.Background()
	err := s.Send(ctx, wire.TypeText, "nobody is listening")
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("expected ErrAckTimeout, got %v", err)
	}
}

type discardWriter struct{}

func (discardWriter) WritePacket([]byte) error { return nil }

func TestHeartbeatDropsWhenNotConnected(t *testing.T) {
	sink := &recordingSink{}
	var noop discardWriter
	s := New(sink, noop, DefaultOptions())
	// not connected
	if err := s.Send(context.Background(), wire.TypeHeartbeat, ""); err != nil {
		t.Fatalf("heartbeat send should not error when dropped, got %v", err)
	}
}

func TestTextQueuesWhileDisconnectedAndFlushesOnConnect(t *testing.T) {
	key := bytes.Repeat([]byte{0x03}, 32)
	sinkA := &recordingSink{}
	sinkB := &recordingSink{}
	busA := &pairedBus{}
	busB := &pairedBus{}
	sessA := New(sinkA, busA, DefaultOptions())
	sessB := New(sinkB, busB, DefaultOptions())
	busA.peer = sessB
	busB.peer = sessA
	sessA.InstallKey(key)
	sessB.InstallKey(key)
	sessB.SetConnected(true)

	// sessA is not connected: Send enqueues and returns immediately
	// instead of blocking for an ack that can never arrive.
	if err := sessA.Send(context.Background(), wire.TypeText, "queued"); err != nil {
		t.Fatalf("send while disconnected should succeed (queued), got %v", err)
	}
	if sessA.QueueLen() != 1 {
		t.Fatalf("queue length = %d, want 1", sessA.QueueLen())
	}

	sessA.SetConnected(true)
	waitForCondition(t, time.Second, func() bool {
		for _, e := range sinkB.all() {
			if e.Kind == EventText && e.Text == "queued" {
				return true
			}
		}
		return false
	})
}

func TestPairRequestBypassesQueueWhenDisconnected(t *testing.T) {
	sinkA := &recordingSink{}
	sinkB := &recordingSink{}
	busA := &pairedBus{}
	busB := &pairedBus{}
	sessA := New(sinkA, busA, DefaultOptions())
	sessB := New(sinkB, busB, DefaultOptions())
	busA.peer = sessB
	busB.peer = sessA
	// neither side connected nor keyed — mirrors the Pairing state.

	if err := sessA.Send(context.Background(), wire.TypePairReq, `{"device_id":"android-abc"}`); err != nil {
		t.Fatalf("PAIR_REQ send failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		for _, e := range sinkB.all() {
			if e.Kind == EventPairRequest {
				return true
			}
		}
		return false
	})
	if sessA.QueueLen() != 0 {
		t.Errorf("PAIR_REQ should not be queued, queue length = %d", sessA.QueueLen())
	}
}

func TestChecksumTamperDropsMessage(t *testing.T) {
	key := bytes.Repeat([]byte{0x04}, 32)
	sink := &recordingSink{}
	s := New(sink, discardWriter{}, DefaultOptions())
	s.InstallKey(key)
	s.SetConnected(true)

	ciphertext, err := crypto.Encrypt(key, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	env := wire.Envelope{
		Version:   wire.ProtocolVersion,
		Type:      wire.TypeText,
		Payload:   ciphertext,
		Timestamp: 1000,
		Checksum:  "ffffffff", // wrong on purpose
	}
	data, err := env.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	packets, err := wire.Chunk(data, 247)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range packets {
		s.HandleFrame(p.Encode())
	}

	for _, e := range sink.all() {
		if e.Kind == EventText {
			t.Fatal("tampered message should not have dispatched as text")
		}
	}
	found := false
	for _, e := range sink.all() {
		if e.Kind == EventCryptoDropped {
			found = true
		}
	}
	if !found {
		t.Fatal("expected EventCryptoDropped")
	}
}

// Package session implements the Message Model send/receive contract
// (spec.md §4.3), the Reliable Sender (§4.6), and the Receiver/Dispatcher
// (§4.7) as a single per-connection component shared by the central and
// peripheral sides.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/speech2prompt/s2p/internal/crypto"
	"github.com/speech2prompt/s2p/internal/metrics"
	"github.com/speech2prompt/s2p/internal/wire"
)

// EventKind enumerates the events a Session pushes to its Sink. This
// replaces the source's observer/stream abstractions with a single
// enumerated variant type and a push interface (spec.md §9 design notes).
type EventKind int

const (
	EventText EventKind = iota
	EventWord
	EventCommand
	EventHeartbeat
	EventPairRequest
	EventPairAck
	EventConfirm
	EventFramingDropped
	EventCryptoDropped
	EventProtocolDropped
)

// Event is pushed to a Sink for every inbound message or drop.
type Event struct {
	Kind      EventKind
	Text      string // decrypted payload for TEXT/WORD/COMMAND
	Timestamp uint64
	PairReq   *pairRequestPayload
	PairAck   *pairAckPayload
	Err       error // set for the *Dropped kinds
}

// pairRequestPayload/pairAckPayload avoid a session->pairing package
// import cycle. internal/central and internal/peripheralble do not read
// them: they decode the same JSON from Event.Text into
// pairing.Request/pairing.Ack.
type pairRequestPayload struct{ Raw []byte }
type pairAckPayload struct{ Raw []byte }

// Sink receives events from a Session. There is no subscription graph:
// exactly one sink per session, wired at construction.
type Sink interface {
	HandleEvent(Event)
}

// Writer writes one already-framed packet's bytes to the underlying BLE
// characteristic.
type Writer interface {
	WritePacket(data []byte) error
}

var (
	// ErrAckTimeout is returned by Send when no ACK arrives within the
	// configured timeout. The transport never auto-retransmits; the
	// caller decides whether to retry (spec.md §7 item 6).
	ErrAckTimeout = errors.New("session: ack timeout")
	// ErrNotConnected is returned for sends that cannot be queued.
	ErrNotConnected = errors.New("session: not connected")
)

// Options configures a Session's timing and buffering.
type Options struct {
	MTU            int
	QueueSize      int           // bounded outbound FIFO while disconnected
	AckTimeout     time.Duration // default 5s
	InterPacketGap time.Duration // default 10ms, spec.md §4.6
	Clock          *wire.Clock
}

// DefaultOptions returns the spec.md defaults.
func DefaultOptions() Options {
	return Options{
		MTU:            23,
		QueueSize:      64,
		AckTimeout:     5 * time.Second,
		InterPacketGap: 10 * time.Millisecond,
		Clock:          wire.NewClock(),
	}
}

type queuedMessage struct {
	msgType wire.MessageType
	payload string
}

type waiter struct {
	done chan error
}

// Session is the per-connection Message Model + Reliable Sender +
// Dispatcher. Its mutable state is owned by one mutex: spec.md §5 models
// a single-threaded cooperative event loop per connection, and a mutex
// is the straightforward substitute when callers may come from multiple
// goroutines (BLE callbacks, timers, API calls).
type Session struct {
	opts   Options
	sink   Sink
	writer Writer

	mu        sync.Mutex
	key       []byte // nil until pairing installs a CryptoContext
	connected bool
	queue     []queuedMessage
	waiters   map[uint64]*waiter
	reasm     wire.Reassembler
}

// New creates a Session. sink and writer must not be nil.
func New(sink Sink, writer Writer, opts Options) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	if opts.InterPacketGap <= 0 {
		opts.InterPacketGap = 10 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = wire.NewClock()
	}
	if opts.MTU <= 0 {
		opts.MTU = 23
	}
	return &Session{
		opts:    opts,
		sink:    sink,
		writer:  writer,
		waiters: make(map[uint64]*waiter),
	}
}

// InstallKey installs the session key derived by pairing. The Crypto
// Context is immutable after installation and shareable across
// goroutines (spec.md §5 shared-resource policy) — Session simply holds
// the raw key and calls the stateless crypto package functions.
func (s *Session) InstallKey(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
}

// ClearKey removes the installed key (explicit unpair).
func (s *Session) ClearKey() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = nil
}

// Paired reports whether a session key is installed.
func (s *Session) Paired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key != nil
}

// SetConnected toggles the Connected state that governs queueing. On
// transition to true, queued messages are drained.
func (s *Session) SetConnected(connected bool) {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = connected
	s.mu.Unlock()

	if connected && !wasConnected {
		s.drainQueue()
	}
	if !connected {
		s.failAllWaiters(ErrNotConnected)
	}
}

// SetWriter rebinds the packet writer, used by the Connection Supervisor
// after a reconnect establishes a fresh characteristic without losing the
// installed key, queue, or ack-waiter state.
func (s *Session) SetWriter(w Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer = w
}

// SetMTU updates the negotiated MTU used for future chunking.
func (s *Session) SetMTU(mtu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.MTU = mtu
}

// UpdateMTU is an alias kept for callers that prefer the verb form used
// elsewhere in the connection supervisor.
func (s *Session) UpdateMTU(mtu int) { s.SetMTU(mtu) }

// SetMTUIfPositive only updates when mtu > 0, mirroring the "fall back
// to default on negotiation failure" rule of spec.md §4.5.
func (s *Session) SetMTUIfPositive(mtu int) {
	if mtu > 0 {
		s.SetMTU(mtu)
	}
}

// Send implements the send contract of spec.md §4.3. For TEXT/WORD/
// COMMAND it blocks (up to AckTimeout or ctx) for the correlating ACK.
// HEARTBEAT and ACK are fire-and-forget. PAIR_REQ/PAIR_ACK bypass the
// connected-queue check entirely.
func (s *Session) Send(ctx context.Context, msgType wire.MessageType, payload string) error {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()

	if !connected && !msgType.BypassesQueue() {
		if msgType == wire.TypeHeartbeat {
			// heartbeat drops if not Connected (spec.md §3 invariant)
			return nil
		}
		s.enqueue(msgType, payload)
		return nil
	}

	return s.sendNow(ctx, msgType, payload)
}

func (s *Session) enqueue(msgType wire.MessageType, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= s.opts.QueueSize {
		// Drop the oldest TEXT/WORD; only a queue holding neither loses
		// its oldest entry of another type.
		drop := 0
		for i, m := range s.queue {
			if m.msgType == wire.TypeText || m.msgType == wire.TypeWord {
				drop = i
				break
			}
		}
		slog.Warn("session: outbound queue full, dropping oldest message", "dropped_type", s.queue[drop].msgType)
		s.queue = append(s.queue[:drop], s.queue[drop+1:]...)
	}
	s.queue = append(s.queue, queuedMessage{msgType: msgType, payload: payload})
	metrics.QueueDepth.Set(float64(len(s.queue)))
}

func (s *Session) drainQueue() {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()
	metrics.QueueDepth.Set(0)

	for _, m := range pending {
		if err := s.sendNow(context.Background(), m.msgType, m.payload); err != nil {
			slog.Warn("session: failed to flush queued message", "type", m.msgType, "error", err)
		}
	}
}

// sendNow builds and writes the envelope immediately, registering and
// awaiting an ack-waiter when the type requires one.
func (s *Session) sendNow(ctx context.Context, msgType wire.MessageType, payload string) error {
	s.mu.Lock()
	key := s.key
	mtu := s.opts.MTU
	gap := s.opts.InterPacketGap
	ts := s.opts.Clock.Next()
	s.mu.Unlock()

	outPayload := payload
	if msgType.Encrypted() && key != nil {
		ciphertext, err := crypto.Encrypt(key, []byte(payload))
		if err != nil {
			return fmt.Errorf("session: encrypt: %w", err)
		}
		outPayload = ciphertext
	}

	// crypto.Checksum returns "" (unsigned) when key is nil, matching
	// the pre-pairing PAIR_REQ case and any type sent before a key is
	// installed.
	checksum := crypto.Checksum(wire.ProtocolVersion, string(msgType), outPayload, ts, key)

	env := wire.Envelope{
		Version:   wire.ProtocolVersion,
		Type:      msgType,
		Payload:   outPayload,
		Timestamp: ts,
		Checksum:  checksum,
	}
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("session: marshal envelope: %w", err)
	}

	packets, err := wire.Chunk(data, mtu)
	if err != nil {
		return fmt.Errorf("session: chunk: %w", err)
	}

	var w *waiter
	if msgType.WaitsForAck() {
		w = &waiter{done: make(chan error, 1)}
		s.mu.Lock()
		s.waiters[ts] = w
		s.mu.Unlock()
	}

	for i, p := range packets {
		if err := s.writer.WritePacket(p.Encode()); err != nil {
			if w != nil {
				s.mu.Lock()
				delete(s.waiters, ts)
				s.mu.Unlock()
			}
			return fmt.Errorf("session: write packet %d/%d: %w", i+1, len(packets), err)
		}
		if i < len(packets)-1 && gap > 0 {
			time.Sleep(gap)
		}
	}

	if w == nil {
		return nil
	}
	return s.awaitAck(ctx, msgType, ts, w)
}

func (s *Session) awaitAck(ctx context.Context, msgType wire.MessageType, ts uint64, w *waiter) error {
	timer := time.NewTimer(s.opts.AckTimeout)
	defer timer.Stop()

	select {
	case err := <-w.done:
		return err
	case <-timer.C:
		s.mu.Lock()
		delete(s.waiters, ts)
		s.mu.Unlock()
		metrics.AckTimeouts.WithLabelValues(string(msgType)).Inc()
		return ErrAckTimeout
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.waiters, ts)
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *Session) failAllWaiters(err error) {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = make(map[uint64]*waiter)
	s.mu.Unlock()

	for _, w := range waiters {
		select {
		case w.done <- err:
		default:
		}
	}
}

// HandleFrame implements the receive contract of spec.md §4.3: feed one
// raw packet's bytes through the packet codec, and once a full message
// is reassembled, parse/verify/decrypt/dispatch it.
func (s *Session) HandleFrame(raw []byte) {
	pkt, err := wire.DecodePacket(raw)
	if err != nil {
		s.sink.HandleEvent(Event{Kind: EventFramingDropped, Err: err})
		return
	}

	s.mu.Lock()
	msg, complete, ferr := s.reasm.Feed(pkt)
	s.mu.Unlock()
	if ferr != nil {
		s.sink.HandleEvent(Event{Kind: EventFramingDropped, Err: ferr})
		return
	}
	if !complete {
		return
	}

	env, err := wire.Unmarshal(msg)
	if err != nil {
		s.sink.HandleEvent(Event{Kind: EventProtocolDropped, Err: err})
		return
	}

	s.mu.Lock()
	key := s.key
	s.mu.Unlock()

	if !env.Type.SkipsVerification() {
		if !crypto.VerifyChecksum(env.Version, string(env.Type), env.Payload, env.Timestamp, env.Checksum, key) {
			s.sink.HandleEvent(Event{Kind: EventCryptoDropped, Err: fmt.Errorf("session: checksum mismatch for %s", env.Type)})
			return
		}
	}

	payload := env.Payload
	if env.Type.Encrypted() {
		if key == nil {
			s.sink.HandleEvent(Event{Kind: EventProtocolDropped, Err: fmt.Errorf("session: %s received before pairing", env.Type)})
			return
		}
		plaintext, err := crypto.Decrypt(key, env.Payload)
		if err != nil {
			s.sink.HandleEvent(Event{Kind: EventCryptoDropped, Err: err})
			return
		}
		payload = string(plaintext)
	}

	s.dispatch(env, payload)
}

func (s *Session) dispatch(env wire.Envelope, payload string) {
	switch env.Type {
	case wire.TypeAck:
		s.completeWaiterFromAckPayload(payload)
		return
	case wire.TypeText:
		s.sink.HandleEvent(Event{Kind: EventText, Text: payload, Timestamp: env.Timestamp})
	case wire.TypeWord:
		s.sink.HandleEvent(Event{Kind: EventWord, Text: payload, Timestamp: env.Timestamp})
	case wire.TypeCommand:
		s.sink.HandleEvent(Event{Kind: EventCommand, Text: payload, Timestamp: env.Timestamp})
	case wire.TypeHeartbeat:
		s.sink.HandleEvent(Event{Kind: EventHeartbeat, Timestamp: env.Timestamp})
	case wire.TypePairReq:
		s.sink.HandleEvent(Event{Kind: EventPairRequest, Text: payload, Timestamp: env.Timestamp, PairReq: &pairRequestPayload{Raw: []byte(payload)}})
		return // pairing messages are not auto-ACKed
	case wire.TypePairAck:
		s.sink.HandleEvent(Event{Kind: EventPairAck, Text: payload, Timestamp: env.Timestamp, PairAck: &pairAckPayload{Raw: []byte(payload)}})
		return
	case wire.TypeConfirm:
		s.sink.HandleEvent(Event{Kind: EventConfirm, Text: payload, Timestamp: env.Timestamp})
		return
	default:
		s.sink.HandleEvent(Event{Kind: EventProtocolDropped, Err: fmt.Errorf("session: unknown type %q", env.Type)})
		return
	}

	if env.Type.AutoAcks() {
		go func() {
			if err := s.Send(context.Background(), wire.TypeAck, strconv.FormatUint(env.Timestamp, 10)); err != nil {
				slog.Warn("session: failed to send ack", "error", err)
			}
		}()
	}
}

func (s *Session) completeWaiterFromAckPayload(payload string) {
	ts, err := strconv.ParseUint(payload, 10, 64)
	if err != nil {
		s.sink.HandleEvent(Event{Kind: EventProtocolDropped, Err: fmt.Errorf("session: malformed ack payload %q: %w", payload, err)})
		return
	}
	s.mu.Lock()
	w, ok := s.waiters[ts]
	if ok {
		delete(s.waiters, ts)
	}
	s.mu.Unlock()
	if ok {
		select {
		case w.done <- nil:
		default:
		}
	}
}

// QueueLen returns the number of messages waiting for a connection.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

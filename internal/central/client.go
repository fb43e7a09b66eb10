// Package central implements the mobile-side Connection Supervisor:
// connect, negotiate MTU, discover characteristics, pair, then hold the
// link with a heartbeat and exponential-backoff reconnect. Builds on the
// Session abstraction with an explicit six-state machine rather than a
// single connected bool.
package central

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/speech2prompt/s2p/internal/credentials"
	"github.com/speech2prompt/s2p/internal/crypto"
	"github.com/speech2prompt/s2p/internal/dedup"
	"github.com/speech2prompt/s2p/internal/gatt"
	"github.com/speech2prompt/s2p/internal/metrics"
	"github.com/speech2prompt/s2p/internal/pairing"
	"github.com/speech2prompt/s2p/internal/session"
	"github.com/speech2prompt/s2p/internal/transport"
	"github.com/speech2prompt/s2p/internal/wire"
)

// State is one of the six Connection Supervisor states of spec.md §3.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StatePairing
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StatePairing:
		return "pairing"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrPairingTimeout is returned when no PAIR_ACK arrives in time.
var ErrPairingTimeout = errors.New("central: pairing ack timeout")

// Options configures a Client's identity, pairing mode, and timing.
type Options struct {
	DeviceID    string
	DeviceName  string
	PairingMode string // "ecdh" or "pin"
	PIN         string

	ReconnectMax   int
	ReconnectBase  time.Duration
	HeartbeatEvery time.Duration
	HeartbeatMiss  time.Duration
	PairTimeout    time.Duration

	Session session.Options
}

// DefaultOptions returns the config package's defaults, duplicated here
// so this package has no import-time dependency on internal/config.
func DefaultOptions() Options {
	return Options{
		PairingMode:    "ecdh",
		ReconnectMax:   5,
		ReconnectBase:  time.Second,
		HeartbeatEvery: 5 * time.Second,
		HeartbeatMiss:  15 * time.Second,
		PairTimeout:    10 * time.Second,
		Session:        session.DefaultOptions(),
	}
}

// Client is the mobile-side Connection Supervisor. One Client manages
// exactly one paired peripheral.
type Client struct {
	adapter transport.Adapter
	address string
	store   credentials.Store
	opts    Options

	downstream session.Sink // forwarded everything the supervisor doesn't consume itself

	mu        sync.Mutex
	state     State
	conn      transport.Connection
	cmdChar   transport.Characteristic
	sess      *session.Session
	lastSeen  time.Time
	reconnect chan struct{} // signalled by OnDisconnect, consumed by run's reconnect branch

	pairAckCh chan pairing.Ack
	confirmCh chan string

	cancel  context.CancelFunc
	onState func(State)

	dedup *dedup.Deduper
}

// New creates a Client bound to one peripheral address. downstream
// receives every session event the supervisor itself does not consume
// (EventText/EventWord/EventCommand are not expected on the central
// side, but a caller may still want EventHeartbeat/*Dropped for
// diagnostics); pass nil for a no-op sink.
func New(adapter transport.Adapter, address string, store credentials.Store, downstream session.Sink, opts Options) *Client {
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 5
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = 5 * time.Second
	}
	if opts.HeartbeatMiss <= 0 {
		opts.HeartbeatMiss = 15 * time.Second
	}
	if opts.PairTimeout <= 0 {
		opts.PairTimeout = 10 * time.Second
	}
	if downstream == nil {
		downstream = noopSink{}
	}

	c := &Client{
		adapter:    adapter,
		address:    address,
		store:      store,
		opts:       opts,
		downstream: downstream,
		reconnect:  make(chan struct{}, 1),
		pairAckCh:  make(chan pairing.Ack, 1),
		confirmCh:  make(chan string, 1),
	}
	c.sess = session.New(c, noopWriter{}, opts.Session)
	c.dedup = dedup.New(dedup.TransmitterFunc(c.sendWord))
	return c
}

// Deduper exposes the Incremental Text Deduper wired to this client's
// Session (spec.md §4.7: central feeds partial/final transcripts here;
// it transmits as WORD through Session.Send).
func (c *Client) Deduper() *dedup.Deduper { return c.dedup }

func (c *Client) sendWord(text string) error {
	return c.sess.Send(context.Background(), wire.TypeWord, text)
}

// SendText sends a TEXT message, bypassing the deduper (used for
// clipboard/manual-send paths that are not incremental transcripts).
func (c *Client) SendText(ctx context.Context, text string) error {
	return c.sess.Send(ctx, wire.TypeText, text)
}

// SendCommand sends a COMMAND message with the given JSON-encoded code
// payload (see internal/inject.CommandCode).
func (c *Client) SendCommand(ctx context.Context, payload string) error {
	return c.sess.Send(ctx, wire.TypeCommand, payload)
}

// State reports the current supervisor state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a callback invoked on every state transition.
func (c *Client) OnStateChange(fn func(State)) { c.onState = fn }

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(s)
	}
}

// Connect performs the full connect → MTU → discover → pair sequence
// and, on success, starts the background heartbeat/reconnect
// supervision. It returns once pairing completes or fails.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	if err := c.adapter.Enable(); err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("central: enable adapter: %w", err)
	}

	conn, err := c.adapter.Connect(ctx, c.address)
	if err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("central: connect to %s: %w", c.address, err)
	}

	if err := c.wireConnection(conn); err != nil {
		c.setState(StateFailed)
		return err
	}

	c.setState(StatePairing)
	secret, peerDeviceID, err := c.pair(ctx)
	if err != nil {
		c.setState(StateFailed)
		return err
	}

	c.sess.InstallKey(secret)
	if c.opts.PairingMode == "pin" {
		if err := c.confirm(ctx, secret); err != nil {
			c.setState(StateFailed)
			return err
		}
	}

	if err := c.store.Save(&credentials.PairedPeer{
		PeerAddress:  c.address,
		PeerDeviceID: peerDeviceID,
		SelfDeviceID: c.opts.DeviceID,
		SharedSecret: secret,
		PairedAt:     time.Now(),
	}); err != nil {
		slog.Warn("central: failed to persist paired peer", "error", err)
	}

	c.touch()
	c.sess.SetConnected(true)
	c.setState(StateConnected)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(runCtx)

	return nil
}

// wireConnection negotiates MTU, discovers the fixed characteristics,
// subscribes to notifications, and registers the disconnect handler.
func (c *Client) wireConnection(conn transport.Connection) error {
	mtu, err := conn.RequestMTU(gatt.NegotiatedMTU)
	if err != nil {
		slog.Warn("central: MTU negotiation failed, keeping default", "error", err)
	} else {
		c.sess.SetMTUIfPositive(mtu)
	}

	cmdChar, err := conn.DiscoverCharacteristic(gatt.ServiceUUID, gatt.CommandRXUUID)
	if err != nil {
		return fmt.Errorf("central: discover command-rx: %w", err)
	}
	respChar, err := conn.DiscoverCharacteristic(gatt.ServiceUUID, gatt.ResponseTXUUID)
	if err != nil {
		return fmt.Errorf("central: discover response-tx: %w", err)
	}
	if err := respChar.Subscribe(func(data []byte) { c.touch(); c.sess.HandleFrame(data) }); err != nil {
		return fmt.Errorf("central: subscribe response-tx: %w", err)
	}
	if statusChar, err := conn.DiscoverCharacteristic(gatt.ServiceUUID, gatt.StatusUUID); err == nil {
		_ = statusChar.Subscribe(func([]byte) { c.touch() })
	}

	c.mu.Lock()
	c.conn = conn
	c.cmdChar = cmdChar
	c.mu.Unlock()
	c.sess.SetWriter(charWriter{ch: cmdChar})

	conn.OnDisconnect(c.handleDisconnect)
	return nil
}

type charWriter struct{ ch transport.Characteristic }

func (w charWriter) WritePacket(data []byte) error { return w.ch.Write(data) }

// noopWriter is the Session's placeholder writer before the first
// wireConnection call installs the real one.
type noopWriter struct{}

func (noopWriter) WritePacket([]byte) error { return errors.New("central: not connected") }

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Client) handleDisconnect() {
	slog.Warn("central: link dropped", "address", c.address)
	c.sess.SetConnected(false)
	c.setState(StateReconnecting)
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// pair runs the central side of the handshake: builds and sends
// PAIR_REQ, then blocks for PAIR_ACK (delivered through HandleEvent
// into pairAckCh). PIN mode never performs an ECDH exchange at all
// (spec.md §4.2's legacy derivation): both device IDs learned through
// PAIR_REQ/PAIR_ACK are enough, since the PIN itself is already shared
// out of band.
func (c *Client) pair(ctx context.Context) (secret []byte, peerDeviceID string, err error) {
	if c.opts.PairingMode == "pin" {
		return c.pairPIN(ctx)
	}

	ctr, err := pairing.NewCentral(c.opts.DeviceID, c.opts.DeviceName)
	if err != nil {
		return nil, "", err
	}
	req := ctr.BuildRequest()
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("central: marshal pair request: %w", err)
	}
	if err := c.sess.Send(ctx, wire.TypePairReq, string(payload)); err != nil {
		return nil, "", fmt.Errorf("central: send pair request: %w", err)
	}

	timer := time.NewTimer(c.opts.PairTimeout)
	defer timer.Stop()
	select {
	case ack := <-c.pairAckCh:
		result, err := ctr.CompleteWithAck(ack)
		if errors.Is(err, pairing.ErrUseStoredSecret) {
			peer, lookupErr := c.store.Load(c.address)
			if lookupErr != nil {
				return nil, "", fmt.Errorf("central: %w: no stored secret for %s", lookupErr, c.address)
			}
			return peer.SharedSecret, peer.PeerDeviceID, nil
		}
		if err != nil {
			return nil, "", err
		}
		return result.SharedSecret, result.PeerDeviceID, nil
	case <-timer.C:
		return nil, "", ErrPairingTimeout
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// pairPIN implements the legacy PIN-mode handshake: send bare device
// identity, derive the session key locally from the configured PIN and
// both IDs once the peripheral's device_id is known from the ack.
func (c *Client) pairPIN(ctx context.Context) (secret []byte, peerDeviceID string, err error) {
	req := pairing.Request{DeviceID: c.opts.DeviceID, DeviceName: c.opts.DeviceName}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("central: marshal pair request: %w", err)
	}
	if err := c.sess.Send(ctx, wire.TypePairReq, string(payload)); err != nil {
		return nil, "", fmt.Errorf("central: send pair request: %w", err)
	}

	timer := time.NewTimer(c.opts.PairTimeout)
	defer timer.Stop()
	select {
	case ack := <-c.pairAckCh:
		if ack.Status != pairing.StatusOK {
			return nil, "", fmt.Errorf("central: %w: %s", pairing.ErrRejected, ack.Error)
		}
		return crypto.DerivePINKey(c.opts.PIN, c.opts.DeviceID, ack.DeviceID), ack.DeviceID, nil
	case <-timer.C:
		return nil, "", ErrPairingTimeout
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// confirm performs the PIN-mode post-pair confirmation round trip:
// send our confirm payload, wait for the peripheral's.
func (c *Client) confirm(ctx context.Context, secret []byte) error {
	payload, err := pairing.ConfirmEncrypted(secret)
	if err != nil {
		return fmt.Errorf("central: build confirm payload: %w", err)
	}
	if err := c.sess.Send(ctx, wire.TypeConfirm, payload); err != nil {
		return fmt.Errorf("central: send confirm: %w", err)
	}

	timer := time.NewTimer(c.opts.PairTimeout)
	defer timer.Stop()
	select {
	case peerPayload := <-c.confirmCh:
		return pairing.VerifyConfirmEncrypted(secret, peerPayload)
	case <-timer.C:
		return fmt.Errorf("central: confirm timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleEvent implements session.Sink: intercepts pairing/confirm
// traffic and liveness signals, forwarding everything else downstream.
func (c *Client) HandleEvent(e session.Event) {
	c.touch()
	switch e.Kind {
	case session.EventPairAck:
		var ack pairing.Ack
		if err := json.Unmarshal([]byte(e.Text), &ack); err != nil {
			slog.Warn("central: malformed pair ack", "error", err)
			return
		}
		select {
		case c.pairAckCh <- ack:
		default:
		}
	case session.EventConfirm:
		select {
		case c.confirmCh <- e.Text:
		default:
		}
	case session.EventFramingDropped:
		metrics.FramingErrors.Inc()
	case session.EventCryptoDropped:
		metrics.CryptoDrops.WithLabelValues("checksum_or_decrypt").Inc()
	default:
		c.downstream.HandleEvent(e)
	}
}

// run supervises the heartbeat ticker and the backoff-driven reconnect
// loop as errgroup siblings: either stopping propagates to the other
// through ctx, with one scoped group per connection lifetime.
func (c *Client) run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.heartbeatLoop(gctx) })
	g.Go(func() error { return c.reconnectLoop(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("central: supervisor stopped", "error", err)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.HeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.mu.Lock()
			state := c.state
			since := time.Since(c.lastSeen)
			c.mu.Unlock()

			if state != StateConnected {
				continue
			}
			if since > c.opts.HeartbeatMiss {
				metrics.HeartbeatMisses.Inc()
				slog.Warn("central: heartbeat miss, forcing reconnect", "silence", since)
				c.mu.Lock()
				conn := c.conn
				c.mu.Unlock()
				if conn != nil {
					_ = conn.Disconnect()
				}
				continue
			}
			if err := c.sess.Send(ctx, wire.TypeHeartbeat, ""); err != nil {
				slog.Warn("central: heartbeat send failed", "error", err)
			}
		}
	}
}

// reconnectLoop waits for a disconnect signal, then retries with
// exponential backoff (delay_i = base * 2^i) up to ReconnectMax
// attempts before declaring StateFailed. Each new link re-runs the
// PAIR_REQ handshake; a peripheral that already knows this device_id
// answers from its stored secret without consulting its gate.
func (c *Client) reconnectLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.reconnect:
		}

		for attempt := 0; attempt < c.opts.ReconnectMax; attempt++ {
			delay := c.opts.ReconnectBase * time.Duration(uint(1)<<uint(attempt))
			slog.Info("central: reconnect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}

			conn, err := c.adapter.Connect(ctx, c.address)
			if err != nil {
				metrics.Reconnects.WithLabelValues("failure").Inc()
				slog.Warn("central: reconnect attempt failed", "attempt", attempt+1, "error", err)
				continue
			}
			if err := c.wireConnection(conn); err != nil {
				metrics.Reconnects.WithLabelValues("failure").Inc()
				slog.Warn("central: reconnect wiring failed", "attempt", attempt+1, "error", err)
				continue
			}

			c.setState(StatePairing)
			secret, _, err := c.pair(ctx)
			if err == nil {
				c.sess.InstallKey(secret)
				if c.opts.PairingMode == "pin" {
					err = c.confirm(ctx, secret)
				}
			}
			if err != nil {
				metrics.Reconnects.WithLabelValues("failure").Inc()
				slog.Warn("central: reconnect pairing failed", "attempt", attempt+1, "error", err)
				continue
			}

			metrics.Reconnects.WithLabelValues("success").Inc()
			c.touch()
			c.sess.SetConnected(true)
			c.setState(StateConnected)
			break
		}

		if c.State() != StateConnected {
			metrics.Reconnects.WithLabelValues("gave_up").Inc()
			c.setState(StateFailed)
		}
	}
}

// Close disconnects and stops the supervisor.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Disconnect()
}

type noopSink struct{}

func (noopSink) HandleEvent(session.Event) {}

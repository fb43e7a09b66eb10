// Package peripheralble implements the desktop-side Connection
// Supervisor: advertise the fixed GATT service, accept exactly one
// central, run the peripheral side of the pairing state machine, and
// dispatch decoded TEXT/WORD/COMMAND events to the event processor,
// built in the idiom of internal/central's supervisor.
package peripheralble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/speech2prompt/s2p/internal/credentials"
	"github.com/speech2prompt/s2p/internal/crypto"
	"github.com/speech2prompt/s2p/internal/gatt"
	"github.com/speech2prompt/s2p/internal/metrics"
	"github.com/speech2prompt/s2p/internal/pairing"
	"github.com/speech2prompt/s2p/internal/session"
	"github.com/speech2prompt/s2p/internal/transport"
	"github.com/speech2prompt/s2p/internal/wire"
)

// Options configures a Server's identity and pairing mode.
type Options struct {
	DeviceID    string
	DeviceName  string
	PairingMode string // "ecdh" or "pin"
	PIN         string // required when PairingMode is "pin"
	AutoApprove bool
	PairTimeout time.Duration

	Session session.Options
}

// DefaultOptions mirrors the config package's defaults.
func DefaultOptions() Options {
	return Options{
		PairingMode: "ecdh",
		PairTimeout: 10 * time.Second,
		Session:     session.DefaultOptions(),
	}
}

// Server is the desktop-side Connection Supervisor: it owns the GATT
// service, the Session built on top of it, and the pairing state
// machine. sink receives decoded TEXT/WORD/COMMAND events — normally an
// *inject.EventProcessor.
type Server struct {
	adapter transport.PeripheralAdapter
	store   credentials.Store
	opts    Options
	sink    session.Sink
	gate    pairing.ConfirmationGate

	mu     sync.Mutex
	status gatt.StatusCode
	svc    transport.ServiceHandle
	sess   *session.Session

	confirmCh chan string
}

// New creates a Server. gate is consulted for unknown peers unless
// opts.AutoApprove is set, in which case AutoApprove{} is used
// regardless of what gate is passed.
func New(adapter transport.PeripheralAdapter, store credentials.Store, sink session.Sink, gate pairing.ConfirmationGate, opts Options) *Server {
	if opts.PairTimeout <= 0 {
		opts.PairTimeout = 10 * time.Second
	}
	if opts.AutoApprove || gate == nil {
		gate = pairing.AutoApprove{}
	}
	if sink == nil {
		sink = noopSink{}
	}

	s := &Server{
		adapter:   adapter,
		store:     store,
		opts:      opts,
		sink:      sink,
		gate:      gate,
		status:    gatt.StatusIdle,
		confirmCh: make(chan string, 1),
	}
	s.sess = session.New(s, noopWriter{}, opts.Session)
	return s
}

// Serve registers the GATT service, starts advertising, and blocks
// until ctx is cancelled. Run it in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	svc, err := s.adapter.AddService(gatt.ServiceUUID, []transport.CharacteristicConfig{
		{UUID: gatt.CommandRXUUID, WriteEvent: s.sess.HandleFrame},
		{UUID: gatt.ResponseTXUUID, Notify: true},
		{UUID: gatt.StatusUUID, Notify: true},
	})
	if err != nil {
		return fmt.Errorf("peripheralble: add service: %w", err)
	}

	s.mu.Lock()
	s.svc = svc
	s.mu.Unlock()
	s.sess.SetWriter(responseWriter{svc: svc})

	s.adapter.OnConnect(func() {
		slog.Info("peripheralble: central connected")
		s.setStatus(gatt.StatusAwaitingPair)
	})
	s.adapter.OnDisconnect(func() {
		slog.Info("peripheralble: central disconnected")
		s.sess.SetConnected(false)
		s.setStatus(gatt.StatusIdle)
	})

	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("peripheralble: enable adapter: %w", err)
	}

	return s.adapter.Advertise(ctx, gatt.ServiceUUID, s.opts.DeviceName)
}

func (s *Server) setStatus(code gatt.StatusCode) {
	s.mu.Lock()
	s.status = code
	svc := s.svc
	s.mu.Unlock()
	if svc == nil {
		return
	}
	if err := svc.Notify(gatt.StatusUUID, []byte{byte(code)}); err != nil {
		slog.Warn("peripheralble: status notify failed", "error", err)
	}
}

// Status reports the currently published status code.
func (s *Server) Status() gatt.StatusCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// HandleEvent implements session.Sink: runs the peripheral side of
// pairing and forwards decoded application payloads to sink.
func (s *Server) HandleEvent(e session.Event) {
	switch e.Kind {
	case session.EventPairRequest:
		s.handlePairRequest(e.Text)
	case session.EventConfirm:
		select {
		case s.confirmCh <- e.Text:
		default:
		}
	case session.EventText, session.EventWord, session.EventCommand:
		s.sink.HandleEvent(e)
	case session.EventFramingDropped:
		metrics.FramingErrors.Inc()
	case session.EventCryptoDropped:
		metrics.CryptoDrops.WithLabelValues("checksum_or_decrypt").Inc()
	case session.EventHeartbeat:
		// auto-acked by Session; nothing further to do.
	default:
	}
}

func (s *Server) handlePairRequest(payload string) {
	var req pairing.Request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		slog.Warn("peripheralble: malformed pair request", "error", err)
		return
	}

	var ack pairing.Ack
	var secret []byte

	if s.opts.PairingMode == "pin" {
		ack, secret = s.handlePinPairRequest(req)
	} else {
		p := &pairing.Peripheral{
			DeviceID: s.opts.DeviceID,
			Gate:     s.gate,
			KnownPeer: func(deviceID string) ([]byte, bool) {
				peer, err := s.store.FindByDeviceID(deviceID)
				if err != nil {
					return nil, false
				}
				return peer.SharedSecret, true
			},
		}
		var err error
		ack, secret, err = p.Handle(req)
		if err != nil {
			slog.Warn("peripheralble: pairing handshake failed", "error", err)
			return
		}
	}

	ackPayload, err := json.Marshal(ack)
	if err != nil {
		slog.Warn("peripheralble: marshal pair ack", "error", err)
		return
	}
	if err := s.sess.Send(context.Background(), wire.TypePairAck, string(ackPayload)); err != nil {
		slog.Warn("peripheralble: send pair ack", "error", err)
		return
	}

	if secret == nil {
		return // rejected
	}

	s.sess.InstallKey(secret)

	if s.opts.PairingMode == "pin" {
		// Runs on its own goroutine: the loopback transport delivers
		// writes synchronously, so blocking here on confirmCh would
		// deadlock against the central's still-in-flight PAIR_REQ send.
		go s.awaitConfirmAndFinish(req.DeviceID, secret)
		return
	}

	s.finishPairing(req.DeviceID, secret)
}

// handlePinPairRequest derives the legacy PIN-mode session key locally
// from the configured PIN and both device IDs (spec.md §4.2) instead of
// negotiating one over the wire — both peers must already agree on the
// PIN out of band. A known peer still skips the confirmation gate, but
// every PIN-mode pairing runs the post-pair confirm round trip since,
// unlike ECDH, no public key exchange itself proves the two derived
// keys actually match.
func (s *Server) handlePinPairRequest(req pairing.Request) (pairing.Ack, []byte) {
	known := false
	if _, err := s.store.FindByDeviceID(req.DeviceID); err == nil {
		known = true
	}
	if !known && s.gate != nil && !s.gate.Approve(req) {
		return pairing.Ack{DeviceID: s.opts.DeviceID, Status: pairing.StatusError, Error: "pairing rejected by user"}, nil
	}
	secret := crypto.DerivePINKey(s.opts.PIN, req.DeviceID, s.opts.DeviceID)
	return pairing.Ack{DeviceID: s.opts.DeviceID, Status: pairing.StatusOK}, secret
}

func (s *Server) awaitConfirmAndFinish(peerDeviceID string, secret []byte) {
	timer := time.NewTimer(s.opts.PairTimeout)
	defer timer.Stop()
	select {
	case peerPayload := <-s.confirmCh:
		if err := pairing.VerifyConfirmEncrypted(secret, peerPayload); err != nil {
			slog.Warn("peripheralble: confirm verification failed", "error", err)
			s.sess.ClearKey()
			return
		}
		reply, err := pairing.ConfirmEncrypted(secret)
		if err != nil {
			slog.Warn("peripheralble: build confirm reply", "error", err)
			return
		}
		if err := s.sess.Send(context.Background(), wire.TypeConfirm, reply); err != nil {
			slog.Warn("peripheralble: send confirm reply", "error", err)
			return
		}
		s.finishPairing(peerDeviceID, secret)
	case <-timer.C:
		slog.Warn("peripheralble: confirm timeout, pairing abandoned")
		s.sess.ClearKey()
	}
}

func (s *Server) finishPairing(peerDeviceID string, secret []byte) {
	if err := s.store.Save(&credentials.PairedPeer{
		PeerAddress:  peerDeviceID, // peripheral has no remote address, identity is device_id
		PeerDeviceID: peerDeviceID,
		SelfDeviceID: s.opts.DeviceID,
		SharedSecret: secret,
		PairedAt:     time.Now(),
	}); err != nil {
		slog.Warn("peripheralble: failed to persist paired peer", "error", err)
	}
	s.sess.SetConnected(true)
	s.setStatus(gatt.StatusPaired)
}

// Send transmits a TEXT/WORD/COMMAND-typed message to the central (used
// for desktop-to-mobile acknowledgements or status text, if any).
func (s *Server) Send(ctx context.Context, msgType wire.MessageType, payload string) error {
	return s.sess.Send(ctx, msgType, payload)
}

type responseWriter struct{ svc transport.ServiceHandle }

func (w responseWriter) WritePacket(data []byte) error {
	return w.svc.Notify(gatt.ResponseTXUUID, data)
}

type noopWriter struct{}

func (noopWriter) WritePacket([]byte) error { return errors.New("peripheralble: not serving yet") }

type noopSink struct{}

func (noopSink) HandleEvent(session.Event) {}

// Package pairing implements the ECDH pairing handshake state machine of
// spec.md §4.4: PAIR_REQ/PAIR_ACK payload types, the central and
// peripheral sides of the exchange, and the user-confirmation gate the
// peripheral consults for unknown peers.
package pairing

import (
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/speech2prompt/s2p/internal/crypto"
)

// Status is the outcome carried in a PairAck.
type Status string

const (
	StatusOK    Status = "OK"
	StatusError Status = "ERROR"
)

// Request is the inner JSON payload of a PAIR_REQ envelope.
type Request struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
	PublicKey  string `json:"public_key,omitempty"` // Base64(raw 32-byte X25519)
}

// Ack is the inner JSON payload of a PAIR_ACK envelope.
type Ack struct {
	DeviceID     string `json:"device_id"`
	Status       Status `json:"status"`
	Error        string `json:"error,omitempty"`
	PublicKey    string `json:"public_key,omitempty"`    // ECDH mode
	SharedSecret string `json:"shared_secret,omitempty"` // legacy PIN mode, hex
}

// ErrRejected is returned when the peer declines pairing.
var ErrRejected = errors.New("pairing: rejected by peer")

// ErrUseStoredSecret is returned by CompleteWithAck when the peripheral
// short-circuited the handshake for a known peer (spec.md §9 open
// question 3): the ack carries no fresh public key because no new ECDH
// exchange happened. The caller should reuse the previously stored
// shared secret for this peer instead of treating this as a failure.
var ErrUseStoredSecret = errors.New("pairing: peer reused stored secret, no ECDH performed")

// ConfirmationGate is the single interface the out-of-core UI implements
// to approve or reject an unknown peer's pairing request.
type ConfirmationGate interface {
	Approve(req Request) bool
}

// AutoApprove always approves; used when the desktop is configured to
// skip confirmation, and in tests. The known-peer fast path consults no
// gate at all.
type AutoApprove struct{}

// Approve implements ConfirmationGate.
func (AutoApprove) Approve(Request) bool { return true }

// AlwaysReject always rejects; useful as a test double.
type AlwaysReject struct{}

// Approve implements ConfirmationGate.
func (AlwaysReject) Approve(Request) bool { return false }

// Central is the mobile-side handshake state: its own identity and the
// ephemeral ECDH key pair generated for this pairing attempt.
type Central struct {
	DeviceID   string
	DeviceName string

	priv *ecdh.PrivateKey
	pub  *ecdh.PublicKey
}

// NewCentral generates a fresh ECDH key pair and returns a Central ready
// to build its PAIR_REQ.
func NewCentral(deviceID, deviceName string) (*Central, error) {
	priv, pub, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("pairing: generate key pair: %w", err)
	}
	return &Central{DeviceID: deviceID, DeviceName: deviceName, priv: priv, pub: pub}, nil
}

// BuildRequest constructs the PAIR_REQ payload for the given device.
func (c *Central) BuildRequest() Request {
	return Request{
		DeviceID:   c.DeviceID,
		DeviceName: c.DeviceName,
		PublicKey:  base64.StdEncoding.EncodeToString(c.pub.Bytes()),
	}
}

// Result is what a completed pairing yields: the peer's identity and the
// session key to install in a crypto.Context.
type Result struct {
	PeerDeviceID string
	SharedSecret []byte
}

// CompleteWithAck processes the peripheral's PAIR_ACK and derives the
// session key. It returns ErrRejected if the peripheral declined.
func (c *Central) CompleteWithAck(ack Ack) (*Result, error) {
	if ack.Status != StatusOK {
		return nil, fmt.Errorf("pairing: %w: %s", ErrRejected, ack.Error)
	}
	if ack.PublicKey == "" {
		return nil, fmt.Errorf("pairing: %w (peer device_id=%s)", ErrUseStoredSecret, ack.DeviceID)
	}
	rawPeerPub, err := base64.StdEncoding.DecodeString(ack.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("pairing: decode peer public key: %w", err)
	}
	peerPub, err := crypto.ParseX25519PublicKey(rawPeerPub)
	if err != nil {
		return nil, err
	}
	secret, err := crypto.DeriveECDHKey(c.priv, peerPub)
	if err != nil {
		return nil, err
	}
	return &Result{PeerDeviceID: ack.DeviceID, SharedSecret: secret}, nil
}

// Peripheral is the desktop-side handshake state.
type Peripheral struct {
	DeviceID string
	Gate     ConfirmationGate

	// KnownPeer, when non-nil, is consulted before Gate: if req.DeviceID
	// matches and a stored secret exists, the peripheral auto-approves
	// without prompting (spec.md §4.4 step 1, §9 open question 3).
	KnownPeer func(deviceID string) (sharedSecret []byte, ok bool)
}

// Handle processes an incoming PAIR_REQ and returns the PAIR_ACK to send
// plus the session key to install (nil on rejection).
func (p *Peripheral) Handle(req Request) (Ack, []byte, error) {
	if p.KnownPeer != nil {
		if secret, ok := p.KnownPeer(req.DeviceID); ok {
			// No fresh ECDH: reply immediately with the stored secret.
			// The ack carries no public_key, signalling the central to
			// reuse its own stored secret (see ErrUseStoredSecret).
			return Ack{DeviceID: p.DeviceID, Status: StatusOK}, secret, nil
		}
	}

	if p.Gate != nil && !p.Gate.Approve(req) {
		return Ack{DeviceID: p.DeviceID, Status: StatusError, Error: "pairing rejected by user"}, nil, nil
	}

	if req.PublicKey == "" {
		return rejectAck(p.DeviceID, fmt.Errorf("missing public_key")), nil, nil
	}
	rawPeerPub, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		return rejectAck(p.DeviceID, err), nil, nil
	}
	peerPub, err := crypto.ParseX25519PublicKey(rawPeerPub)
	if err != nil {
		return rejectAck(p.DeviceID, err), nil, nil
	}

	priv, pub, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return rejectAck(p.DeviceID, err), nil, nil
	}
	secret, err := crypto.DeriveECDHKey(priv, peerPub)
	if err != nil {
		return rejectAck(p.DeviceID, err), nil, nil
	}

	return Ack{
		DeviceID:  p.DeviceID,
		Status:    StatusOK,
		PublicKey: base64.StdEncoding.EncodeToString(pub.Bytes()),
	}, secret, nil
}

func rejectAck(deviceID string, err error) Ack {
	return Ack{DeviceID: deviceID, Status: StatusError, Error: err.Error()}
}

// confirmPhrase is the fixed plaintext both sides encrypt/decrypt to prove
// they derived the same key. Its content carries no meaning; only the fact
// that it round-trips matters.
const confirmPhrase = "speech2prompt-pin-confirm"

// ConfirmEncrypted performs the PIN-mode post-pair confirmation: a
// trivial encrypted round trip over the freshly installed key, proving
// both sides derived the same secret before either transitions to
// Connected. ECDH mode skips this step, since a successful AES-GCM decrypt
// of the first real message already confirms the exchange.
func ConfirmEncrypted(sharedSecret []byte) (string, error) {
	return crypto.Encrypt(sharedSecret, []byte(confirmPhrase))
}

// VerifyConfirmEncrypted decrypts a ConfirmEncrypted payload and checks it
// carries the expected confirmation phrase.
func VerifyConfirmEncrypted(sharedSecret []byte, payload string) error {
	plaintext, err := crypto.Decrypt(sharedSecret, payload)
	if err != nil {
		return fmt.Errorf("pairing: confirm decrypt failed: %w", err)
	}
	if string(plaintext) != confirmPhrase {
		return fmt.Errorf("pairing: confirm phrase mismatch")
	}
	return nil
}

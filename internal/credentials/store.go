// Package credentials implements the Persistent Credentials component of
// spec.md §4.10/§6: the {peer_address, peer_device_id, self_device_id,
// shared_secret, paired_at} record, stored encrypted at rest. The real
// host-platform Keychain/Credential-Manager/Secret-Service integration
// is an external collaborator (spec.md §1 Out of scope); FileStore is
// the local stand-in the core defines: a plain encrypted file rather
// than a cgo keystore binding.
package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/speech2prompt/s2p/internal/crypto"
)

// PairedPeer is one persisted pairing record (spec.md §3).
type PairedPeer struct {
	PeerAddress  string    `json:"peer_address"`
	PeerDeviceID string    `json:"peer_device_id"`
	SelfDeviceID string    `json:"self_device_id"`
	SharedSecret []byte    `json:"shared_secret"` // Base64 at rest via json
	PairedAt     time.Time `json:"paired_at"`
}

// ErrNotFound is returned when no record matches the lookup key.
var ErrNotFound = errors.New("credentials: no paired peer found")

// Store is the persistence interface both the central and peripheral
// Connection Supervisors use. Central looks peers up by BLE address;
// peripheral looks them up by the device_id carried in PAIR_REQ.
type Store interface {
	Load(address string) (*PairedPeer, error)
	FindByDeviceID(deviceID string) (*PairedPeer, error)
	Save(peer *PairedPeer) error
	Delete(address string) error
}

// FileStore persists paired-peer records as a single AES-256-GCM
// encrypted-at-rest JSON file, keyed by a machine-local wrapping key.
type FileStore struct {
	path string
	key  []byte // 32-byte wrapping key, not the per-peer shared secret

	mu    sync.Mutex
	peers map[string]*PairedPeer // keyed by PeerAddress
}

// NewFileStore opens (or prepares to create) the credential file at
// path, encrypted with wrappingKey (32 bytes).
func NewFileStore(path string, wrappingKey []byte) (*FileStore, error) {
	if err := crypto.ValidateKey(wrappingKey); err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	s := &FileStore{path: path, key: wrappingKey, peers: make(map[string]*PairedPeer)}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	plaintext, err := crypto.Decrypt(s.key, string(data))
	if err != nil {
		return fmt.Errorf("credentials: decrypt store: %w", err)
	}
	var peers []*PairedPeer
	if err := json.Unmarshal(plaintext, &peers); err != nil {
		return fmt.Errorf("credentials: parse store: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range peers {
		s.peers[p.PeerAddress] = p
	}
	return nil
}

// persistLocked writes the current in-memory peer set to disk. Caller
// must hold s.mu.
func (s *FileStore) persistLocked() error {
	peers := make([]*PairedPeer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	plaintext, err := json.Marshal(peers)
	if err != nil {
		return fmt.Errorf("credentials: marshal store: %w", err)
	}
	ciphertext, err := crypto.Encrypt(s.key, plaintext)
	if err != nil {
		return fmt.Errorf("credentials: encrypt store: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("credentials: create store dir: %w", err)
		}
	}
	return os.WriteFile(s.path, []byte(ciphertext), 0o600)
}

// Load implements Store.
func (s *FileStore) Load(address string) (*PairedPeer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[address]
	if !ok {
		return nil, fmt.Errorf("credentials: %w: address %s", ErrNotFound, address)
	}
	cp := *p
	return &cp, nil
}

// FindByDeviceID implements Store.
func (s *FileStore) FindByDeviceID(deviceID string) (*PairedPeer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		if p.PeerDeviceID == deviceID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("credentials: %w: device_id %s", ErrNotFound, deviceID)
}

// Save implements Store.
func (s *FileStore) Save(peer *PairedPeer) error {
	s.mu.Lock()
	s.peers[peer.PeerAddress] = peer
	err := s.persistLocked()
	s.mu.Unlock()
	return err
}

// Delete implements Store.
func (s *FileStore) Delete(address string) error {
	s.mu.Lock()
	delete(s.peers, address)
	err := s.persistLocked()
	s.mu.Unlock()
	return err
}

// LoadOrCreateWrappingKey reads the 32-byte FileStore wrapping key from
// path, generating and persisting a fresh random one on first run. The
// key never leaves this host, so losing it just means re-pairing.
func LoadOrCreateWrappingKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if verr := crypto.ValidateKey(data); verr != nil {
			return nil, fmt.Errorf("credentials: wrapping key at %s: %w", path, verr)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("credentials: read wrapping key: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("credentials: generate wrapping key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("credentials: create wrapping key dir: %w", err)
		}
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("credentials: write wrapping key: %w", err)
	}
	return key, nil
}

// EncodeSecret and DecodeSecret help callers that persist the shared
// secret in contexts (config files, logs) where the struct's own JSON
// tag isn't in play; PairedPeer.SharedSecret itself marshals as standard
// base64 via encoding/json's []byte handling.
func EncodeSecret(secret []byte) string { return base64.StdEncoding.EncodeToString(secret) }

func DecodeSecret(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("credentials: decode secret: %w", err)
	}
	return b, nil
}

package central

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/speech2prompt/s2p/internal/credentials"
	"github.com/speech2prompt/s2p/internal/peripheralble"
	"github.com/speech2prompt/s2p/internal/transport"
)

func newTestStore(t *testing.T) credentials.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peers.enc")
	store, err := credentials.NewFileStore(path, bytes.Repeat([]byte{0x01}, 32))
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func newPairForTest(t *testing.T) (*Client, *peripheralble.Server) {
	t.Helper()
	centralAdapter, peripheralAdapter := transport.NewLoopbackPair(transport.LoopbackConfig{MTU: 247})

	srv := peripheralble.New(peripheralAdapter, newTestStore(t), nil, nil, peripheralble.Options{
		DeviceID:    "desktop-1",
		DeviceName:  "Desktop",
		PairingMode: "ecdh",
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	opts := DefaultOptions()
	opts.DeviceID = "mobile-1"
	opts.DeviceName = "Phone"
	opts.PairTimeout = 2 * time.Second
	opts.HeartbeatEvery = 50 * time.Millisecond
	opts.HeartbeatMiss = time.Second

	client := New(centralAdapter, "loopback-0", newTestStore(t), nil, opts)
	return client, srv
}

func TestClientConnectCompletesECDHPairing(t *testing.T) {
	client, srv := newPairForTest(t)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := client.State(); got != StateConnected {
		t.Fatalf("client state = %v, want Connected", got)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if srv.Status().String() == "paired" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := srv.Status().String(); got != "paired" {
		t.Fatalf("server status = %q, want paired", got)
	}
}

func TestClientSendTextRoundTripsAck(t *testing.T) {
	client, _ := newPairForTest(t)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	sendCtx, sendCancel := context.WithTimeout(context.Background(), time.Second)
	defer sendCancel()
	if err := client.SendText(sendCtx, "hello world"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
}

func TestClientDeduperTransmitsViaSession(t *testing.T) {
	client, _ := newPairForTest(t)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	client.Deduper().OnFinal("hello there")
}

func TestStateStringsAreDistinct(t *testing.T) {
	states := []State{StateDisconnected, StateConnecting, StatePairing, StateConnected, StateReconnecting, StateFailed}
	seen := make(map[string]bool)
	for _, s := range states {
		str := s.String()
		if seen[str] {
			t.Fatalf("duplicate state string %q", str)
		}
		seen[str] = true
	}
}

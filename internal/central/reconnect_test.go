package central

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/speech2prompt/s2p/internal/peripheralble"
	"github.com/speech2prompt/s2p/internal/transport"
)

// failingAdapter wraps a working Adapter but fails every Connect call
// once armed, letting a test drive the backoff loop to exhaustion
// without a real radio or an injectable clock: small ReconnectBase
// values keep the test's wall-clock cost low instead. Each failed
// attempt's wall-clock time is recorded so the test can check the
// inter-attempt gaps against the base*2^i backoff formula.
type failingAdapter struct {
	transport.Adapter
	armed     bool
	attempts  int
	attemptAt []time.Time
}

func (a *failingAdapter) Connect(ctx context.Context, address string) (transport.Connection, error) {
	if !a.armed {
		return a.Adapter.Connect(ctx, address)
	}
	a.attempts++
	a.attemptAt = append(a.attemptAt, time.Now())
	return nil, errors.New("simulated radio failure")
}

func TestReconnectLoopGivesUpAfterMaxAttempts(t *testing.T) {
	centralAdapter, peripheralAdapter := transport.NewLoopbackPair(transport.LoopbackConfig{MTU: 247})
	failing := &failingAdapter{Adapter: centralAdapter}

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
	opts.HeartbeatEvery = 20 * time.Millisecond
	opts.HeartbeatMiss = 80 * time.Millisecond
	opts.ReconnectMax = 3
	opts.ReconnectBase = 10 * time.Millisecond

	client := New(failing, "loopback-0", newTestStore(t), nil, opts)
	defer client.Close()

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer connectCancel()
	if err := client.Connect(connectCtx); err != nil {
		t.Fatalf("initial Connect() error = %v", err)
	}

	// Dropping the link forces reconnectLoop to run; every subsequent
	// Connect through failingAdapter errors, so it must exhaust
	// ReconnectMax attempts and settle on StateFailed.
	failing.armed = true
	dropAt := time.Now()
	centralAdapter.(*transport.LoopbackCentralAdapter).SimulateDisconnect()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if client.State() == StateFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := client.State(); got != StateFailed {
		t.Fatalf("client state = %v, want Failed", got)
	}
	if failing.attempts != opts.ReconnectMax {
		t.Fatalf("reconnect attempts = %d, want %d", failing.attempts, opts.ReconnectMax)
	}

	// Each attempt i must wait base*2^i before dialing: the gap before
	// attempt 0 is base*1, before attempt 1 is base*2, before attempt 2
	// is base*4 (delay_i = base * 2^i).
	if len(failing.attemptAt) != opts.ReconnectMax {
		t.Fatalf("recorded attempt timestamps = %d, want %d", len(failing.attemptAt), opts.ReconnectMax)
	}
	prev := dropAt
	const tolerance = 60 * time.Millisecond
	for i, at := range failing.attemptAt {
		want := opts.ReconnectBase * time.Duration(uint(1)<<uint(i))
		got := at.Sub(prev)
		if got < want-tolerance {
			t.Fatalf("attempt %d gap = %v, want >= %v", i, got, want-tolerance)
		}
		prev = at
	}
}

package transport

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLoopbackWriteReachesPeripheralHandler(t *testing.T) {
	central, peripheral := NewLoopbackPair(LoopbackConfig{})

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})
	if _, err := peripheral.AddService("svc", []CharacteristicConfig{
		{UUID: "cmd-rx", WriteEvent: func(data []byte) {
			mu.Lock()
			got = data
			mu.Unlock()
			close(done)
		}},
	}); err != nil {
		t.Fatal(err)
	}

	conn, err := central.Connect(context.Background(), "loopback-0")
	if err != nil {
		t.Fatal(err)
	}
	ch, err := conn.DiscoverCharacteristic("svc", "cmd-rx")
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write never reached peripheral handler")
	}
	mu.Lock()
	defer mu.Unlock()
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestLoopbackNotifyReachesCentralSubscriber(t *testing.T) {
	central, peripheral := NewLoopbackPair(LoopbackConfig{})
	handle, err := peripheral.AddService("svc", nil)
	if err != nil {
		t.Fatal(err)
	}

	conn, err := central.Connect(context.Background(), "loopback-0")
	if err != nil {
		t.Fatal(err)
	}
	ch, err := conn.DiscoverCharacteristic("svc", "response-tx")
	if err != nil {
		t.Fatal(err)
	}

	received := make(chan []byte, 1)
	if err := ch.Subscribe(func(data []byte) { received <- data }); err != nil {
		t.Fatal(err)
	}
	if err := handle.Notify("response-tx", []byte("world")); err != nil {
		t.Fatal(err)
	}

	select {
	case data := <-received:
		if string(data) != "world" {
			t.Fatalf("got %q, want %q", data, "world")
		}
	case <-time.After(time.Second):
		t.Fatal("notification never reached central subscriber")
	}
}

func TestLoopbackSecondConcurrentCentralRejected(t *testing.T) {
	central, _ := NewLoopbackPair(LoopbackConfig{})
	if _, err := central.Connect(context.Background(), "loopback-0"); err != nil {
		t.Fatal(err)
	}
	if _, err := central.Connect(context.Background(), "loopback-0"); err == nil {
		t.Fatal("expected second concurrent connect to fail")
	}
}

func TestLoopbackDisconnectFiresBothCallbacks(t *testing.T) {
	central, peripheral := NewLoopbackPair(LoopbackConfig{})
	conn, err := central.Connect(context.Background(), "loopback-0")
	if err != nil {
		t.Fatal(err)
	}

	centralNotified := make(chan struct{})
	peripheralNotified := make(chan struct{})
	conn.OnDisconnect(func() { close(centralNotified) })
	peripheral.OnDisconnect(func() { close(peripheralNotified) })

	if err := conn.Disconnect(); err != nil {
		t.Fatal(err)
	}

	for _, ch := range []chan struct{}{centralNotified, peripheralNotified} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("disconnect callback not invoked")
		}
	}
}

func TestLoopbackAppliesLossRate(t *testing.T) {
	central, peripheral := NewLoopbackPair(LoopbackConfig{LossRate: 1, Seed: 1})
	var delivered int
	var mu sync.Mutex
	if _, err := peripheral.AddService("svc", []CharacteristicConfig{
		{UUID: "cmd-rx", WriteEvent: func([]byte) {
			mu.Lock()
			delivered++
			mu.Unlock()
		}},
	}); err != nil {
		t.Fatal(err)
	}
	conn, err := central.Connect(context.Background(), "loopback-0")
	if err != nil {
		t.Fatal(err)
	}
	ch, err := conn.DiscoverCharacteristic("svc", "cmd-rx")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := ch.Write([]byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if delivered != 0 {
		t.Fatalf("expected all writes dropped at LossRate=1, delivered %d", delivered)
	}
}

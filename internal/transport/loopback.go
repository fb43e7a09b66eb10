package transport

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// LoopbackConfig tunes the in-memory transport's fidelity to a real BLE
// link, promoted from test-only mock-adapter code to a first-class
// package: integration tests need a hardware-free way to exercise
// chunking, loss, and reconnect.
type LoopbackConfig struct {
	MTU      int           // 0 defaults to gatt.DefaultMTU
	LossRate float64       // probability in [0,1) that a write/notify is dropped
	Jitter   time.Duration // delay applied before delivery, to simulate async I/O
	Seed     int64         // 0 uses a fixed seed for reproducible tests
}

type link struct {
	mu sync.Mutex

	cfg LoopbackConfig
	rng *rand.Rand

	connected     bool
	writeHandlers map[string]func([]byte)
	notifySubs    map[string]func([]byte)

	onPeripheralConnect    func()   // fires once per accepted central, persists across reconnects
	onPeripheralDisconnect func()   // same: registered once by Serve, never re-registered
	connDownCallbacks      []func() // central's Connection.OnDisconnect, re-registered on every Connect
}

func newLink(cfg LoopbackConfig) *link {
	if cfg.MTU <= 0 {
		cfg.MTU = 23
	}
	return &link{
		cfg:           cfg,
		rng:           rand.New(rand.NewSource(cfg.Seed)),
		writeHandlers: make(map[string]func([]byte)),
		notifySubs:    make(map[string]func([]byte)),
	}
}

func (l *link) deliver(uuid string, data []byte, handlers map[string]func([]byte)) {
	l.mu.Lock()
	drop := l.cfg.LossRate > 0 && l.rng.Float64() < l.cfg.LossRate
	jitter := l.cfg.Jitter
	handler := handlers[uuid]
	l.mu.Unlock()

	if handler == nil {
		return
	}
	if drop {
		slog.Debug("transport: loopback dropped frame", "characteristic", uuid)
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	if jitter > 0 {
		go func() {
			time.Sleep(jitter)
			handler(cp)
		}()
		return
	}
	handler(cp)
}

func (l *link) disconnect() {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return
	}
	l.connected = false
	callbacks := l.connDownCallbacks
	l.connDownCallbacks = nil
	peripheralCb := l.onPeripheralDisconnect
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
	if peripheralCb != nil {
		peripheralCb()
	}
}

// NewLoopbackPair returns a connected central/peripheral Adapter pair
// sharing one in-memory link.
func NewLoopbackPair(cfg LoopbackConfig) (Adapter, PeripheralAdapter) {
	l := newLink(cfg)
	return &LoopbackCentralAdapter{l: l}, &LoopbackPeripheralAdapter{l: l}
}

// LoopbackCentralAdapter is the central-role Adapter over a loopback link.
type LoopbackCentralAdapter struct {
	l       *link
	Address string // advertised address the peripheral side presents
}

// Enable implements Adapter.
func (a *LoopbackCentralAdapter) Enable() error { return nil }

// Scan implements Adapter: the loopback link is always "discoverable".
func (a *LoopbackCentralAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	addr := a.Address
	if addr == "" {
		addr = "loopback-0"
	}
	return []Device{{Name: "loopback", Address: addr}}, nil
}

// Connect implements Adapter.
func (a *LoopbackCentralAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	a.l.mu.Lock()
	if a.l.connected {
		a.l.mu.Unlock()
		return nil, fmt.Errorf("transport: loopback already has a connected central")
	}
	a.l.connected = true
	cb := a.l.onPeripheralConnect
	a.l.mu.Unlock()

	if cb != nil {
		cb()
	}
	return &loopbackConnection{l: a.l}, nil
}

type loopbackConnection struct{ l *link }

func (c *loopbackConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	return &loopbackCharacteristic{l: c.l, uuid: charUUID}, nil
}

func (c *loopbackConnection) RequestMTU(mtu int) (int, error) {
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	if c.l.cfg.MTU > 0 && mtu > c.l.cfg.MTU {
		mtu = c.l.cfg.MTU
	}
	c.l.cfg.MTU = mtu
	return mtu, nil
}

func (c *loopbackConnection) Disconnect() error {
	c.l.disconnect()
	return nil
}

// SimulateDisconnect drops the link from outside the Connection/
// Connection Supervisor pair, exercising the reconnect path the way a
// real radio going out of range would, without either side requesting
// the drop itself.
func (a *LoopbackCentralAdapter) SimulateDisconnect() {
	a.l.disconnect()
}

func (c *loopbackConnection) OnDisconnect(callback func()) {
	c.l.mu.Lock()
	c.l.connDownCallbacks = append(c.l.connDownCallbacks, callback)
	c.l.mu.Unlock()
}

type loopbackCharacteristic struct {
	l    *link
	uuid string
}

// Write simulates a central write to a peripheral characteristic
// (Command-RX).
func (ch *loopbackCharacteristic) Write(data []byte) error {
	ch.l.mu.Lock()
	connected := ch.l.connected
	ch.l.mu.Unlock()
	if !connected {
		return fmt.Errorf("transport: loopback write while disconnected")
	}
	ch.l.deliver(ch.uuid, data, ch.l.writeHandlers)
	return nil
}

// Subscribe registers the central's notification callback (Response-TX,
// Status).
func (ch *loopbackCharacteristic) Subscribe(callback func(data []byte)) error {
	ch.l.mu.Lock()
	ch.l.notifySubs[ch.uuid] = callback
	ch.l.mu.Unlock()
	return nil
}

// LoopbackPeripheralAdapter is the peripheral-role PeripheralAdapter over
// a loopback link.
type LoopbackPeripheralAdapter struct{ l *link }

// Enable implements PeripheralAdapter.
func (a *LoopbackPeripheralAdapter) Enable() error { return nil }

// AddService implements PeripheralAdapter.
func (a *LoopbackPeripheralAdapter) AddService(serviceUUID string, configs []CharacteristicConfig) (ServiceHandle, error) {
	a.l.mu.Lock()
	for _, c := range configs {
		if c.WriteEvent != nil {
			a.l.writeHandlers[c.UUID] = c.WriteEvent
		}
	}
	a.l.mu.Unlock()
	return &loopbackServiceHandle{l: a.l}, nil
}

// Advertise blocks until ctx is cancelled; the loopback central connects
// directly via Connect, with no separate scan/advertise handshake needed.
func (a *LoopbackPeripheralAdapter) Advertise(ctx context.Context, serviceUUID, localName string) error {
	<-ctx.Done()
	return ctx.Err()
}

// StopAdvertising implements PeripheralAdapter.
func (a *LoopbackPeripheralAdapter) StopAdvertising() error { return nil }

// OnConnect implements PeripheralAdapter.
func (a *LoopbackPeripheralAdapter) OnConnect(callback func()) {
	a.l.mu.Lock()
	a.l.onPeripheralConnect = callback
	a.l.mu.Unlock()
}

// OnDisconnect implements PeripheralAdapter. Registered once: the
// service is added once per Serve call and must keep observing every
// central disconnect across reconnects, unlike the central's own
// Connection.OnDisconnect which is re-registered per connection.
func (a *LoopbackPeripheralAdapter) OnDisconnect(callback func()) {
	a.l.mu.Lock()
	a.l.onPeripheralDisconnect = callback
	a.l.mu.Unlock()
}

type loopbackServiceHandle struct{ l *link }

// Notify simulates the peripheral pushing a notification to the
// subscribed central (Response-TX, Status).
func (h *loopbackServiceHandle) Notify(charUUID string, data []byte) error {
	h.l.mu.Lock()
	connected := h.l.connected
	h.l.mu.Unlock()
	if !connected {
		return fmt.Errorf("transport: loopback notify while disconnected")
	}
	h.l.deliver(charUUID, data, h.l.notifySubs)
	return nil
}

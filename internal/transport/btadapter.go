package transport

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// BluetoothAdapter is the central-role Adapter backed by the host's
// real BLE radio via tinygo.org/x/bluetooth, generalized from a
// macOS-only CoreBluetooth wrapper to the cross-platform tinygo API
// (the same package builds against BlueZ on Linux and WinRT on Windows
// without a source change here).
type BluetoothAdapter struct {
	adapter *bluetooth.Adapter

	mu          sync.Mutex
	connections map[string]*btConnection // keyed by device address string
}

// NewBluetoothAdapter wraps the platform's default adapter.
func NewBluetoothAdapter() *BluetoothAdapter {
	return &BluetoothAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*btConnection),
	}
}

// Enable implements Adapter.
func (a *BluetoothAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("transport: enable bluetooth adapter: %w", err)
	}
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		a.mu.Unlock()
		if ok && conn.disconnectCb != nil {
			conn.disconnectCb()
		}
	})
	return nil
}

// Scan implements Adapter.
func (a *BluetoothAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("transport: parse service uuid: %w", err)
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, Device{Name: result.LocalName(), Address: addr, RSSI: int(result.RSSI)})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("transport: scan: %w", err)
	}
	return devices, nil
}

// Connect implements Adapter.
func (a *BluetoothAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	type result struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- result{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("transport: connect to %s: %w", address, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("transport: connect to %s: %w", address, r.err)
		}
		conn := &btConnection{device: &r.device}
		a.mu.Lock()
		a.connections[address] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

type btConnection struct {
	device       *bluetooth.Device
	disconnectCb func()
}

// DiscoverCharacteristic implements Connection.
func (c *btConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	chUUID, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("transport: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("transport: service %s not found", serviceUUID)
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{chUUID})
	if err != nil {
		return nil, fmt.Errorf("transport: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("transport: characteristic %s not found", charUUID)
	}
	return &btCharacteristic{char: &chars[0]}, nil
}

// RequestMTU implements Connection. tinygo.org/x/bluetooth has no
// portable MTU-exchange API across its BlueZ/CoreBluetooth/WinRT
// backends, so this reports the requested value back unchanged; the
// stack's own ATT_MTU exchange (automatic on all three backends) is
// what actually governs the wire size, and SetMTUIfPositive's caller
// treats this as a best-effort hint rather than a guarantee.
func (c *btConnection) RequestMTU(mtu int) (int, error) {
	return mtu, nil
}

// Disconnect implements Connection.
func (c *btConnection) Disconnect() error { return c.device.Disconnect() }

// OnDisconnect implements Connection.
func (c *btConnection) OnDisconnect(cb func()) { c.disconnectCb = cb }

type btCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

// Write implements Characteristic.
func (c *btCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

// Subscribe implements Characteristic.
func (c *btCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) { cb(buf) })
}

// BluetoothPeripheralAdapter is the desktop-role PeripheralAdapter,
// advertising the fixed GATT service over the host's real radio (it
// does not itself refuse a second central), using tinygo's peripheral-side
// AddService/DefaultAdvertisement/notify-by-Write API.
type BluetoothPeripheralAdapter struct {
	adapter *bluetooth.Adapter

	mu         sync.Mutex
	notifyChar map[string]*bluetooth.Characteristic // keyed by characteristic UUID
	onConnect  func()
	onDisc     func()
}

// NewBluetoothPeripheralAdapter wraps the platform's default adapter
// for the peripheral role.
func NewBluetoothPeripheralAdapter() *BluetoothPeripheralAdapter {
	return &BluetoothPeripheralAdapter{
		adapter:    bluetooth.DefaultAdapter,
		notifyChar: make(map[string]*bluetooth.Characteristic),
	}
}

// Enable implements PeripheralAdapter.
func (a *BluetoothPeripheralAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("transport: enable bluetooth adapter: %w", err)
	}
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		a.mu.Lock()
		onConnect, onDisc := a.onConnect, a.onDisc
		a.mu.Unlock()
		if connected {
			if onConnect != nil {
				onConnect()
			}
			return
		}
		if onDisc != nil {
			onDisc()
		}
	})
	return nil
}

// AddService implements PeripheralAdapter.
func (a *BluetoothPeripheralAdapter) AddService(serviceUUID string, configs []CharacteristicConfig) (ServiceHandle, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("transport: parse service uuid: %w", err)
	}

	chars := make([]bluetooth.CharacteristicConfig, len(configs))
	handles := make([]*bluetooth.Characteristic, len(configs))
	for i, cfg := range configs {
		chUUID, err := bluetooth.ParseUUID(cfg.UUID)
		if err != nil {
			return nil, fmt.Errorf("transport: parse characteristic uuid %s: %w", cfg.UUID, err)
		}
		handles[i] = new(bluetooth.Characteristic)

		flags := bluetooth.CharacteristicReadPermission
		if cfg.WriteEvent != nil {
			flags |= bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission
		}
		if cfg.Notify {
			flags |= bluetooth.CharacteristicNotifyPermission
		}

		writeEvent := cfg.WriteEvent
		chars[i] = bluetooth.CharacteristicConfig{
			UUID:   chUUID,
			Flags:  flags,
			Handle: handles[i],
			WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
				if writeEvent == nil {
					return
				}
				buf := make([]byte, len(value))
				copy(buf, value)
				writeEvent(buf)
			},
		}
	}

	if err := a.adapter.AddService(&bluetooth.Service{UUID: svcUUID, Characteristics: chars}); err != nil {
		return nil, fmt.Errorf("transport: add service: %w", err)
	}

	a.mu.Lock()
	for i, cfg := range configs {
		if cfg.Notify {
			a.notifyChar[cfg.UUID] = handles[i]
		}
	}
	a.mu.Unlock()

	return &btServiceHandle{a: a}, nil
}

// Advertise implements PeripheralAdapter.
func (a *BluetoothPeripheralAdapter) Advertise(ctx context.Context, serviceUUID, localName string) error {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("transport: parse service uuid: %w", err)
	}

	adv := a.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    localName,
		ServiceUUIDs: []bluetooth.UUID{svcUUID},
	}); err != nil {
		return fmt.Errorf("transport: configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("transport: start advertising: %w", err)
	}

	<-ctx.Done()
	_ = adv.Stop()
	return ctx.Err()
}

// StopAdvertising implements PeripheralAdapter. tinygo's Advertisement
// has no standalone stop outside the ctx-cancellation path above; this
// is a no-op kept to satisfy the interface for callers that stop via a
// shared context instead.
func (a *BluetoothPeripheralAdapter) StopAdvertising() error { return nil }

// OnConnect implements PeripheralAdapter.
func (a *BluetoothPeripheralAdapter) OnConnect(callback func()) {
	a.mu.Lock()
	a.onConnect = callback
	a.mu.Unlock()
}

// OnDisconnect implements PeripheralAdapter.
func (a *BluetoothPeripheralAdapter) OnDisconnect(callback func()) {
	a.mu.Lock()
	a.onDisc = callback
	a.mu.Unlock()
}

type btServiceHandle struct {
	a *BluetoothPeripheralAdapter
}

// Notify implements ServiceHandle: on tinygo's peripheral API, pushing
// a notification to a subscribed central is just a Write on the
// server-side Characteristic handle.
func (h *btServiceHandle) Notify(charUUID string, data []byte) error {
	h.a.mu.Lock()
	ch, ok := h.a.notifyChar[charUUID]
	h.a.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: characteristic %s is not notify-capable", charUUID)
	}
	_, err := ch.Write(data)
	return err
}

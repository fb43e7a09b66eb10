// Package transport defines the BLE hardware abstraction shared by the
// central (mobile) and peripheral (desktop) roles of the connection
// supervisors.
package transport

import "context"

// Characteristic is a single GATT characteristic as seen from a central
// connection.
type Characteristic interface {
	// Write sends data to the characteristic (Command-RX on the central
	// side, write-without-response for TEXT per spec.md §4.5).
	Write(data []byte) error
	// Subscribe registers a callback invoked for every notification
	// (Response-TX, Status).
	Subscribe(callback func(data []byte)) error
}

// Device is a discovered peripheral advertisement.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection is an established central-side link to one peripheral.
type Connection interface {
	// DiscoverCharacteristic resolves a characteristic handle within a
	// service by UUID.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// RequestMTU asks the peripheral to negotiate the given MTU and
	// returns the value actually granted.
	RequestMTU(mtu int) (int, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the link drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the central-role BLE hardware (spec.md §4.5 central
// responsibilities: scan, connect, discover).
type Adapter interface {
	Enable() error
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	Connect(ctx context.Context, address string) (Connection, error)
}

// CharacteristicConfig declares one characteristic of a peripheral's
// local GATT service (spec.md §4.11). WriteEvent is invoked with the raw
// bytes of each incoming write (Command-RX); Notify marks a
// characteristic the server can push to (Response-TX, Status).
type CharacteristicConfig struct {
	UUID       string
	Notify     bool
	WriteEvent func(data []byte)
}

// ServiceHandle lets the peripheral push notifications after AddService.
type ServiceHandle interface {
	Notify(charUUID string, data []byte) error
}

// PeripheralAdapter abstracts the peripheral-role (desktop/advertiser)
// BLE hardware backing the desktop Connection Supervisor.
type PeripheralAdapter interface {
	Enable() error
	// AddService registers the fixed GATT service and characteristics
	// before advertising starts.
	AddService(serviceUUID string, configs []CharacteristicConfig) (ServiceHandle, error)
	// Advertise starts advertising serviceUUID under localName until ctx
	// is cancelled or StopAdvertising is called.
	Advertise(ctx context.Context, serviceUUID, localName string) error
	StopAdvertising() error
	// OnConnect registers a callback invoked when a central connects.
	// Exactly one central is accepted at a time per spec.md §4.5; the
	// adapter is responsible for refusing a second concurrent central.
	OnConnect(callback func())
	// OnDisconnect registers a callback invoked when the connected
	// central disconnects.
	OnDisconnect(callback func())
}

// Package ble drives Micro-Air EasyTouch thermostats over Bluetooth Low
// Energy. It handles connection management with retry, password
// authentication, adaptive per-operation backoff and the poll, command and
// reboot transactions built on top of them.
package ble

import (
	"context"
	"errors"
	"strings"
)

// Transport-level errors.
var (
	// ErrNotConnected is returned by GATT operations on a dropped link.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrPeerDisconnected is returned when the peripheral drops the link
	// while an operation is in flight.
	ErrPeerDisconnected = errors.New("ble: peer disconnected")
	// ErrCharacteristicNotFound is returned when a required characteristic
	// is missing from the discovered catalog.
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic UUID in lower case.
	UUID() string
	// Write sends data. With confirm set it blocks until the peripheral
	// acknowledges the write.
	Write(data []byte, confirm bool) error
	// Read returns the current value.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) (Subscription, error)
}

// Subscription is an active notification registration.
type Subscription interface {
	Unsubscribe() error
}

// Catalog is the set of discovered characteristics keyed by lower-case UUID.
type Catalog map[string]Characteristic

// Get looks up a characteristic by UUID, ignoring case.
func (c Catalog) Get(uuid string) (Characteristic, bool) {
	ch, ok := c[strings.ToLower(uuid)]
	return ch, ok
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverServices returns every characteristic the peripheral exposes.
	// An empty catalog is not an error; callers decide whether to wait.
	DiscoverServices(ctx context.Context) (Catalog, error)
	// Connected reports whether the link is still up.
	Connected() bool
	// Disconnect terminates the connection.
	Disconnect() error
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices when ctx is cancelled or times out.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}

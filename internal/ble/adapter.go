// Package ble connects to Bluetooth LE glucose meters and exposes their
// Glucose Service as a glucose.Transport. Hardware access goes through the
// Adapter interface so everything above it can be tested with mocks.
package ble

import (
	"context"
	"errors"

	"github.com/chaz8081/glucose-racp/internal/ble/protocol"
)

// ErrCharacteristicNotFound is returned when a service or characteristic is
// missing from the peripheral's GATT table.
var ErrCharacteristicNotFound = errors.New("ble: characteristic not found")

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data with response and returns once the peer acknowledged it.
	Write(data []byte) error
	// Subscribe enables notifications or indications and routes them to callback.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe disables notifications.
	Unsubscribe() error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string // MAC address, or the CoreBluetooth UUID on macOS
	RSSI    int
	Glucose bool // advertises the Glucose Service
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by its 16-bit ID within a service.
	DiscoverCharacteristic(service, char protocol.CharacteristicID) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter. Repeated calls are allowed.
	Enable() error
	// Scan returns the peripherals seen until ctx is done. A zero service
	// disables filtering.
	Scan(ctx context.Context, service protocol.CharacteristicID) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}

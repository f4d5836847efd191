package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chaz8081/glucose-racp/internal/ble/protocol"
	"github.com/chaz8081/glucose-racp/internal/glucose"
)

// GATTTransport exposes a connected meter's Glucose Service as a
// glucose.Transport.
type GATTTransport struct {
	conn    Connection
	address string

	mu           sync.Mutex
	chars        map[protocol.CharacteristicID]Characteristic
	disconnectCb func()

	connected atomic.Bool
}

// NewGATTTransport discovers the Glucose Service characteristics on conn.
// Glucose Measurement and the Record Access Control Point are required; the
// context characteristic is optional.
func NewGATTTransport(conn Connection, address string) (*GATTTransport, error) {
	t := &GATTTransport{
		conn:    conn,
		address: address,
		chars:   make(map[protocol.CharacteristicID]Characteristic),
	}

	for _, id := range []protocol.CharacteristicID{
		protocol.GlucoseMeasurementID,
		protocol.RecordAccessControlPointID,
		protocol.GlucoseMeasurementContextID,
	} {
		char, err := conn.DiscoverCharacteristic(protocol.GlucoseServiceID, id)
		if err != nil {
			if id == protocol.GlucoseMeasurementContextID && errors.Is(err, ErrCharacteristicNotFound) {
				slog.Debug("[BLE] meter has no measurement context characteristic", "address", address)
				continue
			}
			return nil, fmt.Errorf("ble: discover %s: %w", id.Name(), err)
		}
		t.chars[id] = char
	}

	t.connected.Store(true)
	conn.OnDisconnect(func() {
		t.connected.Store(false)
		slog.Warn("[BLE] disconnected", "address", address)
		t.mu.Lock()
		cb := t.disconnectCb
		t.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
	return t, nil
}

// Address returns the address of the connected meter.
func (t *GATTTransport) Address() string { return t.address }

func (t *GATTTransport) characteristic(id protocol.CharacteristicID) (Characteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	char, ok := t.chars[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, id.Name())
	}
	return char, nil
}

func (t *GATTTransport) Subscribe(id protocol.CharacteristicID, handler func([]byte)) error {
	char, err := t.characteristic(id)
	if err != nil {
		return err
	}
	if err := char.Subscribe(handler); err != nil {
		return fmt.Errorf("ble: subscribe %s: %w", id.Name(), err)
	}
	return nil
}

func (t *GATTTransport) Unsubscribe(id protocol.CharacteristicID) error {
	char, err := t.characteristic(id)
	if err != nil {
		return err
	}
	return char.Unsubscribe()
}

// WriteCharacteristic writes with response. The underlying write cannot be
// interrupted, so a cancelled ctx returns immediately and the write is left
// to finish in the background.
func (t *GATTTransport) WriteCharacteristic(ctx context.Context, id protocol.CharacteristicID, data []byte) error {
	char, err := t.characteristic(id)
	if err != nil {
		return err
	}

	ch := make(chan error, 1)
	go func() {
		ch <- char.Write(data)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("ble: write %s: %w", id.Name(), ctx.Err())
	case err := <-ch:
		if err != nil {
			return fmt.Errorf("ble: write %s: %w", id.Name(), err)
		}
		return nil
	}
}

func (t *GATTTransport) IsConnected() bool { return t.connected.Load() }

// OnDisconnect sets the callback for link loss, replacing any earlier one.
func (t *GATTTransport) OnDisconnect(cb func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnectCb = cb
}

// Close disconnects from the meter.
func (t *GATTTransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}
	if err := t.conn.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", t.address, err)
	}
	slog.Info("[BLE] disconnected", "address", t.address)
	return nil
}

var (
	_ glucose.Transport          = (*GATTTransport)(nil)
	_ glucose.DisconnectNotifier = (*GATTTransport)(nil)
)

// Package glucose retrieves stored records from a Bluetooth glucose meter
// using the Record Access Control Point procedure of the Glucose Profile.
package glucose

import (
	"context"

	"github.com/chaz8081/glucose-racp/internal/ble/protocol"
)

// Transport is the GATT capability a retrieval runs over. The caller owns
// the connection and must not interleave other traffic on it while a
// retrieval is active.
type Transport interface {
	// Subscribe registers handler for notifications or indications on id.
	Subscribe(id protocol.CharacteristicID, handler func(data []byte)) error
	// Unsubscribe stops delivery for id.
	Unsubscribe(id protocol.CharacteristicID) error
	// WriteCharacteristic writes data and returns once the device
	// acknowledged it or ctx is done.
	WriteCharacteristic(ctx context.Context, id protocol.CharacteristicID, data []byte) error
	// IsConnected reports link liveness.
	IsConnected() bool
}

// DisconnectNotifier is implemented by transports that can report a
// dropped link asynchronously.
type DisconnectNotifier interface {
	OnDisconnect(callback func())
}

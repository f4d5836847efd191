package glucose

import (
	"errors"
	"fmt"

	"github.com/chaz8081/glucose-racp/internal/ble/protocol"
)

// ErrDisconnected is wrapped by TransportErrors raised when the link drops.
var ErrDisconnected = errors.New("glucose: device disconnected")

// TransportErrorKind classifies a session-fatal transport failure.
type TransportErrorKind int

const (
	WriteFailed TransportErrorKind = iota
	SubscriptionFailed
	Disconnected
)

func (k TransportErrorKind) String() string {
	switch k {
	case WriteFailed:
		return "write failed"
	case SubscriptionFailed:
		return "subscription failed"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("TransportErrorKind(%d)", int(k))
	}
}

// TransportError reports a transport failure that ended a session.
type TransportError struct {
	Kind           TransportErrorKind
	Characteristic protocol.CharacteristicID
	Err            error
}

func (e *TransportError) Error() string {
	msg := "glucose: " + e.Kind.String()
	if e.Characteristic != 0 {
		msg += " (" + e.Characteristic.Name() + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError carries a device result code other than Success or
// No Records Found.
type ProtocolError struct {
	RequestedOpcode protocol.Opcode
	Result          protocol.ResultCode
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("glucose: device rejected %s: %s", e.RequestedOpcode, e.Result)
}

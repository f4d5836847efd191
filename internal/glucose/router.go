package glucose

import (
	"bytes"
	"encoding/hex"
	"log/slog"

	"github.com/chaz8081/glucose-racp/internal/ble/protocol"
)

type eventKind int

const (
	eventMeasurement eventKind = iota
	eventResponse
	eventContext
	eventDecodeError
	eventDisconnect
)

// event is one inbound occurrence handed to the session.
type event struct {
	kind        eventKind
	source      protocol.CharacteristicID
	measurement protocol.Measurement
	response    protocol.Response
	payload     []byte
	err         error
}

// router decodes notifications by characteristic and forwards the result to
// sink in arrival order. It keeps no buffer of its own.
type router struct {
	sink     func(event)
	handlers map[protocol.CharacteristicID]func([]byte) event
}

func newRouter(sink func(event)) *router {
	return &router{
		sink: sink,
		handlers: map[protocol.CharacteristicID]func([]byte) event{
			protocol.GlucoseMeasurementID:        measurementEvent,
			protocol.RecordAccessControlPointID:  responseEvent,
			protocol.GlucoseMeasurementContextID: contextEvent,
		},
	}
}

// route dispatches one notification synchronously. Unmapped
// characteristics are dropped.
func (r *router) route(id protocol.CharacteristicID, payload []byte) {
	h, ok := r.handlers[id]
	if !ok {
		slog.Warn("glucose: dropping notification from unmapped characteristic",
			"characteristic", id.String(), "data", hex.EncodeToString(payload))
		return
	}
	slog.Debug("glucose: notification", "characteristic", id.Name(), "data", hex.EncodeToString(payload))
	ev := h(payload)
	ev.source = id
	r.sink(ev)
}

// handler binds route to id for Transport.Subscribe.
func (r *router) handler(id protocol.CharacteristicID) func([]byte) {
	return func(data []byte) { r.route(id, data) }
}

func measurementEvent(data []byte) event {
	m, err := protocol.DecodeMeasurement(data)
	if err != nil {
		return event{kind: eventDecodeError, payload: bytes.Clone(data), err: err}
	}
	return event{kind: eventMeasurement, measurement: m}
}

func responseEvent(data []byte) event {
	resp, err := protocol.DecodeResponse(data)
	if err != nil {
		return event{kind: eventDecodeError, payload: bytes.Clone(data), err: err}
	}
	return event{kind: eventResponse, response: resp}
}

// contextEvent passes Glucose Measurement Context payloads through
// undecoded.
func contextEvent(data []byte) event {
	return event{kind: eventContext, payload: bytes.Clone(data)}
}

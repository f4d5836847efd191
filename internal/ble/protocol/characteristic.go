// Package protocol implements the wire formats of the Bluetooth Glucose
// Profile: the Glucose Measurement record, the IEEE 11073 SFLOAT it carries
// and the Record Access Control Point (RACP) commands and responses.
package protocol

import "fmt"

// CharacteristicID is a 16-bit SIG-assigned GATT identifier.
type CharacteristicID uint16

// Glucose Service and its characteristics.
const (
	GlucoseServiceID CharacteristicID = 0x1808

	GlucoseMeasurementID        CharacteristicID = 0x2A18
	GlucoseMeasurementContextID CharacteristicID = 0x2A34
	GlucoseFeatureID            CharacteristicID = 0x2A51
	RecordAccessControlPointID  CharacteristicID = 0x2A52
)

var characteristicNames = map[CharacteristicID]string{
	GlucoseServiceID:            "Glucose Service",
	GlucoseMeasurementID:        "Glucose Measurement",
	GlucoseMeasurementContextID: "Glucose Measurement Context",
	GlucoseFeatureID:            "Glucose Feature",
	RecordAccessControlPointID:  "Record Access Control Point",
}

// String returns the lowercase hex form used in the profile tables, e.g. "2a18".
func (id CharacteristicID) String() string {
	return fmt.Sprintf("%04x", uint16(id))
}

// Name returns the profile name of id, or its hex form when unknown.
func (id CharacteristicID) Name() string {
	if n, ok := characteristicNames[id]; ok {
		return n
	}
	return id.String()
}

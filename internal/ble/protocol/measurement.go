package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTooShort is returned when a buffer ends before a field its header declares.
var ErrTooShort = errors.New("protocol: buffer too short")

// Glucose Measurement flags (byte 0).
const (
	flagTimeOffset    = 0x01
	flagConcentration = 0x02
	flagUnitsMmol     = 0x04
	flagStatus        = 0x08
	flagContext       = 0x10
)

// measurementPrefixLen covers flags, sequence number and base time.
const measurementPrefixLen = 10

// Unit is the concentration unit selected by flag bit 2.
type Unit uint8

const (
	UnitMgPerDL Unit = iota
	UnitMmolPerL
)

func (u Unit) String() string {
	if u == UnitMmolPerL {
		return "mmol/L"
	}
	return "mg/dL"
}

// SampleType is the high nibble of the type/location byte.
type SampleType uint8

var sampleTypeNames = map[SampleType]string{
	1:  "Capillary Whole blood",
	2:  "Capillary Plasma",
	3:  "Venous Whole blood",
	4:  "Venous Plasma",
	5:  "Arterial Whole blood",
	6:  "Arterial Plasma",
	7:  "Undetermined Whole blood",
	8:  "Undetermined Plasma",
	9:  "Interstitial Fluid",
	10: "Control Solution",
}

func (t SampleType) String() string {
	if s, ok := sampleTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// SampleLocation is the low nibble of the type/location byte.
type SampleLocation uint8

var sampleLocationNames = map[SampleLocation]string{
	1:  "Finger",
	2:  "Alternate Site Test",
	3:  "Earlobe",
	4:  "Control solution",
	15: "Not available",
}

func (l SampleLocation) String() string {
	if s, ok := sampleLocationNames[l]; ok {
		return s
	}
	return fmt.Sprintf("Location(%d)", uint8(l))
}

// SensorStatus is the Sensor Status Annunciation bitmask.
type SensorStatus uint16

const (
	StatusBatteryLow SensorStatus = 1 << iota
	StatusSensorMalfunction
	StatusSampleSizeInsufficient
	StatusStripInsertionError
	StatusStripTypeIncorrect
	StatusResultTooHigh
	StatusResultTooLow
	StatusTemperatureTooHigh
	StatusTemperatureTooLow
	StatusReadInterrupted
	StatusGeneralDeviceFault
	StatusTimeFault
)

var statusNames = []string{
	"battery low",
	"sensor malfunction",
	"sample size insufficient",
	"strip insertion error",
	"strip type incorrect",
	"result too high",
	"result too low",
	"temperature too high",
	"temperature too low",
	"read interrupted",
	"general device fault",
	"time fault",
}

// Has reports whether every bit of flag is set.
func (s SensorStatus) Has(flag SensorStatus) bool { return s&flag == flag }

func (s SensorStatus) String() string {
	if s == 0 {
		return "ok"
	}
	var parts []string
	for i, name := range statusNames {
		if s&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if rest := s &^ (1<<len(statusNames) - 1); rest != 0 {
		parts = append(parts, fmt.Sprintf("reserved 0x%04x", uint16(rest)))
	}
	return strings.Join(parts, ", ")
}

// DateTime is a device calendar time carried verbatim, without validation.
type DateTime struct {
	Year   uint16
	Month  uint8
	Day    uint8
	Hour   uint8
	Minute uint8
	Second uint8
}

func (d DateTime) String() string {
	return fmt.Sprintf("%d-%02d-%02d %02d:%02d:%02d", d.Year, d.Month, d.Day, d.Hour, d.Minute, d.Second)
}

// Time converts d to a time.Time in loc. Out-of-range fields are normalized
// by time.Date.
func (d DateTime) Time(loc *time.Location) time.Time {
	return time.Date(int(d.Year), time.Month(d.Month), int(d.Day), int(d.Hour), int(d.Minute), int(d.Second), 0, loc)
}

// Concentration is the optional glucose value group of a measurement.
type Concentration struct {
	Value          SFloat
	Unit           Unit
	SampleType     SampleType
	SampleLocation SampleLocation
}

// Measurement is one decoded Glucose Measurement record.
type Measurement struct {
	SequenceNumber    uint16
	BaseTime          DateTime
	TimeOffsetMinutes *int16
	Concentration     *Concentration
	Status            *SensorStatus
	HasContext        bool
}

// Timestamp returns base time plus the time offset, if any.
func (m Measurement) Timestamp(loc *time.Location) time.Time {
	t := m.BaseTime.Time(loc)
	if m.TimeOffsetMinutes != nil {
		t = t.Add(time.Duration(*m.TimeOffsetMinutes) * time.Minute)
	}
	return t
}

// DecodeMeasurement parses a Glucose Measurement notification. Optional
// fields are read only when the flags declare them; trailing bytes are
// ignored.
func DecodeMeasurement(data []byte) (Measurement, error) {
	var m Measurement
	err := m.UnmarshalBinary(data)
	return m, err
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *Measurement) UnmarshalBinary(data []byte) error {
	if len(data) < measurementPrefixLen {
		return fmt.Errorf("%w: measurement needs %d bytes, got %d", ErrTooShort, measurementPrefixLen, len(data))
	}

	flags := data[0]
	out := Measurement{
		SequenceNumber: binary.LittleEndian.Uint16(data[1:3]),
		BaseTime: DateTime{
			Year:   binary.LittleEndian.Uint16(data[3:5]),
			Month:  data[5],
			Day:    data[6],
			Hour:   data[7],
			Minute: data[8],
			Second: data[9],
		},
		HasContext: flags&flagContext != 0,
	}

	offset := measurementPrefixLen
	need := func(field string, n int) error {
		if len(data) < offset+n {
			return fmt.Errorf("%w: %s needs %d bytes at offset %d, got %d", ErrTooShort, field, n, offset, len(data))
		}
		return nil
	}

	if flags&flagTimeOffset != 0 {
		if err := need("time offset", 2); err != nil {
			return err
		}
		v := int16(binary.LittleEndian.Uint16(data[offset:]))
		out.TimeOffsetMinutes = &v
		offset += 2
	}

	if flags&flagConcentration != 0 {
		if err := need("concentration", 3); err != nil {
			return err
		}
		unit := UnitMgPerDL
		if flags&flagUnitsMmol != 0 {
			unit = UnitMmolPerL
		}
		typeLoc := data[offset+2]
		out.Concentration = &Concentration{
			Value:          DecodeSFloat(binary.LittleEndian.Uint16(data[offset:])),
			Unit:           unit,
			SampleType:     SampleType(typeLoc >> 4),
			SampleLocation: SampleLocation(typeLoc & 0x0F),
		}
		offset += 3
	}

	if flags&flagStatus != 0 {
		if err := need("sensor status", 2); err != nil {
			return err
		}
		v := SensorStatus(binary.LittleEndian.Uint16(data[offset:]))
		out.Status = &v
	}

	*m = out
	return nil
}

// MarshalBinary encodes m in the notification wire format.
func (m Measurement) MarshalBinary() ([]byte, error) {
	var flags byte
	if m.TimeOffsetMinutes != nil {
		flags |= flagTimeOffset
	}
	if m.Concentration != nil {
		flags |= flagConcentration
		if m.Concentration.Unit == UnitMmolPerL {
			flags |= flagUnitsMmol
		}
	}
	if m.Status != nil {
		flags |= flagStatus
	}
	if m.HasContext {
		flags |= flagContext
	}

	buf := make([]byte, 0, 17)
	buf = append(buf, flags)
	buf = binary.LittleEndian.AppendUint16(buf, m.SequenceNumber)
	buf = binary.LittleEndian.AppendUint16(buf, m.BaseTime.Year)
	buf = append(buf, m.BaseTime.Month, m.BaseTime.Day, m.BaseTime.Hour, m.BaseTime.Minute, m.BaseTime.Second)

	if m.TimeOffsetMinutes != nil {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(*m.TimeOffsetMinutes))
	}
	if c := m.Concentration; c != nil {
		raw, err := c.Value.Encode()
		if err != nil {
			return nil, err
		}
		if c.SampleType > 0x0F || c.SampleLocation > 0x0F {
			return nil, fmt.Errorf("protocol: sample type %d / location %d exceed 4 bits", c.SampleType, c.SampleLocation)
		}
		buf = binary.LittleEndian.AppendUint16(buf, raw)
		buf = append(buf, byte(c.SampleType)<<4|byte(c.SampleLocation))
	}
	if m.Status != nil {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(*m.Status))
	}
	return buf, nil
}

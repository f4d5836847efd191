package protocol

import (
	"errors"
	"fmt"
	"math"
)

// Kind distinguishes numeric SFLOAT values from the reserved special values.
type Kind uint8

const (
	KindNumber Kind = iota
	KindNaN
	KindNRes // not at this resolution
	KindPositiveInfinity
	KindNegativeInfinity
	KindReserved
)

// Reserved raw SFLOAT bit patterns (IEEE 11073-20601).
const (
	sfloatNaN    uint16 = 0x07FF
	sfloatNRes   uint16 = 0x0800
	sfloatPosInf uint16 = 0x07FE
	sfloatNegInf uint16 = 0x0802
	sfloatRsvd   uint16 = 0x0801
)

// ErrSFloatRange is returned when a value cannot be represented as an SFLOAT.
var ErrSFloatRange = errors.New("protocol: sfloat out of range")

var kindNames = map[Kind]string{
	KindNumber:           "Number",
	KindNaN:              "NaN",
	KindNRes:             "NRes",
	KindPositiveInfinity: "+INFINITY",
	KindNegativeInfinity: "-INFINITY",
	KindReserved:         "Reserved",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// SFloat is an IEEE 11073 16-bit short float: a 12-bit signed mantissa and a
// 4-bit signed base-10 exponent. Mantissa and Exponent are only meaningful
// when Kind is KindNumber.
type SFloat struct {
	Kind     Kind
	Mantissa int16
	Exponent int8
}

// NewSFloat returns the numeric value mantissa * 10^exponent.
func NewSFloat(mantissa int16, exponent int8) SFloat {
	return SFloat{Kind: KindNumber, Mantissa: mantissa, Exponent: exponent}
}

// DecodeSFloat decodes a raw SFLOAT. Every input is decodable.
func DecodeSFloat(raw uint16) SFloat {
	switch raw {
	case sfloatNaN:
		return SFloat{Kind: KindNaN}
	case sfloatNRes:
		return SFloat{Kind: KindNRes}
	case sfloatPosInf:
		return SFloat{Kind: KindPositiveInfinity}
	case sfloatNegInf:
		return SFloat{Kind: KindNegativeInfinity}
	case sfloatRsvd:
		return SFloat{Kind: KindReserved}
	}

	exponent := int16(raw >> 12)
	if exponent >= 0x08 {
		exponent -= 0x10
	}
	mantissa := int16(raw & 0x0FFF)
	if mantissa >= 0x0800 {
		mantissa -= 0x1000
	}
	return SFloat{Kind: KindNumber, Mantissa: mantissa, Exponent: int8(exponent)}
}

// Encode packs f into its raw 16-bit form. Special kinds encode to their
// reserved patterns.
func (f SFloat) Encode() (uint16, error) {
	switch f.Kind {
	case KindNaN:
		return sfloatNaN, nil
	case KindNRes:
		return sfloatNRes, nil
	case KindPositiveInfinity:
		return sfloatPosInf, nil
	case KindNegativeInfinity:
		return sfloatNegInf, nil
	case KindReserved:
		return sfloatRsvd, nil
	case KindNumber:
	default:
		return 0, fmt.Errorf("protocol: unknown sfloat kind %d", f.Kind)
	}

	if f.Mantissa < -0x0800 || f.Mantissa > 0x07FF {
		return 0, fmt.Errorf("%w: mantissa %d", ErrSFloatRange, f.Mantissa)
	}
	if f.Exponent < -8 || f.Exponent > 7 {
		return 0, fmt.Errorf("%w: exponent %d", ErrSFloatRange, f.Exponent)
	}
	raw := uint16(uint8(f.Exponent)&0x0F)<<12 | uint16(f.Mantissa)&0x0FFF
	switch raw {
	case sfloatNaN, sfloatNRes, sfloatPosInf, sfloatNegInf, sfloatRsvd:
		return 0, fmt.Errorf("%w: %d*10^%d collides with a reserved value", ErrSFloatRange, f.Mantissa, f.Exponent)
	}
	return raw, nil
}

// Float64 materializes the value. NaN, NRes and Reserved map to math.NaN.
func (f SFloat) Float64() float64 {
	switch f.Kind {
	case KindNumber:
		if f.Exponent < 0 {
			return float64(f.Mantissa) / math.Pow10(-int(f.Exponent))
		}
		return float64(f.Mantissa) * math.Pow10(int(f.Exponent))
	case KindPositiveInfinity:
		return math.Inf(1)
	case KindNegativeInfinity:
		return math.Inf(-1)
	default:
		return math.NaN()
	}
}

// IsNumber reports whether f carries a measured quantity.
func (f SFloat) IsNumber() bool { return f.Kind == KindNumber }

func (f SFloat) String() string {
	if f.Kind != KindNumber {
		return f.Kind.String()
	}
	return fmt.Sprintf("%g", f.Float64())
}

package publish

import (
	"strings"
	"time"

	"github.com/chaz8081/glucose-racp/internal/ble/protocol"
	"github.com/chaz8081/glucose-racp/internal/glucose"
)

// deviceTimeLayout renders meter time, which carries no zone.
const deviceTimeLayout = "2006-01-02T15:04:05"

// Reading is the JSON form of one measurement.
type Reading struct {
	Device            string   `json:"device"`
	SequenceNumber    uint16   `json:"sequence_number"`
	Timestamp         string   `json:"timestamp"`
	TimeOffsetMinutes *int16   `json:"time_offset_minutes,omitempty"`
	Value             *float64 `json:"value,omitempty"`
	ValueKind         string   `json:"value_kind,omitempty"` // set when the value is a special SFLOAT
	Unit              string   `json:"unit,omitempty"`
	SampleType        string   `json:"sample_type,omitempty"`
	SampleLocation    string   `json:"sample_location,omitempty"`
	Status            string   `json:"status,omitempty"`
	StatusRaw         *uint16  `json:"status_raw,omitempty"`
	ContextFollows    bool     `json:"context_follows"`
}

// Summary is the JSON form of a retrieval outcome.
type Summary struct {
	Device         string    `json:"device"`
	State          string    `json:"state"`
	Measurements   int       `json:"measurements"`
	RecordCount    *uint16   `json:"record_count,omitempty"`
	FirstSequence  *uint16   `json:"first_sequence,omitempty"`
	LastSequence   *uint16   `json:"last_sequence,omitempty"`
	DecodeErrors   int       `json:"decode_errors"`
	AbortAttempted bool      `json:"abort_attempted"`
	Error          string    `json:"error,omitempty"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	FinishedAt     time.Time `json:"finished_at"`
}

// NewReading converts m for publishing.
func NewReading(device string, m protocol.Measurement) Reading {
	r := Reading{
		Device:            device,
		SequenceNumber:    m.SequenceNumber,
		Timestamp:         m.Timestamp(time.UTC).Format(deviceTimeLayout),
		TimeOffsetMinutes: m.TimeOffsetMinutes,
		ContextFollows:    m.HasContext,
	}
	if c := m.Concentration; c != nil {
		if c.Value.IsNumber() {
			v := c.Value.Float64()
			r.Value = &v
		} else {
			r.ValueKind = c.Value.Kind.String()
		}
		r.Unit = c.Unit.String()
		r.SampleType = c.SampleType.String()
		r.SampleLocation = c.SampleLocation.String()
	}
	if m.Status != nil {
		raw := uint16(*m.Status)
		r.Status = m.Status.String()
		r.StatusRaw = &raw
	}
	return r
}

// NewSummary converts out for publishing.
func NewSummary(device string, out *glucose.Outcome, finished time.Time) Summary {
	s := Summary{
		Device:         device,
		State:          out.State.String(),
		Measurements:   len(out.Measurements),
		DecodeErrors:   out.DecodeErrors,
		AbortAttempted: out.AbortAttempted,
		ElapsedSeconds: out.Elapsed.Seconds(),
		FinishedAt:     finished.UTC(),
	}
	if out.RecordCountKnown {
		n := out.RecordCount
		s.RecordCount = &n
	}
	if len(out.Measurements) > 0 {
		first := out.Measurements[0].SequenceNumber
		last := out.Measurements[len(out.Measurements)-1].SequenceNumber
		s.FirstSequence, s.LastSequence = &first, &last
	}
	if out.Err != nil {
		s.Error = out.Err.Error()
	}
	return s
}

// TopicSegment makes a device address or name safe for use as one MQTT
// topic level.
func TopicSegment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, ":", "")
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ':
			return '_'
		}
		return r
	}, s)
}

// Package publish sends retrieved measurements to an MQTT broker as JSON.
package publish

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/glucose-racp/internal/glucose"
)

// Sender is the interface the MQTT client exposes for publishing.
type Sender interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Publisher lays out retrieval results on topics under a prefix:
// <prefix>/<device>/measurements gets one message per reading and
// <prefix>/<device>/retrieval a retained summary.
type Publisher struct {
	sender Sender
	prefix string
	qos    byte
	now    func() time.Time
}

// NewPublisher creates a Publisher backed by the given sender.
// Panics if sender is nil (programmer error).
func NewPublisher(sender Sender, prefix string, qos byte) *Publisher {
	if sender == nil {
		panic("publish: NewPublisher called with nil sender")
	}
	return &Publisher{sender: sender, prefix: prefix, qos: qos, now: time.Now}
}

// MeasurementsTopic returns the per-reading topic for device.
func (p *Publisher) MeasurementsTopic(device string) string {
	return fmt.Sprintf("%s/%s/measurements", p.prefix, TopicSegment(device))
}

// RetrievalTopic returns the retained summary topic for device.
func (p *Publisher) RetrievalTopic(device string) string {
	return fmt.Sprintf("%s/%s/retrieval", p.prefix, TopicSegment(device))
}

// PublishOutcome publishes every measurement of out, then the summary.
// Failed readings are logged and skipped; the first error is returned after
// the summary has been attempted.
func (p *Publisher) PublishOutcome(device string, out *glucose.Outcome) error {
	var firstErr error
	topic := p.MeasurementsTopic(device)
	for _, m := range out.Measurements {
		if err := p.publishJSON(topic, false, NewReading(device, m)); err != nil {
			slog.Warn("publish: reading dropped", "seq", m.SequenceNumber, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := p.publishJSON(p.RetrievalTopic(device), true, NewSummary(device, out, p.now())); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr == nil {
		slog.Info("publish: outcome published", "topic", topic, "readings", len(out.Measurements))
	}
	return firstErr
}

func (p *Publisher) publishJSON(topic string, retained bool, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("publish: marshal: %w", err)
	}
	if err := p.sender.Publish(topic, p.qos, retained, data); err != nil {
		return fmt.Errorf("publish: %s: %w", topic, err)
	}
	return nil
}

package models

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedPayload marks an envelope whose payload cannot be decoded into
// an AlertEvent. Deliveries failing with it are bounded-retried and then
// routed to the dead-letter topic.
var ErrMalformedPayload = errors.New("malformed envelope payload")

// DeliveryEnvelope wraps one serialized AlertEvent in transit on the channel.
// The payload is base64-encoded UTF-8 JSON; MessageID and Attempt are
// channel-assigned delivery metadata. Sinks decode the payload out of the
// envelope and discard the rest.
type DeliveryEnvelope struct {
	MessageID string
	Attempt   int
	Payload   []byte
}

// EncodeEventPayload serializes an AlertEvent into the transport payload.
func EncodeEventPayload(event *AlertEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("serialize alert event: %w", err)
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(out, data)
	return out, nil
}

// DecodeEvent base64-decodes and JSON-parses the envelope payload.
func (e *DeliveryEnvelope) DecodeEvent() (*AlertEvent, error) {
	data := make([]byte, base64.StdEncoding.DecodedLen(len(e.Payload)))
	n, err := base64.StdEncoding.Decode(data, e.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformedPayload, err)
	}

	var event AlertEvent
	if err := json.Unmarshal(data[:n], &event); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrMalformedPayload, err)
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &event, nil
}

package kafka

import (
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"kilnwatch/internal/models"
)

func testEvent() *models.AlertEvent {
	return &models.AlertEvent{
		Timestamp:   "2025-09-01T10:00:00Z",
		ModelID:     "power-efficiency-v1",
		EndpointID:  "ep-42",
		AlertType:   models.AlertPowerEfficiencyDegradation,
		Message:     "Power consumption efficiency degraded, value: 1.598",
		Suggestion:  "Decrease the crusher power",
		SourceValue: 1.598,
	}
}

func TestMessage_KeyAndPayload(t *testing.T) {
	event := testEvent()

	msg, err := message(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if string(msg.Key) != event.IdempotencyKey() {
		t.Errorf("message key must be the idempotency key, got %q", msg.Key)
	}

	// The payload must decode back into the same event through the
	// envelope codec used by sinks.
	envelope := &models.DeliveryEnvelope{Payload: msg.Value}
	decoded, err := envelope.DecodeEvent()
	if err != nil {
		t.Fatalf("payload does not round-trip: %v", err)
	}
	if *decoded != *event {
		t.Errorf("round trip mismatch: %+v", decoded)
	}

	var sawMessageID bool
	for _, h := range msg.Headers {
		if h.Key == "message_id" && len(h.Value) > 0 {
			sawMessageID = true
		}
	}
	if !sawMessageID {
		t.Error("message must carry a message_id header")
	}
}

func TestEnvelopeFrom(t *testing.T) {
	msg := kafkago.Message{
		Topic:     "power-alerts",
		Partition: 2,
		Offset:    17,
		Value:     []byte("payload"),
		Headers: []kafkago.Header{
			{Key: "message_id", Value: []byte("m-123")},
		},
	}

	envelope := envelopeFrom(msg)
	if envelope.MessageID != "m-123" {
		t.Errorf("header message id not used: %q", envelope.MessageID)
	}

	msg.Headers = nil
	envelope = envelopeFrom(msg)
	if envelope.MessageID != "power-alerts-2-17" {
		t.Errorf("coordinate fallback broken: %q", envelope.MessageID)
	}
}

func TestGetCompression(t *testing.T) {
	cases := map[string]compress.Compression{
		"gzip":   compress.Gzip,
		"snappy": compress.Snappy,
		"lz4":    compress.Lz4,
		"zstd":   compress.Zstd,
		"":       compress.None,
		"bogus":  compress.None,
	}
	for name, want := range cases {
		if got := getCompression(name); got != want {
			t.Errorf("%q: got %v want %v", name, got, want)
		}
	}
}

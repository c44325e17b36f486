package models

import (
	"encoding/base64"
	"errors"
	"testing"
)

func sampleEvent() *AlertEvent {
	return &AlertEvent{
		Timestamp:   "2025-09-01T10:00:00Z",
		ModelID:     "power-efficiency-v1",
		EndpointID:  "ep-42",
		AlertType:   AlertPowerEfficiencyDegradation,
		Message:     "Power consumption efficiency degraded, value: 1.598",
		Suggestion:  "Decrease the crusher power",
		SourceValue: 1.598,
	}
}

func TestEnvelope_EncodeDecode(t *testing.T) {
	event := sampleEvent()

	payload, err := EncodeEventPayload(event)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	// Payload must be text-safe base64 on the wire
	if _, err := base64.StdEncoding.DecodeString(string(payload)); err != nil {
		t.Fatalf("payload is not valid base64: %v", err)
	}

	envelope := &DeliveryEnvelope{MessageID: "m-1", Attempt: 1, Payload: payload}
	decoded, err := envelope.DecodeEvent()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if *decoded != *event {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, event)
	}
}

func TestEnvelope_DecodeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"not base64":     []byte("!!! not base64 !!!"),
		"not json":       []byte(base64.StdEncoding.EncodeToString([]byte("not json"))),
		"missing fields": []byte(base64.StdEncoding.EncodeToString([]byte(`{"message":"x"}`))),
	}

	for name, payload := range cases {
		envelope := &DeliveryEnvelope{Payload: payload}
		if _, err := envelope.DecodeEvent(); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("%s: expected ErrMalformedPayload, got %v", name, err)
		}
	}
}

func TestIdempotencyKey(t *testing.T) {
	event := sampleEvent()
	want := "2025-09-01T10:00:00Z|power-efficiency-v1|ep-42|power_efficiency_degradation"
	if got := event.IdempotencyKey(); got != want {
		t.Errorf("key mismatch: got %q want %q", got, want)
	}

	// Same tuple, different message: still the same logical alert
	other := sampleEvent()
	other.Message = "different wording"
	other.SourceValue = 1.6
	if other.IdempotencyKey() != event.IdempotencyKey() {
		t.Error("idempotency key must depend only on (timestamp, model, endpoint, type)")
	}
}

package sink

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"kilnwatch/internal/models"
)

// memorySink keeps rows keyed by idempotency key. failErr, when set, makes
// every Persist call fail without recording anything.
type memorySink struct {
	name    string
	rows    map[string]*models.AlertEvent
	failErr error
}

func newMemorySink(name string) *memorySink {
	return &memorySink{name: name, rows: make(map[string]*models.AlertEvent)}
}

func (m *memorySink) Name() string { return m.name }

func (m *memorySink) Persist(ctx context.Context, event *models.AlertEvent) (bool, error) {
	if m.failErr != nil {
		return false, m.failErr
	}
	key := event.IdempotencyKey()
	if _, ok := m.rows[key]; ok {
		return false, nil
	}
	m.rows[key] = event
	return true, nil
}

func (m *memorySink) Close() error { return nil }

func envelopeFor(t *testing.T, event *models.AlertEvent) *models.DeliveryEnvelope {
	t.Helper()
	payload, err := models.EncodeEventPayload(event)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return &models.DeliveryEnvelope{MessageID: "m-1", Attempt: 1, Payload: payload}
}

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

func TestHandler_DeliversOnce(t *testing.T) {
	s := newMemorySink("test")
	handle := Handler(s)

	if err := handle(context.Background(), envelopeFor(t, testEvent())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(s.rows))
	}
}

// Delivering the same envelope twice results in exactly one persisted row:
// the redelivery acks without inserting.
func TestHandler_IdempotentOnRedelivery(t *testing.T) {
	s := newMemorySink("test")
	handle := Handler(s)

	env := envelopeFor(t, testEvent())
	for i := 0; i < 2; i++ {
		if err := handle(context.Background(), env); err != nil {
			t.Fatalf("delivery %d: unexpected error: %v", i+1, err)
		}
	}

	if len(s.rows) != 1 {
		t.Fatalf("expected exactly 1 row after redelivery, got %d", len(s.rows))
	}
}

func TestHandler_MalformedPayloadPropagates(t *testing.T) {
	s := newMemorySink("test")
	handle := Handler(s)

	env := &models.DeliveryEnvelope{
		MessageID: "m-bad",
		Payload:   []byte(base64.StdEncoding.EncodeToString([]byte("not json"))),
	}

	err := handle(context.Background(), env)
	if !errors.Is(err, models.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if len(s.rows) != 0 {
		t.Error("malformed payload must not persist anything")
	}
}

func TestHandler_StoreErrorNacks(t *testing.T) {
	s := newMemorySink("test")
	s.failErr = errors.New("store down")
	handle := Handler(s)

	if err := handle(context.Background(), envelopeFor(t, testEvent())); err == nil {
		t.Fatal("expected error when the store is down")
	}
}

// One sink's outage must not affect the other: each sink runs its own
// handler with its own store, no shared checkpoint.
func TestSinks_IndependentFailureDomains(t *testing.T) {
	warehouse := newMemorySink("warehouse")
	livefeed := newMemorySink("livefeed")
	livefeed.failErr = errors.New("feed store unreachable")

	env := envelopeFor(t, testEvent())

	if err := Handler(warehouse)(context.Background(), env); err != nil {
		t.Fatalf("healthy sink failed: %v", err)
	}
	if err := Handler(livefeed)(context.Background(), env); err == nil {
		t.Fatal("broken sink should report its failure")
	}

	if len(warehouse.rows) != 1 {
		t.Errorf("warehouse must persist despite livefeed outage, got %d rows", len(warehouse.rows))
	}

	// Feed store recovers; its redelivery persists without touching the
	// warehouse again.
	livefeed.failErr = nil
	if err := Handler(livefeed)(context.Background(), env); err != nil {
		t.Fatalf("recovered sink failed: %v", err)
	}
	if len(livefeed.rows) != 1 || len(warehouse.rows) != 1 {
		t.Errorf("expected one row in each sink, got warehouse=%d livefeed=%d",
			len(warehouse.rows), len(livefeed.rows))
	}
}

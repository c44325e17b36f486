// Package sink holds the alert consumers: each sink owns one store, its own
// dedup state, and its own consumer group. One sink's outage never blocks
// another's consumption.
package sink

import (
	"context"
	"time"

	"kilnwatch/internal/kafka"
	"kilnwatch/internal/logger"
	"kilnwatch/internal/metrics"
	"kilnwatch/internal/models"
)

// Sink persists AlertEvents to one store. Persist returns inserted=false
// when a row with the event's idempotency key already exists; the delivery
// is then acked without re-inserting.
type Sink interface {
	Name() string
	Persist(ctx context.Context, event *models.AlertEvent) (inserted bool, err error)
	Close() error
}

// Handler adapts a Sink into the consumer's delivery callback: decode,
// dedup, persist, ack. Decode failures propagate ErrMalformedPayload so the
// consumer routes the envelope to the dead-letter topic instead of looping.
func Handler(s Sink) kafka.HandleFunc {
	log := logger.WithSink(s.Name())

	return func(ctx context.Context, envelope *models.DeliveryEnvelope) error {
		event, err := envelope.DecodeEvent()
		if err != nil {
			metrics.SinkDeliveriesTotal.WithLabelValues(s.Name(), "malformed").Inc()
			return err
		}

		start := time.Now()
		inserted, err := s.Persist(ctx, event)
		metrics.SinkPersistDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())

		if err != nil {
			metrics.SinkDeliveriesTotal.WithLabelValues(s.Name(), "error").Inc()
			return err
		}

		if inserted {
			metrics.SinkDeliveriesTotal.WithLabelValues(s.Name(), "inserted").Inc()
			log.Info().
				Str("message_id", envelope.MessageID).
				Str("idempotency_key", event.IdempotencyKey()).
				Str("alert_type", string(event.AlertType)).
				Msg("alert persisted")
		} else {
			// Redelivery of an already-persisted alert: ack, do not
			// re-insert.
			metrics.SinkDeliveriesTotal.WithLabelValues(s.Name(), "duplicate").Inc()
			log.Debug().
				Str("message_id", envelope.MessageID).
				Str("idempotency_key", event.IdempotencyKey()).
				Msg("duplicate delivery ignored")
		}
		return nil
	}
}

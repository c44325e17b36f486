package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"kilnwatch/internal/config"
	"kilnwatch/internal/logger"
	"kilnwatch/internal/metrics"
	"kilnwatch/internal/models"
)

// Producer errors
var (
	ErrProducerClosed = errors.New("producer is closed")

	// ErrChannelUnavailable means the channel could not accept the event
	// within the bounded retry budget. Callers log and count it; it is
	// never escalated into a failed prediction response.
	ErrChannelUnavailable = errors.New("alert channel unavailable")
)

// Producer publishes AlertEvents to the alert topic through a pool of Kafka
// writers. Once Publish returns nil the event is durably accepted by the
// channel; delivery to subscribers is at-least-once from there.
type Producer struct {
	cfg     config.ProducerConfig
	topic   string
	writers []*kafka.Writer
	pool    chan *kafka.Writer
	closed  atomic.Bool

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewProducer creates a producer for the given brokers and topic.
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	p := &Producer{
		cfg:     cfg,
		topic:   topic,
		writers: make([]*kafka.Writer, cfg.PoolSize),
		pool:    make(chan *kafka.Writer, cfg.PoolSize),
	}

	compression := getCompression(cfg.Compression)

	for i := 0; i < cfg.PoolSize; i++ {
		writer := &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // partition by idempotency key
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
			Compression:  compression,
			MaxAttempts:  cfg.MaxRetries + 1,
			Async:        false, // sync for durability
		}
		p.writers[i] = writer
		p.pool <- writer
	}

	return p, nil
}

func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

// message builds the wire message for one event: key is the idempotency key
// so redeliveries of the same logical alert land on the same partition,
// value is the base64 JSON envelope payload.
func message(event *models.AlertEvent) (kafka.Message, error) {
	payload, err := models.EncodeEventPayload(event)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(event.IdempotencyKey()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(uuid.New().String())},
			{Key: "alert_type", Value: []byte(event.AlertType)},
			{Key: "model_id", Value: []byte(event.ModelID)},
		},
		Time: time.Now().UTC(),
	}, nil
}

// Publish sends one AlertEvent with bounded exponential-backoff retry.
func (p *Producer) Publish(ctx context.Context, event *models.AlertEvent) error {
	return p.PublishBatch(ctx, []*models.AlertEvent{event})
}

// PublishBatch sends a batch of AlertEvents in a single write.
func (p *Producer) PublishBatch(ctx context.Context, events []*models.AlertEvent) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if len(events) == 0 {
		return nil
	}

	log := logger.WithComponent("alert_producer")
	start := time.Now()

	messages := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		msg, err := message(event)
		if err != nil {
			// Serialization failure is a bug, not a channel problem;
			// drop the event rather than poison the batch.
			log.Error().
				Err(err).
				Str("idempotency_key", event.IdempotencyKey()).
				Msg("failed to serialize alert event")
			p.failed.Add(1)
			metrics.PublishTotal.WithLabelValues("failed").Inc()
			continue
		}
		messages = append(messages, msg)
	}
	if len(messages) == 0 {
		return nil
	}

	var writer *kafka.Writer
	select {
	case writer = <-p.pool:
		defer func() { p.pool <- writer }()
	case <-ctx.Done():
		p.failed.Add(uint64(len(messages)))
		return ctx.Err()
	}

	err := p.writeWithRetry(ctx, writer, messages)
	duration := time.Since(start)
	metrics.PublishDuration.Observe(duration.Seconds())

	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(messages)).
			Dur("duration", duration).
			Msg("failed to publish alerts to channel")
		p.failed.Add(uint64(len(messages)))
		metrics.PublishTotal.WithLabelValues("failed").Add(float64(len(messages)))
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}

	log.Debug().
		Int("batch_size", len(messages)).
		Dur("duration", duration).
		Msg("alerts published to channel")
	p.published.Add(uint64(len(messages)))
	metrics.PublishTotal.WithLabelValues("success").Add(float64(len(messages)))
	return nil
}

// writeWithRetry writes messages with exponential backoff.
func (p *Producer) writeWithRetry(ctx context.Context, writer *kafka.Writer, messages []kafka.Message) error {
	log := logger.WithComponent("alert_producer")
	var lastErr error
	backoff := p.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("retrying channel publish")
			metrics.PublishRetries.Inc()

			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := writer.WriteMessages(ctx, messages...)
		if err == nil {
			return nil
		}

		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Msg("channel publish attempt failed")

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// Close closes all writers in the pool.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing writers: %v", errs)
	}
	return nil
}

// Stats returns producer statistics.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
	}
}

// ProducerStats holds producer counters.
type ProducerStats struct {
	Published uint64
	Failed    uint64
}

// HealthCheck verifies the producer is usable.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	var writer *kafka.Writer
	select {
	case writer = <-p.pool:
		defer func() { p.pool <- writer }()
	case <-ctx.Done():
		return ctx.Err()
	}

	_ = writer.Stats()
	return nil
}

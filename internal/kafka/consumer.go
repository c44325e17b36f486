package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"kilnwatch/internal/config"
	"kilnwatch/internal/logger"
	"kilnwatch/internal/metrics"
	"kilnwatch/internal/models"
)

// HandleFunc processes one delivery. A nil return acks the envelope; an
// error nacks it for another attempt, except models.ErrMalformedPayload
// which short-circuits straight to the dead-letter topic since decoding is
// deterministic.
type HandleFunc func(ctx context.Context, envelope *models.DeliveryEnvelope) error

// Consumer is one sink's subscription to the alert topic. Each sink uses its
// own consumer group, so cursors and failure domains are fully independent.
type Consumer struct {
	name        string
	reader      *kafka.Reader
	deadLetter  *kafka.Writer
	maxAttempts int
	handler     HandleFunc
	backoff     time.Duration
}

// ConsumerConfig wires a Consumer.
type ConsumerConfig struct {
	Kafka config.KafkaConfig
	// GroupID must be unique per sink
	GroupID string
	// Name labels logs and metrics
	Name        string
	MaxAttempts int
	Handler     HandleFunc
}

// NewConsumer creates a consumer-group reader and its dead-letter writer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.GroupID == "" {
		return nil, errors.New("consumer group id is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Kafka.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Kafka.Topic,
		MinBytes:       1,
		MaxBytes:       10 * 1024 * 1024,
		CommitInterval: 0, // explicit commits only
	})

	var deadLetter *kafka.Writer
	if cfg.Kafka.DeadLetterTopic != "" {
		deadLetter = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Kafka.Brokers...),
			Topic:        cfg.Kafka.DeadLetterTopic,
			Balancer:     &kafka.Hash{},
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireAll,
		}
	}

	return &Consumer{
		name:        cfg.Name,
		reader:      reader,
		deadLetter:  deadLetter,
		maxAttempts: cfg.MaxAttempts,
		handler:     cfg.Handler,
		backoff:     500 * time.Millisecond,
	}, nil
}

// Run consumes until the context is cancelled. Offsets commit only after an
// envelope is acked or dead-lettered, so a crash mid-handling redelivers:
// at-least-once, with sink-side idempotency absorbing the duplicates.
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.WithSink(c.name)
	log.Info().Str("topic", c.reader.Config().Topic).Str("group", c.reader.Config().GroupID).Msg("consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Info().Msg("consumer stopping")
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := c.process(ctx, msg); err != nil {
			// Only context errors escape process; everything else ends
			// in an ack or a dead-letter.
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("commit offset: %w", err)
		}
	}
}

// process runs the handler with bounded attempts, then dead-letters.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	log := logger.WithSink(c.name)
	envelope := envelopeFrom(msg)

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		envelope.Attempt = attempt

		err := c.handler(ctx, envelope)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if errors.Is(err, models.ErrMalformedPayload) {
			log.Error().
				Err(err).
				Str("message_id", envelope.MessageID).
				Msg("malformed payload, routing to dead letter")
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("message_id", envelope.MessageID).
			Msg("delivery attempt failed")

		select {
		case <-time.After(c.backoff * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return c.sendToDeadLetter(ctx, msg, lastErr)
}

// envelopeFrom builds the DeliveryEnvelope for a fetched message. The
// message id comes from the producer header when present, otherwise from
// the partition/offset coordinates.
func envelopeFrom(msg kafka.Message) *models.DeliveryEnvelope {
	envelope := &models.DeliveryEnvelope{Payload: msg.Value}
	for _, h := range msg.Headers {
		if h.Key == "message_id" {
			envelope.MessageID = string(h.Value)
			break
		}
	}
	if envelope.MessageID == "" {
		envelope.MessageID = fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
	}
	return envelope
}

func (c *Consumer) sendToDeadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	log := logger.WithSink(c.name)
	metrics.SinkDeadLetterTotal.WithLabelValues(c.name).Inc()

	if c.deadLetter == nil {
		log.Error().Err(cause).Msg("no dead-letter topic configured, dropping envelope")
		return nil
	}

	dlq := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(msg.Headers,
			kafka.Header{Key: "sink", Value: []byte(c.name)},
			kafka.Header{Key: "error", Value: []byte(cause.Error())},
		),
		Time: time.Now().UTC(),
	}

	if err := c.deadLetter.WriteMessages(ctx, dlq); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		// Leave the offset uncommitted so the envelope is redelivered
		// rather than lost.
		return fmt.Errorf("dead-letter publish: %w", err)
	}

	log.Error().
		Err(cause).
		Int("max_attempts", c.maxAttempts).
		Msg("envelope routed to dead letter")
	return nil
}

// Close releases the reader and dead-letter writer.
func (c *Consumer) Close() error {
	var errs []error
	if err := c.reader.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.deadLetter != nil {
		if err := c.deadLetter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing consumer: %v", errs)
	}
	return nil
}

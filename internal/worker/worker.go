package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"kilnwatch/internal/logger"
	"kilnwatch/internal/metrics"
	"kilnwatch/internal/models"
)

// Publisher defines the interface for publishing alert events
type Publisher interface {
	Publish(ctx context.Context, event *models.AlertEvent) error
	PublishBatch(ctx context.Context, events []*models.AlertEvent) error
}

// Pool drains the alert queue and publishes to the channel. Publishing runs
// on the pool's own context, not the originating request's, so an in-flight
// publish completes even after the HTTP caller disconnects.
type Pool struct {
	publisher    Publisher
	alertChan    chan *models.AlertEvent
	workers      int
	batchSize    int
	batchTimeout time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	published atomic.Uint64
	failed    atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Publisher    Publisher
	AlertChan    chan *models.AlertEvent
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		publisher:    cfg.Publisher,
		alertChan:    cfg.AlertChan,
		workers:      cfg.Workers,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins draining the alert queue
func (p *Pool) Start() {
	log := logger.WithComponent("publish_pool")
	log.Info().
		Int("workers", p.workers).
		Int("batch_size", p.batchSize).
		Dur("batch_timeout", p.batchTimeout).
		Msg("starting publish pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop gracefully stops all workers
func (p *Pool) Stop() {
	log := logger.WithComponent("publish_pool")
	log.Info().Msg("stopping publish pool")
	p.cancel()
	p.wg.Wait()
	log.Info().Msg("publish pool stopped")
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("publish_worker").With().Int("worker_id", id).Logger()

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log.Error().
				Interface("panic", r).
				Bytes("stack", stack).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("publish_worker").Inc()
		}
	}()

	log.Info().Msg("worker started")
	defer log.Info().Msg("worker stopped")

	batch := make([]*models.AlertEvent, 0, p.batchSize)
	timer := time.NewTimer(p.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			if len(batch) > 0 {
				p.publishBatch(batch)
			}
			return

		case event, ok := <-p.alertChan:
			if !ok {
				if len(batch) > 0 {
					p.publishBatch(batch)
				}
				return
			}

			batch = append(batch, event)

			if len(batch) >= p.batchSize {
				p.publishBatch(batch)
				batch = batch[:0]
				timer.Reset(p.batchTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				p.publishBatch(batch)
				batch = batch[:0]
			}
			timer.Reset(p.batchTimeout)
		}
	}
}

func (p *Pool) publishBatch(batch []*models.AlertEvent) {
	if len(batch) == 0 {
		return
	}

	log := logger.WithComponent("publish_worker")

	// Shutdown still flushes: the publish context is independent of the
	// pool's cancel so a started publish runs to completion or failure.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := p.publisher.PublishBatch(ctx, batch)
	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(batch)).
			Msg("failed to publish alert batch")

		p.failed.Add(uint64(len(batch)))

		// Fallback: try each event on its own so one bad event does not
		// hold the rest hostage.
		p.publishIndividually(batch)
	} else {
		p.published.Add(uint64(len(batch)))
	}
}

func (p *Pool) publishIndividually(batch []*models.AlertEvent) {
	log := logger.WithComponent("publish_worker")
	log.Warn().Int("count", len(batch)).Msg("attempting individual publish for failed batch")

	for _, event := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := p.publisher.Publish(ctx, event)
		cancel()

		if err != nil {
			log.Error().
				Err(err).
				Str("idempotency_key", event.IdempotencyKey()).
				Str("alert_type", string(event.AlertType)).
				Msg("failed to publish alert individually")
		} else {
			log.Debug().
				Str("idempotency_key", event.IdempotencyKey()).
				Msg("alert published individually")

			p.failed.Add(^uint64(0)) // subtract 1
			p.published.Add(1)
		}
	}
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
	}
}

// Stats holds worker pool counters
type Stats struct {
	Published uint64
	Failed    uint64
}

// Package ingestor wires the ingestion endpoint: HTTP server, prediction
// client, alert policy, publish queue, and Kafka producer.
package ingestor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kilnwatch/internal/config"
	"kilnwatch/internal/handlers"
	"kilnwatch/internal/kafka"
	"kilnwatch/internal/logger"
	"kilnwatch/internal/metrics"
	"kilnwatch/internal/middleware"
	"kilnwatch/internal/models"
	"kilnwatch/internal/policy"
	"kilnwatch/internal/prediction"
	"kilnwatch/internal/worker"
)

// Ingestor is the high-level coordinator for the prediction-to-alert service.
type Ingestor struct {
	cfg        *config.Config
	producer   *kafka.Producer
	pool       *worker.Pool
	httpServer *http.Server
	alertChan  chan *models.AlertEvent
	wg         sync.WaitGroup
}

// New constructs an Ingestor with the given config.
func New(cfg *config.Config) *Ingestor {
	return &Ingestor{
		cfg:       cfg,
		alertChan: make(chan *models.AlertEvent, 1000),
	}
}

// Run starts background goroutines and blocks until the context is cancelled.
func (in *Ingestor) Run(ctx context.Context) error {
	log := logger.WithComponent("ingestor")
	log.Info().Str("plant_id", in.cfg.PlantID).Msg("ingestor starting")

	producer, err := kafka.NewProducer(in.cfg.Kafka.Brokers, in.cfg.Kafka.Topic, in.cfg.Kafka.Producer)
	if err != nil {
		return fmt.Errorf("initialize producer: %w", err)
	}
	in.producer = producer
	log.Info().
		Strs("brokers", in.cfg.Kafka.Brokers).
		Str("topic", in.cfg.Kafka.Topic).
		Msg("alert producer initialized")

	in.pool = worker.NewPool(worker.Config{
		Publisher:    in.producer,
		AlertChan:    in.alertChan,
		Workers:      in.cfg.Kafka.Producer.PoolSize,
		BatchSize:    in.cfg.Kafka.Producer.BatchSize,
		BatchTimeout: in.cfg.Kafka.Producer.BatchTimeout,
	})
	in.pool.Start()

	in.initHTTPServer()

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		log.Info().Str("addr", in.cfg.HTTPAddr).Msg("starting HTTP server")
		if err := in.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.reportStats(ctx)
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	return in.shutdown()
}

func (in *Ingestor) initHTTPServer() {
	predictHandler := handlers.NewPredictHandler(handlers.PredictConfig{
		Predictor:   prediction.NewClient(in.cfg.Prediction),
		Evaluator:   policy.New(in.cfg.Policy),
		AlertChan:   in.alertChan,
		ErrorAlerts: true,
	})

	router := mux.NewRouter()
	router.Handle("/predict", middleware.Chain(
		predictHandler,
		middleware.Recovery,
		middleware.Logging,
	)).Methods(http.MethodPost)

	router.HandleFunc("/health", in.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/stats", in.statsHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	metrics.AlertQueueCapacity.Set(float64(cap(in.alertChan)))

	in.httpServer = &http.Server{
		Addr:         in.cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// shutdown performs graceful shutdown: stop accepting requests, flush the
// alert queue, close the producer.
func (in *Ingestor) shutdown() error {
	log := logger.WithComponent("ingestor")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("stopping HTTP server")
	if err := in.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("closing alert queue")
	close(in.alertChan)

	done := make(chan struct{})
	go func() {
		in.pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("publish pool drained")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("publish pool shutdown timeout, forcing exit")
	}

	log.Info().Msg("closing producer")
	if err := in.producer.Close(); err != nil {
		log.Error().Err(err).Msg("producer close error")
	}

	in.wg.Wait()
	log.Info().Msg("ingestor stopped")
	return nil
}

func (in *Ingestor) reportStats(ctx context.Context) {
	log := logger.WithComponent("ingestor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poolStats := in.pool.Stats()
			producerStats := in.producer.Stats()

			metrics.AlertQueueSize.Set(float64(len(in.alertChan)))

			log.Info().
				Uint64("pool_published", poolStats.Published).
				Uint64("pool_failed", poolStats.Failed).
				Uint64("producer_published", producerStats.Published).
				Uint64("producer_failed", producerStats.Failed).
				Int("queue_size", len(in.alertChan)).
				Msg("stats")
		}
	}
}

func (in *Ingestor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := in.producer.HealthCheck(ctx); err != nil {
		http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

func (in *Ingestor) statsHandler(w http.ResponseWriter, r *http.Request) {
	poolStats := in.pool.Stats()
	producerStats := in.producer.Stats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{
		"publish_pool": {
			"published": %d,
			"failed": %d
		},
		"producer": {
			"published": %d,
			"failed": %d
		},
		"queue": {
			"buffered": %d,
			"capacity": %d
		}
	}`,
		poolStats.Published,
		poolStats.Failed,
		producerStats.Published,
		producerStats.Failed,
		len(in.alertChan),
		cap(in.alertChan),
	)
}

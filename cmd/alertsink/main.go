// alertsink runs one alert sink consumer. SINK_KIND selects the target store
// (warehouse or livefeed); each deployment runs its own consumer group, so
// the sinks fan out independently from the same topic.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kilnwatch/internal/config"
	"kilnwatch/internal/kafka"
	"kilnwatch/internal/logger"
	"kilnwatch/internal/sink"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	logger.Init(level)
	cfg := config.FromEnv()

	kind := os.Getenv("SINK_KIND")
	if kind == "" {
		kind = "warehouse"
	}

	target, err := newSink(ctx, kind, cfg)
	if err != nil {
		log.Fatalf("initialize %s sink: %v", kind, err)
	}
	defer target.Close()

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Kafka:       cfg.Kafka,
		GroupID:     "kilnwatch-sink-" + kind,
		Name:        target.Name(),
		MaxAttempts: cfg.Sink.MaxAttempts,
		Handler:     sink.Handler(target),
	})
	if err != nil {
		log.Fatalf("initialize consumer: %v", err)
	}
	defer consumer.Close()

	// run consumer in background
	go func() {
		if err := consumer.Run(ctx); err != nil {
			log.Printf("consumer exited: %v", err)
			cancel()
		}
	}()

	// wait for termination signals
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigs:
		log.Println("shutting down")
		cancel()
	case <-ctx.Done():
	}

	// give graceful shutdown some time
	time.Sleep(500 * time.Millisecond)
	log.Println("exited")
}

func newSink(ctx context.Context, kind string, cfg *config.Config) (sink.Sink, error) {
	switch kind {
	case "livefeed":
		return sink.NewLiveFeed(cfg.LiveFeed)
	default:
		w, err := sink.NewWarehouse(cfg.Warehouse)
		if err != nil {
			return nil, err
		}
		if err := w.EnsureSchema(ctx); err != nil {
			w.Close()
			return nil, err
		}
		return w, nil
	}
}

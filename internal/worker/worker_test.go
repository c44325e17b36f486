package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"kilnwatch/internal/kafka"
	"kilnwatch/internal/models"
)

// fakePublisher records published events and can fail a number of batch
// attempts first.
type fakePublisher struct {
	mu          sync.Mutex
	published   []*models.AlertEvent
	failBatches int
}

func (f *fakePublisher) Publish(ctx context.Context, event *models.AlertEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, event)
	return nil
}

func (f *fakePublisher) PublishBatch(ctx context.Context, events []*models.AlertEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBatches > 0 {
		f.failBatches--
		return kafka.ErrChannelUnavailable
	}
	f.published = append(f.published, events...)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func testAlert(ts string) *models.AlertEvent {
	return &models.AlertEvent{
		Timestamp:   ts,
		ModelID:     "power-efficiency-v1",
		EndpointID:  "ep-42",
		AlertType:   models.AlertPowerEfficiencyDegradation,
		Message:     "degraded",
		Suggestion:  "reduce crusher power",
		SourceValue: 1.6,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPool_PublishesQueuedAlerts(t *testing.T) {
	pub := &fakePublisher{}
	ch := make(chan *models.AlertEvent, 10)

	pool := NewPool(Config{
		Publisher:    pub,
		AlertChan:    ch,
		Workers:      1,
		BatchSize:    10,
		BatchTimeout: 20 * time.Millisecond,
	})
	pool.Start()
	defer pool.Stop()

	ch <- testAlert("2025-09-01T10:00:00Z")
	ch <- testAlert("2025-09-01T10:01:00Z")

	waitFor(t, func() bool { return pub.count() == 2 })

	stats := pool.Stats()
	if stats.Published != 2 {
		t.Errorf("expected 2 published, got %d", stats.Published)
	}
}

// A transiently unavailable channel: the batch write fails once, the
// individual fallback succeeds, and each alert goes out exactly once from
// the pool's perspective (sink-side dedup absorbs channel redeliveries).
func TestPool_TransientFailureFallsBackToIndividual(t *testing.T) {
	pub := &fakePublisher{failBatches: 1}
	ch := make(chan *models.AlertEvent, 10)

	pool := NewPool(Config{
		Publisher:    pub,
		AlertChan:    ch,
		Workers:      1,
		BatchSize:    10,
		BatchTimeout: 20 * time.Millisecond,
	})
	pool.Start()
	defer pool.Stop()

	ch <- testAlert("2025-09-01T10:00:00Z")

	waitFor(t, func() bool { return pub.count() == 1 })

	stats := pool.Stats()
	if stats.Published != 1 {
		t.Errorf("expected 1 published after fallback, got %d", stats.Published)
	}
	if stats.Failed != 0 {
		t.Errorf("recovered publishes must not stay counted as failed, got %d", stats.Failed)
	}
}

func TestPool_FlushesOnStop(t *testing.T) {
	pub := &fakePublisher{}
	ch := make(chan *models.AlertEvent, 10)

	pool := NewPool(Config{
		Publisher:    pub,
		AlertChan:    ch,
		Workers:      1,
		BatchSize:    100, // never fills
		BatchTimeout: time.Hour,
	})
	pool.Start()

	ch <- testAlert("2025-09-01T10:00:00Z")

	// let the worker pick the event into its pending batch
	waitFor(t, func() bool { return len(ch) == 0 })
	time.Sleep(20 * time.Millisecond)

	close(ch)
	pool.Stop()

	if pub.count() != 1 {
		t.Fatalf("pending alert not flushed on stop, got %d", pub.count())
	}
}

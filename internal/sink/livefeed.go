package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"kilnwatch/internal/config"
	"kilnwatch/internal/models"
)

// LiveFeed persists alerts to the live operational feed in Redis. Each entry
// carries the AlertEvent fields plus a sink-assigned receipt timestamp so
// dashboards can show "time since alert ingested".
type LiveFeed struct {
	client      *redis.Client
	keyPrefix   string
	recentLimit int64
	now         func() time.Time
}

// liveEntry is the stored shape: the alert plus the receipt time, which is
// distinct from the alert's originating timestamp.
type liveEntry struct {
	models.AlertEvent
	ReceivedAt string `json:"received_at"`
}

// NewLiveFeed connects to the feed store.
func NewLiveFeed(cfg config.LiveFeedConfig) (*LiveFeed, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to live feed store: %w", err)
	}

	recentLimit := int64(cfg.RecentLimit)
	if recentLimit <= 0 {
		recentLimit = 1000
	}
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "alerts:live"
	}

	return &LiveFeed{
		client:      client,
		keyPrefix:   keyPrefix,
		recentLimit: recentLimit,
		now:         time.Now,
	}, nil
}

// Name implements Sink.
func (f *LiveFeed) Name() string { return "livefeed" }

// Persist appends the alert under the feed's logical path. Dedup is a SETNX
// on the idempotency key: the first delivery wins, redeliveries report
// duplicate without touching the recent list.
func (f *LiveFeed) Persist(ctx context.Context, event *models.AlertEvent) (bool, error) {
	entry := liveEntry{
		AlertEvent: *event,
		ReceivedAt: f.now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("marshal feed entry: %w", err)
	}

	key := f.keyPrefix + ":" + event.IdempotencyKey()
	inserted, err := f.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("feed setnx: %w", err)
	}
	if !inserted {
		return false, nil
	}

	pipe := f.client.Pipeline()
	pipe.LPush(ctx, f.keyPrefix+":recent", data)
	pipe.LTrim(ctx, f.keyPrefix+":recent", 0, f.recentLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("feed append: %w", err)
	}

	return true, nil
}

// Recent returns up to count most recently ingested alerts.
func (f *LiveFeed) Recent(ctx context.Context, count int64) ([]models.AlertEvent, error) {
	raw, err := f.client.LRange(ctx, f.keyPrefix+":recent", 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("feed range: %w", err)
	}

	events := make([]models.AlertEvent, 0, len(raw))
	for _, item := range raw {
		var entry liveEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		events = append(events, entry.AlertEvent)
	}
	return events, nil
}

// Close releases the Redis connection.
func (f *LiveFeed) Close() error {
	return f.client.Close()
}

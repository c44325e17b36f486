package ingestor

import (
	"context"
	"testing"
	"time"

	"kilnwatch/internal/config"
)

func TestIngestorRun(t *testing.T) {
	cfg := config.Default()
	cfg.HTTPAddr = "127.0.0.1:0"
	in := New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := in.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

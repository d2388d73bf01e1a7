package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/tracyhatemice/receiptflow/internal/metrics"
)

// StartDepthCollector periodically publishes the length of each named queue
// until ctx is cancelled.
func StartDepthCollector(ctx context.Context, q Queue, names []string, interval time.Duration, logger *slog.Logger) {
	if q == nil || len(names) == 0 {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		update := func() {
			for _, name := range names {
				n, err := q.Len(ctx, name)
				if err != nil {
					if ctx.Err() == nil {
						logger.Debug("queue depth unavailable", "queue", name, "error", err)
					}
					continue
				}
				metrics.SetQueueDepth(name, n)
			}
		}

		update()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				update()
			}
		}
	}()
}

package queue

import (
	"context"
	"time"
)

// DefaultPollInterval is how long PopOrWait sleeps on an empty queue.
const DefaultPollInterval = time.Second

// Queue is a durable, process-external FIFO list keyed by name.
type Queue interface {
	// Push appends payload and returns once the store accepted it.
	Push(ctx context.Context, name string, payload []byte) error

	// Pop removes and returns the oldest payload. ok is false when the
	// queue is empty.
	Pop(ctx context.Context, name string) (payload []byte, ok bool, err error)

	// Len reports the number of waiting entries.
	Len(ctx context.Context, name string) (int64, error)

	// Close releases the store connection.
	Close() error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package queue

import (
	"context"
	"time"
)

// Poller consumes one named queue by polling. An empty queue is retried after
// Interval; the store is never asked to block.
type Poller struct {
	Queue    Queue
	Name     string
	Interval time.Duration
	Sleep    SleepFunc
}

// NewPoller returns a Poller for name. A non-positive interval means
// DefaultPollInterval.
func NewPoller(q Queue, name string, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{Queue: q, Name: name, Interval: interval, Sleep: Sleep}
}

// PopOrWait returns the oldest entry, sleeping between attempts while the
// queue is empty. It returns only on an entry, a store error or ctx cancellation.
func (p *Poller) PopOrWait(ctx context.Context) ([]byte, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, ok, err := p.Queue.Pop(ctx, p.Name)
		if err != nil {
			return nil, err
		}
		if ok {
			return payload, nil
		}
		if err := sleep(ctx, p.Interval); err != nil {
			return nil, err
		}
	}
}

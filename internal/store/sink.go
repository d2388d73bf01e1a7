package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracyhatemice/receiptflow/internal/message"
	"github.com/tracyhatemice/receiptflow/internal/metrics"
	"github.com/tracyhatemice/receiptflow/internal/queue"
)

// DefaultRetryDelay is the pause between attempts to store one record.
const DefaultRetryDelay = 5 * time.Second

// Inserter stores one transaction.
type Inserter interface {
	Insert(ctx context.Context, tx *message.Transaction) (int64, error)
}

// Sink drains the transactions queue into an Inserter.
type Sink struct {
	name       string
	queue      queue.Queue
	poller     *queue.Poller
	store      Inserter
	dead       *queue.DeadLetters
	logger     *slog.Logger
	retryDelay time.Duration
	sleep      queue.SleepFunc
}

// NewSink creates a Sink reading queue name.
func NewSink(q queue.Queue, name string, pollInterval, retryDelay time.Duration, store Inserter, dead *queue.DeadLetters, logger *slog.Logger) *Sink {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	if dead == nil {
		dead = &queue.DeadLetters{Queue: q, Logger: logger}
	}
	return &Sink{
		name:       name,
		queue:      q,
		poller:     queue.NewPoller(q, name, pollInterval),
		store:      store,
		dead:       dead,
		logger:     logger,
		retryDelay: retryDelay,
		sleep:      queue.Sleep,
	}
}

// Run stores records until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) {
	s.logger.Info("starting transaction sink", "queue", s.name)
	defer s.logger.Info("transaction sink stopped")

	for {
		payload, err := s.poller.PopOrWait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("queue pop failed", "queue", s.name, "error", err, "retry_in", s.retryDelay)
			if s.sleep(ctx, s.retryDelay) != nil {
				return
			}
			continue
		}
		s.handle(ctx, payload)
	}
}

// handle stores one record. Records failing with a permanent error are
// dead-lettered; other database errors are retried until the record is stored or ctx ends, in which case
// the record is returned to the queue.
func (s *Sink) handle(ctx context.Context, payload []byte) {
	tx, err := message.DecodeTransaction(payload)
	if err != nil {
		s.drop(ctx, "", err, payload)
		return
	}

	for {
		id, err := s.store.Insert(ctx, tx)
		if err == nil {
			metrics.IncSinkInsert()
			s.logger.Info("transaction stored",
				"transaction_id", id,
				"msg_id", tx.MessageID,
				"category", tx.Category,
				"total", tx.Total.String(),
			)
			return
		}
		if IsPermanent(err) {
			s.drop(ctx, tx.MessageID, err, payload)
			return
		}

		s.logger.Warn("transaction insert failed", "msg_id", tx.MessageID, "error", err, "retry_in", s.retryDelay)
		if s.sleep(ctx, s.retryDelay) != nil {
			s.requeue(payload, tx.MessageID)
			return
		}
	}
}

func (s *Sink) requeue(payload []byte, msgID string) {
	if err := s.queue.Push(context.Background(), s.name, payload); err != nil {
		s.logger.Error("transaction lost on shutdown", "msg_id", msgID, "error", err)
		return
	}
	s.logger.Info("transaction returned to queue", "msg_id", msgID)
}

func (s *Sink) drop(ctx context.Context, msgID string, cause error, payload []byte) {
	s.logger.Error("transaction dropped",
		"msg_id", msgID,
		"stage", queue.StagePersist,
		"error", cause,
	)
	dl := queue.NewDeadLetter(s.name, queue.StagePersist, msgID, cause, payload)
	if err := s.dead.Record(context.WithoutCancel(ctx), dl); err != nil {
		s.logger.Warn("dead-letter push failed", "msg_id", msgID, "error", fmt.Errorf("record %s: %w", dl.ID, err))
	}
}

// Package worker drains the raw-mail queue, extracts receipt fields from each
// message and publishes the merged transaction records.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tracyhatemice/receiptflow/internal/extractor"
	"github.com/tracyhatemice/receiptflow/internal/message"
	"github.com/tracyhatemice/receiptflow/internal/metrics"
	"github.com/tracyhatemice/receiptflow/internal/queue"
)

// DefaultRetryDelay is the pause after a queue failure.
const DefaultRetryDelay = time.Second

// Extractor turns receipt text into fields.
type Extractor interface {
	Extract(ctx context.Context, text string) (extractor.Fields, error)
}

// Options tune a Worker.
type Options struct {
	Input        string         // raw-mail queue
	Output       string         // transactions queue
	Location     *time.Location // zone for offset-naive receipt dates
	PollInterval time.Duration
	RetryDelay   time.Duration
}

// Worker runs the extraction stage.
type Worker struct {
	opts      Options
	queue     queue.Queue
	poller    *queue.Poller
	extractor Extractor
	dead      *queue.DeadLetters
	logger    *slog.Logger
	sleep     queue.SleepFunc
}

// New creates a Worker. A nil dead uses q for dead letters without notifications.
func New(opts Options, q queue.Queue, ex Extractor, dead *queue.DeadLetters, logger *slog.Logger) *Worker {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if dead == nil {
		dead = &queue.DeadLetters{Queue: q, Logger: logger}
	}
	return &Worker{
		opts:      opts,
		queue:     q,
		poller:    queue.NewPoller(q, opts.Input, opts.PollInterval),
		extractor: ex,
		dead:      dead,
		logger:    logger,
		sleep:     queue.Sleep,
	}
}

// Run processes entries until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("starting extraction worker",
		"input", w.opts.Input,
		"output", w.opts.Output,
		"location", w.opts.Location.String(),
	)
	defer w.logger.Info("extraction worker stopped")

	for {
		payload, err := w.poller.PopOrWait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue pop failed", "queue", w.opts.Input, "error", err, "retry_in", w.opts.RetryDelay)
			if w.sleep(ctx, w.opts.RetryDelay) != nil {
				return
			}
			continue
		}

		// Failures are logged and dead-lettered inside Process.
		_ = w.Process(ctx, payload)
	}
}

// Process runs one raw-mail entry through extraction. It returns nil once a
// transaction has been pushed, otherwise the cause of the drop.
func (w *Worker) Process(ctx context.Context, payload []byte) error {
	msg, err := message.Decode(payload)
	if err != nil {
		return w.drop(ctx, queue.StageDecode, "", err, payload, metrics.OutcomeDecodeError)
	}
	if strings.TrimSpace(msg.PlainText) == "" {
		return w.drop(ctx, queue.StageDecode, msg.MessageID, message.ErrNoText, payload, metrics.OutcomeDecodeError)
	}

	start := time.Now()
	fields, err := w.extractor.Extract(ctx, msg.PlainText)
	metrics.ObserveExtractionDuration(time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return w.requeue(ctx, msg.MessageID, payload)
		}
		outcome := metrics.OutcomeCallError
		var respErr *extractor.ResponseError
		if errors.As(err, &respErr) {
			outcome = metrics.OutcomeResponseError
		}
		return w.drop(ctx, queue.StageExtract, msg.MessageID, err, payload, outcome)
	}

	receiptDate, err := w.receiptDate(fields.Date, msg.MailDate)
	if err != nil {
		return w.drop(ctx, queue.StageDate, msg.MessageID, err, payload, metrics.OutcomeDateError)
	}

	tx := message.Transaction{
		Message:     *msg,
		Category:    fields.Category,
		Total:       message.NewAmount(fields.Total),
		ReceiptDate: receiptDate,
		Place:       fields.Place,
	}
	out, err := message.Encode(tx)
	if err != nil {
		return w.drop(ctx, queue.StageExtract, msg.MessageID, fmt.Errorf("encode transaction: %w", err), payload, metrics.OutcomePushError)
	}
	if err := w.publish(ctx, out); err != nil {
		if ctx.Err() != nil {
			return w.requeue(ctx, msg.MessageID, payload)
		}
		return w.drop(ctx, queue.StageExtract, msg.MessageID, err, payload, metrics.OutcomePushError)
	}

	metrics.IncExtraction(metrics.OutcomeOK)
	w.logger.Info("pushed transaction",
		"msg_id", msg.MessageID,
		"category", tx.Category,
		"total", tx.Total.String(),
		"receipt_date", tx.ReceiptDate,
		"place", tx.Place,
	)
	return nil
}

// receiptDate normalizes the extracted date, falling back to the mail date
// when the receipt carries none.
func (w *Worker) receiptDate(extracted string, mailDate *time.Time) (string, error) {
	if extracted != "" {
		return message.NormalizeReceiptDate(extracted, w.opts.Location)
	}
	if mailDate != nil {
		return mailDate.In(w.opts.Location).Format(time.RFC3339), nil
	}
	return "", nil
}

// publish pushes a finished record, retrying while the queue is unavailable so
// a completed extraction is not lost to a transient outage.
func (w *Worker) publish(ctx context.Context, out []byte) error {
	for {
		err := w.queue.Push(ctx, w.opts.Output, out)
		if err == nil {
			return nil
		}
		w.logger.Warn("transaction push failed", "queue", w.opts.Output, "error", err, "retry_in", w.opts.RetryDelay)
		if serr := w.sleep(ctx, w.opts.RetryDelay); serr != nil {
			return fmt.Errorf("push transaction: %w", err)
		}
	}
}

// requeue returns an entry interrupted by shutdown to the input queue.
func (w *Worker) requeue(ctx context.Context, msgID string, payload []byte) error {
	if err := w.queue.Push(context.WithoutCancel(ctx), w.opts.Input, payload); err != nil {
		w.logger.Error("message lost on shutdown", "msg_id", msgID, "error", err)
		return err
	}
	w.logger.Info("message returned to queue", "msg_id", msgID)
	return ctx.Err()
}

// drop logs a failed entry once and moves it to the dead-letter list.
func (w *Worker) drop(ctx context.Context, stage, msgID string, cause error, payload []byte, outcome string) error {
	metrics.IncExtraction(outcome)
	w.logger.Error("message dropped",
		"msg_id", msgID,
		"stage", stage,
		"error", cause,
	)
	dl := queue.NewDeadLetter(w.opts.Input, stage, msgID, cause, payload)
	// The loop context may already be cancelled; the dead letter must still land.
	if err := w.dead.Record(context.WithoutCancel(ctx), dl); err != nil {
		w.logger.Warn("dead-letter push failed", "msg_id", msgID, "dead_letter_id", dl.ID, "error", err)
	}
	return cause
}

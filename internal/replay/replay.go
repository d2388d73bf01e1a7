// Package replay feeds messages back into the pipeline: from an mbox export
// or from a dead-letter list.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/tracyhatemice/receiptflow/internal/message"
	"github.com/tracyhatemice/receiptflow/internal/queue"
)

// Result counts what a replay did.
type Result struct {
	Pushed  int
	Skipped int
}

// Mbox parses every message in r and pushes it to the raw-mail queue.
// Messages without usable text are skipped. source names the mbox in
// fallback message ids.
func Mbox(ctx context.Context, r io.Reader, source string, q queue.Queue, rawQueue string, logger *slog.Logger) (Result, error) {
	var res Result
	reader := mboxlib.NewReader(r)

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("mbox message %d: %w", idx, err)
		}
		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return res, fmt.Errorf("mbox message %d read: %w", idx, err)
		}

		msg, err := message.Parse(raw)
		if msg != nil && msg.MessageID == "" {
			msg.MessageID = fmt.Sprintf("mbox-%d@%s", idx, source)
		}
		if err != nil {
			logger.Warn("mbox message skipped", "index", idx, "error", err)
			res.Skipped++
			continue
		}
		if err := push(ctx, q, rawQueue, msg); err != nil {
			return res, err
		}
		logger.Debug("mbox message pushed", "index", idx, "msg_id", msg.MessageID, "subject", msg.Subject)
		res.Pushed++
	}
}

// DeadLetters moves the entries currently in the dead-letter list of name
// back onto the queue they came from. Parse failures are re-parsed from their
// raw source; entries that still fail go back to the dead-letter list.
// limit bounds the number of entries taken; 0 means all.
func DeadLetters(ctx context.Context, q queue.Queue, name string, limit int, logger *slog.Logger) (Result, error) {
	var res Result
	deadName := queue.DeadLetterName(name)

	n, err := q.Len(ctx, deadName)
	if err != nil {
		return res, fmt.Errorf("dead-letter length: %w", err)
	}
	if limit > 0 && int64(limit) < n {
		n = int64(limit)
	}

	for i := int64(0); i < n; i++ {
		data, ok, err := q.Pop(ctx, deadName)
		if err != nil {
			return res, fmt.Errorf("pop dead letter: %w", err)
		}
		if !ok {
			break
		}

		if err := requeue(ctx, q, data); err != nil {
			logger.Warn("dead letter kept", "queue", deadName, "error", err)
			if perr := q.Push(ctx, deadName, data); perr != nil {
				return res, fmt.Errorf("restore dead letter: %w", perr)
			}
			res.Skipped++
			continue
		}
		res.Pushed++
	}
	return res, nil
}

func requeue(ctx context.Context, q queue.Queue, data []byte) error {
	dl, err := queue.DecodeDeadLetter(data)
	if err != nil {
		return err
	}
	if dl.Queue == "" {
		return fmt.Errorf("dead letter %s has no source queue", dl.ID)
	}

	if len(dl.Raw) > 0 {
		msg, err := message.Parse(dl.Raw)
		if err != nil {
			return fmt.Errorf("reparse %s: %w", dl.ID, err)
		}
		if msg.MessageID == "" {
			msg.MessageID = dl.MessageID
		}
		return push(ctx, q, dl.Queue, msg)
	}

	if len(dl.Payload) == 0 {
		return fmt.Errorf("dead letter %s has no payload", dl.ID)
	}
	if err := q.Push(ctx, dl.Queue, dl.Payload); err != nil {
		return fmt.Errorf("push %s: %w", dl.Queue, err)
	}
	return nil
}

func push(ctx context.Context, q queue.Queue, name string, msg *message.Message) error {
	payload, err := message.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.MessageID, err)
	}
	if err := q.Push(ctx, name, payload); err != nil {
		return fmt.Errorf("push %s: %w", name, err)
	}
	return nil
}

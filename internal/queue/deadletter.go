package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tracyhatemice/receiptflow/internal/metrics"
)

// DeadLetterSuffix is appended to a queue name to form its dead-letter list.
const DeadLetterSuffix = ":dead"

// Stages at which an item can be dead-lettered.
const (
	StageParse   = "parse"
	StageDecode  = "decode"
	StageExtract = "extract"
	StageDate    = "normalize"
	StagePersist = "persist"
)

// DeadLetterName returns the dead-letter list for queue name.
func DeadLetterName(name string) string {
	return name + DeadLetterSuffix
}

// DeadLetter records an item that failed processing, kept for manual recovery.
type DeadLetter struct {
	ID        string          `json:"id"`
	Queue     string          `json:"queue"`
	Stage     string          `json:"stage"`
	Cause     string          `json:"cause"`
	MessageID string          `json:"message_id,omitempty"`
	FailedAt  time.Time       `json:"failed_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Raw       []byte          `json:"raw,omitempty"`
}

// NewDeadLetter builds an entry for an item taken from (or destined for) queue.
// payload is kept verbatim when it is valid JSON, otherwise it is stored in Raw.
func NewDeadLetter(queueName, stage, messageID string, cause error, payload []byte) DeadLetter {
	dl := DeadLetter{
		ID:        uuid.NewString(),
		Queue:     queueName,
		Stage:     stage,
		MessageID: messageID,
		FailedAt:  time.Now().UTC(),
	}
	if cause != nil {
		dl.Cause = cause.Error()
	}
	if json.Valid(payload) {
		dl.Payload = json.RawMessage(payload)
	} else if len(payload) > 0 {
		dl.Raw = payload
	}
	return dl
}

// Body returns the original item: the JSON payload or the raw bytes.
func (d DeadLetter) Body() []byte {
	if len(d.Payload) > 0 {
		return d.Payload
	}
	return d.Raw
}

// PushDeadLetter appends d to the dead-letter list of d.Queue.
func PushDeadLetter(ctx context.Context, q Queue, d DeadLetter) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	data := bytes.TrimRight(buf.Bytes(), "\n")
	if err := q.Push(ctx, DeadLetterName(d.Queue), data); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	metrics.IncDeadLetter(d.Stage)
	return nil
}

// DecodeDeadLetter parses a dead-letter list entry.
func DecodeDeadLetter(data []byte) (DeadLetter, error) {
	var d DeadLetter
	if err := json.Unmarshal(data, &d); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	return d, nil
}

// Notifier is told about every recorded dead letter.
type Notifier interface {
	NotifyDeadLetter(ctx context.Context, d DeadLetter) error
}

// DeadLetters records failed items and optionally notifies an operator.
type DeadLetters struct {
	Queue    Queue
	Notifier Notifier
	Logger   *slog.Logger
}

// Record pushes d to its dead-letter list. Notification failures are logged
// and do not fail the call.
func (r *DeadLetters) Record(ctx context.Context, d DeadLetter) error {
	if err := PushDeadLetter(ctx, r.Queue, d); err != nil {
		return err
	}
	if r.Notifier == nil {
		return nil
	}
	if err := r.Notifier.NotifyDeadLetter(ctx, d); err != nil && r.Logger != nil {
		r.Logger.Warn("dead-letter notification failed",
			"dead_letter_id", d.ID,
			"msg_id", d.MessageID,
			"error", err,
		)
	}
	return nil
}

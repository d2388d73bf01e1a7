package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracyhatemice/receiptflow/internal/cursor"
	"github.com/tracyhatemice/receiptflow/internal/message"
	"github.com/tracyhatemice/receiptflow/internal/metrics"
	"github.com/tracyhatemice/receiptflow/internal/queue"
)

// Default delays, matching the mailbox section of the configuration.
const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultRetryDelay     = time.Second
	DefaultIdleTimeout    = 25 * time.Minute
)

// Options tune a Watcher.
type Options struct {
	Account        string        // label used in logs
	Protocol       string        // "imap" or "pop3", used for fallback message ids
	Folder         string        // watched folder, used for fallback message ids
	Queue          string        // raw-mail queue name
	ReconnectDelay time.Duration // pause after a transport failure
	RetryDelay     time.Duration // pause after any other failure
	IdleTimeout    time.Duration // upper bound of one IDLE before it is re-issued
}

func (o *Options) setDefaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
}

// Watcher keeps one live session to a mailbox folder and hands every new
// message to the raw-mail queue.
type Watcher struct {
	opts   Options
	dialer Dialer
	cursor cursor.Store
	queue  queue.Queue
	dead   *queue.DeadLetters
	logger *slog.Logger
	sleep  queue.SleepFunc

	pos     cursor.Position
	pending bool
}

// New creates a Watcher.
func New(
	opts Options,
	dialer Dialer,
	store cursor.Store,
	q queue.Queue,
	dead *queue.DeadLetters,
	logger *slog.Logger,
) *Watcher {
	opts.setDefaults()
	if dead == nil {
		dead = &queue.DeadLetters{Queue: q, Logger: logger}
	}
	return &Watcher{
		opts:   opts,
		dialer: dialer,
		cursor: store,
		queue:  q,
		dead:   dead,
		logger: logger,
		sleep:  queue.Sleep,
	}
}

// Run watches the folder until ctx is cancelled. Failures never end the loop.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("starting mailbox watcher",
		"account", w.opts.Account,
		"protocol", w.opts.Protocol,
		"folder", w.opts.Folder,
		"queue", w.opts.Queue,
	)

	var sess Session
	defer func() {
		if sess != nil {
			w.closeSession(sess)
		}
		w.logger.Info("mailbox watcher stopped", "account", w.opts.Account)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		var err error
		if sess == nil {
			sess, err = w.connect(ctx)
		} else {
			err = w.step(ctx, sess)
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		if sess == nil || needsReconnect(err) {
			w.logger.Error("mailbox connection lost",
				"account", w.opts.Account,
				"error", err,
				"retry_in", w.opts.ReconnectDelay,
			)
			if sess != nil {
				w.closeSession(sess)
				sess = nil
			}
			metrics.IncMailboxReconnect()
			if w.sleep(ctx, w.opts.ReconnectDelay) != nil {
				return
			}
			continue
		}

		w.logger.Error("mailbox error",
			"account", w.opts.Account,
			"error", err,
			"retry_in", w.opts.RetryDelay,
		)
		if w.sleep(ctx, w.opts.RetryDelay) != nil {
			return
		}
	}
}

// connect opens a session and aligns the cursor with it.
func (w *Watcher) connect(ctx context.Context) (Session, error) {
	sess, err := w.dialer.Dial(ctx)
	if err != nil {
		return nil, classify(err)
	}

	if err := w.align(sess); err != nil {
		w.closeSession(sess)
		return nil, err
	}
	// Catch up on anything that arrived while disconnected.
	w.pending = true
	return sess, nil
}

// align loads the cursor, resetting it to "everything already in the folder"
// when it is empty or belongs to a different UID validity.
func (w *Watcher) align(sess Session) error {
	pos, err := w.cursor.Load()
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if pos.IsZero() || pos.Validity != sess.Validity() {
		start := cursor.Position{Validity: sess.Validity()}
		if next := sess.UIDNext(); next > 0 {
			start.UID = next - 1
		}
		w.logger.Info("mailbox cursor reset",
			"account", w.opts.Account,
			"previous_validity", pos.Validity,
			"validity", start.Validity,
			"uid", start.UID,
		)
		if err := w.cursor.Save(start); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
		pos = start
	}
	w.pos = pos
	return nil
}

// step either drains pending messages or waits for the server to report new ones.
func (w *Watcher) step(ctx context.Context, sess Session) error {
	if w.pending {
		if err := w.fetchNew(ctx, sess); err != nil {
			return err
		}
		w.pending = false
		return nil
	}

	w.logger.Debug("waiting for new mail", "account", w.opts.Account)
	got, err := sess.Idle(ctx, w.opts.IdleTimeout)
	if err != nil {
		return classify(err)
	}
	if got {
		w.pending = true
	}
	return nil
}

func (w *Watcher) fetchNew(ctx context.Context, sess Session) error {
	raws, err := sess.FetchAfter(ctx, w.pos.UID)
	if err != nil {
		return classify(err)
	}
	if len(raws) == 0 {
		return nil
	}
	w.logger.Info(fmt.Sprintf("found %d new email(s)", len(raws)), "account", w.opts.Account)

	for _, raw := range raws {
		if raw.UID <= w.pos.UID {
			continue
		}
		if err := w.handOff(ctx, raw); err != nil {
			return err
		}
		next := cursor.Position{Validity: w.pos.Validity, UID: raw.UID}
		if err := w.cursor.Save(next); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
		w.pos = next
	}
	return nil
}

// handOff parses raw and pushes it to the raw-mail queue. Messages that cannot
// be parsed are dead-lettered so they do not block the folder.
func (w *Watcher) handOff(ctx context.Context, raw Raw) error {
	msg, err := message.Parse(raw.Data)
	if msg != nil && msg.MessageID == "" {
		msg.MessageID = fmt.Sprintf("%s-%d@%s", w.opts.Protocol, raw.UID, w.opts.Folder)
	}
	if err != nil {
		msgID := ""
		if msg != nil {
			msgID = msg.MessageID
		}
		w.logger.Error("message dropped",
			"account", w.opts.Account,
			"stage", queue.StageParse,
			"uid", raw.UID,
			"msg_id", msgID,
			"error", err,
		)
		dl := queue.NewDeadLetter(w.opts.Queue, queue.StageParse, msgID, err, raw.Data)
		if err := w.dead.Record(ctx, dl); err != nil {
			return fmt.Errorf("dead-letter uid %d: %w", raw.UID, err)
		}
		return nil
	}

	payload, err := message.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode uid %d: %w", raw.UID, err)
	}
	if err := w.queue.Push(ctx, w.opts.Queue, payload); err != nil {
		return fmt.Errorf("enqueue uid %d: %w", raw.UID, err)
	}
	metrics.IncMailboxIngested()

	w.logger.Info("pushed email to queue",
		"account", w.opts.Account,
		"uid", raw.UID,
		"msg_id", msg.MessageID,
		"subject", msg.Subject,
		"sender", msg.Sender,
	)
	return nil
}

// closeSession ends sess, ignoring errors: the connection is usually already broken.
func (w *Watcher) closeSession(sess Session) {
	if err := sess.Close(); err != nil && !errors.Is(err, ErrConnectionClosed) {
		w.logger.Debug("mailbox close failed", "account", w.opts.Account, "error", err)
	}
}

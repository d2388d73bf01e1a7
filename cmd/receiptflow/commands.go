package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tracyhatemice/receiptflow/internal/config"
	"github.com/tracyhatemice/receiptflow/internal/cursor"
	"github.com/tracyhatemice/receiptflow/internal/extractor"
	"github.com/tracyhatemice/receiptflow/internal/mailbox"
	"github.com/tracyhatemice/receiptflow/internal/queue"
	"github.com/tracyhatemice/receiptflow/internal/replay"
	"github.com/tracyhatemice/receiptflow/internal/store"
	"github.com/tracyhatemice/receiptflow/internal/worker"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the receipts folder and push new mail to the raw-mail queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, (*config.Config).ValidateWatch)
			if err != nil {
				return err
			}
			m := a.cfg.Mailbox

			dialer, err := newDialer(m, a)
			if err != nil {
				return err
			}

			cursorFile := filepath.Join(m.GetStateDir(), sanitize(m.GetName()+"-"+m.GetFolder())+".cursor")
			positions, err := cursor.NewFile(cursorFile)
			if err != nil {
				return fmt.Errorf("open cursor: %w", err)
			}
			a.logger.Info("receiptflow watch starting", "account", m.GetName(), "cursor", positions.Path())

			w := mailbox.New(mailbox.Options{
				Account:        m.GetName(),
				Protocol:       m.Protocol,
				Folder:         m.GetFolder(),
				Queue:          a.cfg.Queues.RawMail,
				ReconnectDelay: m.ReconnectDelay(),
				RetryDelay:     m.RetryDelay(),
				IdleTimeout:    m.IdleTimeout(),
			}, dialer, positions, a.queue, a.deadLetters(), a.logger)

			return a.run("watcher", []string{a.cfg.Queues.RawMail, queue.DeadLetterName(a.cfg.Queues.RawMail)}, w.Run)
		},
	}
}

func newDialer(m config.Mailbox, a *app) (mailbox.Dialer, error) {
	switch m.Protocol {
	case "pop3":
		return mailbox.NewPOP3(
			m.Host, m.Port,
			m.Username, m.Password,
			m.UseTLS, m.PollInterval(), a.logger,
		), nil
	case "imap":
		return mailbox.NewIMAP(
			m.Host, m.Port,
			m.Username, m.Password,
			m.UseTLS, m.GetFolder(), a.logger,
		), nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", m.Protocol)
	}
}

func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Extract receipt fields from queued mail and publish transaction records",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, (*config.Config).ValidateExtract)
			if err != nil {
				return err
			}
			e := a.cfg.Extractor
			loc, err := e.Location()
			if err != nil {
				return err
			}

			client := extractor.New(extractor.Options{
				BaseURL:           e.BaseURL,
				APIKey:            e.APIKey,
				Model:             e.Model,
				Timeout:           e.Timeout(),
				RequestsPerMinute: e.RequestsPerMinute,
			}, a.logger)

			w := worker.New(worker.Options{
				Input:        a.cfg.Queues.RawMail,
				Output:       a.cfg.Queues.Transactions,
				Location:     loc,
				PollInterval: a.cfg.Queues.PollInterval(),
			}, a.queue, client, a.deadLetters(), a.logger)

			return a.run("worker", []string{
				a.cfg.Queues.RawMail,
				a.cfg.Queues.Transactions,
				queue.DeadLetterName(a.cfg.Queues.RawMail),
			}, w.Run)
		},
	}
}

func newSinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sink",
		Short: "Store transaction records in Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, (*config.Config).ValidateSink)
			if err != nil {
				return err
			}
			pool, err := store.NewPool(cmd.Context(), a.cfg.Sink.DSN)
			if err != nil {
				return err
			}
			defer pool.Close()

			s := store.NewSink(
				a.queue,
				a.cfg.Queues.Transactions,
				a.cfg.Queues.PollInterval(),
				a.cfg.Sink.RetryDelay(),
				store.New(pool),
				a.deadLetters(),
				a.logger,
			)
			return a.run("sink", []string{
				a.cfg.Queues.Transactions,
				queue.DeadLetterName(a.cfg.Queues.Transactions),
			}, s.Run)
		},
	}
}

func newReplayCmd() *cobra.Command {
	var (
		mboxPath string
		fromDead string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Push messages from an mbox file or a dead-letter list back into the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (mboxPath == "") == (fromDead == "") {
				return fmt.Errorf("exactly one of --mbox or --from-dead is required")
			}
			a, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer a.queue.Close()

			ctx := cmd.Context()
			var res replay.Result
			if mboxPath != "" {
				res, err = replayMbox(ctx, a, mboxPath)
			} else {
				res, err = replay.DeadLetters(ctx, a.queue, fromDead, limit, a.logger)
			}
			if err != nil {
				return err
			}
			a.logger.Info("replay finished", "pushed", res.Pushed, "skipped", res.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&mboxPath, "mbox", "", "mbox file to push to the raw-mail queue")
	cmd.Flags().StringVar(&fromDead, "from-dead", "", "queue whose dead letters are pushed back to it")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of dead letters to replay (0 = all)")
	return cmd
}

func replayMbox(ctx context.Context, a *app, path string) (replay.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return replay.Result{}, fmt.Errorf("open mbox: %w", err)
	}
	defer f.Close()
	return replay.Mbox(ctx, f, filepath.Base(path), a.queue, a.cfg.Queues.RawMail, a.logger)
}
